package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mohammed-shakir/critical-images/internal/beacon"
	"github.com/mohammed-shakir/critical-images/internal/beacon/kafkafeed"
	"github.com/mohammed-shakir/critical-images/internal/critical"
	"github.com/mohammed-shakir/critical-images/internal/finder"
	mylog "github.com/mohammed-shakir/critical-images/internal/logger"
)

const maxBeaconBytes = 256 << 10

// Recorder folds beacons into pending batches; *beacon.Aggregator.
type Recorder interface {
	Record(b beacon.Beacon) error
}

// Publisher forwards beacons to Kafka; *kafkafeed.Publisher.
type Publisher interface {
	Publish(w kafkafeed.WireBeacon) bool
}

type beaconHandler struct {
	log *slog.Logger
	rec Recorder
	pub Publisher
	now func() time.Time
}

func (h *beaconHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBeaconBytes)
	var wb kafkafeed.WireBeacon
	if err := json.NewDecoder(r.Body).Decode(&wb); err != nil {
		http.Error(w, "invalid beacon json", http.StatusBadRequest)
		return
	}
	page := wb.Page()
	if !page.Valid() {
		http.Error(w, "missing required field: url", http.StatusBadRequest)
		return
	}
	if len(wb.Images) > beacon.MaxImages {
		http.Error(w, "too many images", http.StatusBadRequest)
		return
	}
	if wb.TS.IsZero() {
		wb.TS = h.now().UTC()
	}
	ctx := mylog.WithPage(r.Context(), page.URL, page.Device)

	if h.pub != nil {
		if !h.pub.Publish(wb) {
			h.log.WarnContext(ctx, "beacon publish queue full")
			http.Error(w, "beacon queue full", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	err := h.rec.Record(wb.Beacon())
	switch {
	case err == nil, errors.Is(err, beacon.ErrDuplicate):
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, beacon.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.ErrorContext(ctx, "record beacon", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

type criticalImagesResponse struct {
	Page        string   `json:"page"`
	Device      string   `json:"device"`
	Meaningful  bool     `json:"meaningful"`
	Critical    []string `json:"critical"`
	CSSCritical []string `json:"css_critical"`
	Stale       bool     `json:"stale"`
	Source      string   `json:"source,omitempty"`
}

// criticalImages runs one driver transaction for the requested page, the
// way a rewriter would, and reports what it saw.
func criticalImages(log *slog.Logger, f finder.Finder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rawURL := strings.TrimSpace(q.Get("url"))
		if rawURL == "" {
			http.Error(w, "missing required parameter: url", http.StatusBadRequest)
			return
		}
		page := critical.NewPage(rawURL, q.Get("device"))
		ctx := mylog.WithPage(r.Context(), page.URL, page.Device)

		d := finder.NewDriver(page, nil)
		out := criticalImagesResponse{
			Page:        page.URL,
			Device:      page.Device,
			Critical:    []string{},
			CSSCritical: []string{},
		}
		if f.IsMeaningful(d) {
			out.Meaningful = true
			f.UpdateCriticalImagesSetInDriver(ctx, d)
			html, err := f.CriticalImages(d)
			if err != nil {
				log.ErrorContext(ctx, "critical images", "err", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			css, err := f.CSSCriticalImages(d)
			if err != nil {
				log.ErrorContext(ctx, "css critical images", "err", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			out.Critical = html.Sorted()
			out.CSSCritical = css.Sorted()
			if info, ok := d.CriticalImagesInfo(); ok {
				out.Stale = info.Stale
				out.Source = string(info.Source)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
