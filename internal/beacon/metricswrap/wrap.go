// Package metricswrap wraps a beacon recorder with Prometheus metrics and
// sampled debug logging.
package metricswrap

import (
	"context"
	"errors"
	"log/slog"

	xx "github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/critical-images/internal/beacon"
	"github.com/mohammed-shakir/critical-images/internal/core/observability"
	mylog "github.com/mohammed-shakir/critical-images/internal/logger"
)

type Recorder interface {
	Record(b beacon.Beacon) error
}

type Sizer interface{ Size() int }

type WithMetrics struct {
	inner  Recorder
	log    *slog.Logger
	sample float64
}

// New wraps inner. sample is the fraction of pages whose beacons are logged
// at debug level; the choice is stable per page.
func New(inner Recorder, log *slog.Logger, sample float64) *WithMetrics {
	if log == nil {
		log = slog.Default()
	}
	return &WithMetrics{inner: inner, log: log, sample: sample}
}

func (w *WithMetrics) Record(b beacon.Beacon) error {
	err := w.inner.Record(b)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, beacon.ErrDuplicate):
		result = "duplicate"
	case errors.Is(err, beacon.ErrInvalid):
		result = "invalid"
	default:
		result = "error"
	}
	observability.ObserveBeaconRecorded(result)

	if s, ok := w.inner.(Sizer); ok {
		observability.SetPendingPages(s.Size())
	}

	key := b.Page.Key()
	if shouldLog(w.sample, key) {
		ctx := mylog.WithPage(context.Background(), b.Page.URL, b.Page.Device)
		w.log.DebugContext(ctx, "beacon recorded",
			"result", result,
			"images", len(b.Images),
			"nonce", b.Nonce)
	}
	return err
}

func shouldLog(sample float64, key string) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	const denom = 10000 // 0.01 => 100/10000
	threshold := uint64(sample*denom + 0.5)
	if threshold == 0 {
		return false
	}
	return xx.Sum64String(key)%denom < threshold
}
