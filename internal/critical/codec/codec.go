// Package codec serializes critical-image records for the property store.
//
// A frame is laid out as:
//
//	magic "CIR" | version (1 byte) | xxhash64(payload) (8 bytes, big endian) | payload
//
// The payload is JSON with sorted sets and unix-nano timestamps. Decoding
// fails closed: any frame that is not exactly the current version with a
// matching checksum is rejected, and callers treat it as absent.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/critical-images/internal/critical"
)

const (
	Version    byte = 1
	headerSize      = 3 + 1 + 8
)

var magic = [3]byte{'C', 'I', 'R'}

var (
	ErrCorrupt = errors.New("critical image record corrupt")
	// ErrVersion also matches ErrCorrupt.
	ErrVersion = fmt.Errorf("%w: unsupported version", ErrCorrupt)
)

type wireEvidence struct {
	ID      string  `json:"id"`
	Support float64 `json:"s"`
	Hits    float64 `json:"h"`
	Peak    float64 `json:"p,omitempty"`
	At      int64   `json:"at,omitempty"`
}

type wireRecord struct {
	Critical    []string       `json:"critical"`
	CSSCritical []string       `json:"css_critical"`
	Evidence    []wireEvidence `json:"evidence,omitempty"`
	CSSEvidence []wireEvidence `json:"css_evidence,omitempty"`
	ComputedAt  int64          `json:"computed_at,omitempty"`
	Support     int64          `json:"support"`
}

func Encode(r critical.Record) ([]byte, error) {
	w := wireRecord{
		Critical:    r.Critical.Sorted(),
		CSSCritical: r.CSSCritical.Sorted(),
		Evidence:    toWire(r.Evidence),
		CSSEvidence: toWire(r.CSSEvidence),
		ComputedAt:  unixNano(r.ComputedAt),
		Support:     r.Support,
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode critical image record: %w", err)
	}

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out[0:3], magic[:])
	out[3] = Version
	binary.BigEndian.PutUint64(out[4:headerSize], xxhash.Sum64(payload))
	return append(out, payload...), nil
}

func Decode(b []byte) (critical.Record, error) {
	if len(b) < headerSize {
		return critical.Record{}, fmt.Errorf("%w: short frame (%d bytes)", ErrCorrupt, len(b))
	}
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != magic[2] {
		return critical.Record{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if b[3] != Version {
		return critical.Record{}, fmt.Errorf("%w: got %d want %d", ErrVersion, b[3], Version)
	}
	payload := b[headerSize:]
	if want := binary.BigEndian.Uint64(b[4:headerSize]); xxhash.Sum64(payload) != want {
		return critical.Record{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	var w wireRecord
	if err := json.Unmarshal(payload, &w); err != nil {
		return critical.Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	r := critical.NewRecord()
	for _, id := range w.Critical {
		r.Critical.Add(id)
	}
	for _, id := range w.CSSCritical {
		r.CSSCritical.Add(id)
	}
	fromWire(w.Evidence, r.Evidence)
	fromWire(w.CSSEvidence, r.CSSEvidence)
	r.ComputedAt = fromUnixNano(w.ComputedAt)
	r.Support = w.Support
	return r, nil
}

func toWire(m map[string]critical.Evidence) []wireEvidence {
	if len(m) == 0 {
		return nil
	}
	out := make([]wireEvidence, 0, len(m))
	for id, e := range m {
		out = append(out, wireEvidence{ID: id, Support: e.Support, Hits: e.Hits, Peak: e.Peak, At: unixNano(e.At)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func fromWire(in []wireEvidence, dst map[string]critical.Evidence) {
	for _, e := range in {
		if e.ID == "" {
			continue
		}
		dst[e.ID] = critical.Evidence{Support: e.Support, Hits: e.Hits, Peak: e.Peak, At: fromUnixNano(e.At)}
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
