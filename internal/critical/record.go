package critical

import "time"

// Kind tells which discovery path made an image critical.
type Kind uint8

const (
	// KindLayout is an <img> (or equivalent) found in the initial viewport.
	KindLayout Kind = iota
	// KindCSS is an image referenced by a CSS background-image rule.
	KindCSS
)

func (k Kind) String() string {
	if k == KindCSS {
		return "css"
	}
	return "layout"
}

// Evidence is the decayed observation count for one image, referenced to At.
// Support counts sampled loads that rendered the image, Hits the loads where
// it was inside the initial viewport. Peak is the highest hit ratio any
// single merged batch showed for the image.
type Evidence struct {
	Support float64
	Hits    float64
	Peak    float64
	At      time.Time
}

// Ratio is Hits/Support, zero when nothing was observed.
func (e Evidence) Ratio() float64 {
	if e.Support <= 0 {
		return 0
	}
	r := e.Hits / e.Support
	if r > 1 {
		return 1
	}
	return r
}

// Record is the persisted critical-image knowledge for one Page.
// Critical and CSSCritical may overlap.
type Record struct {
	Critical    ImageSet
	CSSCritical ImageSet
	Evidence    map[string]Evidence
	CSSEvidence map[string]Evidence
	ComputedAt  time.Time
	Support     int64
}

func NewRecord() Record {
	return Record{
		Critical:    ImageSet{},
		CSSCritical: ImageSet{},
		Evidence:    map[string]Evidence{},
		CSSEvidence: map[string]Evidence{},
	}
}

// AllCritical is the union of both critical sets.
func (r Record) AllCritical() ImageSet {
	return r.Critical.Union(r.CSSCritical)
}

// Knows reports whether the record holds any evidence or membership for id.
func (r Record) Knows(kind Kind, id string) bool {
	if kind == KindCSS {
		_, ok := r.CSSEvidence[id]
		return ok || r.CSSCritical.Has(id)
	}
	_, ok := r.Evidence[id]
	return ok || r.Critical.Has(id)
}

func (r Record) Clone() Record {
	out := Record{
		Critical:    r.Critical.Clone(),
		CSSCritical: r.CSSCritical.Clone(),
		Evidence:    make(map[string]Evidence, len(r.Evidence)),
		CSSEvidence: make(map[string]Evidence, len(r.CSSEvidence)),
		ComputedAt:  r.ComputedAt,
		Support:     r.Support,
	}
	for k, v := range r.Evidence {
		out.Evidence[k] = v
	}
	for k, v := range r.CSSEvidence {
		out.CSSEvidence[k] = v
	}
	return out
}

func (r *Record) evidence(k Kind) map[string]Evidence {
	if k == KindCSS {
		if r.CSSEvidence == nil {
			r.CSSEvidence = map[string]Evidence{}
		}
		return r.CSSEvidence
	}
	if r.Evidence == nil {
		r.Evidence = map[string]Evidence{}
	}
	return r.Evidence
}

func (r *Record) set(k Kind) ImageSet {
	if k == KindCSS {
		if r.CSSCritical == nil {
			r.CSSCritical = ImageSet{}
		}
		return r.CSSCritical
	}
	if r.Critical == nil {
		r.Critical = ImageSet{}
	}
	return r.Critical
}

// Delta is an increment of evidence for one image produced by the
// aggregator.
type Delta struct {
	Image   string
	Kind    Kind
	Support float64
	Hits    float64
	At      time.Time
}

// Batch is everything drained for one page in one go.
type Batch struct {
	Page   Page
	Loads  int64
	Deltas []Delta
}

func (b Batch) Empty() bool {
	return b.Loads == 0 && len(b.Deltas) == 0
}
