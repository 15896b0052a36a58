package critical

import (
	"math"
	"time"
)

// Merge folds batch b into r and reclassifies every image. Counts are
// brought to a common reference time before being added, so merging any set
// of batches in any order yields the same evidence and the same critical
// sets. Observation times later than now are treated as now.
func Merge(r Record, b Batch, p Policy, now time.Time) Record {
	out := r.Clone()
	hl := p.DemotionWindow
	for _, d := range b.Deltas {
		if d.Image == "" {
			continue
		}
		in := Evidence{Support: d.Support, Hits: d.Hits, At: clampAt(d.At, now)}
		if d.Support >= p.MinImageSupport {
			in.Peak = in.Ratio()
		}
		ev := out.evidence(d.Kind)
		ev[d.Image] = combine(ev[d.Image], in, hl, now)
	}
	out.Support += b.Loads
	out.ComputedAt = now
	Classify(&out, p, now)
	return out
}

// Classify recomputes both critical sets from the evidence. An image is
// promoted when its hit ratio reaches PromoteRatio and, once any merged
// batch has shown it at PromoteRatio, is only demoted when the ratio drops
// below DemoteRatio. Images with less than MinImageSupport decayed support
// are never critical; evidence below PruneBelow is dropped.
func Classify(r *Record, p Policy, now time.Time) {
	for _, k := range []Kind{KindLayout, KindCSS} {
		ev := r.evidence(k)
		next := make(ImageSet, len(ev))
		for id, e := range ev {
			if e.At.After(now) {
				e.At = now
				ev[id] = e
			}
			cur := e.decayedTo(now, p.DemotionWindow)
			if cur.Support < p.PruneBelow || cur.Support <= 0 {
				delete(ev, id)
				continue
			}
			if cur.Support < p.MinImageSupport {
				continue
			}
			ratio := e.Ratio()
			switch {
			case ratio >= p.PromoteRatio:
				next[id] = struct{}{}
			case e.Peak >= p.PromoteRatio && ratio >= p.DemoteRatio:
				next[id] = struct{}{}
			}
		}
		if k == KindCSS {
			r.CSSCritical = next
		} else {
			r.Critical = next
		}
	}
}

func (e Evidence) decayedTo(t time.Time, halfLife time.Duration) Evidence {
	if e.At.IsZero() || !t.After(e.At) {
		return e
	}
	dt := t.Sub(e.At)
	return Evidence{
		Support: decay(e.Support, dt, halfLife),
		Hits:    decay(e.Hits, dt, halfLife),
		Peak:    e.Peak,
		At:      t,
	}
}

func combine(a, b Evidence, halfLife time.Duration, now time.Time) Evidence {
	a.At = clampAt(a.At, now)
	b.At = clampAt(b.At, now)
	if a.At.IsZero() && a.Support == 0 && a.Hits == 0 {
		return b
	}
	ref := a.At
	if b.At.After(ref) {
		ref = b.At
	}
	da := a.decayedTo(ref, halfLife)
	db := b.decayedTo(ref, halfLife)
	return Evidence{
		Support: da.Support + db.Support,
		Hits:    da.Hits + db.Hits,
		Peak:    math.Max(a.Peak, b.Peak),
		At:      ref,
	}
}

func clampAt(at, now time.Time) time.Time {
	if !now.IsZero() && at.After(now) {
		return now
	}
	return at
}

func decay(v float64, dt, halfLife time.Duration) float64 {
	if v == 0 || dt <= 0 || halfLife <= 0 {
		return v
	}
	lambda := math.Ln2 / halfLife.Seconds()
	// e^(-λt)
	return v * math.Exp(-lambda*dt.Seconds())
}
