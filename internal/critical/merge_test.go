package critical

import (
	"math"
	"testing"
	"time"
)

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%g want=%g (eps=%g)", got, want, eps)
	}
}

func batch(at time.Time, loads int64, ds ...Delta) Batch {
	for i := range ds {
		if ds[i].At.IsZero() {
			ds[i].At = at
		}
	}
	return Batch{Page: NewPage("https://example.com/", "desktop"), Loads: loads, Deltas: ds}
}

func TestMerge_AddsSupportAndPromotes(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0).UTC()

	r := Merge(NewRecord(), batch(now, 3,
		Delta{Image: "img1", Support: 3, Hits: 3},
		Delta{Image: "img2", Support: 3, Hits: 0},
		Delta{Image: "bg.png", Kind: KindCSS, Support: 3, Hits: 2},
	), p, now)

	if r.Support != 3 {
		t.Fatalf("support=%d want 3", r.Support)
	}
	if !r.Critical.Equal(NewImageSet("img1")) {
		t.Fatalf("critical=%v want [img1]", r.Critical.Sorted())
	}
	if !r.CSSCritical.Equal(NewImageSet("bg.png")) {
		t.Fatalf("css critical=%v want [bg.png]", r.CSSCritical.Sorted())
	}
	if !r.ComputedAt.Equal(now) {
		t.Fatalf("computedAt=%v want %v", r.ComputedAt, now)
	}
	if _, ok := r.Evidence["img2"]; !ok {
		t.Fatalf("non-critical evidence must be kept for later merges")
	}
}

func TestMerge_CommutativeSupportCounts(t *testing.T) {
	p := DefaultPolicy()
	t0 := time.Unix(1_700_000_000, 0).UTC()
	b1 := batch(t0, 2, Delta{Image: "img1", Support: 2, Hits: 2}, Delta{Image: "img3", Support: 1, Hits: 0})
	b2 := batch(t0.Add(6*time.Hour), 3, Delta{Image: "img1", Support: 3, Hits: 1}, Delta{Image: "img2", Support: 3, Hits: 3})
	now := t0.Add(7 * time.Hour)

	ab := Merge(Merge(NewRecord(), b1, p, now), b2, p, now)
	ba := Merge(Merge(NewRecord(), b2, p, now), b1, p, now)

	if ab.Support != ba.Support {
		t.Fatalf("record support differs: %d vs %d", ab.Support, ba.Support)
	}
	if len(ab.Evidence) != len(ba.Evidence) {
		t.Fatalf("evidence size differs: %d vs %d", len(ab.Evidence), len(ba.Evidence))
	}
	for id, e := range ab.Evidence {
		o, ok := ba.Evidence[id]
		if !ok {
			t.Fatalf("image %q missing from reversed merge", id)
		}
		almostEq(t, e.Support, o.Support, 1e-9)
		almostEq(t, e.Hits, o.Hits, 1e-9)
		if !e.At.Equal(o.At) {
			t.Fatalf("image %q reference time differs: %v vs %v", id, e.At, o.At)
		}
	}
}

func TestMerge_CommutativeCriticalSets(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0).UTC()
	b1 := batch(now, 5, Delta{Image: "x", Support: 5, Hits: 5}, Delta{Image: "bg", Kind: KindCSS, Support: 5, Hits: 4})
	b2 := batch(now, 5, Delta{Image: "x", Support: 5, Hits: 0}, Delta{Image: "bg", Kind: KindCSS, Support: 5, Hits: 0})

	ab := Merge(Merge(NewRecord(), b1, p, now), b2, p, now)
	ba := Merge(Merge(NewRecord(), b2, p, now), b1, p, now)

	if !ab.Critical.Equal(ba.Critical) || !ab.CSSCritical.Equal(ba.CSSCritical) {
		t.Fatalf("critical sets depend on merge order: %v/%v vs %v/%v",
			ab.Critical.Sorted(), ab.CSSCritical.Sorted(), ba.Critical.Sorted(), ba.CSSCritical.Sorted())
	}
	// 5/10 sits between demote and promote; the 5/5 batch carries it
	if !ab.Critical.Has("x") {
		t.Fatalf("x should be critical in either order, ratio %.2f", ab.Evidence["x"].Ratio())
	}
	// 4/10 with a 0.8 peak also holds
	if !ab.CSSCritical.Has("bg") {
		t.Fatalf("bg should be css critical in either order")
	}
}

func TestMerge_FutureEvidenceDoesNotPinCritical(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0).UTC()

	r := Merge(NewRecord(), batch(now, 1, Delta{Image: "x", Support: 1, Hits: 1, At: now.Add(365 * 24 * time.Hour)}), p, now)
	if e := r.Evidence["x"]; e.At.After(now) {
		t.Fatalf("evidence referenced to %v, after merge time %v", e.At, now)
	}

	r = Merge(r, batch(now, 50, Delta{Image: "x", Support: 50, Hits: 0}), p, now)
	if r.Critical.Has("x") {
		t.Fatalf("x still critical after 50 non-viewport loads: %+v", r.Evidence["x"])
	}
	almostEq(t, r.Evidence["x"].Support, 51, 1e-9)

	later := now.Add(30 * 24 * time.Hour)
	r = Merge(r, batch(later, 50, Delta{Image: "x", Support: 50, Hits: 0}), p, later)
	if r.Critical.Has("x") || r.Evidence["x"].Ratio() > 0.05 {
		t.Fatalf("x evidence=%+v ratio=%.4f want demoted", r.Evidence["x"], r.Evidence["x"].Ratio())
	}
}

func TestClassify_ClampsStoredFutureEvidence(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0).UTC()
	r := NewRecord()
	r.Evidence["x"] = Evidence{Support: 1, Hits: 1, Peak: 1, At: now.Add(24 * time.Hour)}

	Classify(&r, p, now)
	if !r.Evidence["x"].At.Equal(now) {
		t.Fatalf("At=%v want %v", r.Evidence["x"].At, now)
	}
}

func TestMerge_SameTimestampDeltasSumExactly(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0).UTC()

	r := Merge(NewRecord(), batch(now, 1, Delta{Image: "img1", Support: 3, Hits: 3}), p, now)
	r = Merge(r, batch(now, 1, Delta{Image: "img1", Support: 2, Hits: 2}), p, now)

	if got := r.Evidence["img1"].Support; got != 5 {
		t.Fatalf("support=%g want 5", got)
	}
}

func TestClassify_HysteresisKeepsCriticalAboveDemoteRatio(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0).UTC()

	r := Merge(NewRecord(), batch(now, 4, Delta{Image: "hero.jpg", Support: 4, Hits: 4}), p, now)
	if !r.Critical.Has("hero.jpg") {
		t.Fatalf("precondition: hero.jpg should be critical")
	}

	// 4/10 = 0.4: below promote (0.6), above demote (0.3)
	r = Merge(r, batch(now, 6, Delta{Image: "hero.jpg", Support: 6, Hits: 0}), p, now)
	if !r.Critical.Has("hero.jpg") {
		t.Fatalf("hero.jpg demoted at ratio %.2f; want kept until below %.2f",
			r.Evidence["hero.jpg"].Ratio(), p.DemoteRatio)
	}

	// 4/20 = 0.2: below demote
	r = Merge(r, batch(now, 10, Delta{Image: "hero.jpg", Support: 10, Hits: 0}), p, now)
	if r.Critical.Has("hero.jpg") {
		t.Fatalf("hero.jpg should be demoted at ratio %.2f", r.Evidence["hero.jpg"].Ratio())
	}
}

func TestClassify_SameRatioNotPromotedWithoutHistory(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0).UTC()

	r := Merge(NewRecord(), batch(now, 10, Delta{Image: "a.png", Support: 10, Hits: 4}), p, now)
	if r.Critical.Has("a.png") {
		t.Fatalf("ratio 0.4 must not promote a non-critical image")
	}
}

func TestClassify_DecayDemotesAndPrunesOldEvidence(t *testing.T) {
	p := DefaultPolicy()
	p.DemotionWindow = time.Hour
	p.MinImageSupport = 1
	t0 := time.Unix(1_700_000_000, 0).UTC()

	r := Merge(NewRecord(), batch(t0, 1, Delta{Image: "old.png", Support: 1, Hits: 1}), p, t0)
	if !r.Critical.Has("old.png") {
		t.Fatalf("precondition: old.png should be critical")
	}

	// two half-lives: support 0.25 < MinImageSupport
	r = Merge(r, batch(t0.Add(2*time.Hour), 1), p, t0.Add(2*time.Hour))
	if r.Critical.Has("old.png") {
		t.Fatalf("old.png should no longer be critical after decay")
	}
	if _, ok := r.Evidence["old.png"]; !ok {
		t.Fatalf("old.png evidence should survive until below prune threshold")
	}

	// five half-lives: 1/32 < PruneBelow (0.05)
	r = Merge(r, batch(t0.Add(5*time.Hour), 1), p, t0.Add(5*time.Hour))
	if _, ok := r.Evidence["old.png"]; ok {
		t.Fatalf("old.png evidence should be pruned")
	}
}

func TestClassify_ZeroObservationsNeverCritical(t *testing.T) {
	p := DefaultPolicy()
	now := time.Unix(1_700_000_000, 0).UTC()
	r := NewRecord()
	r.Evidence["ghost.png"] = Evidence{At: now}

	Classify(&r, p, now)
	if r.Critical.Has("ghost.png") {
		t.Fatalf("image without observations must not be critical")
	}
}

func TestDecayHelper_Edges(t *testing.T) {
	if got := decay(0, time.Second, time.Minute); got != 0 {
		t.Fatalf("expected 0, got %g", got)
	}
	if got := decay(5, 0, time.Minute); got != 5 {
		t.Fatalf("expected 5, got %g", got)
	}
	if got := decay(5, time.Second, 0); got != 5 {
		t.Fatalf("expected 5, got %g", got)
	}
	almostEq(t, decay(1, time.Minute, time.Minute), 0.5, 1e-9)
}
