package critical

import (
	"fmt"
	"time"
)

// UnknownImagePolicy decides how an image without any evidence is treated
// by membership queries.
type UnknownImagePolicy string

const (
	UnknownNonCritical UnknownImagePolicy = "non_critical"
	UnknownCritical    UnknownImagePolicy = "critical"
)

// Policy holds staleness and classification thresholds.
type Policy struct {
	// FreshTTL is how long after ComputedAt a record is served without
	// recomputation.
	FreshTTL time.Duration
	// MinSupport is the number of merged page loads a record needs to be fresh.
	MinSupport int64

	PromoteRatio    float64
	DemoteRatio     float64
	MinImageSupport float64
	// DemotionWindow is the half-life applied to evidence counts.
	DemotionWindow time.Duration
	PruneBelow     float64

	UnknownImages UnknownImagePolicy
}

func DefaultPolicy() Policy {
	return Policy{
		FreshTTL:        10 * time.Minute,
		MinSupport:      3,
		PromoteRatio:    0.6,
		DemoteRatio:     0.3,
		MinImageSupport: 1,
		DemotionWindow:  72 * time.Hour,
		PruneBelow:      0.05,
		UnknownImages:   UnknownNonCritical,
	}
}

func (p Policy) Validate() error {
	if p.FreshTTL <= 0 {
		return fmt.Errorf("fresh ttl must be > 0, got %s", p.FreshTTL)
	}
	if p.MinSupport < 0 {
		return fmt.Errorf("min support must be >= 0, got %d", p.MinSupport)
	}
	if p.PromoteRatio <= 0 || p.PromoteRatio > 1 {
		return fmt.Errorf("promote ratio must be in (0,1], got %g", p.PromoteRatio)
	}
	if p.DemoteRatio < 0 || p.DemoteRatio > p.PromoteRatio {
		return fmt.Errorf("demote ratio must be in [0,promote ratio], got %g", p.DemoteRatio)
	}
	if p.MinImageSupport < 0 {
		return fmt.Errorf("min image support must be >= 0, got %g", p.MinImageSupport)
	}
	if p.PruneBelow < 0 {
		return fmt.Errorf("prune threshold must be >= 0, got %g", p.PruneBelow)
	}
	switch p.UnknownImages {
	case UnknownNonCritical, UnknownCritical:
	default:
		return fmt.Errorf("unknown image policy must be %q or %q, got %q",
			UnknownNonCritical, UnknownCritical, p.UnknownImages)
	}
	return nil
}

// Fresh reports whether r can be served without triggering recomputation.
func (p Policy) Fresh(r Record, now time.Time) bool {
	if r.ComputedAt.IsZero() {
		return false
	}
	if now.Sub(r.ComputedAt) >= p.FreshTTL {
		return false
	}
	return r.Support >= p.MinSupport
}
