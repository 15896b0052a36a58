package finder

import (
	"github.com/mohammed-shakir/critical-images/internal/core/observability"
	"github.com/mohammed-shakir/critical-images/internal/critical"
)

// Stats receives the finder's per-transaction counters.
type Stats interface {
	IncComputeCalls()
	IncStoreMisses()
	IncDecodeFailures()
	IncStaleServed()
}

// Source tells where the driver's record came from.
type Source string

const (
	SourceStore       Source = "store"
	SourceMiss        Source = "miss"
	SourceCorrupt     Source = "corrupt"
	SourceUnavailable Source = "unavailable"
	SourceUnusable    Source = "unusable"
)

// CriticalImagesInfo is what one transaction knows about its page.
type CriticalImagesInfo struct {
	HTML   critical.ImageSet
	CSS    critical.ImageSet
	Record critical.Record
	// Stale is set when the record was absent, damaged, unreachable or
	// older than the policy allows, and a recomputation was requested.
	Stale  bool
	Source Source
}

// Driver is the per-transaction context handed to the finder. It is not
// safe for concurrent use; each transaction owns its own.
type Driver struct {
	Page  critical.Page
	Stats Stats

	info *CriticalImagesInfo
}

func NewDriver(page critical.Page, stats Stats) *Driver {
	return &Driver{Page: page, Stats: stats}
}

// CriticalImagesInfo returns the loaded info and whether the driver was
// populated.
func (d *Driver) CriticalImagesInfo() (CriticalImagesInfo, bool) {
	if d == nil || d.info == nil {
		return CriticalImagesInfo{}, false
	}
	return *d.info, true
}

// SetCriticalImagesInfo populates the driver directly; the mock finder and
// tests use it.
func (d *Driver) SetCriticalImagesInfo(info CriticalImagesInfo) {
	if info.HTML == nil {
		info.HTML = critical.ImageSet{}
	}
	if info.CSS == nil {
		info.CSS = critical.ImageSet{}
	}
	d.info = &info
}

func (d *Driver) stats() Stats {
	if d == nil || d.Stats == nil {
		return observability.FinderStats{}
	}
	return d.Stats
}
