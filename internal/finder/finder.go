// Package finder decides which images of a page are critical. The request
// path reads a persisted record once per transaction into the driver; the
// write path merges beacon observations into that record.
package finder

import (
	"context"
	"errors"

	"github.com/mohammed-shakir/critical-images/internal/critical"
	"github.com/mohammed-shakir/critical-images/internal/propertystore"
)

var (
	// ErrNotConfigured means the finder's cohort was never registered.
	ErrNotConfigured = errors.New("critical images cohort not configured")
	// ErrNotInitialized means an accessor ran before
	// UpdateCriticalImagesSetInDriver populated the driver.
	ErrNotInitialized = errors.New("critical images not initialized for driver")
)

// Finder is implemented by BeaconFinder and by findertest.Mock.
type Finder interface {
	// IsMeaningful reports whether d can ever get critical-image data. It
	// does no I/O.
	IsMeaningful(d *Driver) bool
	CriticalImagesCohort() (propertystore.Cohort, error)
	// UpdateCriticalImagesSetInDriver loads the record for d's page into d.
	// Only the first call per driver does any work.
	UpdateCriticalImagesSetInDriver(ctx context.Context, d *Driver)
	// ComputeCriticalImages merges new observations for d's page into the
	// stored record. No observations is a no-op.
	ComputeCriticalImages(ctx context.Context, d *Driver) error
	CriticalImages(d *Driver) (critical.ImageSet, error)
	CSSCriticalImages(d *Driver) (critical.ImageSet, error)
	IsHTMLCriticalImage(d *Driver, imageURL string) bool
	IsCSSCriticalImage(d *Driver, imageURL string) bool
}
