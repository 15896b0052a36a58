// Package findertest provides a Finder whose critical sets are fixed by the
// test instead of derived from beacons.
package findertest

import (
	"context"
	"sync"

	"github.com/mohammed-shakir/critical-images/internal/critical"
	"github.com/mohammed-shakir/critical-images/internal/finder"
	"github.com/mohammed-shakir/critical-images/internal/propertystore"
)

// Mock serves the sets given to SetCriticalImages. Without a cohort it
// reports ErrNotConfigured rather than failing the test binary.
type Mock struct {
	mu     sync.Mutex
	html   critical.ImageSet
	css    critical.ImageSet
	set    bool
	cohort *propertystore.Cohort

	computeCalls int
}

var _ finder.Finder = (*Mock)(nil)

func New() *Mock { return &Mock{} }

// WithCohort makes CriticalImagesCohort succeed with c.
func (m *Mock) WithCohort(c propertystore.Cohort) *Mock {
	m.mu.Lock()
	m.cohort = &c
	m.mu.Unlock()
	return m
}

// SetCriticalImages replaces the sets served to drivers. Passing nil for
// both clears them, and IsMeaningful turns false.
func (m *Mock) SetCriticalImages(html, css critical.ImageSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.html, m.css = html.Clone(), css.Clone()
	m.set = html != nil || css != nil
}

func (m *Mock) IsMeaningful(d *finder.Driver) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return d != nil && m.set
}

func (m *Mock) CriticalImagesCohort() (propertystore.Cohort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cohort == nil {
		return propertystore.Cohort{}, finder.ErrNotConfigured
	}
	return *m.cohort, nil
}

func (m *Mock) UpdateCriticalImagesSetInDriver(_ context.Context, d *finder.Driver) {
	if d == nil {
		return
	}
	if _, ok := d.CriticalImagesInfo(); ok {
		return
	}
	m.mu.Lock()
	info := finder.CriticalImagesInfo{
		HTML:   m.html.Clone(),
		CSS:    m.css.Clone(),
		Record: critical.NewRecord(),
		Source: finder.SourceStore,
	}
	m.mu.Unlock()
	d.SetCriticalImagesInfo(info)
}

func (m *Mock) ComputeCriticalImages(context.Context, *finder.Driver) error {
	m.mu.Lock()
	m.computeCalls++
	m.mu.Unlock()
	return nil
}

func (m *Mock) NumComputeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computeCalls
}

func (m *Mock) CriticalImages(d *finder.Driver) (critical.ImageSet, error) {
	info, ok := d.CriticalImagesInfo()
	if !ok {
		return critical.ImageSet{}, finder.ErrNotInitialized
	}
	return info.HTML.Clone(), nil
}

func (m *Mock) CSSCriticalImages(d *finder.Driver) (critical.ImageSet, error) {
	info, ok := d.CriticalImagesInfo()
	if !ok {
		return critical.ImageSet{}, finder.ErrNotInitialized
	}
	return info.CSS.Clone(), nil
}

func (m *Mock) IsHTMLCriticalImage(d *finder.Driver, imageURL string) bool {
	set, err := m.CriticalImages(d)
	return err == nil && set.Has(critical.NormalizeURL(imageURL))
}

func (m *Mock) IsCSSCriticalImage(d *finder.Driver, imageURL string) bool {
	set, err := m.CSSCriticalImages(d)
	return err == nil && set.Has(critical.NormalizeURL(imageURL))
}
