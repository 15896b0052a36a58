package finder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/critical-images/internal/core/observability"
	"github.com/mohammed-shakir/critical-images/internal/critical"
	"github.com/mohammed-shakir/critical-images/internal/critical/codec"
	"github.com/mohammed-shakir/critical-images/internal/propertystore"
)

const (
	DefaultCohort = "critical_images"

	tracerName = "github.com/mohammed-shakir/critical-images/internal/finder"
)

// Beacons is the aggregator side the finder drains.
type Beacons interface {
	Drain(page critical.Page) (critical.Batch, bool)
	Requeue(b critical.Batch)
	PendingPages() []critical.Page
}

type Options struct {
	Logger   *slog.Logger
	Store    propertystore.Store
	Registry *propertystore.Registry
	// Cohort names the registered cohort; DefaultCohort when empty.
	Cohort  string
	Beacons Beacons
	Policy  critical.Policy

	// StoreTimeout bounds request-path reads.
	StoreTimeout time.Duration
	// ComputeTimeout bounds one merge, independent of the caller.
	ComputeTimeout time.Duration
	Workers        int
	Queue          int
	// Synchronous runs computations inline instead of on the pool.
	Synchronous bool
	// Strict makes accessors panic when called before population.
	Strict bool

	Clock  func() time.Time
	Tracer trace.Tracer
}

// BeaconFinder derives critical images from beacon observations merged
// into the property store.
type BeaconFinder struct {
	log      *slog.Logger
	store    propertystore.Store
	reads    propertystore.Store
	registry *propertystore.Registry
	cohort   string
	beacons  Beacons
	policy   atomic.Pointer[critical.Policy]

	computeTimeout time.Duration
	synchronous    bool
	strict         bool
	now            func() time.Time
	tracer         trace.Tracer

	sf        singleflight.Group
	pool      *pool
	cfgOnce   sync.Once
	closeOnce sync.Once
}

var _ Finder = (*BeaconFinder)(nil)

func New(opts Options) (*BeaconFinder, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cohort == "" {
		opts.Cohort = DefaultCohort
	}
	if opts.Policy == (critical.Policy{}) {
		opts.Policy = critical.DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("finder policy: %w", err)
	}
	if opts.ComputeTimeout <= 0 {
		opts.ComputeTimeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	f := &BeaconFinder{
		log:            opts.Logger,
		store:          opts.Store,
		registry:       opts.Registry,
		cohort:         opts.Cohort,
		beacons:        opts.Beacons,
		computeTimeout: opts.ComputeTimeout,
		synchronous:    opts.Synchronous,
		strict:         opts.Strict,
		now:            opts.Clock,
		tracer:         opts.Tracer,
	}
	if opts.Store != nil {
		f.reads = propertystore.WithTimeout(opts.Store, opts.StoreTimeout)
	}
	p := opts.Policy
	f.policy.Store(&p)
	if !f.synchronous {
		f.pool = newPool(opts.Workers, opts.Queue, func(page critical.Page) {
			_ = f.compute(context.Background(), page)
		})
	}
	return f, nil
}

func (f *BeaconFinder) Policy() critical.Policy { return *f.policy.Load() }

// SetPolicy swaps the policy used by later merges and freshness checks.
func (f *BeaconFinder) SetPolicy(p critical.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	f.policy.Store(&p)
	f.log.Info("critical image policy updated",
		"fresh_ttl", p.FreshTTL, "min_support", p.MinSupport,
		"promote", p.PromoteRatio, "demote", p.DemoteRatio)
	return nil
}

func (f *BeaconFinder) IsMeaningful(d *Driver) bool {
	if d == nil || !d.Page.Valid() || f.store == nil {
		return false
	}
	_, err := f.registry.Lookup(f.cohort)
	return err == nil
}

// CriticalImagesCohort returns the registered cohort. A missing cohort is
// logged and counted once per finder.
func (f *BeaconFinder) CriticalImagesCohort() (propertystore.Cohort, error) {
	c, err := f.registry.Lookup(f.cohort)
	if err != nil {
		f.cfgOnce.Do(func() {
			observability.FinderStats{}.IncConfigErrors()
			f.log.Error("critical images cohort is not registered; finder disabled",
				"cohort", f.cohort, "err", err)
		})
		return propertystore.Cohort{}, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	return c, nil
}

func (f *BeaconFinder) UpdateCriticalImagesSetInDriver(ctx context.Context, d *Driver) {
	if d == nil || d.info != nil {
		return
	}
	info := CriticalImagesInfo{Record: critical.NewRecord(), Source: SourceUnusable}
	defer func() {
		info.HTML = info.Record.Critical.Clone()
		info.CSS = info.Record.CSSCritical.Clone()
		d.SetCriticalImagesInfo(info)
	}()

	if !f.IsMeaningful(d) {
		if d.Page.Valid() && f.store != nil {
			_, _ = f.CriticalImagesCohort()
		}
		return
	}
	cohort, err := f.CriticalImagesCohort()
	if err != nil {
		return
	}

	ctx, span := f.tracer.Start(ctx, "finder.update_driver",
		trace.WithAttributes(attribute.String("page", d.Page.Key())))
	defer span.End()

	stats := d.stats()
	b, ok, err := f.reads.Get(ctx, cohort, d.Page.Key())
	switch {
	case err != nil:
		info.Source, info.Stale = SourceUnavailable, true
		span.RecordError(err)
		f.log.Warn("critical images read failed; serving empty set",
			"page", d.Page.Key(), "err", err)
	case !ok:
		info.Source, info.Stale = SourceMiss, true
		stats.IncStoreMisses()
	default:
		rec, derr := codec.Decode(b)
		if derr != nil {
			info.Source, info.Stale = SourceCorrupt, true
			stats.IncDecodeFailures()
			f.log.Warn("critical images record unreadable; treating as absent",
				"page", d.Page.Key(), "err", derr)
			break
		}
		info.Record, info.Source = rec, SourceStore
		if !f.Policy().Fresh(rec, f.now()) {
			info.Stale = true
			stats.IncStaleServed()
		}
	}
	span.SetAttributes(attribute.String("source", string(info.Source)), attribute.Bool("stale", info.Stale))

	if info.Stale {
		f.schedule(ctx, d.Page, stats)
	}
}

// ComputeCriticalImages merges the observations pending for the driver's
// page. A call that joins a merge already in flight for the page returns
// that merge's result; beacons recorded after it drained stay pending for
// the next compute or Flush.
func (f *BeaconFinder) ComputeCriticalImages(ctx context.Context, d *Driver) error {
	if d == nil || !d.Page.Valid() {
		return nil
	}
	d.stats().IncComputeCalls()
	return f.compute(ctx, d.Page)
}

func (f *BeaconFinder) schedule(ctx context.Context, page critical.Page, stats Stats) {
	stats.IncComputeCalls()
	if f.synchronous {
		_ = f.compute(ctx, page)
		return
	}
	if !f.pool.submit(page) {
		observability.IncComputeDropped()
		f.log.Debug("critical images compute queue full; dropped", "page", page.Key())
	}
}

// compute merges pending observations for page. Concurrent calls for the
// same page in this process share one merge.
func (f *BeaconFinder) compute(ctx context.Context, page critical.Page) error {
	if f.beacons == nil || f.store == nil {
		return nil
	}
	_, err, _ := f.sf.Do(page.Key(), func() (any, error) {
		return nil, f.merge(ctx, page)
	})
	return err
}

func (f *BeaconFinder) merge(ctx context.Context, page critical.Page) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.computeTimeout)
	defer cancel()

	ctx, span := f.tracer.Start(ctx, "finder.compute",
		trace.WithAttributes(attribute.String("page", page.Key())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	batch, ok := f.beacons.Drain(page)
	if !ok || batch.Empty() {
		observability.ObserveMerge("noop")
		return nil
	}
	span.SetAttributes(attribute.Int64("loads", batch.Loads), attribute.Int("deltas", len(batch.Deltas)))

	cohort, err := f.CriticalImagesCohort()
	if err != nil {
		f.beacons.Requeue(batch)
		observability.ObserveMerge("error")
		return err
	}

	p := f.Policy()
	now := f.now()
	err = f.store.Update(ctx, cohort, page.Key(), func(old []byte, ok bool) ([]byte, error) {
		rec := critical.NewRecord()
		if ok {
			r, derr := codec.Decode(old)
			if derr != nil {
				observability.FinderStats{}.IncDecodeFailures()
				f.log.Warn("replacing unreadable critical images record",
					"page", page.Key(), "err", derr)
			} else {
				rec = r
			}
		}
		return codec.Encode(critical.Merge(rec, batch, p, now))
	})
	if err != nil {
		f.beacons.Requeue(batch)
		result := "error"
		if errors.Is(err, propertystore.ErrConflict) {
			result = "conflict"
		}
		observability.ObserveMerge(result)
		f.log.Warn("critical images merge failed; batch requeued",
			"page", page.Key(), "loads", batch.Loads, "err", err)
		return fmt.Errorf("merge %s: %w", page.Key(), err)
	}
	observability.ObserveMerge("ok")
	f.log.Debug("critical images merged", "page", page.Key(), "loads", batch.Loads, "deltas", len(batch.Deltas))
	return nil
}

// Flush merges every page with pending observations and returns how many
// pages were attempted.
func (f *BeaconFinder) Flush(ctx context.Context) (int, error) {
	if f.beacons == nil {
		return 0, nil
	}
	pages := f.beacons.PendingPages()
	var errs []error
	for _, page := range pages {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := f.compute(ctx, page); err != nil {
			errs = append(errs, err)
		}
	}
	return len(pages), errors.Join(errs...)
}

// Close stops background computations after the queued ones finish.
func (f *BeaconFinder) Close() {
	f.closeOnce.Do(func() {
		if f.pool != nil {
			f.pool.close()
		}
	})
}

func (f *BeaconFinder) CriticalImages(d *Driver) (critical.ImageSet, error) {
	info, err := f.info(d)
	if err != nil {
		return critical.ImageSet{}, err
	}
	return info.HTML.Clone(), nil
}

func (f *BeaconFinder) CSSCriticalImages(d *Driver) (critical.ImageSet, error) {
	info, err := f.info(d)
	if err != nil {
		return critical.ImageSet{}, err
	}
	return info.CSS.Clone(), nil
}

func (f *BeaconFinder) IsHTMLCriticalImage(d *Driver, imageURL string) bool {
	return f.isCritical(d, critical.KindLayout, imageURL)
}

func (f *BeaconFinder) IsCSSCriticalImage(d *Driver, imageURL string) bool {
	return f.isCritical(d, critical.KindCSS, imageURL)
}

func (f *BeaconFinder) isCritical(d *Driver, kind critical.Kind, imageURL string) bool {
	info, err := f.info(d)
	if err != nil {
		return false
	}
	id := critical.NormalizeURL(imageURL)
	set := info.HTML
	if kind == critical.KindCSS {
		set = info.CSS
	}
	if set.Has(id) {
		return true
	}
	return !info.Record.Knows(kind, id) && f.Policy().UnknownImages == critical.UnknownCritical
}

func (f *BeaconFinder) info(d *Driver) (CriticalImagesInfo, error) {
	info, ok := d.CriticalImagesInfo()
	if !ok {
		if f.strict {
			panic(ErrNotInitialized)
		}
		return CriticalImagesInfo{}, ErrNotInitialized
	}
	return info, nil
}
