// Package beacon folds per-load image observations into pending batches
// that the finder drains and merges into stored records.
package beacon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/critical-images/internal/critical"
)

const (
	numShards = 64

	defaultDedupeSize = 65536
	// MaxImages caps the images accepted from a single beacon.
	MaxImages = 512
)

var (
	ErrInvalid   = errors.New("invalid beacon")
	ErrDuplicate = errors.New("duplicate beacon")
)

// Image is one image observed during a page load.
type Image struct {
	URL        string `json:"url"`
	InViewport bool   `json:"in_viewport"`
	CSS        bool   `json:"css,omitempty"`
}

// Beacon reports the images rendered by one sampled page load.
type Beacon struct {
	Page   critical.Page
	Nonce  string
	At     time.Time
	Images []Image
}

type Option func(*Aggregator)

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithDedupeSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.dedupeSize = n
		}
	}
}

type Aggregator struct {
	now        func() time.Time
	dedupeSize int

	seen *lru.Cache[string, struct{}]

	shards [numShards]shard
}

type shard struct {
	mu sync.Mutex
	m  map[string]*pending
}

type deltaKey struct {
	image string
	kind  critical.Kind
}

// pending counts are raw; drain intervals are short next to the demotion
// window, and decay applies once the batch is merged.
type pending struct {
	page   critical.Page
	loads  int64
	deltas map[deltaKey]*critical.Delta
}

func New(opts ...Option) (*Aggregator, error) {
	a := &Aggregator{now: time.Now, dedupeSize: defaultDedupeSize}
	for _, o := range opts {
		o(a)
	}
	seen, err := lru.New[string, struct{}](a.dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("beacon dedupe cache: %w", err)
	}
	a.seen = seen
	for i := range a.shards {
		a.shards[i].m = make(map[string]*pending)
	}
	return a, nil
}

// Record folds one beacon into the pending batch of its page. A beacon
// whose nonce was already recorded for the page returns ErrDuplicate and
// changes nothing.
func (a *Aggregator) Record(b Beacon) error {
	page := critical.NewPage(b.Page.URL, b.Page.Device)
	if !page.Valid() {
		return fmt.Errorf("%w: page url is required", ErrInvalid)
	}
	if len(b.Images) > MaxImages {
		return fmt.Errorf("%w: %d images exceeds limit %d", ErrInvalid, len(b.Images), MaxImages)
	}
	key := page.Key()

	if b.Nonce != "" {
		if dup, _ := a.seen.ContainsOrAdd(key+"\x00"+b.Nonce, struct{}{}); dup {
			return ErrDuplicate
		}
	}

	// client clocks are not trusted past ours
	now := a.now()
	at := b.At
	if at.IsZero() || at.After(now) {
		at = now
	}
	at = at.UTC()

	// an image reported twice in one load counts once; in-viewport wins
	obs := make(map[deltaKey]bool, len(b.Images))
	for _, img := range b.Images {
		id := critical.NormalizeURL(img.URL)
		if id == "" {
			continue
		}
		k := deltaKey{image: id, kind: critical.KindLayout}
		if img.CSS {
			k.kind = critical.KindCSS
		}
		obs[k] = obs[k] || img.InViewport
	}

	s := a.pick(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.m[key]
	if p == nil {
		p = &pending{page: page, deltas: make(map[deltaKey]*critical.Delta)}
		s.m[key] = p
	}
	p.loads++
	for k, inView := range obs {
		d := p.deltas[k]
		if d == nil {
			d = &critical.Delta{Image: k.image, Kind: k.kind}
			p.deltas[k] = d
		}
		d.Support++
		if inView {
			d.Hits++
		}
		if at.After(d.At) {
			d.At = at
		}
	}
	return nil
}

// Drain removes and returns the pending batch for page. Each recorded
// observation is handed out by at most one Drain.
func (a *Aggregator) Drain(page critical.Page) (critical.Batch, bool) {
	key := page.Key()
	s := a.pick(key)

	s.mu.Lock()
	p := s.m[key]
	delete(s.m, key)
	s.mu.Unlock()

	if p == nil {
		return critical.Batch{}, false
	}
	return p.batch(), true
}

// Requeue hands an undelivered batch back so a later Drain includes it.
func (a *Aggregator) Requeue(b critical.Batch) {
	if b.Empty() {
		return
	}
	key := b.Page.Key()
	s := a.pick(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.m[key]
	if p == nil {
		p = &pending{page: b.Page, deltas: make(map[deltaKey]*critical.Delta)}
		s.m[key] = p
	}
	p.loads += b.Loads
	for _, d := range b.Deltas {
		k := deltaKey{image: d.Image, kind: d.Kind}
		cur := p.deltas[k]
		if cur == nil {
			cp := d
			p.deltas[k] = &cp
			continue
		}
		cur.Support += d.Support
		cur.Hits += d.Hits
		if d.At.After(cur.At) {
			cur.At = d.At
		}
	}
}

// PendingPages lists the pages with undrained observations.
func (a *Aggregator) PendingPages() []critical.Page {
	var out []critical.Page
	for i := range a.shards {
		s := &a.shards[i]
		s.mu.Lock()
		for _, p := range s.m {
			out = append(out, p.page)
		}
		s.mu.Unlock()
	}
	return out
}

func (a *Aggregator) Size() int {
	total := 0
	for i := range a.shards {
		a.shards[i].mu.Lock()
		total += len(a.shards[i].m)
		a.shards[i].mu.Unlock()
	}
	return total
}

func (p *pending) batch() critical.Batch {
	b := critical.Batch{Page: p.page, Loads: p.loads, Deltas: make([]critical.Delta, 0, len(p.deltas))}
	for _, d := range p.deltas {
		b.Deltas = append(b.Deltas, *d)
	}
	return b
}

func (a *Aggregator) pick(key string) *shard {
	h := xxhash.Sum64String(key)
	idx := h & (uint64(len(a.shards)) - 1)
	return &a.shards[idx]
}
