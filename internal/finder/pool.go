package finder

import (
	"sync"

	"github.com/mohammed-shakir/critical-images/internal/critical"
)

// pool runs background computations on a fixed set of workers fed by a
// bounded queue. submit never blocks.
type pool struct {
	jobs chan critical.Page
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newPool(workers, queue int, run func(critical.Page)) *pool {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 256
	}
	p := &pool{jobs: make(chan critical.Page, queue)}
	p.wg.Add(workers)
	for range workers {
		go func() {
			defer p.wg.Done()
			for page := range p.jobs {
				run(page)
			}
		}()
	}
	return p
}

func (p *pool) submit(page critical.Page) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- page:
		return true
	default:
		return false
	}
}

// close stops intake and waits for queued and running jobs.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
