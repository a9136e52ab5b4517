package capture

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/multicap/internal/debug"
	"github.com/cjeanneret/multicap/internal/metrics"
)

// Store persists one frame under name. Implementations must be safe for
// concurrent use by several writers.
type Store interface {
	Persist(name string, f *Frame) error
}

// StoreFunc adapts a function to Store.
type StoreFunc func(name string, f *Frame) error

// Persist implements Store.
func (fn StoreFunc) Persist(name string, f *Frame) error { return fn(name, f) }

// WriterPool runs N writers that drain a WriteQueue into a Store.
// A failed write is logged and counted as dropped; it never stops the pool.
// Writers exit once the queue is closed and empty.
type WriterPool struct {
	queue   *WriteQueue
	store   Store
	size    int
	metrics *metrics.Pipeline

	g       errgroup.Group
	started bool

	mu        sync.Mutex
	persisted map[int]int
	dropped   map[int]int
	errs      []*IOError
}

// NewWriterPool creates a pool of size writers (minimum 1).
func NewWriterPool(q *WriteQueue, store Store, size int, m *metrics.Pipeline) *WriterPool {
	if size < 1 {
		size = 1
	}
	return &WriterPool{
		queue:     q,
		store:     store,
		size:      size,
		metrics:   m,
		persisted: make(map[int]int),
		dropped:   make(map[int]int),
	}
}

// Size returns the number of writers.
func (p *WriterPool) Size() int { return p.size }

// Start launches the writers. It must be called once.
func (p *WriterPool) Start() {
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.size; i++ {
		id := i
		p.g.Go(func() error { return p.run(id) })
	}
	debug.Verbose("Writer pool: %d writers started", p.size)
}

// Wait blocks until every writer exited. It returns a non-nil error only if a
// writer panicked; per-frame write failures are reported through Errors.
func (p *WriterPool) Wait() error {
	return p.g.Wait()
}

func (p *WriterPool) run(id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("writer %d panicked: %v", id, r)
		}
	}()
	for {
		item, ok := p.queue.Dequeue()
		if !ok {
			debug.Trace("Writer %d: queue drained", id)
			return nil
		}
		p.write(item)
	}
}

func (p *WriterPool) write(item WriteItem) {
	f := item.Frame
	defer f.Release()

	start := time.Now()
	err := p.store.Persist(item.Path, f)
	if err != nil {
		ioErr := &IOError{Device: f.Device, Sequence: f.Sequence, Path: item.Path, Err: err}
		debug.Dropped(f.Device, f.Sequence, ioErr)
		p.metrics.Dropped(f.Device)
		p.mu.Lock()
		p.dropped[f.Device]++
		p.errs = append(p.errs, ioErr)
		p.mu.Unlock()
		return
	}

	p.metrics.Persisted(f.Device, time.Since(start))
	p.mu.Lock()
	p.persisted[f.Device]++
	p.mu.Unlock()
}

// Persisted returns the number of frames written for device.
func (p *WriterPool) Persisted(device int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persisted[device]
}

// Dropped returns the number of failed writes for device.
func (p *WriterPool) Dropped(device int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped[device]
}

// Errors returns the write failures observed so far.
func (p *WriterPool) Errors() []*IOError {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*IOError, len(p.errs))
	copy(out, p.errs)
	return out
}
