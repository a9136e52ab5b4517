package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/multicap/internal/debug"
	"github.com/cjeanneret/multicap/internal/hw/camera"
	"github.com/cjeanneret/multicap/internal/metrics"
)

// LineDriver drives an external hardware trigger line (see trigger.PulseGenerator).
type LineDriver interface {
	Start(ctx context.Context) error
	Stop() error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver sends every capture event to o.
func WithObserver(o FrameObserver) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithMetrics reports pipeline counters to m.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLineDriver starts d once every device is armed and stops it once all
// workers are done. Used with hardware triggering.
func WithLineDriver(d LineDriver) Option {
	return func(c *Coordinator) { c.line = d }
}

// WithSessionID sets the summary id instead of a random one, so callers can
// name session resources before the run.
func WithSessionID(id uuid.UUID) Option {
	return func(c *Coordinator) { c.id = id }
}

// Coordinator runs one capture session across a set of devices.
type Coordinator struct {
	session Session
	devices []camera.Device
	store   Store
	id      uuid.UUID

	observer FrameObserver
	metrics  *metrics.Pipeline
	line     LineDriver
}

// NewCoordinator validates s and binds it to devices and store.
func NewCoordinator(s Session, devices []camera.Device, store Store, opts ...Option) (*Coordinator, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNoActiveDevices
	}
	if store == nil {
		return nil, errors.New("no frame store")
	}
	c := &Coordinator{session: s, devices: devices, store: store}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Session returns the session configuration.
func (c *Coordinator) Session() Session { return c.session }

// Run executes the session and always returns a summary.
// The error is non-nil when no device could be armed or the writer pool failed.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	n := len(c.devices)
	id := c.id
	if id == uuid.Nil {
		id = uuid.New()
	}
	sum := &Summary{
		ID:          id,
		Started:     time.Now(),
		TriggerMode: c.session.TriggerMode,
	}
	debug.Section("Capture session " + sum.ID.String())
	debug.Value("Cameras", n)
	debug.Value("Images per camera", c.session.FrameCount)
	debug.Value("Trigger", c.session.TriggerMode)

	q := NewWriteQueue(c.session.queueCapacity(n), c.metrics)
	pool := NewWriterPool(q, c.store, c.session.writers(n), c.metrics)
	sum.QueueCapacity = q.Cap()
	sum.Writers = pool.Size()

	// Writers start first so the queue is always drained.
	pool.Start()

	workers := make([]*CaptureWorker, n)
	for i, dev := range c.devices {
		w := NewCaptureWorker(i, dev, &c.session, NewTriggerStrategy(c.session), q)
		w.observer = c.observer
		w.metrics = c.metrics
		workers[i] = w
	}

	debug.Step(1, "Configure cameras")
	for _, w := range workers {
		w.Prepare()
	}

	debug.Step(2, "Begin acquisition")
	active := 0
	for _, w := range workers {
		if w.State() != StateIdle {
			continue
		}
		if err := w.Begin(); err == nil {
			active++
			if sum.Epoch.IsZero() || w.beganAt.Before(sum.Epoch) {
				sum.Epoch = w.beganAt
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if active == 0 {
		sum.Err = ErrNoActiveDevices
	} else if c.line != nil {
		debug.Step(3, "Start trigger line")
		if err := c.line.Start(runCtx); err != nil {
			sum.Err = fmt.Errorf("start trigger line: %w", err)
			cancel()
		}
	}

	debug.Step(4, "Acquire")
	var wg sync.WaitGroup
	for _, w := range workers {
		if w.State() != StateArmed {
			continue
		}
		wg.Add(1)
		go func(w *CaptureWorker) {
			defer wg.Done()
			w.Run(runCtx)
		}(w)
	}
	wg.Wait()

	if c.line != nil && active > 0 {
		if err := c.line.Stop(); err != nil && !errors.Is(err, context.Canceled) {
			debug.Verbose("Trigger line: %v", err)
		}
	}

	// Every worker is Done: no enqueue can follow.
	q.Close()
	if err := pool.Wait(); err != nil {
		sum.Err = errors.Join(sum.Err, err)
	}

	records := make([]*TimingRecord, n)
	for i, w := range workers {
		records[i] = w.Timing()
	}
	files, err := flushTimingLogs(c.session.OutputDir, c.session.FilenamePrefix, records)
	sum.Files = files
	if err != nil {
		debug.Error(err)
		sum.Err = errors.Join(sum.Err, err)
	}

	for _, w := range workers {
		ds := w.summary(pool, sum.Epoch)
		if ds.Cancelled {
			sum.Cancelled = true
		}
		if w.Err() == nil {
			c.metrics.SetStartSkew(ds.Index, ds.StartSkew)
		}
		sum.Devices = append(sum.Devices, ds)
	}
	if ctx.Err() != nil {
		sum.Cancelled = true
	}
	sum.QueueHighWater = q.HighWater()
	sum.Finished = time.Now()
	c.metrics.SessionFinished(sum.Result())

	debug.Summary("Session " + sum.Result())
	debug.Printf("%s", sum)
	return sum, sum.Err
}
