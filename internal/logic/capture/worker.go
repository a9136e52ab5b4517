package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/multicap/internal/debug"
	"github.com/cjeanneret/multicap/internal/hw/camera"
	"github.com/cjeanneret/multicap/internal/metrics"
)

// State is a CaptureWorker lifecycle state.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateAcquiring
	StateDraining
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateAcquiring:
		return "acquiring"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CaptureWorker runs the trigger -> acquire -> enqueue loop for one device.
type CaptureWorker struct {
	index   int
	serial  string
	dev     camera.Device
	session *Session
	trigger TriggerStrategy
	queue   *WriteQueue

	observer FrameObserver
	metrics  *metrics.Pipeline

	mu    sync.Mutex
	state State
	err   error

	beganAt    time.Time
	timing     *TimingRecord
	captured   int
	timeouts   int
	incomplete int
	failed     int
	cancelled  bool
}

// NewCaptureWorker creates an idle worker for device index.
func NewCaptureWorker(index int, dev camera.Device, s *Session, trig TriggerStrategy, q *WriteQueue) *CaptureWorker {
	return &CaptureWorker{
		index:   index,
		dev:     dev,
		session: s,
		trigger: trig,
		queue:   q,
		timing:  &TimingRecord{Device: index},
	}
}

func (w *CaptureWorker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the current state.
func (w *CaptureWorker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the error that removed the device from the session, if any.
func (w *CaptureWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *CaptureWorker) fail(err error) error {
	w.mu.Lock()
	w.err = err
	w.state = StateDone
	w.mu.Unlock()
	debug.Error(err)
	return err
}

// Arm prepares the device and begins acquisition.
// On success the worker is Armed; on failure it is Done with the error recorded.
func (w *CaptureWorker) Arm() error {
	if err := w.Prepare(); err != nil {
		return err
	}
	return w.Begin()
}

// Prepare applies device parameters and arms the trigger. The coordinator
// prepares every device before beginning any acquisition so the Begin calls
// run back-to-back.
func (w *CaptureWorker) Prepare() error {
	if st := w.State(); st != StateIdle {
		return fmt.Errorf("camera %d: prepare in state %s", w.index, st)
	}

	serial, err := w.dev.SerialNumber()
	if err != nil {
		serial = "unknown"
		debug.Verbose("Camera %d: serial number unavailable: %v", w.index, err)
	}
	w.serial = serial
	debug.Info("Camera %d: serial %s", w.index, serial)

	settings := camera.Settings{
		ExposureUs: w.session.ExposureMicros(),
		Gain:       w.session.Gain,
		BufferMode: camera.OldestFirst,
	}
	if err := camera.Apply(w.dev, settings); err != nil {
		var nodeErr *camera.NodeError
		node := "parameters"
		if errors.As(err, &nodeErr) {
			node = nodeErr.Node
		}
		return w.fail(&DeviceConfigError{Device: w.index, Serial: serial, Node: node, Err: err})
	}

	if err := w.trigger.Arm(w.dev); err != nil {
		var cfgErr *DeviceConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Device, cfgErr.Serial = w.index, serial
			return w.fail(cfgErr)
		}
		return w.fail(&DeviceConfigError{Device: w.index, Serial: serial, Node: "TriggerMode", Err: err})
	}
	return nil
}

// Begin starts acquisition on a prepared device.
func (w *CaptureWorker) Begin() error {
	if st := w.State(); st != StateIdle {
		return fmt.Errorf("camera %d: begin in state %s", w.index, st)
	}
	if err := w.dev.BeginAcquisition(); err != nil {
		w.trigger.Disarm(w.dev)
		return w.fail(fmt.Errorf("camera %d (%s): begin acquisition: %w", w.index, w.serial, err))
	}
	w.beganAt = time.Now()
	w.setState(StateArmed)
	return nil
}

// Run captures the session's frames. It must follow a successful Arm.
// Cancelling ctx stops new triggers; frames already enqueued are still written.
func (w *CaptureWorker) Run(ctx context.Context) {
	if w.State() != StateArmed {
		return
	}
	w.setState(StateAcquiring)
	total := w.session.FrameCount
	timeout := w.session.Timeout()

	for seq := 1; seq <= total; seq++ {
		if ctx.Err() != nil {
			w.cancelled = true
			debug.Info("Camera %d: cancelled after %d of %d images", w.index, seq-1, total)
			break
		}

		if err := w.trigger.Fire(ctx, w.dev); err != nil {
			if ctx.Err() != nil {
				w.cancelled = true
				break
			}
			w.skip(seq, err)
			w.failed++
			continue
		}

		img, err := w.dev.GetNextImage(timeout)
		if err != nil {
			if errors.Is(err, camera.ErrTimeout) {
				err = fmt.Errorf("%w after %v", ErrAcquisitionTimeout, timeout)
				w.timeouts++
			} else {
				w.failed++
			}
			w.skip(seq, err)
			continue
		}
		if img.IsIncomplete() {
			status := img.Status
			img.Release()
			w.incomplete++
			w.skip(seq, fmt.Errorf("%w (status %d)", ErrIncompleteFrame, status))
			continue
		}

		ts := time.Now()
		f := NewFrame(img, w.index, w.serial, seq, ts)
		w.timing.Append(seq, ts)
		w.notify(FrameEvent{Device: w.index, Serial: w.serial, Sequence: seq, Timestamp: ts, Width: f.Width, Height: f.Height})

		if err := w.queue.Enqueue(WriteItem{Frame: f, Path: f.Name(w.session.Extension)}); err != nil {
			f.Release()
			panic(fmt.Sprintf("camera %d image %d: %v", w.index, seq, err))
		}
		w.captured++
		w.metrics.Captured(w.index)
		debug.Frame(w.index, seq, total)
	}

	if err := w.dev.EndAcquisition(); err != nil {
		debug.Verbose("Camera %d: end acquisition: %v", w.index, err)
	}
	if err := w.trigger.Disarm(w.dev); err != nil {
		debug.Verbose("Camera %d: %v", w.index, err)
	}
	// Every frame of this device has been accepted by the queue at this point.
	w.setState(StateDraining)
	w.setState(StateDone)
}

func (w *CaptureWorker) skip(seq int, err error) {
	debug.Skip(w.index, seq, err)
	w.metrics.Skipped(w.index, skipReason(err))
	w.notify(FrameEvent{Device: w.index, Serial: w.serial, Sequence: seq, Timestamp: time.Now(), Err: err})
}

func (w *CaptureWorker) notify(ev FrameEvent) {
	if w.observer != nil {
		w.observer.FrameCaptured(ev)
	}
}

// Index returns the device index.
func (w *CaptureWorker) Index() int { return w.index }

// Timing returns the worker's timing record. Read it only once the worker is Done.
func (w *CaptureWorker) Timing() *TimingRecord { return w.timing }

// summary reports the worker's counters. Call only once the worker is Done.
func (w *CaptureWorker) summary(pool *WriterPool, epoch time.Time) DeviceSummary {
	skipped := w.timeouts + w.incomplete + w.failed
	ds := DeviceSummary{
		Index:      w.index,
		Serial:     w.serial,
		Requested:  w.session.FrameCount,
		Captured:   w.captured,
		Skipped:    skipped,
		Timeouts:   w.timeouts,
		Incomplete: w.incomplete,
		Persisted:  pool.Persisted(w.index),
		Dropped:    pool.Dropped(w.index),
		FrameRate:  w.timing.FrameRate(),
		Cancelled:  w.cancelled,
		Err:        w.Err(),
	}
	if !w.beganAt.IsZero() && !epoch.IsZero() {
		ds.StartSkew = w.beganAt.Sub(epoch)
	}
	return ds
}
