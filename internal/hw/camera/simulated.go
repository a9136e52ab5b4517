package camera

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/multicap/internal/debug"
)

// Fault is an injected failure for one GetNextImage call.
type Fault int

const (
	FaultNone Fault = iota
	FaultTimeout
	FaultIncomplete
)

// incompleteStatus mirrors the SDK's "missing packets" status.
const incompleteStatus ImageStatus = 3

// SimulatedConfig configures a simulated camera.
type SimulatedConfig struct {
	Serial      string
	Width       int
	Height      int
	PixelFormat PixelFormat
	// FrameInterval is the free-running period when the device is hardware
	// triggered or has its trigger off. Defaults to 10ms.
	FrameInterval time.Duration
	// ReadoutDelay is the time between a software trigger and image delivery.
	ReadoutDelay time.Duration
	// MaxExposureUs is the exposure ceiling reported to Apply. Defaults to 30s.
	MaxExposureUs float64
	// NoTrigger makes TriggerNode report an unavailable node.
	NoTrigger bool
}

// Simulated is an in-process camera used in mock mode and in tests.
// Software triggers are queued and each produces one image; image bytes are a
// deterministic pattern of the frame id so persisted output can be checked.
type Simulated struct {
	cfg SimulatedConfig

	mu          sync.Mutex
	initialized bool
	acquiring   bool
	mode        TriggerMode
	source      TriggerSource
	exposureUs  float64
	gain        float64
	bufferMode  BufferHandlingMode
	faults      map[int]Fault
	calls       int
	frameID     uint64

	triggers    chan struct{}
	outstanding atomic.Int64
	executed    atomic.Int64
}

// NewSimulated creates a simulated camera.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 48
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 10 * time.Millisecond
	}
	if cfg.MaxExposureUs <= 0 {
		cfg.MaxExposureUs = 30e6
	}
	return &Simulated{
		cfg:      cfg,
		faults:   make(map[int]Fault),
		triggers: make(chan struct{}, 1024),
	}
}

// InjectFault makes the call-th GetNextImage call (1-based) fail with f.
func (s *Simulated) InjectFault(call int, f Fault) {
	s.mu.Lock()
	s.faults[call] = f
	s.mu.Unlock()
}

// Outstanding returns the number of delivered images not yet released.
func (s *Simulated) Outstanding() int64 { return s.outstanding.Load() }

// TriggersExecuted returns how many software triggers were executed.
func (s *Simulated) TriggersExecuted() int64 { return s.executed.Load() }

// Exposure returns the last exposure written, in microseconds.
func (s *Simulated) Exposure() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposureUs
}

// Gain returns the last gain written.
func (s *Simulated) Gain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}

// Trigger returns the current trigger mode and source.
func (s *Simulated) Trigger() (TriggerMode, TriggerSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.source
}

// Acquiring reports whether the device is between Begin and EndAcquisition.
func (s *Simulated) Acquiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiring
}

func (s *Simulated) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	debug.Verbose("Simulated camera %s: init", s.cfg.Serial)
	return nil
}

func (s *Simulated) DeInit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	debug.Verbose("Simulated camera %s: deinit", s.cfg.Serial)
	return nil
}

func (s *Simulated) SerialNumber() (string, error) {
	return s.cfg.Serial, nil
}

// MaxExposureTime implements ExposureLimiter.
func (s *Simulated) MaxExposureTime() float64 { return s.cfg.MaxExposureUs }

func (s *Simulated) SetExposureTime(us float64) error {
	if us <= 0 {
		return fmt.Errorf("exposure must be > 0, got %g", us)
	}
	s.mu.Lock()
	s.exposureUs = us
	s.mu.Unlock()
	return nil
}

func (s *Simulated) SetGain(gain float64) error {
	if gain < 0 {
		return fmt.Errorf("gain must be >= 0, got %g", gain)
	}
	s.mu.Lock()
	s.gain = gain
	s.mu.Unlock()
	return nil
}

func (s *Simulated) SetBufferHandlingMode(mode BufferHandlingMode) error {
	s.mu.Lock()
	s.bufferMode = mode
	s.mu.Unlock()
	return nil
}

func (s *Simulated) TriggerNode() (TriggerNode, error) {
	return &simTriggerNode{cam: s}, nil
}

func (s *Simulated) ExecuteTrigger() error {
	s.mu.Lock()
	ok := s.acquiring && s.mode == TriggerOn && s.source == SourceSoftware
	s.mu.Unlock()
	if !ok {
		return errors.New("TriggerSoftware not executable in current trigger configuration")
	}
	select {
	case s.triggers <- struct{}{}:
		s.executed.Add(1)
		return nil
	default:
		return errors.New("trigger overrun")
	}
}

func (s *Simulated) BeginAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errors.New("camera not initialized")
	}
	if s.acquiring {
		return errors.New("acquisition already started")
	}
	s.acquiring = true
	return nil
}

func (s *Simulated) EndAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquiring {
		return ErrNotAcquiring
	}
	s.acquiring = false
	// Drop triggers that never produced an image.
	for {
		select {
		case <-s.triggers:
		default:
			return nil
		}
	}
}

func (s *Simulated) GetNextImage(timeout time.Duration) (*Image, error) {
	s.mu.Lock()
	if !s.acquiring {
		s.mu.Unlock()
		return nil, ErrNotAcquiring
	}
	s.calls++
	call := s.calls
	fault := s.faults[call]
	software := s.mode == TriggerOn && s.source == SourceSoftware
	s.mu.Unlock()

	if fault == FaultTimeout {
		return nil, ErrTimeout
	}

	if software {
		select {
		case <-s.triggers:
			if s.cfg.ReadoutDelay > 0 {
				time.Sleep(s.cfg.ReadoutDelay)
			}
		case <-time.After(timeout):
			return nil, ErrTimeout
		}
	} else {
		if s.cfg.FrameInterval > timeout {
			time.Sleep(timeout)
			return nil, ErrTimeout
		}
		time.Sleep(s.cfg.FrameInterval)
	}

	s.mu.Lock()
	s.frameID++
	id := s.frameID
	s.mu.Unlock()

	size := s.cfg.Width * s.cfg.Height * s.cfg.PixelFormat.BytesPerPixel()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(uint64(i) + id)
	}

	s.outstanding.Add(1)
	img := NewImage(data, s.cfg.Width, s.cfg.Height, s.cfg.PixelFormat, func() {
		s.outstanding.Add(-1)
	})
	img.FrameID = id
	if fault == FaultIncomplete {
		img.Status = incompleteStatus
	}
	return img, nil
}

type simTriggerNode struct {
	cam *Simulated
}

func (n *simTriggerNode) IsAvailable() bool { return !n.cam.cfg.NoTrigger }
func (n *simTriggerNode) IsWritable() bool  { return !n.cam.cfg.NoTrigger && !n.cam.Acquiring() }

func (n *simTriggerNode) SetMode(mode TriggerMode) error {
	if n.cam.cfg.NoTrigger {
		return errors.New("TriggerMode not available")
	}
	n.cam.mu.Lock()
	n.cam.mode = mode
	n.cam.mu.Unlock()
	return nil
}

func (n *simTriggerNode) SetSource(src TriggerSource) error {
	if n.cam.cfg.NoTrigger {
		return errors.New("TriggerSource not available")
	}
	n.cam.mu.Lock()
	defer n.cam.mu.Unlock()
	if n.cam.mode == TriggerOn {
		return errors.New("TriggerSource is read-only while TriggerMode is On")
	}
	n.cam.source = src
	return nil
}

// SimulatedSystem hands out a fixed set of simulated cameras.
type SimulatedSystem struct {
	cams []*Simulated
}

// NewSimulatedSystem creates count cameras sharing base, with serials SIM0000, SIM0001, ...
func NewSimulatedSystem(count int, base SimulatedConfig) *SimulatedSystem {
	sys := &SimulatedSystem{}
	for i := 0; i < count; i++ {
		cfg := base
		cfg.Serial = fmt.Sprintf("SIM%04d", i)
		sys.cams = append(sys.cams, NewSimulated(cfg))
	}
	return sys
}

// Cameras returns the concrete simulated cameras (tests inject faults through them).
func (s *SimulatedSystem) Cameras() []*Simulated { return s.cams }

func (s *SimulatedSystem) Devices() ([]Device, error) {
	devs := make([]Device, len(s.cams))
	for i, c := range s.cams {
		devs[i] = c
	}
	return devs, nil
}

func (s *SimulatedSystem) Close() error { return nil }
