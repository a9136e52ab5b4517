package camera

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrTimeout is returned by GetNextImage when no image arrived within the timeout.
var ErrTimeout = errors.New("camera: image retrieval timed out")

// ErrNotAcquiring is returned when an acquisition primitive is used outside
// BeginAcquisition/EndAcquisition.
var ErrNotAcquiring = errors.New("camera: acquisition not started")

// Device is the capability set the capture pipeline consumes from an open camera.
// It mirrors a GenICam-style SDK handle; the pipeline never calls Init/DeInit,
// those belong to whoever enumerated the device.
type Device interface {
	Init() error
	DeInit() error

	SerialNumber() (string, error)

	// SetExposureTime disables auto exposure and sets the exposure in microseconds.
	SetExposureTime(us float64) error
	// SetGain disables auto gain and sets the gain in dB.
	SetGain(gain float64) error
	SetBufferHandlingMode(mode BufferHandlingMode) error

	TriggerNode() (TriggerNode, error)
	ExecuteTrigger() error

	BeginAcquisition() error
	EndAcquisition() error
	// GetNextImage blocks until the next image or the timeout. Timeouts return ErrTimeout.
	// An incomplete image is returned with a nil error and IsIncomplete() == true.
	GetNextImage(timeout time.Duration) (*Image, error)
}

// ExposureLimiter is implemented by devices that report their maximum exposure.
type ExposureLimiter interface {
	MaxExposureTime() float64
}

// System enumerates devices. Init/DeInit of each device is the caller's job.
type System interface {
	Devices() ([]Device, error)
	Close() error
}

// TriggerMode switches the trigger node on or off.
type TriggerMode int

const (
	TriggerOff TriggerMode = iota
	TriggerOn
)

// TriggerSource selects what fires an exposure once the trigger is on.
type TriggerSource int

const (
	SourceSoftware TriggerSource = iota
	SourceLine0
	SourceLine1
	SourceLine2
	SourceLine3
)

func (s TriggerSource) String() string {
	switch s {
	case SourceSoftware:
		return "Software"
	case SourceLine0, SourceLine1, SourceLine2, SourceLine3:
		return fmt.Sprintf("Line%d", int(s-SourceLine0))
	default:
		return fmt.Sprintf("TriggerSource(%d)", int(s))
	}
}

// TriggerNode is the trigger control of a device.
type TriggerNode interface {
	IsAvailable() bool
	IsWritable() bool
	SetMode(mode TriggerMode) error
	SetSource(src TriggerSource) error
}

// BufferHandlingMode is the device-side stream buffer policy.
type BufferHandlingMode int

const (
	// OldestFirst delivers every buffered image in order; the pipeline relies on it
	// so a slow consumer never silently loses frames on the device side.
	OldestFirst BufferHandlingMode = iota
	NewestOnly
	NewestFirst
)

func (m BufferHandlingMode) String() string {
	switch m {
	case OldestFirst:
		return "OldestFirst"
	case NewestOnly:
		return "NewestOnly"
	case NewestFirst:
		return "NewestFirst"
	default:
		return fmt.Sprintf("BufferHandlingMode(%d)", int(m))
	}
}

// PixelFormat describes the layout of Image.Data.
type PixelFormat int

const (
	Mono8 PixelFormat = iota
	Mono16
	RGB8
)

// BytesPerPixel returns the size of one pixel in Data.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case Mono16:
		return 2
	case RGB8:
		return 3
	default:
		return 1
	}
}

func (p PixelFormat) String() string {
	switch p {
	case Mono8:
		return "mono8"
	case Mono16:
		return "mono16"
	case RGB8:
		return "rgb8"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(p))
	}
}

// ParsePixelFormat parses "mono8", "mono16" or "rgb8" (case-insensitive).
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(s) {
	case "mono8", "":
		return Mono8, nil
	case "mono16":
		return Mono16, nil
	case "rgb8":
		return RGB8, nil
	default:
		return Mono8, fmt.Errorf("unknown pixel format %q", s)
	}
}

// ImageStatus is the SDK image status; zero means complete.
type ImageStatus int

// Image is one buffer handed out by GetNextImage. The holder must call Release
// exactly once; extra calls are ignored.
type Image struct {
	Data        []byte
	Width       int
	Height      int
	PixelFormat PixelFormat
	Status      ImageStatus
	FrameID     uint64

	release func()
	once    sync.Once
}

// NewImage wraps a device buffer. release is called once by Release (may be nil).
func NewImage(data []byte, width, height int, pf PixelFormat, release func()) *Image {
	return &Image{
		Data:        data,
		Width:       width,
		Height:      height,
		PixelFormat: pf,
		release:     release,
	}
}

// IsIncomplete reports whether the device flagged the image as incomplete.
func (i *Image) IsIncomplete() bool {
	return i.Status != 0
}

// Release returns the buffer to the device.
func (i *Image) Release() {
	i.once.Do(func() {
		if i.release != nil {
			i.release()
		}
	})
}
