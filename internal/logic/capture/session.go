package capture

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cjeanneret/multicap/internal/hw/camera"
)

// TriggerMode selects how exposures are started.
type TriggerMode string

const (
	TriggerSoftware TriggerMode = "software"
	TriggerHardware TriggerMode = "hardware"
)

// ParseTriggerMode accepts "software" or "hardware" (case-insensitive).
func ParseTriggerMode(s string) (TriggerMode, error) {
	switch TriggerMode(strings.ToLower(strings.TrimSpace(s))) {
	case TriggerSoftware:
		return TriggerSoftware, nil
	case TriggerHardware:
		return TriggerHardware, nil
	default:
		return "", fmt.Errorf("trigger_mode must be %q or %q, got %q", TriggerSoftware, TriggerHardware, s)
	}
}

// DefaultRetrieveTimeout bounds each GetNextImage call.
const DefaultRetrieveTimeout = 1000 * time.Millisecond

// maxQueuedBytes caps the memory held by a default-sized write queue.
const maxQueuedBytes = 512 << 20

// Session is the immutable configuration of one capture run.
// It is built once (see config.Config.Session) and shared read-only.
type Session struct {
	FrameCount     int           // images per device
	ExposureTime   time.Duration // exposure per image
	Gain           float64
	TriggerMode    TriggerMode
	TriggerLine    camera.TriggerSource // hardware input line, used in hardware mode
	Framerate      float64              // software trigger pacing in Hz. 0 = unpaced.
	OutputDir      string
	FilenamePrefix string
	Extension      string // image file extension without the dot, e.g. "tif"

	QueueCapacity   int           // 0 = DefaultQueueCapacity
	Writers         int           // 0 = one per device
	RetrieveTimeout time.Duration // 0 = DefaultRetrieveTimeout
	FrameBytesHint  int           // expected bytes per frame, used for default queue sizing
}

// Validate checks every field. It runs before any device is touched.
func (s Session) Validate() error {
	var errs []error
	if s.FrameCount <= 0 {
		errs = append(errs, fmt.Errorf("num_images must be > 0, got %d", s.FrameCount))
	}
	if s.ExposureTime <= 0 {
		errs = append(errs, fmt.Errorf("exp_time must be > 0, got %v", s.ExposureTime))
	}
	if s.Gain < 0 || math.IsNaN(s.Gain) || math.IsInf(s.Gain, 0) {
		errs = append(errs, fmt.Errorf("gain must be a finite value >= 0, got %g", s.Gain))
	}
	if _, err := ParseTriggerMode(string(s.TriggerMode)); err != nil {
		errs = append(errs, err)
	}
	if s.Framerate < 0 || math.IsNaN(s.Framerate) || math.IsInf(s.Framerate, 0) {
		errs = append(errs, fmt.Errorf("framerate must be a finite value >= 0, got %g", s.Framerate))
	}
	if s.OutputDir == "" {
		errs = append(errs, errors.New("output_directory is required"))
	}
	if s.FilenamePrefix == "" {
		errs = append(errs, errors.New("filename_prefix is required"))
	}
	if s.Extension == "" || strings.ContainsAny(s.Extension, `./\`) {
		errs = append(errs, fmt.Errorf("invalid file extension %q", s.Extension))
	}
	if s.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be >= 0, got %d", s.QueueCapacity))
	}
	if s.Writers < 0 {
		errs = append(errs, fmt.Errorf("writers must be >= 0, got %d", s.Writers))
	}
	if s.RetrieveTimeout < 0 {
		errs = append(errs, fmt.Errorf("retrieve timeout must be >= 0, got %v", s.RetrieveTimeout))
	}
	return errors.Join(errs...)
}

// ExposureMicros returns the exposure in microseconds, the unit devices take.
func (s Session) ExposureMicros() float64 {
	return float64(s.ExposureTime) / float64(time.Microsecond)
}

// Timeout returns the effective retrieval timeout.
func (s Session) Timeout() time.Duration {
	if s.RetrieveTimeout <= 0 {
		return DefaultRetrieveTimeout
	}
	return s.RetrieveTimeout
}

// queueCapacity returns the effective queue capacity for devices devices.
func (s Session) queueCapacity(devices int) int {
	if s.QueueCapacity > 0 {
		return s.QueueCapacity
	}
	return DefaultQueueCapacity(s.FrameCount*devices, s.FrameBytesHint)
}

// writers returns the effective writer count for devices devices.
func (s Session) writers(devices int) int {
	if s.Writers > 0 {
		return s.Writers
	}
	return devices
}

// DefaultQueueCapacity holds a whole session of frames, capped so the queued
// buffers stay under 512 MiB when frameBytes is known.
func DefaultQueueCapacity(frames, frameBytes int) int {
	c := frames
	if frameBytes > 0 {
		if limit := maxQueuedBytes / frameBytes; c > limit {
			c = limit
		}
	}
	if c < 1 {
		c = 1
	}
	return c
}

// FrameName composes the image file name: {sequence:04d}_{device}.{ext}.
func FrameName(sequence, device int, ext string) string {
	return fmt.Sprintf("%04d_%d.%s", sequence, device, ext)
}
