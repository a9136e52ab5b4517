package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrAcquisitionTimeout marks a sequence number skipped because the device
	// delivered nothing within the retrieval timeout.
	ErrAcquisitionTimeout = errors.New("acquisition timeout")

	// ErrIncompleteFrame marks a sequence number skipped because the device
	// reported an incomplete image.
	ErrIncompleteFrame = errors.New("incomplete frame")

	// ErrQueueClosed is returned by Enqueue after Close. Seeing it means the
	// coordinator closed the queue while a worker was still capturing.
	ErrQueueClosed = errors.New("write queue closed")

	// ErrFrameRequeued is returned when the same Frame is enqueued twice.
	ErrFrameRequeued = errors.New("frame already enqueued")

	// ErrNoActiveDevices ends a session in which no device could be armed.
	ErrNoActiveDevices = errors.New("no active devices")

	errNodeUnavailable = errors.New("node not available or not writable")
)

// DeviceConfigError reports a control node that could not be written.
// It removes the device from the session; siblings keep capturing.
type DeviceConfigError struct {
	Device int
	Serial string
	Node   string
	Err    error
}

func (e *DeviceConfigError) Error() string {
	return fmt.Sprintf("camera %d (%s): configure %s: %v", e.Device, e.Serial, e.Node, e.Err)
}

func (e *DeviceConfigError) Unwrap() error { return e.Err }

// IOError reports a frame that could not be persisted.
type IOError struct {
	Device   int
	Sequence int
	Path     string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("camera %d image %d: write %s: %v", e.Device, e.Sequence, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// skipReason maps a skip error to a short metrics label.
func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrAcquisitionTimeout):
		return "timeout"
	case errors.Is(err, ErrIncompleteFrame):
		return "incomplete"
	default:
		return "error"
	}
}
