package camera

import (
	"fmt"
	"math"

	"github.com/cjeanneret/multicap/internal/debug"
)

// Settings are the per-device acquisition parameters applied before arming.
type Settings struct {
	ExposureUs float64
	Gain       float64
	BufferMode BufferHandlingMode
}

// NodeError reports which control node refused a write.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Apply writes exposure, gain and buffer handling to dev.
// Exposure is clamped to the device maximum when the device reports one.
func Apply(dev Device, s Settings) error {
	exposure := s.ExposureUs
	if lim, ok := dev.(ExposureLimiter); ok {
		exposure = math.Min(exposure, lim.MaxExposureTime())
	}

	debug.Verbose("Camera: ExposureTime <- %.0fus", exposure)
	if err := dev.SetExposureTime(exposure); err != nil {
		return &NodeError{Node: "ExposureTime", Err: err}
	}

	debug.Verbose("Camera: Gain <- %.2f", s.Gain)
	if err := dev.SetGain(s.Gain); err != nil {
		return &NodeError{Node: "Gain", Err: err}
	}

	debug.Verbose("Camera: StreamBufferHandlingMode <- %s", s.BufferMode)
	if err := dev.SetBufferHandlingMode(s.BufferMode); err != nil {
		return &NodeError{Node: "StreamBufferHandlingMode", Err: err}
	}
	return nil
}
