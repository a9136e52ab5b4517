package capture

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/multicap/internal/debug"
	"github.com/cjeanneret/multicap/internal/hw/camera"
)

// TriggerStrategy prepares and fires one device's trigger.
// One instance serves one device for one session.
type TriggerStrategy interface {
	// Arm configures the trigger source. It runs once, before BeginAcquisition.
	Arm(dev camera.Device) error
	// Fire starts one exposure. It is a no-op when the device free-runs on a line.
	Fire(ctx context.Context, dev camera.Device) error
	// Disarm switches the trigger off after EndAcquisition.
	Disarm(dev camera.Device) error
	Mode() TriggerMode
}

// NewTriggerStrategy returns the strategy for s.TriggerMode.
func NewTriggerStrategy(s Session) TriggerStrategy {
	if s.TriggerMode == TriggerHardware {
		line := s.TriggerLine
		if line == camera.SourceSoftware {
			line = camera.SourceLine0
		}
		return &hardwareTrigger{line: line}
	}
	st := &softwareTrigger{}
	if s.Framerate > 0 {
		st.limiter = rate.NewLimiter(rate.Limit(s.Framerate), 1)
	}
	return st
}

var errAlreadyArmed = errors.New("trigger already armed")

// armTrigger runs the Off -> Source -> On sequence on the device trigger node.
func armTrigger(dev camera.Device, src camera.TriggerSource) error {
	node, err := dev.TriggerNode()
	if err != nil {
		return &DeviceConfigError{Node: "TriggerMode", Err: err}
	}
	if !node.IsAvailable() || !node.IsWritable() {
		return &DeviceConfigError{Node: "TriggerMode", Err: errNodeUnavailable}
	}

	// The source can only be written while the trigger is off.
	if err := node.SetMode(camera.TriggerOff); err != nil {
		return &DeviceConfigError{Node: "TriggerMode", Err: err}
	}
	if err := node.SetSource(src); err != nil {
		return &DeviceConfigError{Node: "TriggerSource", Err: err}
	}
	if err := node.SetMode(camera.TriggerOn); err != nil {
		return &DeviceConfigError{Node: "TriggerMode", Err: err}
	}
	debug.Verbose("Trigger: mode On, source %s", src)
	return nil
}

func disarmTrigger(dev camera.Device) error {
	node, err := dev.TriggerNode()
	if err != nil {
		return err
	}
	if err := node.SetMode(camera.TriggerOff); err != nil {
		return fmt.Errorf("reset TriggerMode: %w", err)
	}
	return nil
}

type softwareTrigger struct {
	armed   bool
	limiter *rate.Limiter
}

func (t *softwareTrigger) Mode() TriggerMode { return TriggerSoftware }

func (t *softwareTrigger) Arm(dev camera.Device) error {
	if t.armed {
		return errAlreadyArmed
	}
	if err := armTrigger(dev, camera.SourceSoftware); err != nil {
		return err
	}
	t.armed = true
	return nil
}

func (t *softwareTrigger) Fire(ctx context.Context, dev camera.Device) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := dev.ExecuteTrigger(); err != nil {
		return fmt.Errorf("execute software trigger: %w", err)
	}
	return nil
}

func (t *softwareTrigger) Disarm(dev camera.Device) error {
	if !t.armed {
		return nil
	}
	t.armed = false
	return disarmTrigger(dev)
}

type hardwareTrigger struct {
	armed bool
	line  camera.TriggerSource
}

func (t *hardwareTrigger) Mode() TriggerMode { return TriggerHardware }

func (t *hardwareTrigger) Arm(dev camera.Device) error {
	if t.armed {
		return errAlreadyArmed
	}
	if err := armTrigger(dev, t.line); err != nil {
		return err
	}
	t.armed = true
	return nil
}

// Fire does nothing: exposures follow the external line.
func (t *hardwareTrigger) Fire(context.Context, camera.Device) error { return nil }

func (t *hardwareTrigger) Disarm(dev camera.Device) error {
	if !t.armed {
		return nil
	}
	t.armed = false
	return disarmTrigger(dev)
}
