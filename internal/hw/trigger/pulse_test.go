package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/multicap/internal/hw/gpio"
)

// failingDriver fails every write after the first n.
type failingDriver struct {
	gpio.MockDriver
	allowed int
}

func (d *failingDriver) WritePin(pin int, level gpio.Level) error {
	if d.allowed <= 0 {
		return errors.New("line stuck")
	}
	d.allowed--
	return d.MockDriver.WritePin(pin, level)
}

func TestNewPulseGenerator_Validation(t *testing.T) {
	drv := &gpio.MockDriver{}
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero_rate", Config{Pin: 18, Rate: 0}},
		{"negative_rate", Config{Pin: 18, Rate: -5}},
		{"width_exceeds_period", Config{Pin: 18, Rate: 1000, PulseWidth: 2 * time.Millisecond}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPulseGenerator(drv, tc.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestNewPulseGenerator_PinStartsLow(t *testing.T) {
	drv := &gpio.MockDriver{}
	pg, err := NewPulseGenerator(drv, Config{Pin: 18, Rate: 50})
	if err != nil {
		t.Fatal(err)
	}
	if pg.Period() != 20*time.Millisecond {
		t.Errorf("period = %v, want 20ms", pg.Period())
	}
	writes := drv.Writes()
	if len(writes) != 1 || writes[0].Level != gpio.Low {
		t.Errorf("writes = %v, want a single LOW", writes)
	}
}

func TestRun_StopsAfterCount(t *testing.T) {
	drv := &gpio.MockDriver{}
	pg, err := NewPulseGenerator(drv, Config{Pin: 18, Rate: 1000, PulseWidth: 10 * time.Microsecond, Count: 5})
	if err != nil {
		t.Fatal(err)
	}
	if err := pg.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := drv.RisingEdges(18); got != 5 {
		t.Errorf("rising edges = %d, want 5", got)
	}
	if lvl, _ := drv.ReadPin(18); lvl != gpio.Low {
		t.Error("line should be left LOW")
	}
}

func TestStartStop(t *testing.T) {
	drv := &gpio.MockDriver{}
	pg, err := NewPulseGenerator(drv, Config{Pin: 18, Rate: 500, PulseWidth: 10 * time.Microsecond})
	if err != nil {
		t.Fatal(err)
	}
	if err := pg.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := pg.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	time.Sleep(20 * time.Millisecond)
	if err := pg.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	n := pg.Pulses()
	if n == 0 {
		t.Error("expected some pulses")
	}
	if drv.RisingEdges(18) != n {
		t.Errorf("edges = %d, pulses = %d", drv.RisingEdges(18), n)
	}
	if lvl, _ := drv.ReadPin(18); lvl != gpio.Low {
		t.Error("line should be left LOW")
	}
	// Stop on a stopped generator is a no-op.
	if err := pg.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestRun_WriteErrorSurfaces(t *testing.T) {
	drv := &failingDriver{allowed: 2} // setup LOW + first HIGH
	pg, err := NewPulseGenerator(drv, Config{Pin: 18, Rate: 100})
	if err != nil {
		t.Fatal(err)
	}
	if err := pg.Run(context.Background()); err == nil {
		t.Error("expected write error from Run")
	}
}
