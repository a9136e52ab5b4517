// Package trigger drives an external hardware trigger line: a square wave on
// one GPIO pin that hardware-triggered cameras expose on.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/multicap/internal/debug"
	"github.com/cjeanneret/multicap/internal/hw/gpio"
)

// Config holds the line configuration.
type Config struct {
	Pin        int
	Rate       float64       // pulses per second, > 0
	PulseWidth time.Duration // HIGH time per pulse. 0 defaults to 100µs.
	Count      int           // stop after Count pulses. 0 = until stopped.
}

// PulseGenerator emits rising edges on a GPIO pin at a fixed rate.
type PulseGenerator struct {
	gpio   gpio.Driver
	cfg    Config
	period time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	pulses int
}

// NewPulseGenerator validates cfg and configures the pin as a LOW output.
func NewPulseGenerator(g gpio.Driver, cfg Config) (*PulseGenerator, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("trigger rate must be > 0, got %g", cfg.Rate)
	}
	if cfg.PulseWidth <= 0 {
		cfg.PulseWidth = 100 * time.Microsecond
	}
	period := time.Duration(float64(time.Second) / cfg.Rate)
	if cfg.PulseWidth >= period {
		return nil, fmt.Errorf("pulse width %v must be shorter than period %v", cfg.PulseWidth, period)
	}
	if err := g.SetupPin(cfg.Pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup trigger pin %d: %w", cfg.Pin, err)
	}
	if err := g.WritePin(cfg.Pin, gpio.Low); err != nil {
		return nil, fmt.Errorf("reset trigger pin %d: %w", cfg.Pin, err)
	}
	return &PulseGenerator{gpio: g, cfg: cfg, period: period}, nil
}

// Period returns the time between two rising edges.
func (p *PulseGenerator) Period() time.Duration { return p.period }

// Run emits pulses until ctx is done or Count pulses were sent.
// The line is always left LOW.
func (p *PulseGenerator) Run(ctx context.Context) error {
	debug.Verbose("Trigger line: pin %d at %.2f Hz (width %v)", p.cfg.Pin, p.cfg.Rate, p.cfg.PulseWidth)

	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	for {
		if err := p.pulse(); err != nil {
			_ = p.gpio.WritePin(p.cfg.Pin, gpio.Low)
			return err
		}
		if p.cfg.Count > 0 && p.Pulses() >= p.cfg.Count {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *PulseGenerator) pulse() error {
	if err := p.gpio.WritePin(p.cfg.Pin, gpio.High); err != nil {
		return err
	}
	time.Sleep(p.cfg.PulseWidth)
	if err := p.gpio.WritePin(p.cfg.Pin, gpio.Low); err != nil {
		return err
	}
	p.mu.Lock()
	p.pulses++
	p.mu.Unlock()
	return nil
}

// Pulses returns the number of complete pulses emitted.
func (p *PulseGenerator) Pulses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulses
}

// Start runs the generator in the background. It is the line driver the
// session coordinator starts once every device is armed.
func (p *PulseGenerator) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return errors.New("trigger line already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		err := p.Run(ctx)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()
	return nil
}

// Stop halts a started generator and returns its terminal error.
func (p *PulseGenerator) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = nil
	debug.Verbose("Trigger line: stopped after %d pulses", p.pulses)
	return p.err
}
