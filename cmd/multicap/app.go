package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cjeanneret/multicap/internal/catalog"
	"github.com/cjeanneret/multicap/internal/config"
	"github.com/cjeanneret/multicap/internal/debug"
	"github.com/cjeanneret/multicap/internal/hw/camera"
	"github.com/cjeanneret/multicap/internal/hw/gpio"
	"github.com/cjeanneret/multicap/internal/hw/trigger"
	"github.com/cjeanneret/multicap/internal/logic/capture"
	"github.com/cjeanneret/multicap/internal/metrics"
	"github.com/cjeanneret/multicap/internal/storage"
)

// app owns the hardware and infrastructure shared by every session.
type app struct {
	cfg      *config.Config
	gpio     gpio.Driver
	system   camera.System
	registry *prometheus.Registry
	metrics  *metrics.Pipeline
	catalog  *catalog.Catalog
	observer capture.FrameObserver
}

// newApp initializes debug output, GPIO, cameras, metrics and the optional catalog.
func newApp(cfg *config.Config, observer capture.FrameObserver) (*app, error) {
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	a := &app{cfg: cfg, observer: observer}

	debug.Step(1, "Initializing GPIO driver")
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	g, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return nil, fmt.Errorf("init GPIO failed: %w", err)
	}
	a.gpio = g

	debug.Step(2, "Initializing camera system")
	sys, err := newCameraSystem(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.system = sys

	debug.Step(3, "Initializing metrics")
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector())
	a.metrics, err = metrics.NewPipeline(a.registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics failed: %w", err)
	}

	if cfg.Catalog.Path != "" {
		debug.Step(4, "Opening session catalog")
		a.catalog, err = catalog.Open(cfg.Catalog.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// newCameraSystem selects the camera system based on configuration.
func newCameraSystem(cfg *config.Config) (camera.System, error) {
	if !cfg.Cameras.Mock {
		return nil, errors.New("no camera SDK binding is available in this build, set cameras.mock: true")
	}
	debug.Value("Simulated cameras", cfg.Cameras.MockCount)
	debug.PrintStruct("Simulated camera", cfg.SimulatedCamera())
	return camera.NewSimulatedSystem(cfg.Cameras.MockCount, cfg.SimulatedCamera()), nil
}

// Close releases the catalog, camera system and GPIO driver.
func (a *app) Close() {
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			log.Printf("closing session catalog failed: %v", err)
		}
	}
	if a.system != nil {
		if err := a.system.Close(); err != nil {
			log.Printf("closing camera system failed: %v", err)
		}
	}
	if a.gpio != nil {
		if err := a.gpio.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}
}

// initDevices initializes every enumerated camera. Cameras that fail to
// initialize are left out of the session.
func (a *app) initDevices() ([]camera.Device, func(), error) {
	all, err := a.system.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate cameras: %w", err)
	}
	var devs []camera.Device
	for i, d := range all {
		if err := d.Init(); err != nil {
			debug.Error(fmt.Errorf("camera %d: init: %w", i, err))
			continue
		}
		devs = append(devs, d)
	}
	release := func() {
		for _, d := range devs {
			if err := d.DeInit(); err != nil {
				debug.Verbose("DeInit: %v", err)
			}
		}
	}
	return devs, release, nil
}

// sessionDir is the directory holding one session's images and timing logs:
// {output_directory}/{prefix}_{session id}.
func sessionDir(root, prefix string, id uuid.UUID) string {
	return filepath.Join(root, prefix+"_"+id.String())
}

// RunSession captures one session with o applied to the base configuration.
// Each session writes into its own directory under output_directory so
// repeated sessions never collide. The summary is recorded in the catalog
// when one is configured.
func (a *app) RunSession(ctx context.Context, o config.Overrides) (*capture.Summary, error) {
	cfg, err := a.cfg.WithOverrides(o)
	if err != nil {
		return nil, err
	}
	sess, err := cfg.CaptureSession()
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	sess.OutputDir = sessionDir(sess.OutputDir, sess.FilenamePrefix, id)

	enc, err := storage.EncoderFor(cfg.Session.FileFormat)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewFileStore(sess.OutputDir, enc)
	if err != nil {
		return nil, err
	}
	if minBytes := cfg.MinFreeBytes(); minBytes > 0 {
		if err := storage.EnsureFreeSpace(store.Dir(), minBytes); err != nil {
			return nil, err
		}
	}

	devs, release, err := a.initDevices()
	if err != nil {
		return nil, err
	}
	defer release()

	opts := []capture.Option{capture.WithSessionID(id), capture.WithMetrics(a.metrics)}
	if a.observer != nil {
		opts = append(opts, capture.WithObserver(a.observer))
	}
	if cfg.HardwareTrigger.Enabled {
		line, err := trigger.NewPulseGenerator(a.gpio, trigger.Config{
			Pin:        cfg.HardwareTrigger.Pin,
			Rate:       cfg.Session.Framerate,
			PulseWidth: cfg.PulseWidth(),
			Count:      cfg.Session.NumImages,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, capture.WithLineDriver(line))
	}

	coord, err := capture.NewCoordinator(sess, devs, store, opts...)
	if err != nil {
		return nil, err
	}
	sum, runErr := coord.Run(ctx)

	if a.catalog != nil {
		if _, err := a.catalog.Record(context.WithoutCancel(ctx), sum, store.Dir()); err != nil {
			debug.Error(err)
		}
	}
	return sum, runErr
}
