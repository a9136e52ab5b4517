package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/multicap/internal/hw/camera"
	"github.com/cjeanneret/multicap/internal/logic/capture"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// SessionConfig holds the acquisition parameters of a capture session.
type SessionConfig struct {
	NumImages       int      `yaml:"num_images"`       // images per camera
	ExpTime         float64  `yaml:"exp_time"`         // exposure time (s)
	Gain            *float64 `yaml:"gain"`             // required, 0 is a valid gain
	TriggerMode     string   `yaml:"trigger_mode"`     // "software" or "hardware"
	Framerate       float64  `yaml:"framerate"`        // Hz. Paces software triggers, sets the hardware pulse rate.
	OutputDirectory string   `yaml:"output_directory"` // images and timing logs
	FilenamePrefix  string   `yaml:"filename_prefix"`  // timing log prefix
	StimRun         string   `yaml:"stim_run"`         // appended to filename_prefix
	FileFormat      string   `yaml:"file_format"`      // "tif" (default) or "raw"

	QueueCapacity     int `yaml:"queue_capacity"`      // 0 = one session of frames, capped at 512 MiB
	Writers           int `yaml:"writers"`             // 0 = one writer per camera
	RetrieveTimeoutMs int `yaml:"retrieve_timeout_ms"` // GetNextImage timeout (default 1000)
	MinFreeMB         int `yaml:"min_free_mb"`         // free space required before starting. 0 = no check.
}

// CamerasConfig selects the camera system.
type CamerasConfig struct {
	Mock            bool   `yaml:"mock"`              // simulated cameras (no SDK available)
	MockCount       int    `yaml:"mock_count"`        // number of simulated cameras (default 2)
	Width           int    `yaml:"width"`             // image width in pixels
	Height          int    `yaml:"height"`            // image height in pixels
	PixelFormat     string `yaml:"pixel_format"`      // mono8, mono16, rgb8
	FrameIntervalMs int    `yaml:"frame_interval_ms"` // simulated free-run period (default 10)
}

// HardwareTriggerConfig describes the GPIO line feeding the cameras' trigger input.
type HardwareTriggerConfig struct {
	Enabled      bool `yaml:"enabled"`
	Pin          int  `yaml:"pin"`            // BCM pin driving the trigger line
	PulseWidthUs int  `yaml:"pulse_width_us"` // high time of each pulse (default 100)
	Line         int  `yaml:"line"`           // camera input line 0-3
}

// CatalogConfig locates the session catalog database.
type CatalogConfig struct {
	Path string `yaml:"path"` // SQLite file. Empty disables the catalog.
}

// WebConfig configures the status server.
type WebConfig struct {
	Addr string `yaml:"addr"` // listen address (default ":8080")
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Session         SessionConfig         `yaml:"session"`
	Cameras         CamerasConfig         `yaml:"cameras"`
	HardwareTrigger HardwareTriggerConfig `yaml:"hardware_trigger"`
	Catalog         CatalogConfig         `yaml:"catalog"`
	Web             WebConfig             `yaml:"web"`
	Defaults        DefaultsConfig        `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// "configs" directory and does not traverse upwards.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Session.FileFormat == "" {
		c.Session.FileFormat = "tif"
	}
	if c.Session.RetrieveTimeoutMs <= 0 {
		c.Session.RetrieveTimeoutMs = 1000
	}
	if c.Cameras.MockCount <= 0 {
		c.Cameras.MockCount = 2
	}
	if c.Cameras.Width <= 0 {
		c.Cameras.Width = 640
	}
	if c.Cameras.Height <= 0 {
		c.Cameras.Height = 480
	}
	if c.Cameras.PixelFormat == "" {
		c.Cameras.PixelFormat = "mono8"
	}
	if c.Cameras.FrameIntervalMs <= 0 {
		c.Cameras.FrameIntervalMs = 10
	}
	if c.HardwareTrigger.PulseWidthUs <= 0 {
		c.HardwareTrigger.PulseWidthUs = 100
	}
	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	s := c.Session

	if s.NumImages <= 0 {
		errs = append(errs, fmt.Errorf("session.num_images must be > 0, got %d", s.NumImages))
	}
	if s.ExpTime <= 0 || math.IsNaN(s.ExpTime) || math.IsInf(s.ExpTime, 0) {
		errs = append(errs, fmt.Errorf("session.exp_time must be > 0 seconds, got %g", s.ExpTime))
	}
	if s.Gain == nil {
		errs = append(errs, errors.New("session.gain is required"))
	} else if *s.Gain < 0 || math.IsNaN(*s.Gain) {
		errs = append(errs, fmt.Errorf("session.gain must be >= 0, got %g", *s.Gain))
	}
	mode, err := capture.ParseTriggerMode(s.TriggerMode)
	if err != nil {
		errs = append(errs, fmt.Errorf("session.%w", err))
	}
	if s.Framerate < 0 {
		errs = append(errs, fmt.Errorf("session.framerate must be >= 0, got %g", s.Framerate))
	}
	if s.OutputDirectory == "" {
		errs = append(errs, errors.New("session.output_directory is required"))
	}
	if s.FilenamePrefix == "" {
		errs = append(errs, errors.New("session.filename_prefix is required"))
	}
	if _, err := fileExtension(s.FileFormat); err != nil {
		errs = append(errs, err)
	}
	if s.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("session.queue_capacity must be >= 0, got %d", s.QueueCapacity))
	}
	if s.Writers < 0 {
		errs = append(errs, fmt.Errorf("session.writers must be >= 0, got %d", s.Writers))
	}
	if s.MinFreeMB < 0 {
		errs = append(errs, fmt.Errorf("session.min_free_mb must be >= 0, got %d", s.MinFreeMB))
	}

	if _, err := camera.ParsePixelFormat(c.Cameras.PixelFormat); err != nil {
		errs = append(errs, fmt.Errorf("cameras.pixel_format: %w", err))
	}

	ht := c.HardwareTrigger
	if ht.Line < 0 || ht.Line > 3 {
		errs = append(errs, fmt.Errorf("hardware_trigger.line must be between 0 and 3, got %d", ht.Line))
	}
	if ht.Enabled {
		if mode != capture.TriggerHardware {
			errs = append(errs, errors.New("hardware_trigger.enabled requires session.trigger_mode: hardware"))
		}
		if s.Framerate <= 0 {
			errs = append(errs, errors.New("hardware_trigger.enabled requires session.framerate > 0"))
		}
		if ht.Pin <= 0 {
			errs = append(errs, fmt.Errorf("hardware_trigger.pin must be > 0, got %d", ht.Pin))
		}
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		errs = append(errs, fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel))
	}
	return errors.Join(errs...)
}

func fileExtension(format string) (string, error) {
	switch strings.ToLower(format) {
	case "tif", "tiff":
		return "tif", nil
	case "raw", "bin":
		return "raw", nil
	default:
		return "", fmt.Errorf("session.file_format must be tif or raw, got %q", format)
	}
}

// Overrides replaces selected session fields (command-line flags, HTTP requests).
// Nil fields are left unchanged.
type Overrides struct {
	NumImages       *int     `json:"num_images,omitempty"`
	ExpTime         *float64 `json:"exp_time,omitempty"`
	Gain            *float64 `json:"gain,omitempty"`
	TriggerMode     *string  `json:"trigger_mode,omitempty"`
	OutputDirectory *string  `json:"output_directory,omitempty"`
	StimRun         *string  `json:"stim_run,omitempty"`
}

// WithOverrides returns a validated copy of c with o applied.
func (c *Config) WithOverrides(o Overrides) (*Config, error) {
	out := *c
	if o.NumImages != nil {
		out.Session.NumImages = *o.NumImages
	}
	if o.ExpTime != nil {
		out.Session.ExpTime = *o.ExpTime
	}
	if o.Gain != nil {
		g := *o.Gain
		out.Session.Gain = &g
	}
	if o.TriggerMode != nil {
		out.Session.TriggerMode = *o.TriggerMode
	}
	if o.OutputDirectory != nil {
		out.Session.OutputDirectory = *o.OutputDirectory
	}
	if o.StimRun != nil {
		out.Session.StimRun = *o.StimRun
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// CaptureSession builds the immutable capture session.
func (c *Config) CaptureSession() (capture.Session, error) {
	if err := c.Validate(); err != nil {
		return capture.Session{}, err
	}
	mode, _ := capture.ParseTriggerMode(c.Session.TriggerMode)
	ext, _ := fileExtension(c.Session.FileFormat)
	pf, _ := camera.ParsePixelFormat(c.Cameras.PixelFormat)

	s := capture.Session{
		FrameCount:      c.Session.NumImages,
		ExposureTime:    c.ExposureTime(),
		Gain:            *c.Session.Gain,
		TriggerMode:     mode,
		TriggerLine:     camera.SourceLine0 + camera.TriggerSource(c.HardwareTrigger.Line),
		Framerate:       c.Session.Framerate,
		OutputDir:       c.Session.OutputDirectory,
		FilenamePrefix:  c.Prefix(),
		Extension:       ext,
		QueueCapacity:   c.Session.QueueCapacity,
		Writers:         c.Session.Writers,
		RetrieveTimeout: c.RetrieveTimeout(),
		FrameBytesHint:  c.Cameras.Width * c.Cameras.Height * pf.BytesPerPixel(),
	}
	return s, s.Validate()
}

// Prefix returns filename_prefix followed by stim_run.
func (c *Config) Prefix() string {
	return c.Session.FilenamePrefix + c.Session.StimRun
}

// ExposureTime returns exp_time as a duration.
func (c *Config) ExposureTime() time.Duration {
	return time.Duration(c.Session.ExpTime * float64(time.Second))
}

// RetrieveTimeout returns the per-image retrieval timeout.
func (c *Config) RetrieveTimeout() time.Duration {
	return time.Duration(c.Session.RetrieveTimeoutMs) * time.Millisecond
}

// MinFreeBytes returns the free space required before a session starts.
func (c *Config) MinFreeBytes() uint64 {
	return uint64(c.Session.MinFreeMB) << 20
}

// PulseWidth returns the hardware trigger pulse width.
func (c *Config) PulseWidth() time.Duration {
	return time.Duration(c.HardwareTrigger.PulseWidthUs) * time.Microsecond
}

// SimulatedCamera returns the template of the simulated cameras.
func (c *Config) SimulatedCamera() camera.SimulatedConfig {
	pf, _ := camera.ParsePixelFormat(c.Cameras.PixelFormat)
	return camera.SimulatedConfig{
		Width:         c.Cameras.Width,
		Height:        c.Cameras.Height,
		PixelFormat:   pf,
		FrameInterval: time.Duration(c.Cameras.FrameIntervalMs) * time.Millisecond,
	}
}
