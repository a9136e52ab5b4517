package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cjeanneret/multicap/internal/config"
)

// Flag names double as viper keys; MULTICAP_NUM_IMAGES etc. set them from the environment.
const (
	flagConfig      = "config"
	flagNumImages   = "num-images"
	flagExpTime     = "exp-time"
	flagGain        = "gain"
	flagTriggerMode = "trigger-mode"
	flagOutputDir   = "output-dir"
	flagStimRun     = "stim-run"
	flagDebug       = "debug"
	flagAddr        = "addr"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MULTICAP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "multicap",
		Short:        "Synchronized image acquisition from several cameras",
		SilenceUsage: true,
		Long: `multicap arms every connected camera with the same exposure, gain and
trigger settings, acquires a fixed number of images from each, and writes the
images plus per-camera timestamp logs to the output directory.

Without a subcommand, one session is captured and its summary printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCaptureCmd(cmd.Context(), v, cmd.OutOrStdout())
		},
	}

	pf := root.PersistentFlags()
	pf.String(flagConfig, filepath.Join("configs", "default.yaml"), "path to config file (inside a configs/ directory)")
	pf.Int(flagNumImages, 0, "override session.num_images")
	pf.Float64(flagExpTime, 0, "override session.exp_time in seconds")
	pf.Float64(flagGain, 0, "override session.gain")
	pf.String(flagTriggerMode, "", "override session.trigger_mode (software|hardware)")
	pf.String(flagOutputDir, "", "override session.output_directory")
	pf.String(flagStimRun, "", "override session.stim_run")
	pf.Int(flagDebug, -1, "override defaults.debug_level (0-4)")
	for _, name := range []string{flagConfig, flagNumImages, flagExpTime, flagGain, flagTriggerMode, flagOutputDir, flagStimRun, flagDebug} {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(newServeCmd(v), newDevicesCmd(v))
	return root
}

// loadConfig reads the config file and applies flag and environment overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString(flagConfig)
	if err := config.ValidateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	if v.IsSet(flagDebug) {
		if lvl := v.GetInt(flagDebug); lvl >= 0 {
			cfg.Defaults.DebugLevel = lvl
		}
	}
	cfg, err = cfg.WithOverrides(overridesFrom(v))
	if err != nil {
		return nil, fmt.Errorf("invalid override: %w", err)
	}
	return cfg, nil
}

// overridesFrom collects the overrides explicitly set by flag or environment.
func overridesFrom(v *viper.Viper) config.Overrides {
	var o config.Overrides
	if v.IsSet(flagNumImages) {
		n := v.GetInt(flagNumImages)
		o.NumImages = &n
	}
	if v.IsSet(flagExpTime) {
		e := v.GetFloat64(flagExpTime)
		o.ExpTime = &e
	}
	if v.IsSet(flagGain) {
		g := v.GetFloat64(flagGain)
		o.Gain = &g
	}
	if v.IsSet(flagTriggerMode) {
		m := v.GetString(flagTriggerMode)
		o.TriggerMode = &m
	}
	if v.IsSet(flagOutputDir) {
		d := v.GetString(flagOutputDir)
		o.OutputDirectory = &d
	}
	if v.IsSet(flagStimRun) {
		s := v.GetString(flagStimRun)
		o.StimRun = &s
	}
	return o
}

func runCaptureCmd(ctx context.Context, v *viper.Viper, out io.Writer) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.RunSession(ctx, config.Overrides{})
	if sum != nil {
		fmt.Fprintln(out, sum)
	}
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	if sum.Cancelled {
		log.Printf("session cancelled, %d of %d images written", sum.Totals().Persisted, sum.Totals().Requested)
	}
	return nil
}
