package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cjeanneret/multicap/internal/config"
	"github.com/cjeanneret/multicap/internal/debug"
	"github.com/cjeanneret/multicap/internal/logic/capture"
	"github.com/cjeanneret/multicap/internal/web"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control page and start sessions over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if addr := v.GetString(flagAddr); addr != "" {
				cfg.Web.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String(flagAddr, "", "listen address (overrides web.addr)")
	_ = v.BindPFlag(flagAddr, cmd.Flags().Lookup(flagAddr))
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	a, err := newApp(cfg, broadcaster)
	if err != nil {
		return err
	}
	defer a.Close()

	runCapture := func(ctx context.Context, o web.Overrides) (*capture.Summary, error) {
		return a.RunSession(ctx, toConfigOverrides(o))
	}

	opts := []web.ServerOption{web.WithMetrics(a.registry)}
	if a.catalog != nil {
		opts = append(opts, web.WithSessions(a.catalog))
	}
	srv := web.NewServer(cfg.Web.Addr, broadcaster, runCapture, formDefaults(cfg), opts...)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func formDefaults(cfg *config.Config) web.FormConfig {
	fc := web.FormConfig{
		NumImages:       cfg.Session.NumImages,
		ExpTime:         cfg.Session.ExpTime,
		TriggerMode:     cfg.Session.TriggerMode,
		StimRun:         cfg.Session.StimRun,
		Cameras:         cfg.Cameras.MockCount,
		OutputDirectory: cfg.Session.OutputDirectory,
	}
	if cfg.Session.Gain != nil {
		fc.Gain = *cfg.Session.Gain
	}
	return fc
}

func toConfigOverrides(o web.Overrides) config.Overrides {
	return config.Overrides{
		NumImages:   o.NumImages,
		ExpTime:     o.ExpTime,
		Gain:        o.Gain,
		TriggerMode: o.TriggerMode,
		StimRun:     o.StimRun,
	}
}
