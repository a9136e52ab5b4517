package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newDevicesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the connected cameras",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.listDevices(cmd.OutOrStdout())
		},
	}
}

// listDevices prints one line per enumerated camera: index and serial number.
func (a *app) listDevices(w io.Writer) error {
	devs, release, err := a.initDevices()
	if err != nil {
		return err
	}
	defer release()

	if len(devs) == 0 {
		fmt.Fprintln(w, "no cameras found")
		return nil
	}
	for i, d := range devs {
		serial, err := d.SerialNumber()
		if err != nil {
			serial = "unknown (" + err.Error() + ")"
		}
		fmt.Fprintf(w, "%d\t%s\n", i, serial)
	}
	return nil
}
