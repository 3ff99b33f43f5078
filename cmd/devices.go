package cmd

import (
	"fmt"

	"github.com/FluidXR/frameolink/internal/adb"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List frames attached over USB, or probe the configured network frame",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		opts, err := sessionOptions(cfg, log)
		if err != nil {
			return err
		}
		target, _ := cfg.Target()

		var devices []adb.Device
		if target.Type == adb.Network {
			d, err := adb.Probe(cmd.Context(), target, cfg.Timeouts.Connect.Std(), opts)
			if err != nil {
				return err
			}
			devices = append(devices, d)
		} else {
			devices, err = adb.Devices(cmd.Context(), cfg.Timeouts.Connect.Std(), opts)
			if err != nil {
				return err
			}
		}

		if len(devices) == 0 {
			fmt.Println("No devices connected.")
			return nil
		}

		for _, d := range devices {
			nickname := ""
			if cfg.Device.Nickname != "" && (d.Serial == cfg.Device.Serial || d.Target == target) {
				nickname = fmt.Sprintf(" (%s)", cfg.Device.Nickname)
			}

			status := d.State
			if !d.IsOnline() {
				status = "OFFLINE: " + d.State
			}

			fmt.Printf("%-20s %s  [%s] [%s]%s\n",
				d.Serial, d.Model, d.ConnType, status, nickname)
			if d.State == adb.DeviceUnauthorized {
				fmt.Println("  Accept the USB debugging prompt on the frame and try again.")
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
