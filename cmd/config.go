package cmd

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/FluidXR/frameolink/internal/adb"
	"github.com/FluidXR/frameolink/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage frameolink configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Printf("Config file: %s\n\n", config.ConfigPath())

		fmt.Printf("Device:\n")
		if t, err := cfg.Target(); err != nil {
			fmt.Printf("  (invalid: %v)\n", err)
		} else {
			fmt.Printf("  %s", t)
			if cfg.Device.Nickname != "" {
				fmt.Printf(" (%s)", cfg.Device.Nickname)
			}
			fmt.Println()
		}

		t := cfg.Timeouts
		fmt.Printf("\nTimeouts:\n")
		fmt.Printf("  connect %s | handshake %s | auth %s | open %s | command %s\n",
			t.Connect.Std(), t.Handshake.Std(), t.Auth.Std(), t.Open.Std(), t.Command.Std())
		fmt.Printf("  keep-alive every %s, timeout %s\n", t.KeepAliveInterval.Std(), t.KeepAliveTimeout.Std())
		fmt.Printf("\nReconnect backoff: %s to %s\n", cfg.Backoff.Initial.Std(), cfg.Backoff.Max.Std())
		fmt.Printf("Queue limit: %d\n", cfg.QueueLimit)
		fmt.Printf("HTTP: %s (%.1f req/s, burst %d)\n", cfg.Server.Listen, cfg.Server.RateLimit, cfg.Server.Burst)
		fmt.Printf("Log level: %s\n", cfg.LogLevel)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(config.ConfigPath()); err == nil {
			return fmt.Errorf("config already exists at %s", config.ConfigPath())
		}
		cfg := config.DefaultConfig()
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("Config created at %s\n", config.ConfigPath())
		return nil
	},
}

var configSetTargetCmd = &cobra.Command{
	Use:   "set-target usb [serial] | network <host[:port]>",
	Short: "Set how to reach the frame",
	Long: `Examples:
  frameolink config set-target usb
  frameolink config set-target usb 0123456789ABCDEF
  frameolink config set-target network 192.168.1.50:5555`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := setTarget(&cfg.Device, args); err != nil {
			return err
		}
		t, err := cfg.Target()
		if err != nil {
			return err
		}
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("Target set to %s\n", t)
		return nil
	},
}

var configNicknameCmd = &cobra.Command{
	Use:   "nickname <name>",
	Short: "Set a nickname for the frame",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cfg.Device.Nickname = args[0]
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("Set nickname: %s\n", args[0])
		return nil
	},
}

func setTarget(dc *config.DeviceConfig, args []string) error {
	switch {
	case strings.EqualFold(args[0], string(adb.USB)):
		dc.ConnectionType = string(adb.USB)
		dc.Serial = ""
		if len(args) == 2 {
			dc.Serial = args[1]
		}
	case strings.EqualFold(args[0], string(adb.Network)):
		if len(args) != 2 {
			return fmt.Errorf("network target needs a host")
		}
		host, port := args[1], adb.DefaultPort
		if h, p, err := net.SplitHostPort(args[1]); err == nil {
			n, err := strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("port %q is not a number", p)
			}
			host, port = h, n
		}
		dc.ConnectionType = string(adb.Network)
		dc.Host = host
		dc.Port = port
	default:
		return fmt.Errorf("connection type must be usb or network, got %q", args[0])
	}
	return nil
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetTargetCmd)
	configCmd.AddCommand(configNicknameCmd)
	rootCmd.AddCommand(configCmd)
}
