package cmd

import (
	"fmt"
	"os"

	"github.com/FluidXR/frameolink/internal/adb"
	"github.com/FluidXR/frameolink/internal/config"
	"github.com/FluidXR/frameolink/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version of frameolink.
const Version = "0.1.0"

var logFormat string

var rootCmd = &cobra.Command{
	Use:     "frameolink",
	Short:   "Control a Frameo photo frame over ADB",
	Version: Version,
	Long: `frameolink keeps an ADB session to a Frameo photo frame open over USB or
the network and exposes screen, input and app control over HTTP for
Home Assistant.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", string(logging.FormatConsole), "log output format: console or json")
}

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(cfg.LogLevel, logging.Format(logFormat), os.Stderr)
}

// loadSigner loads the pairing key, creating it on first use.
func loadSigner(cfg *config.Config, log zerolog.Logger) (*adb.Signer, error) {
	ks := cfg.KeyStore()
	key, created, err := adb.LoadOrGenerate(ks)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info().Str("path", ks.PrivatePath()).Msg("Generated new ADB key; accept it on the frame when prompted")
	}
	return adb.NewSigner(key, ks.Name)
}

// sessionOptions returns the configured session options with the signer set.
func sessionOptions(cfg *config.Config, log zerolog.Logger) (adb.Options, error) {
	signer, err := loadSigner(cfg, log)
	if err != nil {
		return adb.Options{}, err
	}
	opts := cfg.SessionOptions()
	opts.Signer = signer
	opts.Logger = log
	return opts, nil
}
