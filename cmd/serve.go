package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FluidXR/frameolink/internal/api"
	"github.com/FluidXR/frameolink/internal/command"
	"github.com/FluidXR/frameolink/internal/config"
	"github.com/FluidXR/frameolink/internal/journal"
	"github.com/FluidXR/frameolink/internal/logging"
	"github.com/FluidXR/frameolink/internal/supervisor"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep a session to the frame open and serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.Server.Listen = serveListen
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}

		db, err := journal.Open(config.ConfigDir())
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()
		if keep := cfg.JournalRetention.Std(); keep > 0 {
			n, err := db.Prune(time.Now().Add(-keep))
			if err != nil {
				log.Warn().Err(err).Msg("Journal prune failed")
			} else if n > 0 {
				log.Info().Int64("rows", n).Msg("Pruned old journal entries")
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := startBackend(ctx, cfg, log, db)
		if err != nil {
			return err
		}
		defer b.close()

		target, _ := cfg.Target()
		h := api.NewHandler(b.dispatcher, b.supervisor, db, api.Options{
			Target:    target,
			RateLimit: cfg.Server.RateLimit,
			Burst:     cfg.Server.Burst,
			Logger:    log,
		})
		srv := &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           h.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go watchConfig(ctx, log)

		srvErr := make(chan error, 1)
		go func() {
			log.Info().Str("addr", srv.Addr).Str("target", target.String()).Msg("Serving HTTP API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
			close(srvErr)
		}()

		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
		case err := <-srvErr:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		return nil
	},
}

// watchConfig applies log level changes from the config file until ctx ends.
func watchConfig(ctx context.Context, log zerolog.Logger) {
	err := config.Watch(ctx, config.ConfigPath(), func(cfg *config.Config, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Config reload failed")
			return
		}
		if err := logging.SetLevel(cfg.LogLevel); err != nil {
			log.Warn().Err(err).Msg("Ignoring log level from config")
			return
		}
		log.Info().Str("level", cfg.LogLevel).Msg("Log level reloaded")
	})
	if err != nil {
		log.Debug().Err(err).Msg("Config file not watched")
	}
}

// backend is a running supervisor with a dispatcher on top.
type backend struct {
	supervisor *supervisor.Supervisor
	dispatcher *command.Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
}

func startBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger, db *journal.DB) (*backend, error) {
	target, err := cfg.Target()
	if err != nil {
		return nil, err
	}
	opts, err := sessionOptions(cfg, log)
	if err != nil {
		return nil, err
	}

	supOpts := supervisor.Options{
		Target:         target,
		ConnectTimeout: cfg.Timeouts.Connect.Std(),
		Session:        opts,
		InitialBackoff: cfg.Backoff.Initial.Std(),
		MaxBackoff:     cfg.Backoff.Max.Std(),
		ResetAfter:     cfg.Backoff.ResetAfter.Std(),
		Logger:         log,
	}
	cmdOpts := command.Options{
		QueueLimit:     cfg.QueueLimit,
		CommandTimeout: cfg.Timeouts.Command.Std(),
		SessionWait:    sessionWait(cfg),
		Target:         target,
		Logger:         log,
	}
	if db != nil {
		supOpts.Recorder = db
		cmdOpts.Recorder = db
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &backend{
		supervisor: supervisor.New(supOpts),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go func() {
		b.supervisor.Run(ctx)
		close(b.done)
	}()
	b.dispatcher = command.NewDispatcher(b.supervisor, cmdOpts)
	return b, nil
}

// sessionWait covers one connect attempt including the pairing prompt.
func sessionWait(cfg *config.Config) time.Duration {
	t := cfg.Timeouts
	return t.Connect.Std() + t.Handshake.Std() + t.Auth.Std()
}

// close lets the running command finish, then drops the session.
func (b *backend) close() {
	b.dispatcher.Close()
	b.cancel()
	<-b.done
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides server.listen)")
	rootCmd.AddCommand(serveCmd)
}
