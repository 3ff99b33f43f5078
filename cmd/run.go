package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/FluidXR/frameolink/internal/adb"
	"github.com/FluidXR/frameolink/internal/command"
	"github.com/FluidXR/frameolink/internal/config"
	"github.com/FluidXR/frameolink/internal/journal"

	"github.com/spf13/cobra"
)

var (
	runJSON      bool
	runNoJournal bool
)

var runCmd = &cobra.Command{
	Use:   "run <kind> [args...]",
	Short: "Connect, run one command on the frame and print the result",
	Long: `Kinds:
  tap X Y
  swipe X1 Y1 X2 Y2 [MS]
  key KEYCODE
  launch PACKAGE [ACTIVITY]
  shell COMMAND...
  text TEXT...
  brightness 0-255
  state
  screen-on
  screen-off
  tcpip [PORT]

Example: frameolink run launch net.frameo.app`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := parseRequest(args)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}

		var db *journal.DB
		if !runNoJournal {
			db, err = journal.Open(config.ConfigDir())
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer db.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		b, err := startBackend(ctx, cfg, log, db)
		if err != nil {
			return err
		}
		defer b.close()

		// The first connection may wait on the approval dialog.
		wait := sessionWait(cfg) + cfg.Timeouts.Command.Std()
		ctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()

		res, err := b.dispatcher.Execute(ctx, req)
		if err != nil {
			return fmt.Errorf("%s: %w", req.Kind, err)
		}
		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printResult(res)
		if !res.Success {
			return fmt.Errorf("%s failed (%s, exit %d)", req.Kind, res.ErrorKind, res.ExitCode)
		}
		return nil
	},
}

func printResult(res command.Result) {
	if res.Power != nil {
		state := "off"
		if res.Power.IsOn {
			state = "on"
		}
		fmt.Printf("Screen: %s\nBrightness: %d\n", state, res.Power.Brightness)
		return
	}
	if res.Output != "" {
		fmt.Print(res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Println()
		}
	}
}

// parseRequest builds a request from command line arguments.
func parseRequest(args []string) (command.Request, error) {
	kind, rest := args[0], args[1:]
	ints := func(lo, hi int) ([]int, error) {
		if len(rest) < lo || len(rest) > hi {
			if lo == hi {
				return nil, fmt.Errorf("%s takes %d arguments, got %d", kind, lo, len(rest))
			}
			return nil, fmt.Errorf("%s takes %d to %d arguments, got %d", kind, lo, hi, len(rest))
		}
		out := make([]int, len(rest))
		for i, a := range rest {
			n, err := strconv.Atoi(a)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not a number", kind, a)
			}
			out[i] = n
		}
		return out, nil
	}

	switch command.Kind(kind) {
	case command.KindTap:
		n, err := ints(2, 2)
		if err != nil {
			return command.Request{}, err
		}
		return command.Tap(n[0], n[1]), nil
	case command.KindSwipe:
		n, err := ints(4, 5)
		if err != nil {
			return command.Request{}, err
		}
		d := 300 * time.Millisecond
		if len(n) == 5 {
			d = time.Duration(n[4]) * time.Millisecond
		}
		return command.Swipe(n[0], n[1], n[2], n[3], d), nil
	case command.KindKey:
		n, err := ints(1, 1)
		if err != nil {
			return command.Request{}, err
		}
		return command.Key(n[0]), nil
	case command.KindLaunch:
		switch len(rest) {
		case 1:
			return command.Launch(rest[0], ""), nil
		case 2:
			return command.Launch(rest[0], rest[1]), nil
		}
		return command.Request{}, fmt.Errorf("launch takes a package and an optional activity")
	case command.KindShell:
		if len(rest) == 0 {
			return command.Request{}, fmt.Errorf("shell needs a command")
		}
		return command.Shell(strings.Join(rest, " ")), nil
	case command.KindText:
		if len(rest) == 0 {
			return command.Request{}, fmt.Errorf("text needs something to type")
		}
		return command.Text(strings.Join(rest, " ")), nil
	case command.KindBrightness:
		n, err := ints(1, 1)
		if err != nil {
			return command.Request{}, err
		}
		return command.Brightness(n[0]), nil
	case command.KindPowerState, "state":
		return command.PowerStateQuery(), nil
	case command.KindScreenOn:
		return command.ScreenOn(), nil
	case command.KindScreenOff:
		return command.ScreenOff(), nil
	case command.KindTCPIP:
		n, err := ints(0, 1)
		if err != nil {
			return command.Request{}, err
		}
		port := adb.DefaultPort
		if len(n) == 1 {
			port = n[0]
		}
		return command.TCPIP(port), nil
	default:
		return command.Request{}, fmt.Errorf("unknown command kind %q", kind)
	}
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	runCmd.Flags().BoolVar(&runNoJournal, "no-journal", false, "do not record the command in the journal")
	rootCmd.AddCommand(runCmd)
}
