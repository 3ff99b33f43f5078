package cmd

import (
	"fmt"
	"time"

	"github.com/FluidXR/frameolink/internal/config"
	"github.com/FluidXR/frameolink/internal/journal"

	"github.com/spf13/cobra"
)

var (
	historyLimit    int
	historySessions bool
	historyPrune    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently executed commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		db, err := journal.Open(config.ConfigDir())
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()

		if historyPrune {
			n, err := db.Prune(time.Now().Add(-cfg.JournalRetention.Std()))
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d entries older than %s\n", n, cfg.JournalRetention.Std())
			return nil
		}

		stats, err := db.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("Commands: %d | Succeeded: %d | Failed: %d\n", stats.Total, stats.Succeeded, stats.Failed)
		for kind, n := range stats.ByErrorKind {
			fmt.Printf("  %s: %d\n", kind, n)
		}
		fmt.Println()

		if historySessions {
			sessions, err := db.RecentSessions(historyLimit)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				end := "active"
				if s.EndedAt != nil {
					end = s.EndedAt.Sub(s.ConnectedAt).Round(time.Second).String()
					if s.EndReason != "" {
						end += ", " + s.EndReason
					}
				}
				fmt.Printf("%s  %s  [%s]\n", s.ConnectedAt.Format(time.DateTime), s.Target, end)
			}
			return nil
		}

		entries, err := db.Recent(historyLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No commands recorded.")
			return nil
		}
		for _, e := range entries {
			status := "ok"
			if !e.Success {
				status = e.ErrorKind
				if e.ExitCode >= 0 {
					status = fmt.Sprintf("%s, exit %d", status, e.ExitCode)
				}
			}
			fmt.Printf("%s  %-11s %-40s [%s] %s\n",
				e.ExecutedAt.Format(time.DateTime), e.Kind, e.Command, status, e.Duration.Round(time.Millisecond))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries to show")
	historyCmd.Flags().BoolVar(&historySessions, "sessions", false, "show connection sessions instead of commands")
	historyCmd.Flags().BoolVar(&historyPrune, "prune", false, "delete entries older than journal_retention")
	rootCmd.AddCommand(historyCmd)
}
