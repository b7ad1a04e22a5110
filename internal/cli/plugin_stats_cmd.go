package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newPluginHistoryCmd() *cobra.Command {
	var (
		limit  int
		counts bool
		prune  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show the plugin lifecycle journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				j := rt.journal.j

				if prune > 0 {
					n, err := j.Prune(cmd.Context(), time.Now().Add(-prune))
					if err != nil {
						return err
					}
					fmt.Printf("Pruned %d event(s)\n", n)
					return nil
				}

				if counts {
					byAction, err := j.CountByAction(cmd.Context())
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(byAction)
					}
					actions := make([]string, 0, len(byAction))
					for a := range byAction {
						actions = append(actions, a)
					}
					sort.Strings(actions)
					for _, a := range actions {
						fmt.Printf("%-10s %d\n", a, byAction[a])
					}
					return nil
				}

				id := ""
				if len(args) == 1 {
					id = args[0]
				}
				events, err := j.Recent(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(events)
				}
				if len(events) == 0 {
					fmt.Println("No events recorded.")
					return nil
				}
				for _, ev := range events {
					result := "ok"
					if !ev.Success {
						result = "FAILED"
					}
					fmt.Printf("%s  %-10s %-20s %-6s %8s",
						ev.CreatedAt.Format(time.DateTime), ev.Action, ev.PluginID, result, ev.Duration.Round(time.Millisecond))
					if ev.Detail != "" {
						fmt.Printf("  %s", ev.Detail)
					}
					fmt.Println()
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events to show")
	cmd.Flags().BoolVar(&counts, "counts", false, "show event counts per action")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete events older than this (e.g. 720h)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPluginStatsCmd() *cobra.Command {
	var (
		textfile string
		reset    bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show plugin totals and operation timings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if reset {
					rt.mgr.ResetStats()
					rt.dirty = true
					fmt.Println("Statistics reset.")
					return nil
				}

				totals := rt.mgr.Stats()
				perf := rt.mgr.PerformanceStats()

				if textfile != "" {
					if err := rt.metrics.WriteTextfile(textfile); err != nil {
						return fmt.Errorf("writing metrics: %w", err)
					}
				}
				if asJSON {
					return printJSON(map[string]any{"plugins": totals, "performance": perf})
				}

				fmt.Printf("Plugins: %d known, %d loaded (%d enabled, %d disabled)\n",
					totals.Total, totals.Loaded, totals.Enabled, totals.Disabled)
				fmt.Printf("Hooks:   %d registered\n", totals.Hooks.Total)
				fmt.Printf("Counts:  loads=%d unloads=%d reloads=%d verifications=%d errors=%d\n",
					perf.Loads, perf.Unloads, perf.Reloads, perf.Verification, perf.Errors)
				fmt.Printf("Since:   %s\n", perf.LastReset.Format(time.DateTime))

				ops := make([]string, 0, len(perf.Operations))
				for op := range perf.Operations {
					ops = append(ops, op)
				}
				sort.Strings(ops)
				for _, op := range ops {
					s := perf.Operations[op]
					fmt.Printf("  %-14s n=%-5d avg=%-10s max=%s\n", op, s.Count,
						s.Average.Round(time.Microsecond), s.Max.Round(time.Microsecond))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&textfile, "textfile", "", "also write Prometheus metrics of this run to a file")
	cmd.Flags().BoolVar(&reset, "reset", false, "reset the operation counters")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPluginStateCmd() *cobra.Command {
	var clearState bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show or clear the saved plugin state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Plugins.StateFile

			if clearState {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				fmt.Printf("Removed %s\n", path)
				return nil
			}

			return withRuntime(cmd.Context(), func(rt *runtime) error {
				return printJSON(rt.mgr.Snapshot())
			})
		},
	}
	cmd.Flags().BoolVar(&clearState, "clear", false, "delete the state file")
	return cmd
}
