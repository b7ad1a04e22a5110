package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jiangfire/envcli-sub000/internal/manager"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

func isNotFound(err error) bool { return errors.Is(err, plugin.ErrNotFound) }

// parseEnvPairs turns KEY=VALUE arguments into a map.
func parseEnvPairs(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env pair %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func newPluginRunHookCmd() *cobra.Command {
	var (
		command string
		envArgs []string
		merge   bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "run-hook <hook> [args]...",
		Short: "Run every enabled plugin registered for a hook",
		Long: "Run a hook the way envcli does around its own commands. Hook names: " +
			joinHooks(plugin.AllHookTypes) + ".",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hook, ok := plugin.ParseHookType(args[0])
			if !ok {
				return fmt.Errorf("unknown hook %q", args[0])
			}
			env, err := parseEnvPairs(envArgs)
			if err != nil {
				return err
			}
			hc := plugin.NewHookContext(command, args[1:]...)
			for k, v := range env {
				hc.Env[k] = v
			}

			return withRuntime(cmd.Context(), func(rt *runtime) error {
				run := rt.mgr.ExecuteHooks
				if merge {
					run = rt.mgr.ExecuteHooksWithContext
				}
				results, err := run(cmd.Context(), hook, hc)
				rt.dirty = true
				if err != nil {
					return err
				}

				if asJSON {
					return printJSON(results)
				}
				if len(results) == 0 {
					fmt.Printf("No plugins ran for %s\n", hook)
					return nil
				}
				for i, r := range results {
					fmt.Printf("#%d continue=%t", i+1, r.ContinueExecution)
					if r.Message != "" {
						fmt.Printf(" message=%q", r.Message)
					}
					fmt.Println()
					keys := make([]string, 0, len(r.ModifiedEnv))
					for k := range r.ModifiedEnv {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Printf("    %s=%s\n", k, r.ModifiedEnv[k])
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&command, "command", "run", "command name passed to the plugins")
	cmd.Flags().StringArrayVarP(&envArgs, "env", "e", nil, "KEY=VALUE added to the hook environment (repeatable)")
	cmd.Flags().BoolVar(&merge, "merge", false, "feed each plugin's changes into the next plugin's context")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPluginCheckCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check [id]",
		Short: "Check compatibility of loaded plugins and look for conflicts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				var reports []manager.CompatibilityReport
				if len(args) == 1 {
					r, err := rt.mgr.CheckCompatibility(args[0])
					if err != nil {
						return err
					}
					reports = append(reports, r)
				} else {
					reports = rt.mgr.CheckAllCompatibility()
				}
				conflicts := rt.mgr.DetectConflicts()

				incompatible := 0
				for _, r := range reports {
					if !r.Compatible {
						incompatible++
					}
				}

				if asJSON {
					if err := printJSON(map[string]any{"reports": reports, "conflicts": conflicts}); err != nil {
						return err
					}
				} else {
					fmt.Printf("Host version %s on %s\n", rt.mgr.HostVersion(), plugin.CurrentPlatform())
					for _, r := range reports {
						if r.Compatible {
							fmt.Printf("%-20s compatible\n", r.PluginID)
							continue
						}
						fmt.Printf("%-20s incompatible\n", r.PluginID)
						for _, issue := range r.Issues {
							fmt.Printf("    %s\n", issue)
						}
					}
					for _, c := range conflicts {
						fmt.Printf("conflict %s: %s (%s)\n", c.Kind, strings.Join(c.PluginIDs, ", "), c.Detail)
					}
				}

				if incompatible > 0 || len(conflicts) > 0 {
					return fmt.Errorf("%d incompatible plugin(s), %d conflict(s)", incompatible, len(conflicts))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPluginDepsCmd() *cobra.Command {
	var autoLoad string
	cmd := &cobra.Command{
		Use:   "deps [id]",
		Short: "Show or resolve plugin dependencies",
		Long:  "Without an id, validate the dependencies of every loaded plugin. With an id, list its satisfied and missing dependencies; --auto-load searches a directory for the missing ones.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if len(args) == 0 {
					if err := rt.mgr.ValidateAllDependencies(); err != nil {
						return err
					}
					fmt.Println("All dependencies satisfied.")
					return nil
				}

				id := args[0]
				if autoLoad != "" {
					loaded, err := rt.mgr.AutoLoadMissingDeps(cmd.Context(), id, autoLoad)
					if len(loaded) > 0 {
						rt.dirty = true
					}
					for _, dep := range loaded {
						fmt.Printf("Loaded %s\n", dep)
					}
					if err != nil {
						return err
					}
				}

				satisfied, missing, err := rt.mgr.CheckDependencies(id)
				if err != nil {
					return err
				}
				for _, d := range satisfied {
					fmt.Printf("  ok       %s\n", d)
				}
				for _, d := range missing {
					fmt.Printf("  missing  %s\n", d)
				}
				if len(missing) > 0 {
					return fmt.Errorf("%w: %s needs %s", plugin.ErrDependencyMissing, id, strings.Join(missing, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&autoLoad, "auto-load", "", "directory to search for missing dependencies")
	return cmd
}
