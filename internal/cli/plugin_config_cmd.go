package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jiangfire/envcli-sub000/internal/config"
	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

// newPluginConfigCmd edits plugins.yaml. Changes apply the next time the
// plugin is loaded.
func newPluginConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Edit persistent per-plugin settings in plugins.yaml",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print the plugins.yaml entry of a plugin, or the whole file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := config.LoadPluginsFile(paths.PluginsFile)
			if err != nil {
				return err
			}
			var v any = map[string]any{"global": pf.Global(), "plugins": pf.List()}
			if len(args) == 1 {
				e, ok := pf.Entry(args[0])
				if !ok {
					return fmt.Errorf("%w: no entry for %s in %s", plugin.ErrNotFound, args[0], pf.Path())
				}
				v = e
			}
			data, err := yaml.Marshal(v)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(pluginsFileCmd("set <id> <key> <value>", "Set a plugin setting", 3,
		func(pf *config.PluginsFile, args []string) error {
			return pf.SetSetting(args[0], args[1], args[2])
		}))
	cmd.AddCommand(pluginsFileCmd("env <id> <key> <value>", "Set an environment override", 3,
		func(pf *config.PluginsFile, args []string) error {
			return pf.SetEnv(args[0], args[1], args[2])
		}))
	cmd.AddCommand(pluginsFileCmd("timeout <id> <seconds>", "Set the call timeout", 2,
		func(pf *config.PluginsFile, args []string) error {
			n, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid timeout %q: %w", args[1], err)
			}
			return pf.SetTimeout(args[0], n)
		}))
	cmd.AddCommand(pluginsFileCmd("priority <id> <n>", "Set the hook priority (lower runs first, <=10 is critical)", 2,
		func(pf *config.PluginsFile, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid priority %q: %w", args[1], err)
			}
			return pf.SetPriority(args[0], plugin.Priority(n))
		}))
	cmd.AddCommand(pluginsFileCmd("path <id> <file>", "Record the file a plugin loads from", 2,
		func(pf *config.PluginsFile, args []string) error {
			abs, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			return pf.SetPath(args[0], abs)
		}))
	cmd.AddCommand(pluginsFileCmd("reset <id>", "Reset a plugin's entry to the defaults", 1,
		func(pf *config.PluginsFile, args []string) error {
			return pf.Reset(args[0])
		}))
	cmd.AddCommand(pluginsFileCmd("remove <id>", "Delete a plugin's entry", 1,
		func(pf *config.PluginsFile, args []string) error {
			if !pf.Remove(args[0]) {
				return fmt.Errorf("%w: no entry for %s", plugin.ErrNotFound, args[0])
			}
			return nil
		}))

	return cmd
}

// pluginsFileCmd builds a command that applies edit to plugins.yaml and saves it.
func pluginsFileCmd(use, short string, nargs int, edit func(*config.PluginsFile, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			pf, err := config.LoadPluginsFile(paths.PluginsFile)
			if err != nil {
				return err
			}
			if err := edit(pf, args); err != nil {
				return err
			}
			if err := pf.Save(); err != nil {
				return fmt.Errorf("saving %s: %w", pf.Path(), err)
			}
			fmt.Printf("Updated %s\n", pf.Path())
			return nil
		},
	}
}
