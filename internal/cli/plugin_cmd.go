package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jiangfire/envcli-sub000/internal/plugin"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugin",
		Aliases: []string{"plugins"},
		Short:   "Manage envcli plugins",
	}

	cmd.AddCommand(newPluginListCmd())
	cmd.AddCommand(newPluginInfoCmd())
	cmd.AddCommand(newPluginLoadCmd())
	cmd.AddCommand(newPluginScanCmd())
	cmd.AddCommand(newPluginUnloadCmd())
	cmd.AddCommand(newPluginToggleCmd("enable", "Enable a loaded plugin's hooks"))
	cmd.AddCommand(newPluginToggleCmd("disable", "Disable a loaded plugin's hooks"))
	cmd.AddCommand(newPluginReloadCmd())
	cmd.AddCommand(newPluginExtCmd())
	cmd.AddCommand(newPluginRunHookCmd())
	cmd.AddCommand(newPluginCheckCmd())
	cmd.AddCommand(newPluginDepsCmd())
	cmd.AddCommand(newPluginVerifyCmd())
	cmd.AddCommand(newPluginSignCmd())
	cmd.AddCommand(newPluginKeygenCmd())
	cmd.AddCommand(newPluginFingerprintCmd())
	cmd.AddCommand(newPluginWatchCmd())
	cmd.AddCommand(newPluginHistoryCmd())
	cmd.AddCommand(newPluginStatsCmd())
	cmd.AddCommand(newPluginStateCmd())
	cmd.AddCommand(newPluginConfigCmd())

	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newPluginListCmd() *cobra.Command {
	var (
		all    bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				infos := rt.mgr.ListPlugins(all)
				if asJSON {
					return printJSON(infos)
				}
				if len(infos) == 0 {
					fmt.Println("No plugins loaded.")
					return nil
				}
				for _, info := range infos {
					state := "enabled"
					if !info.Config.Enabled {
						state = "disabled"
					}
					fmt.Printf("%-20s %-10s %-9s %-20s hooks=%s\n",
						info.Metadata.ID, info.Metadata.Version, state,
						info.Metadata.Type, joinHooks(info.Metadata.Hooks))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include disabled plugins")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func joinHooks(hooks []plugin.HookType) string {
	if len(hooks) == 0 {
		return "-"
	}
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = string(h)
	}
	return strings.Join(names, ",")
}

func newPluginInfoCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "info <id>",
		Short: "Show metadata, config and status of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				info, err := rt.mgr.PluginInfo(args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(info)
				}

				m := info.Metadata
				fmt.Printf("ID:          %s\n", m.ID)
				fmt.Printf("Name:        %s\n", m.Name)
				fmt.Printf("Version:     %s\n", m.Version)
				fmt.Printf("Type:        %s\n", m.Type)
				if m.Author != "" {
					fmt.Printf("Author:      %s\n", m.Author)
				}
				if m.Description != "" {
					fmt.Printf("Description: %s\n", m.Description)
				}
				fmt.Printf("Hooks:       %s\n", joinHooks(m.Hooks))
				if len(m.Dependencies) > 0 {
					fmt.Printf("Depends on:  %s\n", strings.Join(m.Dependencies, ", "))
				}
				fmt.Printf("Path:        %s\n", info.Config.Path)
				fmt.Printf("Enabled:     %t\n", info.Config.Enabled)
				fmt.Printf("Timeout:     %ds\n", info.Config.Timeout)
				fmt.Printf("Signed:      %t\n", m.Signature != nil)
				fmt.Printf("Executions:  %d (%d errors)\n", info.Status.ExecutionCount, info.Status.ErrorCount)
				if info.Status.LastError != "" {
					fmt.Printf("Last error:  %s\n", info.Status.LastError)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newPluginLoadCmd() *cobra.Command {
	var withDeps bool
	cmd := &cobra.Command{
		Use:   "load <path>...",
		Short: "Load plugin files",
		Long:  "Load one or more plugin files. With --deps the files are loaded in dependency order and the batch is rolled back if any of them fails.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if withDeps || len(args) > 1 {
					ids, err := rt.mgr.LoadWithDependencies(cmd.Context(), args)
					if err != nil {
						return err
					}
					rt.dirty = true
					for _, id := range ids {
						fmt.Printf("Loaded %s\n", id)
					}
					return nil
				}

				id, err := rt.mgr.LoadFromPath(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rt.dirty = true
				fmt.Printf("Loaded %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withDeps, "deps", false, "resolve dependencies between the given files")
	return cmd
}

func newPluginScanCmd() *cobra.Command {
	var (
		recursive bool
		resolve   bool
	)
	cmd := &cobra.Command{
		Use:   "scan [dir]",
		Short: "Load every plugin file in a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				dir := rt.cfg.Plugins.Dir
				if len(args) == 1 {
					dir = args[0]
				}
				ids, err := rt.mgr.ScanAndLoadWithDeps(cmd.Context(), dir, recursive, resolve)
				if len(ids) > 0 {
					rt.dirty = true
				}
				for _, id := range ids {
					fmt.Printf("Loaded %s\n", id)
				}
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Printf("No new plugins in %s\n", dir)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "scan subdirectories")
	cmd.Flags().BoolVar(&resolve, "resolve", true, "load in dependency order and reject missing dependencies")
	return cmd
}

func newPluginUnloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload <id>",
		Short: "Unload a plugin and forget its runtime state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				err := rt.mgr.Unload(args[0])
				if err == nil || !isNotFound(err) {
					rt.dirty = true
				}
				if err != nil {
					return err
				}
				fmt.Printf("Unloaded %s\n", args[0])
				return nil
			})
		},
	}
}

func newPluginToggleCmd(verb, short string) *cobra.Command {
	var persist bool
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				toggle, save := rt.mgr.Enable, rt.pluginsFile.Enable
				if verb == "disable" {
					toggle, save = rt.mgr.Disable, rt.pluginsFile.Disable
				}
				if err := toggle(id); err != nil {
					return err
				}
				rt.dirty = true
				if persist {
					if err := save(id); err != nil {
						return err
					}
					if err := rt.pluginsFile.Save(); err != nil {
						return fmt.Errorf("saving plugins file: %w", err)
					}
				}
				fmt.Printf("%s %sd\n", id, verb)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&persist, "persist", false, "also record the change in plugins.yaml")
	return cmd
}

func newPluginReloadCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "reload <id>",
		Short: "Reload a plugin from its file, rolling back on failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if err := rt.mgr.ReloadWithConfig(cmd.Context(), args[0], verify); err != nil {
					return err
				}
				rt.dirty = true
				fmt.Printf("Reloaded %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "require a valid signature on the new instance")
	return cmd
}

func newPluginExtCmd() *cobra.Command {
	var inputFile string
	cmd := &cobra.Command{
		Use:   "ext <id> <extension> [input]",
		Short: "Run a plugin extension (CustomCommand, CustomFormatter, CustomStorage, CustomEncryptor)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input []byte
			switch {
			case len(args) == 3:
				input = []byte(args[2])
			case inputFile == "-":
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				input = data
			case inputFile != "":
				data, err := os.ReadFile(inputFile)
				if err != nil {
					return err
				}
				input = data
			}

			return withRuntime(cmd.Context(), func(rt *runtime) error {
				out, err := rt.mgr.ExecuteExtension(cmd.Context(), args[0], plugin.ExtensionPoint(args[1]), input)
				if err != nil {
					return err
				}
				os.Stdout.Write(out)
				if len(out) > 0 && out[len(out)-1] != '\n' {
					fmt.Println()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "read input from a file (- for stdin)")
	return cmd
}
