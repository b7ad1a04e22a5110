package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jiangfire/envcli-sub000/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or edit config.yaml",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print a value by dotted key, e.g. plugins.signaturePolicy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.ParseConfigPath(args[0])
			if err != nil {
				return err
			}
			raw, err := config.LoadRaw(paths.Config)
			if err != nil {
				return err
			}
			val, ok := config.GetValueAtPath(raw, key)
			if !ok {
				return fmt.Errorf("%s is not set in %s", args[0], paths.Config)
			}
			if s, isString := val.(string); isString {
				fmt.Println(s)
				return nil
			}
			data, err := yaml.Marshal(val)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a value by dotted key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := scalar(args[1])
			return editConfig(args[0], func(raw map[string]any, key []string) error {
				config.SetValueAtPath(raw, key, value)
				return nil
			}, fmt.Sprintf("%s = %v", args[0], value))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a value so the default applies again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editConfig(args[0], func(raw map[string]any, key []string) error {
				if !config.UnsetValueAtPath(raw, key) {
					return fmt.Errorf("%s is not set in %s", args[0], paths.Config)
				}
				return nil
			}, "unset "+args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file locations",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(paths.Config)
			fmt.Println(paths.PluginsFile)
		},
	})

	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

// editConfig applies edit to the raw config document and saves it only if
// the result still decodes and validates.
func editConfig(dotted string, edit func(raw map[string]any, key []string) error, done string) error {
	key, err := config.ParseConfigPath(dotted)
	if err != nil {
		return err
	}
	raw, err := config.LoadRaw(paths.Config)
	if err != nil {
		return err
	}
	if err := edit(raw, key); err != nil {
		return err
	}

	issues, err := config.CheckRaw(raw)
	if err != nil {
		return err
	}
	if len(issues) > 0 {
		return fmt.Errorf("refusing to save: %s", issues[0])
	}

	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	if err := config.SaveRaw(paths.Config, raw); err != nil {
		return err
	}
	log.Debug().Str("key", dotted).Str("file", paths.Config).Msg("config updated")
	fmt.Println(done)
	return nil
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config files and print the effective plugin settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := newVerifier(cfg.Plugins); err != nil {
				return err
			}
			pf, err := config.LoadPluginsFile(paths.PluginsFile)
			if err != nil {
				return err
			}
			ar := cfg.Plugins.AutoReload
			fmt.Printf("Config:      %s\n", paths.Config)
			fmt.Printf("Plugins:     %s (%d entries)\n", pf.Path(), len(pf.List()))
			fmt.Printf("Plugin dir:  %s\n", cfg.Plugins.Dir)
			fmt.Printf("State:       %s\n", cfg.Plugins.StateFile)
			fmt.Printf("Journal:     %s\n", cfg.Plugins.Journal)
			fmt.Printf("Signatures:  policy=%s trustUnsigned=%t replayProtection=%t\n",
				cfg.Plugins.SignaturePolicy, cfg.Plugins.TrustUnsigned, cfg.Plugins.ReplayProtection)
			fmt.Printf("Auto-reload: enabled=%t debounce=%dms retries=%d verify=%t rollback=%t\n",
				ar.Enabled, ar.DebounceMs, ar.MaxRetries, ar.VerifySignature, ar.RollbackOnFailure)
			fmt.Println("OK")
			return nil
		},
	}
}

// scalar types a command-line value the way YAML would: booleans and
// integers become typed, everything else stays a string.
func scalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}
