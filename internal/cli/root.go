// Package cli implements the envcli command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/jiangfire/envcli-sub000/internal/config"
	"github.com/jiangfire/envcli-sub000/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	pluginDir string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envcli",
		Short: "envcli: environment variable manager with plugins",
		Long:  "envcli manages environment variables and runs plugins that hook into its commands.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			level := logLevel
			if level == "" {
				level = "warn"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.envcli/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")
	cmd.PersistentFlags().StringVar(&pluginDir, "plugin-dir", "", "plugin directory (default ~/.envcli/plugins)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newPluginCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
