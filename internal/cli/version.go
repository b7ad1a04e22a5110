package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jiangfire/envcli-sub000/internal/version"
)

func newVersionCmd() *cobra.Command {
	var hostOnly bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of envcli",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if hostOnly {
				fmt.Println(version.Host())
				return
			}
			fmt.Println(version.Info())
		},
	}
	cmd.Flags().BoolVar(&hostOnly, "host", false, "print only the version plugins are checked against")
	return cmd
}
