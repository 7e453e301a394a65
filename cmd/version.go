package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/doppkit/internal/utils"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Print the doppkit version",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "doppkit %s (%s)\n", utils.ToolVersion, utils.UserAgent(utils.RunMethodCLI))
		},
	}
}
