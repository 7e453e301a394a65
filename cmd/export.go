package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/doppkit/internal/output"
)

func newExportCmd() *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "export [AOI_ID] [NAME] [--types raster,vector]",
		Short: "Start an export of an AOI",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			aoiID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid AOI id %q", args[0])
			}
			for i, t := range types {
				types[i] = strings.ToLower(strings.TrimSpace(t))
			}
			client, err := newClient(cfg.Directory)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			aois, err := client.GetAOIs(ctx, aoiID)
			if err != nil {
				return err
			}
			if len(aois) == 0 {
				return fmt.Errorf("AOI %d not found", aoiID)
			}
			started, err := client.MakeExports(ctx, aois[0], args[1], types)
			if err != nil {
				return err
			}
			for _, s := range started {
				output.PrintSuccess(fmt.Sprintf("Started export %s (task %s)", s.ExportID, s.TaskID))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&types, "types", nil, "Intersect types to export (raster, mesh, pointcloud, vector)")
	return cmd
}
