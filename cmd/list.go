package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/tanq16/doppkit/internal/grid"
	"github.com/tanq16/doppkit/internal/output"
	"github.com/tanq16/doppkit/internal/utils"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func newListAOIsCmd() *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "list-aois [--filter QUERY]",
		Short: "List the AOIs of the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg.Directory)
			if err != nil {
				return err
			}
			aois, err := client.GetAOIs(cmd.Context(), 0)
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), []string{"AOI ID", "Name", "Exports", "Created"})
			for _, aoi := range aois {
				if filter != "" && !strings.Contains(aoi.Notes, filter) {
					continue
				}
				table.Append([]string{
					strconv.Itoa(aoi.Key()),
					aoi.Name,
					strconv.Itoa(len(aoi.Exports)),
					aoi.CreatedAt,
				})
			}
			output.PrintHeader("AOIs")
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "Only list AOIs whose notes contain this text")
	return cmd
}

func newListExportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-exports [AOI_ID]",
		Short: "List the export files of an AOI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aoiID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid AOI id %q", args[0])
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
			aoi := aois[0]
			table := newTable(cmd.OutOrStdout(), []string{"Export ID", "File ID", "Name", "Size"})
			for _, export := range aoi.Exports {
				downloads, err := client.GetExports(ctx, export.Key())
				if err != nil {
					return err
				}
				for _, d := range downloads {
					table.Append(exportRow(export, d))
				}
			}
			output.PrintHeader(fmt.Sprintf("Exports for %s (%d)", aoi.Name, aoiID))
			table.Render()
			return nil
		},
	}
}

func exportRow(export grid.Export, d grid.Download) []string {
	size := "-"
	if d.Total > 0 {
		size = utils.FormatBytes(uint64(d.Total))
	}
	return []string{strconv.Itoa(export.Key()), strconv.Itoa(d.ID), d.SavePath, size}
}
