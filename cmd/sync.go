package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/doppkit/internal/grid"
	"github.com/tanq16/doppkit/internal/mirror"
	"github.com/tanq16/doppkit/internal/output"
	"github.com/tanq16/doppkit/internal/transfer"
	"github.com/tanq16/doppkit/internal/unpack"
)

func newSyncCmd() *cobra.Command {
	var (
		startID   int
		override  bool
		directory string
		filter    string
		extract   bool
		s3Mirror  string
		profile   string
	)

	cmd := &cobra.Command{
		Use:   "sync [AOI_ID] [OPTIONS]",
		Short: "Download every export file of an AOI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aoiID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid AOI id %q", args[0])
			}
			if directory == "" {
				directory = cfg.Directory
			}
			client, err := newClient(directory)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			// resolve the mirror first so bad credentials fail before downloading
			var target *mirror.Mirror
			if s3Mirror != "" {
				if target, err = mirror.New(ctx, profile, s3Mirror); err != nil {
					return err
				}
			}

			mgr := startProgress()
			results, err := client.Sync(ctx, aoiID, grid.SyncOptions{
				StartID:  startID,
				Override: override,
				Filter:   filter,
				Progress: sink(mgr),
			})
			if mgr != nil {
				mgr.StopDisplay()
			}
			if err != nil {
				return err
			}
			failed := reportResults(results)

			if extract {
				dirs, err := unpack.ExtractResults(ctx, results)
				if err != nil {
					output.PrintWarning(fmt.Sprintf("Extraction failed: %v", err))
				}
				for _, dir := range dirs {
					output.PrintInfo("Extracted " + dir)
				}
			}
			if target != nil {
				published, err := target.Publish(ctx, results, directory)
				if err != nil {
					return fmt.Errorf("mirroring to %s: %w", s3Mirror, err)
				}
				output.PrintSuccess(fmt.Sprintf("Mirrored %d files to s3://%s", published, s3Mirror))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d downloads failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&startID, "start-id", 0, "Skip export files with a lower id")
	cmd.Flags().BoolVar(&override, "override", false, "Download files that already exist locally")
	cmd.Flags().StringVarP(&directory, "directory", "d", "", "Output directory (defaults to the configured directory)")
	cmd.Flags().StringVar(&filter, "filter", "", "Only sync AOIs whose notes contain this text")
	cmd.Flags().BoolVar(&extract, "extract", false, "Extract downloaded archives next to the archive")
	cmd.Flags().StringVar(&s3Mirror, "s3-mirror", "", "Copy downloaded files to an S3 bucket/prefix")
	cmd.Flags().StringVar(&profile, "profile", "", "AWS shared config profile for --s3-mirror")
	return cmd
}

// reportResults prints one line per failed download and returns the count.
func reportResults(results []transfer.Result) int {
	failed := 0
	for _, result := range results {
		if result.OK() {
			log.Debug().Str("op", "cmd/sync").Msgf("Downloaded %s to %s", result.Request.URL, result.Content.Path())
			continue
		}
		failed++
		var statusErr *transfer.StatusError
		if errors.As(result.Err, &statusErr) {
			output.PrintError(fmt.Sprintf("%s: %s", result.Request.Name, statusErr.Status))
			continue
		}
		output.PrintError(fmt.Sprintf("%s: %v", result.Request.Name, result.Err))
	}
	if failed == 0 && len(results) > 0 {
		output.PrintSuccess(fmt.Sprintf("Downloaded %d files", len(results)))
	} else if len(results) == 0 {
		output.PrintInfo("Nothing to download")
	}
	return failed
}
