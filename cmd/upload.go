package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tanq16/doppkit/internal/output"
	"github.com/tanq16/doppkit/internal/scheduler"
	"github.com/tanq16/doppkit/internal/transfer"
	"github.com/tanq16/doppkit/internal/utils"
)

func newUploadCmd() *cobra.Command {
	var (
		directory string
		chunkSize int64
		workers   int
	)

	cmd := &cobra.Command{
		Use:   "upload [FILE...] [OPTIONS]",
		Short: "Upload local files to GRiD storage",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if chunkSize <= 0 {
				return utils.ErrInvalidChunkSize
			}
			client, err := newClient(cfg.Directory)
			if err != nil {
				return err
			}
			for _, file := range args {
				if info, err := os.Stat(file); err != nil {
					return err
				} else if info.IsDir() {
					return fmt.Errorf("%s is a directory", file)
				}
			}

			mgr := output.NewManager()
			progress := uploadProgress(mgr)
			jobs := make([]scheduler.Job, 0, len(args))
			for _, file := range args {
				jobs = append(jobs, scheduler.Job{
					Name: filepath.Base(file),
					Run: func(ctx context.Context, status func(string)) error {
						status("Uploading to " + utils.StorageKey(directory, file))
						return client.UploadAsset(ctx, file, directory, chunkSize, progress)
					},
				})
			}
			if cfg.Progress {
				mgr.StartDisplay()
			}
			err = scheduler.Run(cmd.Context(), jobs, workers, mgr)
			if cfg.Progress {
				mgr.StopDisplay()
			} else {
				mgr.ShowSummary()
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&directory, "directory", "d", "", "Remote directory to upload into")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", utils.DefaultBytesPerChunk, "Bytes per upload part")
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "Number of files to upload in parallel")
	return cmd
}

// uploadProgress is the byte-level sink for uploads: the job display when
// progress is enabled, nothing otherwise.
func uploadProgress(mgr *output.Manager) transfer.Progress {
	if !cfg.Progress {
		return nil
	}
	return mgr
}
