package grid

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/doppkit/internal/transfer"
	"golang.org/x/sync/errgroup"
)

type SyncOptions struct {
	StartID  int    // files with a lower catalog id are skipped
	Override bool   // download files that already exist locally
	Filter   string // keep only AOIs whose notes contain this text
	Progress transfer.Progress
}

// Plan resolves the AOI into the downloads a sync would run, after applying
// the filter, start id and existing-file checks.
func (c *Client) Plan(ctx context.Context, aoiID int, opts SyncOptions) ([]Download, error) {
	aois, err := c.GetAOIs(ctx, aoiID)
	if err != nil {
		return nil, err
	}
	if opts.Filter != "" {
		log.Debug().Str("op", "grid/sync").Msgf("Filtering AOIs with %q", opts.Filter)
		kept := aois[:0]
		for _, aoi := range aois {
			if strings.Contains(aoi.Notes, opts.Filter) {
				kept = append(kept, aoi)
			}
		}
		aois = kept
	}

	var exportIDs []int
	for _, aoi := range aois {
		for _, export := range aoi.Exports {
			exportIDs = append(exportIDs, export.Key())
		}
	}
	perExport := make([][]Download, len(exportIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultExportJobs)
	for i, exportID := range exportIDs {
		g.Go(func() error {
			downloads, err := c.GetExports(gctx, exportID)
			if err != nil {
				return fmt.Errorf("export %d: %w", exportID, err)
			}
			perExport[i] = downloads
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Download
	for _, downloads := range perExport {
		all = append(all, downloads...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	directory := c.pool.Directory()
	var planned []Download
	for _, d := range all {
		if d.ID != 0 && d.ID < opts.StartID {
			log.Info().Str("op", "grid/sync").Msgf("Skipping file %d", d.ID)
			continue
		}
		destination, err := transfer.ResolveTarget(directory, d.Request, d.Name)
		if err != nil {
			// kept so the fetch reports it as a failed result
			log.Warn().Str("op", "grid/sync").Msgf("File %d: %v", d.ID, err)
		} else if !opts.Override {
			if _, err := os.Stat(destination); err == nil {
				log.Debug().Str("op", "grid/sync").Msgf("File already exists, skipping: %s", destination)
				continue
			}
		}
		log.Debug().Str("op", "grid/sync").Msgf("File %d downloading from %s to %s", d.ID, d.URL, destination)
		planned = append(planned, d)
	}
	log.Debug().Str("op", "grid/sync").Msgf("%d of %d files planned, downloading to %s", len(planned), len(all), directory)
	return planned, nil
}

// Sync downloads every export file of the AOI into the pool directory.
func (c *Client) Sync(ctx context.Context, aoiID int, opts SyncOptions) ([]transfer.Result, error) {
	planned, err := c.Plan(ctx, aoiID, opts)
	if err != nil {
		return nil, err
	}
	if len(planned) == 0 {
		return nil, nil
	}
	if dir := c.pool.Directory(); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	headers, err := c.AuthHeader()
	if err != nil {
		return nil, err
	}
	requests := make([]transfer.Request, len(planned))
	for i, d := range planned {
		requests[i] = d.Request
	}
	return c.pool.WithProgress(opts.Progress).Fetch(ctx, requests, headers), nil
}
