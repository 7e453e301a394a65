package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/doppkit/internal/output"
)

// Job is one named unit of work, such as uploading a single file.
type Job struct {
	Name string
	Run  func(ctx context.Context, status func(message string)) error
}

// Run executes jobs on numWorkers workers, showing each job in mgr, and
// returns every job error joined together.
func Run(ctx context.Context, jobs []Job, numWorkers int, mgr *output.Manager) error {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	jobCh := make(chan Job, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for range min(numWorkers, max(len(jobs), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, err := range processJobs(ctx, jobCh, mgr) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func processJobs(ctx context.Context, jobCh <-chan Job, mgr *output.Manager) []error {
	var errs []error
	for job := range jobCh {
		funcID := mgr.RegisterFunction(job.Name)
		if err := ctx.Err(); err != nil {
			mgr.ReportError(funcID, err)
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
			continue
		}
		mgr.SetStatus(funcID, "active")
		mgr.SetMessage(funcID, fmt.Sprintf("Running %s", job.Name))
		err := job.Run(ctx, func(message string) {
			mgr.SetMessage(funcID, message)
		})
		if err != nil {
			log.Debug().Str("op", "scheduler/scheduler").Msgf("Job %s failed: %v", job.Name, err)
			mgr.AddStreamLine(funcID, err.Error())
			mgr.ReportError(funcID, err)
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
			continue
		}
		mgr.Complete(funcID, fmt.Sprintf("Completed %s", job.Name))
	}
	return errs
}
