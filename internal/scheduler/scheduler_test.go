package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/doppkit/internal/output"
)

func TestRun_AllJobsExecuted(t *testing.T) {
	var ran, active, peak atomic.Int32
	var jobs []Job
	for range 6 {
		jobs = append(jobs, Job{Name: "job", Run: func(ctx context.Context, status func(string)) error {
			n := active.Add(1)
			defer active.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			status("working")
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
			return nil
		}})
	}

	mgr := output.NewManager()
	require.NoError(t, Run(context.Background(), jobs, 2, mgr))
	assert.Equal(t, int32(6), ran.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	succeeded, failed, total := mgr.Summary()
	assert.Equal(t, 6, succeeded)
	assert.Zero(t, failed)
	assert.Equal(t, 6, total)
}

func TestRun_CollectsErrors(t *testing.T) {
	boom := errors.New("boom")
	jobs := []Job{
		{Name: "good.tif", Run: func(context.Context, func(string)) error { return nil }},
		{Name: "bad.tif", Run: func(context.Context, func(string)) error { return boom }},
	}
	mgr := output.NewManager()
	err := Run(context.Background(), jobs, 4, mgr)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad.tif")
	_, failed, _ := mgr.Summary()
	assert.Equal(t, 1, failed)
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Run(ctx, []Job{{Name: "x", Run: func(context.Context, func(string)) error {
		called = true
		return nil
	}}}, 1, output.NewManager())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRun_TransfersDrivenByJobsAreNotCountedTwice(t *testing.T) {
	mgr := output.NewManager()
	jobs := []Job{{Name: "upload a.tif", Run: func(ctx context.Context, status func(string)) error {
		mgr.CreateTask("a.tif", "a.tif", 10)
		mgr.Update("a.tif", "a.tif", 10)
		mgr.CompleteTask("a.tif", "a.tif")
		return nil
	}}}
	require.NoError(t, Run(context.Background(), jobs, 1, mgr))

	succeeded, failed, total := mgr.Summary()
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, failed)
	assert.Equal(t, 1, total)
}
