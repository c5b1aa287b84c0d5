package service_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbmover/mover/internal/model"
	"github.com/dbmover/mover/internal/pipeline"
	"github.com/dbmover/mover/internal/report"
	"github.com/dbmover/mover/internal/service"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// refresher counts refreshes and optionally blocks each until released.
type refresher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	outcome pipeline.Outcome
}

func (r *refresher) Go(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	n := r.calls.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	return pipeline.Result{
		RunID:   "run-" + string(rune('0'+n)),
		Request: req,
		Outcome: r.outcome,
	}, nil
}

func TestSupervisor(t *testing.T) {
	t.Parallel()
	ref := &refresher{started: make(chan struct{}, 8)}
	var buf bytes.Buffer
	supervisor, err := service.NewSupervisor(ref, &model.Schedule{Duration: "1s"}, report.NewWriteUploader(&buf))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	var g sync.WaitGroup
	g.Go(func() {
		err := supervisor.Do(ctx)
		require.NoError(t, err)
	})

	select {
	case <-ref.started:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduled refresh did not start")
	}
	cancel()
	g.Wait()

	require.GreaterOrEqual(t, ref.calls.Load(), int32(1))
	// Do returned after the scheduled refresh was published
	require.Contains(t, buf.String(), `"run_id": "run-1"`)
	require.Contains(t, buf.String(), `"keyed": false`)
}

func TestSupervisor_NoOverlap(t *testing.T) {
	t.Parallel()
	ref := &refresher{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	supervisor, err := service.NewSupervisor(ref, &model.Schedule{Duration: "1s"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	var g sync.WaitGroup
	g.Go(func() {
		err := supervisor.Do(ctx)
		require.NoError(t, err)
	})

	select {
	case <-ref.started:
	case <-time.After(10 * time.Second):
		t.Fatal("scheduled refresh did not start")
	}
	// ticks keep coming while the refresh blocks
	_, err = supervisor.Trigger(t.Context(), pipeline.FullRefresh())
	require.ErrorIs(t, err, service.ErrRunInProgress)
	time.Sleep(2500 * time.Millisecond)
	require.EqualValues(t, 1, ref.calls.Load())

	cancel()
	g.Wait()
	require.EqualValues(t, 1, ref.calls.Load())
}

func TestSupervisor_Trigger(t *testing.T) {
	t.Parallel()
	ref := &refresher{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		outcome: pipeline.OutcomeGatherFailed,
	}
	dir := t.TempDir()
	uploader, err := report.NewDirUploader(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = uploader.Close() })

	supervisor, err := service.NewSupervisor(ref, &model.Schedule{Cron: "@yearly"}, uploader)
	require.NoError(t, err)

	var g sync.WaitGroup
	g.Go(func() {
		res, err := supervisor.Trigger(t.Context(), pipeline.KeyedRefresh("accID", 1))
		require.NoError(t, err)
		require.Equal(t, pipeline.OutcomeGatherFailed, res.Outcome)
		require.Equal(t, -1, res.ExitCode())
	})
	<-ref.started

	_, err = supervisor.Trigger(t.Context(), pipeline.FullRefresh())
	require.ErrorIs(t, err, service.ErrRunInProgress)

	close(ref.release)
	g.Wait()
	require.EqualValues(t, 1, ref.calls.Load())

	matches, err := filepath.Glob(filepath.Join(dir, "mover-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	b, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Contains(t, string(b), `"outcome": "gather_failed"`)

	// released: a new refresh may start
	ref.release = nil
	_, err = supervisor.Trigger(t.Context(), pipeline.FullRefresh())
	require.NoError(t, err)
	require.EqualValues(t, 2, ref.calls.Load())
}

func TestNewSupervisor(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    *model.Schedule
		err      bool
	}{
		{"cron", &model.Schedule{Cron: "0 2 * * *"}, false},
		{"macro", &model.Schedule{Cron: "@hourly"}, false},
		{"duration", &model.Schedule{Duration: "1h30m"}, false},
		{"nil", nil, true},
		{"empty", &model.Schedule{}, true},
		{"both", &model.Schedule{Cron: "@hourly", Duration: "1h"}, true},
		{"bad cron", &model.Schedule{Cron: "* * *"}, true},
		{"bad duration", &model.Schedule{Duration: "1w"}, true},
		{"zero duration", &model.Schedule{Duration: "0s"}, true},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := service.NewSupervisor(&refresher{}, tt.given)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
