package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/dbmover/mover/internal/model"
	"github.com/dbmover/mover/internal/pipeline"
	"github.com/dbmover/mover/internal/report"
)

var ErrRunInProgress = errors.New("refresh already in progress")

// Refresher runs one refresh, pipeline.Controller being the implementation.
type Refresher interface {
	Go(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// stopTimeout bounds how long Do waits for the active refresh after ctx is
// cancelled. The refresh kills its jobs on cancellation.
const stopTimeout = time.Minute

// Supervisor runs full refreshes on a schedule and publishes every result.
// Runs never overlap: gocron skips a tick while the scheduled refresh is
// active, and Trigger refuses to start next to any other refresh.
type Supervisor struct {
	refresher Refresher
	uploaders []report.Uploader
	def       gocron.JobDefinition
	running   atomic.Bool
}

func NewSupervisor(refresher Refresher, schedule *model.Schedule, uploaders ...report.Uploader) (*Supervisor, error) {
	def, err := jobDefinition(schedule)
	if err != nil {
		return nil, fmt.Errorf("timer mode failed: %w", err)
	}
	return &Supervisor{
		refresher: refresher,
		uploaders: uploaders,
		def:       def,
	}, nil
}

// Do starts the scheduler and blocks until ctx is cancelled. On return the
// active refresh, if any, has finished and the uploaders are closed.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	scheduler, err := gocron.NewScheduler(gocron.WithStopTimeout(stopTimeout))
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		s.def,
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	defer func() {
		report.Close(ctx, s.uploaders...)
	}()

	scheduler.Start()
	<-ctx.Done()
	// waits for the running task
	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}

func (s *Supervisor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.Trigger(ctx, pipeline.FullRefresh())
	switch {
	case errors.Is(err, ErrRunInProgress):
		slog.WarnContext(ctx, "scheduled refresh skipped", "error", err)
	case err != nil:
		slog.ErrorContext(ctx, "scheduled refresh failed", "error", err)
	}
}

// Trigger runs one refresh synchronously and publishes its result. It fails
// with ErrRunInProgress when another refresh is active. A failed refresh is
// not an error: it is reported through the result.
func (s *Supervisor) Trigger(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return pipeline.Result{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	result, err := s.refresher.Go(ctx, req)
	if err != nil {
		return result, err
	}
	if err := report.Publish(ctx, result, s.uploaders...); err != nil {
		slog.ErrorContext(ctx, "publishing report failed", "run_id", result.RunID, "error", err)
	}
	return result, nil
}
