package service

import (
	"context"
	"fmt"

	"github.com/dbmover/mover/internal/model"
	"github.com/dbmover/mover/internal/pipeline"
	"github.com/dbmover/mover/internal/report"
)

// Refresh implements the CLI refresh command: one run, published to the
// configured uploaders.
func Refresh(ctx context.Context, cfg model.Config, req pipeline.Request) (pipeline.Result, error) {
	controller, err := pipeline.New(cfg)
	if err != nil {
		return pipeline.Result{}, err
	}
	uploaders, err := report.FromConfig(cfg.Service)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("initializing uploaders: %w", err)
	}
	defer report.Close(ctx, uploaders...)

	result, err := controller.Go(ctx, req)
	if err != nil {
		return result, err
	}
	if err := report.Publish(ctx, result, uploaders...); err != nil {
		return result, err
	}
	return result, nil
}

// Run implements the CLI run command: scheduled refreshes until ctx is done.
func Run(ctx context.Context, cfg model.Config) error {
	if cfg.Service.Mode != model.ServiceModeTimer {
		return fmt.Errorf("service.mode %q: run requires %q mode", cfg.Service.Mode, model.ServiceModeTimer)
	}
	controller, err := pipeline.New(cfg)
	if err != nil {
		return err
	}
	uploaders, err := report.FromConfig(cfg.Service)
	if err != nil {
		return fmt.Errorf("initializing uploaders: %w", err)
	}
	supervisor, err := NewSupervisor(controller, cfg.Service.Schedule, uploaders...)
	if err != nil {
		report.Close(ctx, uploaders...)
		return err
	}
	return supervisor.Do(ctx)
}
