// Package report encodes the result of a refresh and publishes it to every
// destination of the service section.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/dbmover/mover/internal/model"
	"github.com/dbmover/mover/internal/pipeline"
)

// Version of the report document.
const Version = 0

type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}

// Document is the JSON report of one refresh.
type Document struct {
	Version  int             `json:"version"`
	ExitCode int             `json:"exit_code"`
	Summary  string          `json:"summary"`
	Result   pipeline.Result `json:"result"`
}

func Encode(result pipeline.Result) ([]byte, error) {
	doc := Document{
		Version:  Version,
		ExitCode: result.ExitCode(),
		Summary:  result.Summary(),
		Result:   result,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	return append(b, '\n'), nil
}

// Publish encodes result once and hands it to all uploaders concurrently.
// Every failing uploader is reported.
func Publish(ctx context.Context, result pipeline.Result, uploaders ...Uploader) error {
	if len(uploaders) == 0 {
		return nil
	}
	raw, err := Encode(result)
	if err != nil {
		return err
	}

	errs := make([]error, len(uploaders))
	var g errgroup.Group
	for i, u := range uploaders {
		g.Go(func() error {
			errs[i] = u.Upload(ctx, raw)
			return nil
		})
	}
	_ = g.Wait() // errors are collected in errs
	err = errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("publishing report of run %s: %w", result.RunID, err)
	}
	slog.DebugContext(ctx, "report published", "uploaders", len(uploaders))
	return nil
}

// FromConfig builds the uploaders configured in the service section. It
// returns none when no report destination is set.
func FromConfig(cfg model.Service) ([]Uploader, error) {
	var uploaders []Uploader
	if cfg.PrintReports() {
		uploaders = append(uploaders, NewWriteUploader(os.Stdout))
	}
	if cfg.Dir != nil && *cfg.Dir != "" {
		u, err := NewDirUploader(*cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("service.dir: %w", err)
		}
		uploaders = append(uploaders, u)
	}
	if cfg.Repository.IsEnabled() {
		u, err := NewHTTPUploader(cfg.Repository.URL)
		if err != nil {
			Close(context.Background(), uploaders...)
			return nil, fmt.Errorf("service.repository.url: %w", err)
		}
		slog.Debug("reports are posted to the repository", "url", u.URL())
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}

// Close releases uploaders holding resources.
func Close(ctx context.Context, uploaders ...Uploader) {
	for _, uploader := range uploaders {
		if closer, ok := uploader.(UploadCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing uploader has failed", "error", err)
			}
		}
	}
}
