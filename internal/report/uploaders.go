package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// WriteUploader writes every report to w.
type WriteUploader struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriteUploader(w io.Writer) *WriteUploader {
	return &WriteUploader{w: w}
}

func (u *WriteUploader) Upload(_ context.Context, raw []byte) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

// DirUploader stores every report as a new file in a directory.
type DirUploader struct {
	mx   sync.Mutex
	root *os.Root
	now  func() time.Time
}

func NewDirUploader(path string) (*DirUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirUploader{root: root, now: time.Now}, nil
}

func (u *DirUploader) Upload(ctx context.Context, b []byte) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.root == nil {
		return errors.New("root already closed")
	}

	stamp := u.now().UTC().Format("2006-01-02-15-04-05")
	path := "mover-" + stamp + ".json"
	f, err := u.root.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	// several runs within one second
	for i := 1; errors.Is(err, os.ErrExist); i++ {
		path = fmt.Sprintf("mover-%s-%d.json", stamp, i)
		f, err = u.root.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return fmt.Errorf("creating mover report: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving mover report: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing mover report: %w", err)
	}
	slog.InfoContext(ctx, "report saved", "path", path)
	return nil
}

func (u *DirUploader) Close() error {
	u.mx.Lock()
	defer u.mx.Unlock()
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
