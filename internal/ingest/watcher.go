// Package ingest uploads files dropped into an inbox directory.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Uploader hands one file to the capture pipeline.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// Watcher watches a directory and uploads each file once it has stopped
// changing for the settle interval.
type Watcher struct {
	dir     string
	up      Uploader
	settle  time.Duration
	maxSize int64
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a Watcher for dir. If settle is <= 0, it defaults to
// 500ms.
func NewWatcher(dir string, up Uploader, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	return &Watcher{
		dir:     dir,
		up:      up,
		settle:  settle,
		maxSize: 64 << 20,
		logger:  slog.Default().With("dir", dir),
		pending: make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled. Files already in the directory are
// not uploaded.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching inbox")

	ready := make(chan string, 16)
	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if skip(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name, ready)

		case path := <-ready:
			if err := w.ProcessFile(ctx, path); err != nil {
				w.logger.Warn("inbox upload failed", "file", filepath.Base(path), "error", err)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// schedule (re)starts the settle timer of path.
func (w *Watcher) schedule(ctx context.Context, path string, ready chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// ProcessFile uploads a single file. Directories and hidden or partial
// downloads are ignored.
func (w *Watcher) ProcessFile(ctx context.Context, path string) error {
	if skip(path) {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return nil
	}
	if info.Size() > w.maxSize {
		return fmt.Errorf("%s is larger than %d bytes", info.Name(), w.maxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading: %w", err)
	}
	if err := w.up.Upload(ctx, info.Name(), data); err != nil {
		return err
	}
	w.logger.Info("inbox file uploaded", "file", info.Name(), "bytes", len(data))
	return nil
}

func skip(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".part", ".crdownload", ".tmp", ".download":
		return true
	}
	return false
}
