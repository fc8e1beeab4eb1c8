// Package watch ingests case files as they appear in a directory.
package watch

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

// ErrWatcherFailed indicates the filesystem watcher could not start.
var ErrWatcherFailed = errors.New("watch: failed to initialize filesystem watcher")

// IngestFunc is called once per settled file.
type IngestFunc func(ctx context.Context, path string) error

// Watcher ingests files with a supported extension created or written in a
// directory. Writes are debounced so a file is handed over once it stops
// changing.
type Watcher struct {
	dir      string
	formats  map[string]bool
	ingest   IngestFunc
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// New creates a watcher for dir. formats are file extensions without the
// dot; an empty list accepts every file.
func New(dir string, formats []string, ingest IngestFunc) *Watcher {
	f := make(map[string]bool, len(formats))
	for _, ext := range formats {
		f[strings.ToLower(ext)] = true
	}
	return &Watcher{
		dir:      dir,
		formats:  f,
		ingest:   ingest,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
	}
}

// SetDebounce changes the settle delay.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Existing hands every matching file already in the directory to the
// ingest func, in name order.
func (w *Watcher) Existing(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("watch: reading %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !w.accepts(e.Name()) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if err := w.ingest(ctx, path); err != nil {
			slog.Warn("watch: ingest failed", "path", path, "error", err)
		}
	}
	return nil
}

// Run watches until ctx is done. Pending debounced files are dropped on
// return; ingests already started are waited for.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	slog.Info("watch: watching directory", "dir", w.dir)

	w.mu.Lock()
	w.stopped = false
	w.mu.Unlock()

	defer w.wg.Wait()
	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !w.accepts(ev.Name) {
				continue
			}
			w.schedule(ctx, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch: watcher error", "error", err)
		}
	}
}

func (w *Watcher) accepts(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	if len(w.formats) == 0 {
		return true
	}
	return w.formats[strings.ToLower(strings.TrimPrefix(filepath.Ext(base), "."))]
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.wg.Add(1)
		w.mu.Unlock()
		defer w.wg.Done()

		if ctx.Err() != nil {
			return
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return
		}
		slog.Info("watch: ingesting file", "path", path)
		if err := w.ingest(ctx, path); err != nil {
			slog.Warn("watch: ingest failed", "path", path, "error", err)
		}
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
