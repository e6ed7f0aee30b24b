package events

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wesm/annoreports/internal/logger"
)

// Watcher uses fsnotify to watch an event log directory and
// ingests JSONL files once writes to them settle.
type Watcher struct {
	ingester *Ingester
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      logger.Logger
	pending  map[string]time.Time
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWatcher creates a watcher feeding in.
func NewWatcher(
	in *Ingester, debounce time.Duration, log logger.Logger,
) (*Watcher, error) {
	if in == nil {
		return nil, fmt.Errorf("ingester is nil: %w", os.ErrInvalid)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		ingester: in,
		watcher:  fsw,
		debounce: debounce,
		log:      log,
		pending:  make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}, nil
}

func isEventLog(path string) bool {
	return strings.HasSuffix(path, ".jsonl")
}

// WatchDir adds root and its subdirectories to the watch list
// and queues the event logs already present for ingestion.
// Returns the number of directories watched.
func (w *Watcher) WatchDir(root string) (int, error) {
	watched := 0
	err := filepath.WalkDir(root,
		func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // skip inaccessible entries
			}
			if d.IsDir() {
				if addErr := w.watcher.Add(path); addErr == nil {
					watched++
				}
				return nil
			}
			if isEventLog(path) {
				w.mark(path, time.Time{})
			}
			return nil
		})
	return watched, err
}

// Start processes file events until Stop or ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop stops the watcher and waits for it to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.watcher.Close()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", logger.Error(err))

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
			return
		}
	}
	if isEventLog(event.Name) {
		w.mark(event.Name, w.now())
	}
}

func (w *Watcher) mark(path string, at time.Time) {
	w.mu.Lock()
	w.pending[path] = at
	w.mu.Unlock()
}

// ready removes and returns the paths whose last write is at
// least one debounce period old.
func (w *Watcher) ready() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	var out []string
	for path, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			out = append(out, path)
		}
	}
	for _, path := range out {
		delete(w.pending, path)
	}
	return out
}

func (w *Watcher) flush(ctx context.Context) {
	for _, path := range w.ready() {
		n, err := w.ingester.IngestFile(ctx, path)
		if err != nil {
			w.log.Error("ingesting event log",
				logger.String("path", path), logger.Error(err))
			continue
		}
		if n > 0 {
			w.log.Info("ingested event log",
				logger.String("path", path), logger.Int("events", n))
		}
	}
}
