// Package inbox watches a directory and queues every new image dropped into
// it as a pending item.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/njoerd114/snapqueue/internal/model"
	snapsync "github.com/njoerd114/snapqueue/internal/sync"
)

// DefaultSettle is how long a file must stay quiet before it is queued.
const DefaultSettle = 500 * time.Millisecond

// imageExts are the file extensions picked up from the inbox.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".heic": true,
}

// Creator queues a new item. [snapsync.Engine] implements it.
type Creator interface {
	CreateItem(ctx context.Context, payload model.Payload) (model.Item, *snapsync.Completion, error)
}

// Watcher queues images written into a directory. Files already present when
// Run starts are left alone.
type Watcher struct {
	dir     string
	creator Creator
	log     *slog.Logger
	settle  time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	queued map[string]bool
}

// New returns a Watcher for dir. settle <= 0 selects [DefaultSettle].
func New(dir string, creator Creator, settle time.Duration, logger *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		dir:     dir,
		creator: creator,
		log:     logger,
		settle:  settle,
		timers:  make(map[string]*time.Timer),
		queued:  make(map[string]bool),
	}
}

// Run watches the directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("creating inbox %q: %w", w.dir, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %q: %w", w.dir, err)
	}
	w.log.Info("inbox watcher started", "dir", w.dir)

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !isImage(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.schedule(ctx, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		if t, ok := w.timers[ev.Name]; ok {
			t.Stop()
			delete(w.timers, ev.Name)
		}
		delete(w.queued, ev.Name)
		w.mu.Unlock()
	}
}

// schedule (re)starts the settle timer for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.queued[path] {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() { w.enqueue(ctx, path) })
}

func (w *Watcher) enqueue(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.timers, path)
	if w.queued[path] || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.queued[path] = true
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		w.mu.Lock()
		delete(w.queued, path)
		w.mu.Unlock()
		return
	}

	item, _, err := w.creator.CreateItem(ctx, payloadFor(path))
	if err != nil {
		w.log.Error("queueing inbox file", "path", path, "error", err)
		w.mu.Lock()
		delete(w.queued, path)
		w.mu.Unlock()
		return
	}
	w.log.Info("inbox file queued", "path", path, "id", item.ID)
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
}

func payloadFor(path string) model.Payload {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return model.Payload{
		MediaURI: u.String(),
		Metadata: map[string]string{
			"source":   "inbox",
			"filename": filepath.Base(path),
		},
	}
}

func isImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}
