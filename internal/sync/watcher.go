package sync

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcherDebounce is how long the watcher waits after the last filesystem
// event before triggering a pass, so a burst of writes produces one pass.
const watcherDebounce = 2 * time.Second

// Watcher feeds local filesystem changes into a Loop as triggers. fsnotify
// does not watch recursively, so every directory under the root is added to
// the watch set, and directories created later are added as their create
// events arrive.
type Watcher struct {
	root     string
	loop     *Loop
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher over the local root of the given loop.
func NewWatcher(root string, loop *Loop, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     filepath.Clean(root),
		loop:     loop,
		fsw:      fsw,
		debounce: watcherDebounce,
		logger:   logger.With(slog.String("component", "sync")),
	}

	if err := w.addRecursive(w.root); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// addRecursive adds dir and every directory below it to the watch set.
// Directories that disappear mid-walk are skipped.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if !d.IsDir() {
			return nil
		}

		if addErr := w.fsw.Add(path); addErr != nil {
			w.logger.Warn("cannot watch directory", "path", path, "error", addErr)
		}

		return nil
	})
}

// ignored filters events the engine itself produces: download staging files
// and the shadow database (which lives next to, not under, the root — the
// check is belt and braces for odd configurations).
func (w *Watcher) ignored(name string) bool {
	base := filepath.Base(name)

	return strings.HasPrefix(base, tempDownloadPrefix) ||
		strings.HasSuffix(base, ".cmissync") ||
		strings.HasSuffix(base, ".cmissync-wal") ||
		strings.HasSuffix(base, ".cmissync-shm")
}

// Run pumps events until ctx is done, triggering the loop after a quiet
// period. Never returns a watch error fatally — a broken watcher degrades
// to poll-only sync.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var timer *time.Timer

	fire := func() {
		w.logger.Debug("filesystem changed, triggering sync")
		w.loop.Trigger()
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			if w.ignored(event.Name) {
				continue
			}

			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
					}
				}
			}

			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("watcher error", "error", err)
		}
	}
}
