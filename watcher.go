package pulse

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// videoExtensions lists the file types the output watcher reports.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".m4v":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// OutputWatcher watches the recordings directory and reports video files
// created by anything other than the recorder itself (manual copies,
// external tools, sync clients).
//
// The coordinator pauses the watcher while it is writing a clip so the
// half-written container does not generate a spurious event, and resumes
// it after finalization.
type OutputWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	onClip  func(path string)

	paused atomic.Bool
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewOutputWatcher starts watching dir and invokes onClip for every new
// video file while unpaused.
func NewOutputWatcher(dir string, onClip func(path string)) (*OutputWatcher, error) {
	if onClip == nil {
		return nil, &ConfigError{Field: "onClip", Reason: "callback is required"}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &IOError{Path: dir, Err: err}
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, &IOError{Path: dir, Err: err}
	}
	if entries, err := os.ReadDir(dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				watcher.Add(filepath.Join(dir, entry.Name()))
			}
		}
	}

	w := &OutputWatcher{
		dir:     dir,
		watcher: watcher,
		onClip:  onClip,
	}

	w.wg.Add(1)
	go w.run()

	slog.Info("watcher: watching output directory", "dir", dir)
	return w, nil
}

func (w *OutputWatcher) run() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Follow new subdirectories even while paused so clips saved
			// into them later are not missed.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					slog.Warn("watcher: failed to watch subdirectory",
						"dir", event.Name,
						"error", err,
					)
				}
				continue
			}
			if w.paused.Load() {
				continue
			}
			if !isVideoFile(event.Name) {
				continue
			}
			slog.Debug("watcher: new clip detected", "path", event.Name)
			w.onClip(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher: filesystem watch error", "error", err)
		}
	}
}

// Pause suppresses clip events until Resume. Idempotent.
func (w *OutputWatcher) Pause() {
	if w.paused.CompareAndSwap(false, true) {
		slog.Debug("watcher: paused")
	}
}

// Resume re-enables clip events. Idempotent.
func (w *OutputWatcher) Resume() {
	if w.paused.CompareAndSwap(true, false) {
		slog.Debug("watcher: resumed")
	}
}

// Paused reports whether events are currently suppressed.
func (w *OutputWatcher) Paused() bool {
	return w.paused.Load()
}

// Close stops the watcher. Idempotent.
func (w *OutputWatcher) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func isVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}
