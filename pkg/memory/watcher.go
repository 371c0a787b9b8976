package memory

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher flags the index dirty when markdown files in the
// workspace change. Events are debounced so a burst of writes triggers
// one resync.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onDirty  func()
	debounce time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewFileWatcher creates a file watcher
func NewFileWatcher(logger zerolog.Logger, onDirty func()) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  watcher,
		logger:   logger,
		onDirty:  onDirty,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	go fw.run()
	return fw, nil
}

// Watch starts watching a directory and its subdirectories
func (fw *FileWatcher) Watch(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.watcher.Add(p)
		}
		return nil
	})
}

// Stop stops the file watcher
func (fw *FileWatcher) Stop() error {
	close(fw.stopCh)
	return fw.watcher.Close()
}

func (fw *FileWatcher) run() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			// New subdirectories need their own watch
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					fw.maybeWatchDir(event.Name)
				}
			}

			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Memory file change detected")
				fw.scheduleMarkDirty()
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("File watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

func (fw *FileWatcher) maybeWatchDir(path string) {
	if err := fw.watcher.Add(path); err != nil {
		fw.logger.Debug().Err(err).Str("path", path).Msg("Could not extend watch")
	}
}

func (fw *FileWatcher) scheduleMarkDirty() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.onDirty)
}
