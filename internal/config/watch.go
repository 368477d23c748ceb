package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opencode-ai/agentd/internal/logging"
)

// DefaultReloadDelay is how long a Watcher waits for writes to settle
// before reloading.
const DefaultReloadDelay = 250 * time.Millisecond

// Watcher reloads the configuration when one of its source files changes.
type Watcher struct {
	watcher   *fsnotify.Watcher
	directory string
	files     map[string]bool
	onChange  func(*Config)
	delay     time.Duration
}

// NewWatcher watches the configuration files Load reads for directory.
// The directories holding them are watched rather than the files, so a
// file created after startup is picked up. Directories that do not exist
// are skipped.
func NewWatcher(directory string, onChange func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, path := range Sources(directory) {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		files[abs] = true

		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, err
		}
		dirs[dir] = true
	}

	logging.Debug().Int("dirs", len(dirs)).Str("directory", directory).Msg("config watcher initialized")

	return &Watcher{
		watcher:   w,
		directory: directory,
		files:     files,
		onChange:  onChange,
		delay:     DefaultReloadDelay,
	}, nil
}

// SetDelay changes the settle delay. It must be called before Run.
func (w *Watcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Run reloads the configuration after each burst of changes and hands it
// to the callback, until ctx ends. A configuration that fails to load is
// logged and skipped.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.files[filepath.Clean(ev.Name)] {
				continue
			}
			timer.Reset(w.delay)
		case <-timer.C:
			cfg, err := Load(w.directory)
			if err != nil {
				logging.Warn().Err(err).Msg("config reload failed, keeping the current configuration")
				continue
			}
			logging.Info().Msg("configuration reloaded")
			w.onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error().Err(err).Msg("config watcher error")
		}
	}
}
