package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 500 * time.Millisecond

// Watch reloads sources whenever one of them changes and passes the result
// to onChange. Directories are watched for supported files; single files are
// watched through their parent directory so rename-on-save is seen. Watch
// blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context, sources []string, debounce time.Duration, onChange func(*File, error)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := telemetry.FromContext(ctx).NewComponentLogger("watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	files := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, source := range sources {
		abs, err := filepath.Abs(source)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", source, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		dir := abs
		if info.IsDir() {
			dirs[abs] = true
		} else {
			files[abs] = true
			dir = filepath.Dir(abs)
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	relevant := func(name string) bool {
		name = filepath.Clean(name)
		return files[name] || (dirs[filepath.Dir(name)] && supportedFile(name))
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !relevant(event.Name) {
				continue
			}
			logger.Debugf("%s: %s", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			f, err := l.Load(ctx, sources...)
			if err != nil {
				logger.WithError(err).Warn("declarations changed but failed to load")
			}
			onChange(f, err)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Error("watcher error")
		}
	}
}
