package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the configuration file and the .env beside it,
// reloading and notifying on change.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	lastModTime time.Time
	onReload    func(*Config)
}

// NewWatcher creates a watcher for the given config file path. The
// path must be the resolved location of an existing file; watching a
// configuration that came entirely from defaults and environment is
// pointless and returns a nil watcher.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fsw,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(w.path); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// OnReload sets the callback invoked with the freshly loaded config
// after every detected change.
func (w *Watcher) OnReload(fn func(*Config)) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Start begins watching. Watching the directory rather than the file
// survives editors that replace the file on save.
func (w *Watcher) Start() error {
	if w == nil {
		return nil
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("path", w.path).Msg("Started watching configuration for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload triggers a reload immediately, e.g. from SIGHUP.
func (w *Watcher) Reload() {
	if w == nil {
		return
	}
	w.reload()
}

func (w *Watcher) watchForChanges() {
	base := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != base && name != ".env" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors write in several bursts.
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Str("file", name).Msg("Detected configuration change")
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := stat.ModTime().After(w.lastModTime)
			if changed {
				w.lastModTime = stat.ModTime()
			}
			w.mu.Unlock()
			if changed {
				log.Info().Msg("Detected configuration change via polling")
				w.reload()
			}

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Failed to reload configuration, keeping previous")
		return
	}

	w.mu.Lock()
	callback := w.onReload
	w.mu.Unlock()

	if callback != nil {
		callback(cfg)
	}
}
