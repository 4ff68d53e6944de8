package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/logging"
)

// reloadDelay coalesces the burst of events editors produce for one save.
const reloadDelay = 100 * time.Millisecond

// Watcher reloads the configuration when one of its files changes.
type Watcher struct {
	watcher   *fsnotify.Watcher
	directory string
	files     map[string]bool
	onChange  func(*Config)
	log       zerolog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	doneCh chan struct{}
}

// Watch starts watching the files cfg was loaded from. onChange receives
// every successfully reloaded config; parse errors keep the previous one.
// Directories rather than files are watched so editors that replace the file
// on save are still seen.
func Watch(directory string, cfg *Config, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:   fw,
		directory: directory,
		files:     make(map[string]bool),
		onChange:  onChange,
		log:       logging.Component("config"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	dirs := make(map[string]bool)
	for _, f := range cfg.Files() {
		w.files[f] = true
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}

	w.log.Debug().Int("files", len(w.files)).Msg("Config watcher initialized")
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if w.relevant(ev.Name) {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	if w.files[abs] {
		return true
	}
	base := filepath.Base(abs)
	return strings.HasPrefix(base, "conductor.json")
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	cfg, err := Load(w.directory)
	if err != nil {
		w.log.Warn().Err(err).Msg("Ignoring invalid config change")
		return
	}
	w.log.Info().Msg("Config reloaded")
	w.onChange(cfg)
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}
