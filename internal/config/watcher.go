package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceDelay = 250 * time.Millisecond

// Watcher reloads the config file when it changes and hands each valid
// result to its callbacks. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	log      *zap.Logger
	fs       *fsnotify.Watcher
	onChange func(Config)

	mu      sync.Mutex
	current Config
	timer   *time.Timer

	stopCh chan struct{}
	done   chan struct{}
}

// Watch starts watching path. The directory is watched rather than the
// file so editors that replace the file on save are still seen.
func Watch(path string, initial Config, log *zap.Logger, onChange func(Config)) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:     filepath.Clean(path),
		log:      log.Named("config"),
		fs:       fs,
		onChange: onChange,
		current:  initial,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	w.log.Info("watching config", zap.String("path", w.path))
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	defer w.fs.Close()

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(debounceDelay, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Error("file watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload rejected", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.log.Info("config reloaded", zap.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Current returns the last valid config.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return nil
}
