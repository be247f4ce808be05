package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "grabbot/pkg/logx"
)

// Watcher re-parses the config file when it changes on disk and hands the new
// config to the apply callback. Invalid files are logged and skipped; the last
// good config stays in effect.
//
// Editors typically emit several write/rename events per save, so events are
// debounced before re-parsing.
type Watcher struct {
	path  string
	log   logx.Logger
	apply func(*Config)

	mu   sync.RWMutex
	last *Config
}

func NewWatcher(path string, log logx.Logger, apply func(*Config)) *Watcher {
	return &Watcher{path: path, log: log, apply: apply}
}

// Current returns the most recently committed config (nil before Load).
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Load parses the file once and commits it without invoking apply.
func (w *Watcher) Load() (*Config, error) {
	cfg, err := Parse(w.path)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.last = cfg
	w.mu.Unlock()
	return cfg, nil
}

const watchDebounce = 300 * time.Millisecond

// Watch blocks until ctx is cancelled, applying config changes as they land.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: many editors replace the file on save, which would
	// otherwise drop the watch on the inode.
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watch error", logx.Err(err))
		case <-fire:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Parse(w.path)
	if err != nil {
		w.log.Warn("config reload rejected", logx.Err(err))
		return
	}

	w.mu.Lock()
	w.last = cfg
	w.mu.Unlock()

	w.log.Info("config reloaded", logx.String("path", w.path))
	if w.apply != nil {
		w.apply(cfg)
	}
}
