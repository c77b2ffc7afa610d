package configuration

import (
	"path/filepath"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"
)

// Watcher watches a configuration file and invokes a callback with freshly-parsed
// scheduler parameters whenever the file is rewritten.
//
// Only the SchedulerParameters section is applied on reload; all other options require
// a restart.
type Watcher struct {
	log logger.Logger

	watcher  *fsnotify.Watcher
	path     string
	onReload func(SchedulerParameters)
	done     chan struct{}
}

// NewWatcher starts watching the configuration file at path. onReload is invoked from the
// watcher goroutine; callers hand the new parameters off to the scheduler themselves.
func NewWatcher(path string, onReload func(SchedulerParameters)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory rather than the file so that editors that replace the file
	// (rename + create) do not silently drop the watch.
	if err = fsWatcher.Add(filepath.Dir(path)); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fsWatcher,
		path:     path,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	config.InitLogger(&w.log, w)

	go w.run()

	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			opts, err := LoadRuntimeOptions(w.path)
			if err != nil {
				w.log.Warn("Ignoring unreadable configuration file \"%s\": %v", w.path, err)
				continue
			}

			w.log.Info("Configuration file \"%s\" changed. Applying new scheduler parameters: policy=%s, maxHolWaiting=%d, workConservative=%v",
				w.path, opts.SchedulingPolicy, opts.MaxHolWaiting, opts.WorkConservative)
			w.onReload(opts.SchedulerParameters)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Configuration watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher. It is safe to call once.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
