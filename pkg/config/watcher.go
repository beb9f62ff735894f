package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the settings file on change and hands the result to a
// callback. The parent directory is watched rather than the file itself so
// editors that replace files atomically still trigger reloads.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	log     zerolog.Logger
	done    chan struct{}
}

// Watch starts watching path. onChange receives each successfully reloaded
// Settings; malformed intermediate writes are logged and skipped.
func Watch(path string, log zerolog.Logger, onChange func(Settings)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{path: abs, watcher: fsw, log: log, done: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func(Settings)) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			settings, err := Load(w.path)
			if err != nil {
				w.log.Warn().Err(err).Msg("settings reload skipped")
				continue
			}
			onChange(settings)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

// matches compares an event path against the watched file exactly. Case is
// significant: on a case-sensitive filesystem a sibling differing only in
// case is a different file.
func (w *Watcher) matches(name string) bool {
	return filepath.Clean(name) == w.path
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	close(w.done)
	return w.watcher.Close()
}
