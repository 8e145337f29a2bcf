package fsservice

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent is emitted as filetree:changed (spec §4.12).
type ChangeEvent struct {
	Type string `json:"type"` // add | change | unlink | addDir | unlinkDir
	Path string `json:"path"`
}

const debounceWindow = 150 * time.Millisecond

// Watcher recursively watches a project root and emits debounced
// add/change/unlink events. Grounded in the teacher's go.mod which
// carries fsnotify without a caller in the retrieved source — this is
// its first real use.
type Watcher struct {
	root   string
	log    *slog.Logger
	fsw    *fsnotify.Watcher
	onEvt  func(ChangeEvent)
	stopCh chan struct{}

	mu      sync.Mutex
	pending map[string]ChangeEvent
	timer   *time.Timer
}

// NewWatcher creates a Watcher rooted at root. onEvent is invoked, after
// debouncing, once per changed path.
func NewWatcher(root string, log *slog.Logger, onEvent func(ChangeEvent)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:    root,
		log:     log,
		fsw:     fsw,
		onEvt:   onEvent,
		stopCh:  make(chan struct{}),
		pending: make(map[string]ChangeEvent),
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoreNames[d.Name()] && path != root {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				w.log.Warn("watch dir failed", "path", path, "err", err)
			}
		}
		return nil
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	var typ string
	switch {
	case ev.Has(fsnotify.Create):
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			typ = "addDir"
			w.fsw.Add(ev.Name)
		} else {
			typ = "add"
		}
	case ev.Has(fsnotify.Write):
		typ = "change"
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		typ = "unlink"
	default:
		return
	}

	w.mu.Lock()
	w.pending[rel] = ChangeEvent{Type: typ, Path: rel}
	if w.timer == nil {
		w.timer = time.AfterFunc(debounceWindow, w.flush)
	}
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	events := w.pending
	w.pending = make(map[string]ChangeEvent)
	w.timer = nil
	w.mu.Unlock()

	for _, evt := range events {
		w.onEvt(evt)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fsw.Close()
}
