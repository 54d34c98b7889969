package workflow

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/wilsonherrera77/ai-bridge-cli/internal/event"
	"github.com/wilsonherrera77/ai-bridge-cli/internal/logging"
)

// Watcher keeps a live census of workspace files and publishes a file event
// for every change. Subdirectories created while watching are picked up.
type Watcher struct {
	root   string
	events *event.Bus[event.Event]
	logger *logging.Logger
	fsw    *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func NewWatcher(root string, events *event.Bus[event.Event], logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:   root,
		events: events,
		logger: logger,
		fsw:    fsw,
		files:  make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	if err := w.census(root); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

// census walks a subtree, watching every directory and recording every file.
func (w *Watcher) census(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return w.fsw.Add(path)
		}
		w.mu.Lock()
		w.files[path] = struct{}{}
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case fsEvent, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(fsEvent)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watcher error", map[string]string{
				"bridge.workspace": w.root,
				"bridge.error":     err.Error(),
			})
		}
	}
}

func (w *Watcher) handle(fsEvent fsnotify.Event) {
	switch {
	case fsEvent.Has(fsnotify.Create):
		info, err := os.Stat(fsEvent.Name)
		if err == nil && info.IsDir() {
			if err := w.census(fsEvent.Name); err != nil {
				w.logger.Warn("workspace census failed", map[string]string{
					"bridge.path":  fsEvent.Name,
					"bridge.error": err.Error(),
				})
			}
		} else if err == nil {
			w.mu.Lock()
			w.files[fsEvent.Name] = struct{}{}
			w.mu.Unlock()
		}
	case fsEvent.Has(fsnotify.Remove), fsEvent.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.files, fsEvent.Name)
		// A removed directory takes its subtree with it.
		prefix := fsEvent.Name + string(os.PathSeparator)
		for path := range w.files {
			if strings.HasPrefix(path, prefix) {
				delete(w.files, path)
			}
		}
		w.mu.Unlock()
	}

	if w.events != nil {
		w.events.Publish(event.NewFileEvent(fsEvent.Name, operationName(fsEvent.Op)))
	}
}

func operationName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "unknown"
	}
}

// FileCount returns the current census size.
func (w *Watcher) FileCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

// Files returns the census as sorted workspace-relative paths.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var files []string
	for path := range w.files {
		if rel, err := filepath.Rel(w.root, path); err == nil {
			files = append(files, filepath.ToSlash(rel))
		}
	}
	sort.Strings(files)
	return files
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
