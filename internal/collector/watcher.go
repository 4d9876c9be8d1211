package collector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"forensiq/internal/artifact"
	"forensiq/internal/logging"
)

// debounceDelay coalesces the burst of write events a file copy emits.
const debounceDelay = 500 * time.Millisecond

// Drop is one settled artifact file found under the watched tree, laid
// out as <root>/<caseID>/<category>/<file>.
type Drop struct {
	CaseID   string
	Category artifact.Category
	Path     string
}

// Watcher monitors a drop directory for staged artifact files and
// reports them once writes settle.
type Watcher struct {
	root string
	fw   *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	drops chan Drop
}

// NewWatcher starts watching root and every case/category directory
// already under it.
func NewWatcher(root string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		root:    root,
		fw:      fw,
		pending: make(map[string]*time.Timer),
		drops:   make(chan Drop, 64),
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		fw.Close()
		return nil, err
	}
	if err := w.watchTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Drops delivers settled artifact files.
func (w *Watcher) Drops() <-chan Drop { return w.drops }

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()
	defer w.flushTimers()

	logging.Collector("watching %s for dropped artifacts", w.root)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			logging.Collector("watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New case or category directory appeared.
		if err := w.watchTree(ev.Name); err != nil {
			logging.Collector("watch %s: %v", ev.Name, err)
		}
		return
	}

	w.debounce(ev.Name)
}

// debounce resets the file's settle timer on every write so a drop is
// reported once, after copying finishes.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(debounceDelay)
		return
	}
	w.pending[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.report(path)
	})
}

func (w *Watcher) report(path string) {
	drop, ok := w.classify(path)
	if !ok {
		logging.CollectorDebug("ignoring unclassifiable drop %s", path)
		return
	}
	logging.Collector("artifact dropped: case=%s category=%s file=%s", drop.CaseID, drop.Category, filepath.Base(path))
	select {
	case w.drops <- drop:
	default:
		logging.Collector("drop queue full, discarding %s", path)
	}
}

// classify maps <root>/<caseID>/<category>/<file...> to a Drop.
func (w *Watcher) classify(path string) (Drop, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return Drop{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return Drop{}, false
	}
	cat, err := artifact.ParseCategory(parts[1])
	if err != nil {
		return Drop{}, false
	}
	return Drop{CaseID: parts[0], Category: cat, Path: path}, true
}

func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fw.Add(p)
		}
		return nil
	})
}

func (w *Watcher) flushTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}
