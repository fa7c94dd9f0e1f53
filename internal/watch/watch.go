// Package watch re-runs a build whenever the watched source trees change.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/qiniu/x/log"
)

// DefaultDebounce is the quiet period used when Run is given none.
const DefaultDebounce = 300 * time.Millisecond

var ignoreDirs = map[string]bool{
	".git": true,
	"obj":  true,
}

var ignoreSuffixes = []string{".o", ".obj", ".a", ".lib", ".swp", "~", ".DS_Store"}

// Watcher watches directory trees recursively.
type Watcher struct {
	fw *fsnotify.Watcher

	mu      sync.Mutex
	stopped bool
}

// New starts watching every directory under dirs.
func New(dirs ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fw: fw}
	for _, dir := range dirs {
		if err := w.addTree(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignoreDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

// Run waits for changes and calls fn with the changed paths once no event
// has arrived for debounce. Calls never overlap; events seen while fn runs
// are batched into the next call. A failing fn is logged and watching
// continues. Run returns when ctx is done or the watcher is stopped.
func (w *Watcher) Run(ctx context.Context, debounce time.Duration, fn func(ctx context.Context, changed []string) error) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	pending := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !ignoreDirs[info.Name()] {
					if err := w.addTree(ev.Name); err != nil {
						log.Warnf("watch: %v", err)
					}
				}
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) || ignored(ev.Name) {
				continue
			}
			pending[ev.Name] = true
			timer.Reset(debounce)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watch: %v", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			clear(pending)
			log.Infof("watch: %d paths changed", len(changed))
			if err := fn(ctx, changed); err != nil {
				log.Warnf("watch: %v", err)
			}
		}
	}
}

// Stop releases the watcher. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	return w.fw.Close()
}

func ignored(path string) bool {
	base := filepath.Base(path)
	for _, s := range ignoreSuffixes {
		if strings.HasSuffix(base, s) {
			return true
		}
	}
	for _, part := range strings.Split(filepath.Dir(path), string(filepath.Separator)) {
		if ignoreDirs[part] {
			return true
		}
	}
	return false
}
