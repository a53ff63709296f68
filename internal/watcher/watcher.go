// Package watcher reports changes under one or more directory trees.
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultIgnore lists patterns that never trigger a build.
var DefaultIgnore = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/elm-stuff/**",
	"**/.devreload/**",
	"**/*.swp",
	"**/*.swx",
	"**/*~",
	"**/.#*",
	"**/#*#",
	"**/.DS_Store",
}

// Event is one filesystem change under a watched root.
type Event struct {
	Op   fsnotify.Op
	Path string
	Root string
}

// Kind names the change the way it is announced on the console.
func (e Event) Kind() string {
	switch {
	case e.Op.Has(fsnotify.Create):
		return "create"
	case e.Op.Has(fsnotify.Write):
		return "change"
	case e.Op.Has(fsnotify.Remove):
		return "remove"
	case e.Op.Has(fsnotify.Rename):
		return "rename"
	default:
		return strings.ToLower(e.Op.String())
	}
}

// Rel returns the path relative to its root, or the full path if that fails.
func (e Event) Rel() string {
	if e.Root == "" {
		return e.Path
	}
	rel, err := filepath.Rel(e.Root, e.Path)
	if err != nil {
		return e.Path
	}
	return rel
}

// Handler receives events. It runs on the watcher's goroutine, so a slow
// handler delays only this watcher.
type Handler func(Event)

// Watcher watches a set of roots recursively.
type Watcher struct {
	roots  []string
	ignore []string
	fsw    *fsnotify.Watcher
}

// New validates the roots and starts watching every directory beneath them.
// A missing root, or one that is not a directory, is an error.
func New(roots []string, ignore []string) (*Watcher, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("no roots to watch")
	}

	abs := make([]string, 0, len(roots))
	for _, root := range roots {
		p, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", root, err)
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("watch root %s: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("watch root %s: not a directory", root)
		}
		abs = append(abs, p)
	}

	for _, pattern := range ignore {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern %q", pattern)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{roots: abs, ignore: ignore, fsw: fsw}
	for _, root := range abs {
		if err := w.addRecursive(root); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", root, err)
		}
	}
	return w, nil
}

// Roots returns the absolute watched roots.
func (w *Watcher) Roots() []string {
	return append([]string(nil), w.roots...)
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run delivers events to handler until ctx is done or the watcher is closed.
// fsnotify errors are logged and watching continues.
func (w *Watcher) Run(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			// Watch new directories
			if event.Has(fsnotify.Create) {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						log.Printf("[watcher] watch new dir %s: %v", event.Name, err)
					}
				}
			}

			if ev, ok := w.accept(event); ok {
				handler(ev)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[watcher] error: %v", err)
		}
	}
}

func (w *Watcher) accept(event fsnotify.Event) (Event, bool) {
	if event.Op == fsnotify.Chmod || event.Op == 0 {
		return Event{}, false
	}
	root := w.rootOf(event.Name)
	if w.ignored(root, event.Name, false) {
		return Event{}, false
	}
	return Event{Op: event.Op, Path: event.Name, Root: root}, true
}

func (w *Watcher) rootOf(p string) string {
	best := ""
	for _, root := range w.roots {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best
}

// ignored matches the path, relative to its root, against the ignore
// patterns. A directory is ignored when a file directly inside it would be.
func (w *Watcher) ignored(root, p string, dir bool) bool {
	if len(w.ignore) == 0 || root == "" {
		return false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	if dir {
		rel = path.Join(rel, "_")
	}
	for _, pattern := range w.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) addRecursive(dir string) error {
	root := w.rootOf(dir)
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil // skip inaccessible
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignored(root, p, true) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}
