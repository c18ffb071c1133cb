package reconcile

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// DefaultExcludes keep VCS metadata and editor droppings out of the watch.
// Patterns match the slash path relative to the working copy with a
// leading "/".
var DefaultExcludes = []string{"**/.git", "**/.git/**", "**/*.swp", "**/*~"}

// Requester schedules reconciliations.
type Requester interface {
	Request(base, packageGUID string)
}

// Watcher requests a reconciliation when files of a working copy change.
// Bursts of events within the debounce window become one request.
type Watcher struct {
	req         Requester
	base        string
	packageGUID string
	debounce    time.Duration
	excludes    []glob.Glob
	log         zerolog.Logger
}

// NewWatcher compiles the exclude patterns for a watch on base.
func NewWatcher(req Requester, base, packageGUID string, debounce time.Duration, excludes []string, log zerolog.Logger) (*Watcher, error) {
	w := &Watcher{
		req:         req,
		base:        filepath.Clean(base),
		packageGUID: packageGUID,
		debounce:    debounce,
		log:         log,
	}
	if w.debounce <= 0 {
		w.debounce = 500 * time.Millisecond
	}
	for _, pattern := range excludes {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
		w.excludes = append(w.excludes, g)
	}
	return w, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := w.addRecursive(fw, w.base); err != nil {
		return err
	}
	w.log.Info().Str("wc", w.base).Msg("watching")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.excluded(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if err := w.addRecursive(fw, ev.Name); err != nil {
					w.log.Debug().Err(err).Str("path", ev.Name).Msg("watch new path")
				}
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		case <-timer.C:
			w.req.Request(w.base, w.packageGUID)
		}
	}
}

// addRecursive watches root and every non-excluded directory below it.
// Files are ignored.
func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluded(p) {
			return filepath.SkipDir
		}
		return fw.Add(p)
	})
}

func (w *Watcher) excluded(p string) bool {
	rel, err := filepath.Rel(w.base, p)
	if err != nil || rel == "." {
		return false
	}
	name := "/" + filepath.ToSlash(rel)
	for _, g := range w.excludes {
		if g.Match(name) {
			return true
		}
	}
	return false
}
