// Package watch implements the watch-folder external collaborator named in
// spec.md §1/§6: an fsnotify-backed directory watcher that, on a new or
// changed file matching a configured glob, emits a watch:file event carrying
// the path so the caller (cmd/axiocncd) can load it as a program.
package watch

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events a single save can produce
// (editors often write-then-rename) into one notification per file.
const DefaultDebounce = 200 * time.Millisecond

// Event describes a watch-folder file that is ready to be acted on.
type Event struct {
	Dir  string
	Path string
}

// Watcher watches a set of directories for files matching Glob and calls
// OnFile once per settled file.
type Watcher struct {
	w       *fsnotify.Watcher
	dirs    []string
	glob    string
	OnFile  func(Event)
	OnError func(error)
	Debounce time.Duration

	done chan struct{}
}

// New creates a Watcher with no directories, filtering to files matching
// glob (an empty glob matches every file). Add at least one directory before calling
// Start; Add may also be called after Start to watch additional directories.
func New(glob string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating watcher: %w", err)
	}
	return &Watcher{
		w:        w,
		glob:     glob,
		Debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}, nil
}

// Add registers dir to be watched. fsnotify watches directories rather than
// individual files so that editor rename-swap saves are still observed.
func (wr *Watcher) Add(dir string) error {
	if err := wr.w.Add(dir); err != nil {
		return fmt.Errorf("watch: watching %s: %w", dir, err)
	}
	wr.dirs = append(wr.dirs, dir)
	return nil
}

// Start runs the event loop in the background until Close is called. Events
// for the same path arriving within Debounce of each other settle into a
// single OnFile call.
func (wr *Watcher) Start() {
	go wr.run()
}

func (wr *Watcher) run() {
	debounce := make(map[string]*time.Timer)
	for {
		select {
		case ev, ok := <-wr.w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !wr.matches(ev.Name) {
				continue
			}
			path := ev.Name
			if t, pending := debounce[path]; pending {
				t.Stop()
			}
			debounce[path] = time.AfterFunc(wr.Debounce, func() {
				if wr.OnFile != nil {
					wr.OnFile(Event{Dir: filepath.Dir(path), Path: path})
				}
			})
		case err, ok := <-wr.w.Errors:
			if !ok {
				return
			}
			if wr.OnError != nil {
				wr.OnError(err)
			}
		case <-wr.done:
			return
		}
	}
}

func (wr *Watcher) matches(path string) bool {
	if wr.glob == "" {
		return true
	}
	ok, err := filepath.Match(wr.glob, filepath.Base(path))
	return err == nil && ok
}

// Close stops the watcher and releases its underlying file descriptors.
func (wr *Watcher) Close() error {
	close(wr.done)
	return wr.w.Close()
}
