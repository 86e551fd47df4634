// Package config implements the persistent, mutable JSON key/value store
// described in spec.md §6: a single file keyed by top-level sections
// (settings, users, macros, tools, watchFolders, cameras, ...), addressed
// by dot-paths, with change notification and debounced atomic persistence.
//
// This is deliberately hand-rolled rather than built on a config library:
// every config library in the retrieval pack (koanf, and the libraries it
// layers) is load-oriented — read once from file/env/flags into a typed
// struct — and none of them support writing a value back to disk or
// notifying a listener when one changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultWriteDebounce batches rapid successive Set calls into one write
// (spec.md §6: "writes are debounced and atomic").
const DefaultWriteDebounce = 250 * time.Millisecond

// Store is a JSON document addressed by dot-paths ("settings.controller.baudrate"),
// safe for concurrent readers and a single concurrent writer (spec.md §5).
type Store struct {
	mu   sync.RWMutex
	path string
	data map[string]interface{}

	WriteDebounce time.Duration
	writeTimer    *time.Timer
	writeErr      error

	listenersMu sync.Mutex
	listeners   map[string][]func(interface{})
}

// Load reads path if it exists, or starts from an empty document if it
// does not (first run).
func Load(path string) (*Store, error) {
	s := &Store{
		path:          path,
		data:          make(map[string]interface{}),
		WriteDebounce: DefaultWriteDebounce,
		listeners:     make(map[string][]func(interface{})),
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return s, nil
}

// Get returns the value at dotPath, or ok=false if no such key exists.
func (s *Store) Get(dotPath string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.data, strings.Split(dotPath, "."))
}

// Has reports whether dotPath resolves to a value.
func (s *Store) Has(dotPath string) bool {
	_, ok := s.Get(dotPath)
	return ok
}

// Set writes value at dotPath, creating intermediate maps as needed, then
// schedules a debounced persist and notifies listeners registered on
// dotPath. Listeners are called synchronously, before the debounced write
// has reached disk.
func (s *Store) Set(dotPath string, value interface{}) error {
	s.mu.Lock()
	keys := strings.Split(dotPath, ".")
	if err := assign(s.data, keys, value); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.schedulePersist()
	s.notify(dotPath, value)
	return nil
}

// Unset removes the value at dotPath, if present.
func (s *Store) Unset(dotPath string) error {
	s.mu.Lock()
	keys := strings.Split(dotPath, ".")
	remove(s.data, keys)
	s.mu.Unlock()

	s.schedulePersist()
	s.notify(dotPath, nil)
	return nil
}

// OnChange registers fn to be called whenever Set or Unset touches
// dotPath exactly (not sub-paths). It returns an unsubscribe function.
func (s *Store) OnChange(dotPath string, fn func(interface{})) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners[dotPath] = append(s.listeners[dotPath], fn)
	idx := len(s.listeners[dotPath]) - 1

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		fns := s.listeners[dotPath]
		if idx < len(fns) {
			fns[idx] = nil
		}
	}
}

func (s *Store) notify(dotPath string, value interface{}) {
	s.listenersMu.Lock()
	fns := append([]func(interface{}){}, s.listeners[dotPath]...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(value)
		}
	}
}

// schedulePersist debounces writes: repeated Set/Unset calls within
// WriteDebounce collapse into a single write-temp-then-rename (spec.md §6).
func (s *Store) schedulePersist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimer != nil {
		s.writeTimer.Stop()
	}
	s.writeTimer = time.AfterFunc(s.WriteDebounce, func() {
		if err := s.persist(); err != nil {
			s.mu.Lock()
			s.writeErr = err
			s.mu.Unlock()
		}
	})
}

// Flush persists immediately, bypassing the debounce timer. Used on clean
// shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.writeTimer != nil {
		s.writeTimer.Stop()
		s.writeTimer = nil
	}
	s.mu.Unlock()
	return s.persist()
}

func (s *Store) persist() error {
	s.mu.RLock()
	b, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: renaming temp file into place: %w", err)
	}
	return nil
}

// lookup walks data following keys, returning ok=false as soon as any
// intermediate key is missing or not a map.
func lookup(data map[string]interface{}, keys []string) (interface{}, bool) {
	var cur interface{} = data
	for _, k := range keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign walks/creates maps along keys and sets the final key to value.
func assign(data map[string]interface{}, keys []string, value interface{}) error {
	cur := data
	for i, k := range keys {
		if i == len(keys)-1 {
			cur[k] = value
			return nil
		}
		next, ok := cur[k]
		if !ok {
			m := make(map[string]interface{})
			cur[k] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("config: %q is not an object, cannot descend into it", strings.Join(keys[:i+1], "."))
		}
		cur = m
	}
	return nil
}

// remove walks to the parent of the final key and deletes it, if present.
func remove(data map[string]interface{}, keys []string) {
	cur := data
	for i, k := range keys {
		if i == len(keys)-1 {
			delete(cur, k)
			return
		}
		next, ok := cur[k]
		if !ok {
			return
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return
		}
		cur = m
	}
}
