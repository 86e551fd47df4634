package watch_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rsteckler/AxioCNC-sub004/watch"
)

func waitForEvent(t *testing.T, got func() []watch.Event, n int, timeout time.Duration) []watch.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ev := got(); len(ev) >= n {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d event(s), got %d", n, len(got()))
	return nil
}

type collector struct {
	mu     sync.Mutex
	events []watch.Event
}

func (c *collector) add(e watch.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) all() []watch.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]watch.Event{}, c.events...)
}

func TestNewFileMatchingGlobFiresOnFile(t *testing.T) {
	dir := t.TempDir()
	w, err := watch.New("*.gcode")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()
	w.Debounce = 10 * time.Millisecond
	c := &collector{}
	w.OnFile = c.add
	if err := w.Add(dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	w.Start()

	path := filepath.Join(dir, "part.gcode")
	if err := os.WriteFile(path, []byte("G0 X1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := waitForEvent(t, c.all, 1, time.Second)
	if events[0].Path != path {
		t.Fatalf("expected path %s, got %s", path, events[0].Path)
	}
}

func TestNonMatchingGlobIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w, err := watch.New("*.gcode")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()
	w.Debounce = 10 * time.Millisecond
	c := &collector{}
	w.OnFile = c.add
	if err := w.Add(dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	w.Start()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if len(c.all()) != 0 {
		t.Fatalf("expected non-matching file to be ignored, got %v", c.all())
	}
}

func TestBurstOfWritesDebouncesToOneEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := watch.New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()
	w.Debounce = 50 * time.Millisecond
	c := &collector{}
	w.OnFile = c.add
	if err := w.Add(dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	w.Start()

	path := filepath.Join(dir, "part.gcode")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("G0 X1\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)
	events := c.all()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 debounced event, got %d: %v", len(events), events)
	}
}

func TestCloseStopsFurtherEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := watch.New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	w.Debounce = 10 * time.Millisecond
	c := &collector{}
	w.OnFile = c.add
	if err := w.Add(dir); err != nil {
		t.Fatalf("add: %v", err)
	}
	w.Start()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "after-close.gcode"), []byte("G0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if len(c.all()) != 0 {
		t.Fatalf("expected no events after close, got %v", c.all())
	}
}
