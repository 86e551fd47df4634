// Package feeder implements the ad-hoc command queue (spec.md §4.4):
// manual commands, macros, and UI buttons, independent of any loaded
// program. It is one of the two sources (with sender.Sender) multiplexed
// through a Controller's flow controller.
package feeder

import (
	"sync"
)

// Options carries per-line feed options (spec.md §4.4).
type Options struct {
	// Context supplies additional template variables for this batch only.
	Context map[string]float64

	// Force lines bypass hold (used for realtime-adjacent system commands
	// such as an operator-issued unlock that must reach the wire even while
	// held).
	Force bool
}

// Line is one queued command, already template-expanded.
type Line struct {
	Text    string
	Options Options
}

// HoldReason explains why the feeder is suspended (spec.md §3).
type HoldReason struct {
	Err  bool
	Data string
	Msg  string
}

// ErrorEvent is emitted when a macro line fails template evaluation
// (spec.md §4.4): the failing line is discarded and subsequent lines
// continue.
type ErrorEvent struct {
	Line string
	Err  error
}

// Feeder is a FIFO of text lines with hold/resume/reset semantics. The queue
// has no length limit.
// Not safe for concurrent use from more than one goroutine other than via
// its exported methods, which take an internal lock (commands arrive from
// the Session Hub on possibly different goroutines than the owning
// Controller's receive loop calls Next from).
type Feeder struct {
	mu sync.Mutex

	queue      []Line
	held       bool
	holdReason *HoldReason

	// OnError is invoked (without the lock held) whenever a macro line fails
	// template evaluation, per spec.md §4.4.
	OnError func(ErrorEvent)
}

// New returns an empty Feeder.
func New() *Feeder {
	return &Feeder{}
}

// Feed appends one or more raw lines, expanding any embedded macro template
// expressions against vars (merged from controller modal state, WCS
// offsets, and caller-supplied context per spec.md §4.4). Lines that fail
// evaluation are discarded individually and reported via OnError; the rest
// are still enqueued.
func (f *Feeder) Feed(lines []string, vars map[string]float64) {
	var expanded []Line
	var errs []ErrorEvent
	for _, raw := range lines {
		text, err := Expand(raw, vars)
		if err != nil {
			errs = append(errs, ErrorEvent{Line: raw, Err: err})
			continue
		}
		expanded = append(expanded, Line{Text: text, Options: Options{Context: vars}})
	}
	f.mu.Lock()
	f.queue = append(f.queue, expanded...)
	f.mu.Unlock()

	if f.OnError != nil {
		for _, e := range errs {
			f.OnError(e)
		}
	}
}

// FeedPriority inserts lines at the head of the queue, used for
// system-originated commands (spec.md §3 "priority insertion supported for
// system-originated commands").
func (f *Feeder) FeedPriority(lines []string, vars map[string]float64) {
	var expanded []Line
	var errs []ErrorEvent
	for _, raw := range lines {
		text, err := Expand(raw, vars)
		if err != nil {
			errs = append(errs, ErrorEvent{Line: raw, Err: err})
			continue
		}
		expanded = append(expanded, Line{Text: text, Options: Options{Context: vars, Force: true}})
	}
	f.mu.Lock()
	f.queue = append(expanded, f.queue...)
	f.mu.Unlock()

	if f.OnError != nil {
		for _, e := range errs {
			f.OnError(e)
		}
	}
}

// Next returns the head line if the feeder is not held (or the head line is
// forced) and removes it from the queue, or reports ok=false if there is
// nothing to dequeue right now.
func (f *Feeder) Next() (Line, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Line{}, false
	}
	head := f.queue[0]
	if f.held && !head.Options.Force {
		return Line{}, false
	}
	f.queue = f.queue[1:]
	return head, true
}

// Hold suspends dequeue and records reason.
func (f *Feeder) Hold(reason HoldReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = true
	f.holdReason = &reason
}

// Unhold clears hold and resumes dequeue.
func (f *Feeder) Unhold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	f.holdReason = nil
}

// Held reports whether the feeder is currently suspended, and if so why.
func (f *Feeder) Held() (bool, *HoldReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held, f.holdReason
}

// Reset drops all pending lines (hold state is left untouched; callers that
// want a full stop should Unhold separately, matching Controller.reset's
// explicit sequencing in spec.md §4.6).
func (f *Feeder) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = nil
}

// Len reports the number of queued lines, used by invariant checks
// (spec.md §8 invariant 4: feeder.queue.isEmpty() after gcode:stop).
func (f *Feeder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// IsEmpty reports whether the queue has no pending lines.
func (f *Feeder) IsEmpty() bool {
	return f.Len() == 0
}
