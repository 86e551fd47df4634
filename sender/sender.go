// Package sender implements the loaded-program streamer (spec.md §4.5): an
// ordered sequence of G-code lines fed to the Flow Controller one at a time,
// with tool-change and dwell auto-pause, and elapsed/remaining time
// estimates. It is the counterpart to feeder.Feeder for ad-hoc commands; a
// Controller multiplexes both into a single Flow Controller.
package sender

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rsteckler/AxioCNC-sub004/feeder"
	"github.com/rsteckler/AxioCNC-sub004/linecodec"
	"github.com/rsteckler/AxioCNC-sub004/workflow"
)

// HoldReason mirrors feeder.HoldReason; Sender has its own copy so the two
// packages stay independent (spec.md keeps Feeder and Sender as siblings,
// not a shared base).
type HoldReason struct {
	Err  bool
	Data string // "M0", "M1", "M6", or an error code for Err holds
	Msg  string // parenthesized comment from the triggering line, if any
}

// programLine is one pre-processed line of a loaded program.
type programLine struct {
	raw      string
	stripped string
	blank    bool
}

// toolChange records a line whose tokens contain Tn and/or M6.
type toolChange struct {
	lineIndex int
	tool      int
	hasTool   bool
	m6        bool
	comment   string
}

// dwell records a line containing M0, M1, M2, or M30.
type dwell struct {
	lineIndex int
	code      string
	comment   string
}

// Line is one dequeued program line, ready to hand to a Flow Controller.
type Line struct {
	Text      string
	LineIndex int
}

// Status is a read-only snapshot of Sender state, used for sender:status
// events and the REST/websocket snapshot on open (spec.md §4.7).
type Status struct {
	Name      string
	Total     int
	// Dispatchable is the count of non-blank lines in the loaded program,
	// i.e. the ones that actually reach the Flow Controller and get
	// acked/nacked; Total counts every raw line, blanks included.
	Dispatchable int
	Size         int
	Sent         int
	Received     int
	Workflow     workflow.State
	HoldReason   *HoldReason

	StartTime     time.Time
	TimePaused    time.Duration
	ElapsedTime   time.Duration
	RemainingTime time.Duration

	NextM6ToolNumber      int
	HasNextM6             bool
	RemainingTimeToNextM6 time.Duration
}

// OptionalStop mirrors the controller's $-setting for whether M1 pauses.
// Sender reads it through the OptionalStop field rather than a method so the
// Controller can flip it without a lock dance.

// Sender streams a loaded program through a Flow Controller under
// Controller supervision. Not safe for concurrent use from more than one
// goroutine other than via its exported methods.
type Sender struct {
	mu sync.Mutex

	name string
	data string // original, unprocessed text, retained across stop (spec.md §9)
	size int

	lines        []programLine
	toolChange   []toolChange
	dwell        []dwell
	dispatchable int // count of non-blank lines, i.e. lines that reach Ack

	wf *workflow.Machine

	sent       int // cursor into lines, including blanks skipped over
	dispatched int // count of non-blank lines actually handed to the Flow Controller
	received   int

	startTime  time.Time
	pausedAt   time.Time
	timePaused time.Duration

	holdReason *HoldReason

	// OptionalStop controls whether an M1 line triggers auto-pause, matching
	// the controller-wide "optional stop" setting (spec.md §4.5).
	OptionalStop bool

	// OnAutoPause is invoked (without the lock held) whenever the Sender
	// auto-pauses ahead of an M0/M1/M6 line.
	OnAutoPause func(reason HoldReason)

	// OnFinish is invoked when an M2/M30 line is acknowledged, or when the
	// last dispatched line is acknowledged, signalling program completion.
	OnFinish func()
}

// New returns an unloaded Sender.
func New() *Sender {
	return &Sender{wf: workflow.NewMachine()}
}

// Load pre-processes text into lines, a tool-change index, and a dwell
// index, in one pass (spec.md §4.5). Template expressions are expanded
// against vars using the same restricted grammar as feeder.Expand. Loading
// replaces any previously-loaded program; workflow must be Idle.
func (s *Sender) Load(name, text string, vars map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wf.State() != workflow.Idle {
		return fmt.Errorf("sender: cannot load while workflow is %s", s.wf.State())
	}

	rawLines := strings.Split(text, "\n")
	lines := make([]programLine, 0, len(rawLines))
	var toolChanges []toolChange
	var dwells []dwell

	for i, raw := range rawLines {
		raw = strings.TrimRight(raw, "\r")
		expanded, err := feeder.Expand(raw, vars)
		if err != nil {
			expanded = raw
		}
		stripped := linecodec.StripForSend(expanded)
		blank := linecodec.IsBlank(stripped)
		lines = append(lines, programLine{raw: raw, stripped: stripped, blank: blank})

		if blank {
			continue
		}
		comment := parenComment(expanded)
		if tc, ok := parseToolChange(stripped); ok {
			tc.lineIndex = i
			tc.comment = comment
			toolChanges = append(toolChanges, tc)
		}
		if code, ok := parseDwellCode(stripped); ok {
			dwells = append(dwells, dwell{lineIndex: i, code: code, comment: comment})
		}
	}

	dispatchable := 0
	for _, ln := range lines {
		if !ln.blank {
			dispatchable++
		}
	}

	s.name = name
	s.data = text
	s.size = len(text)
	s.lines = lines
	s.toolChange = toolChanges
	s.dwell = dwells
	s.dispatchable = dispatchable
	s.sent = 0
	s.dispatched = 0
	s.received = 0
	s.holdReason = nil
	return nil
}

// Unload clears the loaded program entirely. Workflow must be Idle.
func (s *Sender) Unload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wf.State() != workflow.Idle {
		return fmt.Errorf("sender: cannot unload while workflow is %s", s.wf.State())
	}
	s.name = ""
	s.data = ""
	s.size = 0
	s.lines = nil
	s.toolChange = nil
	s.dwell = nil
	s.dispatchable = 0
	s.sent = 0
	s.dispatched = 0
	s.received = 0
	s.holdReason = nil
	return nil
}

// Start transitions idle→running and begins timing. Requires a program to
// be loaded.
func (s *Sender) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return fmt.Errorf("sender: no program loaded")
	}
	if _, err := s.wf.Apply(workflow.Start); err != nil {
		return err
	}
	s.startTime = time.Now()
	s.timePaused = 0
	s.holdReason = nil
	return nil
}

// Pause transitions running→paused. In-flight lines already handed to the
// Flow Controller are unaffected; only further dequeuing via Next stops.
func (s *Sender) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.wf.Apply(workflow.Pause); err != nil {
		return err
	}
	s.pausedAt = time.Now()
	return nil
}

// Resume transitions paused→running and resumes dequeuing.
func (s *Sender) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wf.State() == workflow.Paused {
		s.timePaused += time.Since(s.pausedAt)
	}
	if _, err := s.wf.Apply(workflow.Resume); err != nil {
		return err
	}
	s.holdReason = nil
	return nil
}

// Stop transitions to idle and resets counters to 0, but keeps
// name/total/size/data so the client can restart without re-uploading
// (spec.md §9, confirmed intentional).
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wf.Apply(workflow.Stop)
	s.sent = 0
	s.dispatched = 0
	s.received = 0
	s.holdReason = nil
}

// Next returns the next line to send if the workflow is running and lines
// remain, or ok=false otherwise. It does not itself consult a Flow
// Controller; the owning Controller only calls Next when the Flow
// Controller reports capacity.
func (s *Sender) Next() (Line, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wf.State() != workflow.Running {
		return Line{}, false
	}
	for s.sent < len(s.lines) {
		idx := s.sent
		ln := s.lines[idx]
		s.sent++
		if ln.blank {
			continue
		}
		s.dispatched++
		return Line{Text: ln.stripped, LineIndex: idx}, true
	}
	return Line{}, false
}

// Ack records that the line at lineIndex has been acknowledged (its ok has
// returned) and applies the auto-pause policy
// if that line was a tool-change or dwell boundary and no lines remain
// in-flight (spec.md §4.5: "drains all in-flight lines, then transitions
// running→paused").
func (s *Sender) Ack(lineIndex int) {
	s.mu.Lock()
	s.received++

	var toFire *HoldReason
	var finished bool
	drained := s.dispatched == s.received

	if drained && s.sent >= len(s.lines) && s.wf.State() == workflow.Running {
		// Every dispatched line has been acknowledged and no lines remain to
		// send: the program ran to completion without an explicit M2/M30
		// (spec.md §8 scenario 1). workflow.Stop only moves the state machine
		// to idle; unlike Sender.Stop it leaves sent/received untouched.
		s.wf.Apply(workflow.Stop)
		finished = true
	}

	if drained && !finished {
		if tc := s.toolChangeAt(lineIndex); tc != nil && tc.m6 {
			if _, err := s.wf.Apply(workflow.Pause); err == nil {
				s.pausedAt = time.Now()
				reason := HoldReason{Data: "M6", Msg: tc.comment}
				s.holdReason = &reason
				toFire = &reason
			}
		} else if dw := s.dwellAt(lineIndex); dw != nil {
			switch dw.code {
			case "M2", "M30":
				finished = true
			case "M1":
				if !s.OptionalStop {
					break
				}
				fallthrough
			case "M0":
				if _, err := s.wf.Apply(workflow.Pause); err == nil {
					s.pausedAt = time.Now()
					reason := HoldReason{Data: dw.code, Msg: dw.comment}
					s.holdReason = &reason
					toFire = &reason
				}
			}
		}
	}
	s.mu.Unlock()

	if toFire != nil && s.OnAutoPause != nil {
		s.OnAutoPause(*toFire)
	}
	if finished && s.OnFinish != nil {
		s.OnFinish()
	}
}

func (s *Sender) toolChangeAt(lineIndex int) *toolChange {
	for i := range s.toolChange {
		if s.toolChange[i].lineIndex == lineIndex {
			return &s.toolChange[i]
		}
	}
	return nil
}

func (s *Sender) dwellAt(lineIndex int) *dwell {
	for i := range s.dwell {
		if s.dwell[i].lineIndex == lineIndex {
			return &s.dwell[i]
		}
	}
	return nil
}

// Status returns a read-only snapshot, including recomputed timing
// estimates (spec.md §4.5: "recomputed on each ok").
func (s *Sender) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:         s.name,
		Total:        len(s.lines),
		Dispatchable: s.dispatchable,
		Size:         s.size,
		Sent:         s.sent,
		Received:     s.received,
		Workflow:     s.wf.State(),
		HoldReason:   s.holdReason,
		StartTime:    s.startTime,
		TimePaused:   s.timePaused,
	}

	if !s.startTime.IsZero() {
		wall := time.Since(s.startTime) - s.timePaused
		if s.wf.State() == workflow.Paused {
			wall -= time.Since(s.pausedAt)
		}
		if wall < 0 {
			wall = 0
		}
		st.ElapsedTime = wall

		remaining := st.Total - st.Sent
		if st.Sent > 0 && remaining > 0 {
			perLine := wall / time.Duration(maxInt(st.Sent, 1))
			st.RemainingTime = perLine * time.Duration(remaining)
		}

		if tc := s.nextToolChange(); tc != nil {
			st.HasNextM6 = true
			st.NextM6ToolNumber = tc.tool
			toGo := tc.lineIndex - st.Sent
			if toGo < 0 {
				toGo = 0
			}
			if st.Sent > 0 {
				perLine := wall / time.Duration(maxInt(st.Sent, 1))
				st.RemainingTimeToNextM6 = perLine * time.Duration(toGo)
			}
		}
	}

	return st
}

func (s *Sender) nextToolChange() *toolChange {
	for i := range s.toolChange {
		if s.toolChange[i].lineIndex >= s.sent {
			return &s.toolChange[i]
		}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// parenComment extracts the content of the first parenthesized span in a
// line, if any, used as the holdReason.msg for auto-pause (spec.md §4.5).
func parenComment(raw string) string {
	start := strings.IndexByte(raw, '(')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(raw[start:], ')')
	if end < 0 {
		return ""
	}
	return raw[start+1 : start+end]
}

// parseToolChange scans whitespace-separated tokens for Tn and/or M6,
// matching the word-parsed-token approach spec.md §4.5 calls for.
func parseToolChange(stripped string) (toolChange, bool) {
	var tc toolChange
	found := false
	for _, tok := range strings.Fields(stripped) {
		if len(tok) < 2 {
			continue
		}
		switch tok[0] {
		case 'T', 't':
			if n, err := strconv.Atoi(tok[1:]); err == nil {
				tc.tool = n
				tc.hasTool = true
				found = true
			}
		case 'M', 'm':
			if tok[1:] == "6" || tok[1:] == "06" {
				tc.m6 = true
				found = true
			}
		}
	}
	return tc, found
}

// parseDwellCode reports the first M0/M1/M2/M30 token present in a line.
func parseDwellCode(stripped string) (string, bool) {
	for _, tok := range strings.Fields(stripped) {
		upper := strings.ToUpper(tok)
		switch upper {
		case "M0", "M00":
			return "M0", true
		case "M1", "M01":
			return "M1", true
		case "M2", "M02":
			return "M2", true
		case "M30":
			return "M30", true
		}
	}
	return "", false
}
