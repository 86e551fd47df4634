package flowcontrol

// LockStep implements the Marlin/Smoothieware strategy (spec.md §4.3): at
// most one unacknowledged line at a time. Temperature/informational lines
// interleave on the wire but are not modeled here; they never reach Ack/Nack
// because the owning parser does not emit KindOk for them.
type LockStep struct {
	pending *Entry
}

// NewLockStep returns a ready-to-use LockStep flow controller.
func NewLockStep() *LockStep {
	return &LockStep{}
}

// CanSend implements FlowController: only when nothing is outstanding.
func (l *LockStep) CanSend(n int) bool {
	return l.pending == nil
}

// Sent implements FlowController.
func (l *LockStep) Sent(id LineID, n int) {
	e := Entry{ID: id, Chars: n}
	l.pending = &e
}

// Ack implements FlowController.
func (l *LockStep) Ack() (Entry, error) {
	return l.pop()
}

// Nack implements FlowController.
func (l *LockStep) Nack(code int) (Entry, error) {
	return l.pop()
}

func (l *LockStep) pop() (Entry, error) {
	if l.pending == nil {
		return Entry{}, ErrNoEntries
	}
	e := *l.pending
	l.pending = nil
	return e, nil
}

// InFlight implements FlowController: 0 or 1.
func (l *LockStep) InFlight() int {
	if l.pending == nil {
		return 0
	}
	return 1
}

// Reset implements FlowController.
func (l *LockStep) Reset() {
	l.pending = nil
}

var _ FlowController = (*LockStep)(nil)
