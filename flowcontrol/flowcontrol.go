// Package flowcontrol enforces controller-specific in-flight limits so that
// at most the controller's receive buffer can be outstanding at any instant
// (spec.md §4.3). Each line written is paired with exactly one incoming
// ok/error reply, in strict FIFO order.
package flowcontrol

// LineID identifies one line written to the controller, assigned by the
// caller (feeder or sender) so a reply can be routed back to its source.
type LineID uint64

// Entry is one outstanding (written, not yet acknowledged) line.
type Entry struct {
	ID    LineID
	Chars int // length of the line as written, including its terminator
}

// FlowController decides when a line may be written and resolves incoming
// ok/error replies against the ledger of outstanding lines.
//
// Implementations are not safe for concurrent use; the owning
// machine.Controller goroutine is the only caller, per spec.md §5.
type FlowController interface {
	// CanSend reports whether a line of length n (including its terminator)
	// may be written right now.
	CanSend(n int) bool

	// Sent records that a line has been written and is now outstanding.
	Sent(id LineID, n int)

	// Ack pops the oldest outstanding entry in response to an "ok".
	// ErrNoEntries is returned if the ledger is empty (protocol desync,
	// spec.md §7 ProtocolError).
	Ack() (Entry, error)

	// Nack pops the oldest outstanding entry in response to an "error",
	// returning the popped entry so the caller can route the failure back
	// to its source component.
	Nack(code int) (Entry, error)

	// InFlight reports how much is outstanding (unacknowledged): characters,
	// terminators included, for CharCount; lines for LockStep and
	// QueueReport. 0 means the ledger is empty.
	InFlight() int

	// Reset clears the ledger, used on soft reset / welcome (spec.md §8
	// invariant 5: ledger is empty after welcome or successful reset).
	Reset()
}

// ErrNoEntries is returned by Ack/Nack when the ledger is empty: an ok/error
// arrived with nothing outstanding to pair it with (spec.md §7 ProtocolError,
// "desync").
var ErrNoEntries = errNoEntries{}

type errNoEntries struct{}

func (errNoEntries) Error() string { return "flowcontrol: ok/error received with an empty ledger" }
