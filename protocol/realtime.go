package protocol

// Realtime command bytes, common across Grbl and the mental model used by
// every parser (spec.md §4.3). These are single bytes, never counted by a
// FlowController's ledger and never queued.
const (
	// FeedHold pauses motion immediately ('!').
	FeedHold byte = '!'

	// CycleStart resumes motion after a hold ('~').
	CycleStart byte = '~'

	// SoftReset (Ctrl-X, 0x18) resets the controller.
	SoftReset byte = 0x18

	// StatusQuery requests an immediate status report ('?').
	StatusQuery byte = '?'
)
