// Package protocol defines the controller-agnostic event union that every
// per-vendor parser (protocol/grbl, protocol/marlin, protocol/smoothie,
// protocol/tinyg) produces, plus the modal state those events update.
package protocol

// Kind tags which variant of Event is populated.
type Kind int

const (
	// KindOk is an acknowledgment for the oldest in-flight line.
	KindOk Kind = iota
	// KindError is a rejection of the oldest in-flight line.
	KindError
	// KindAlarm is a controller-wide fault.
	KindAlarm
	// KindStatus is a position/state report.
	KindStatus
	// KindSetting is a single $-setting key/value pair.
	KindSetting
	// KindParserState mirrors modal state the controller itself reports.
	KindParserState
	// KindStartup is the line(s) a controller prints immediately after reset.
	KindStartup
	// KindWelcome is the banner with name/version after reset.
	KindWelcome
	// KindMessage is a human-readable informational line.
	KindMessage
	// KindFeedback is controller feedback not otherwise classified.
	KindFeedback
	// KindQueueReport is TinyG/g2core's "qr" planner-queue-depth frame,
	// consumed by flowcontrol.QueueReport rather than broadcast as a
	// status change.
	KindQueueReport
	// KindOther is anything the parser could not classify.
	KindOther
)

// Position is a 6-axis coordinate (spec.md §3).
type Position struct {
	X, Y, Z, A, B, C float64
}

// Add returns the element-wise sum of p and q.
func (p Position) Add(q Position) Position {
	return Position{p.X + q.X, p.Y + q.Y, p.Z + q.Z, p.A + q.A, p.B + q.B, p.C + q.C}
}

// Sub returns the element-wise difference p - q.
func (p Position) Sub(q Position) Position {
	return Position{p.X - q.X, p.Y - q.Y, p.Z - q.Z, p.A - q.A, p.B - q.B, p.C - q.C}
}

// Overrides holds feed/rapid/spindle percentage overrides (spec.md §4.2).
// They are recorded but never influence flow control.
type Overrides struct {
	Feed, Rapid, Spindle int
}

// Status is a parsed status report.
type Status struct {
	State string // e.g. "Idle", "Run", "Hold", "Alarm"

	MPos    *Position
	WPos    *Position
	WCO     *Position // work coordinate offset, last seen via a WCO: field
	Feed    *float64
	Speed   *float64 // spindle speed
	Buffer  *BufferState
	Pins    string // raw pin-state field, e.g. "PXY"
	Probe   bool   // true if Pins contains 'P' (probe contact, consumed by wizard layer)
	Over    *Overrides
	WCS     string // active work coordinate system, e.g. "G54"
}

// BufferState is the planner/serial buffer occupancy a controller may report
// inline with a status line (used only for diagnostics; flow control keeps
// its own ledger per spec.md §4.3).
type BufferState struct {
	Planner int
	RX      int
}

// Event is the tagged union every parser emits for one received line.
type Event struct {
	Kind Kind

	// Error / Alarm
	Code        int
	Description string

	// Status
	Status *Status

	// Setting
	SettingKey   string
	SettingValue string

	// ParserState
	Modal *ModalState

	// QueueReport
	QueueReport *int

	// Startup
	StartupLine string

	// Welcome
	WelcomeName    string
	WelcomeVersion string

	// Message / Feedback / Other
	Text string
	Raw  string
}

// Parser turns received lines into Events and accumulates the last-seen
// Status, Settings, and ParserState so they can be read back on demand
// (spec.md §4.2).
type Parser interface {
	// Parse classifies one received (already line-split) raw line.
	Parse(line string) Event

	// LastStatus returns the most recently parsed Status, if any.
	LastStatus() (Status, bool)

	// Settings returns the accumulated $-setting map.
	Settings() map[string]string

	// Modal returns the last-known modal state.
	Modal() ModalState

	// Reset clears accumulated state (called on soft reset / reconnect).
	Reset()
}
