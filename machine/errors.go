package machine

import "fmt"

// PortError covers serial/TCP open failures, disconnects, and I/O faults
// (spec.md §7). Controller.Open retries with its backoff policy and, once the
// policy gives up, emits serialport:error and returns a PortError. A read or
// write failure after Open is reported as serialport:error; the Controller
// does not reconnect on its own.
type PortError struct {
	Port string
	Err  error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("machine: port %s: %v", e.Port, e.Err)
}

func (e *PortError) Unwrap() error { return e.Err }

// ProtocolError covers over-length lines, unrecognized replies, and
// ledger desync (an ok/error with nothing outstanding).
type ProtocolError struct {
	Port   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("machine: protocol error on %s: %s", e.Port, e.Reason)
}

// ControllerError is a parser "error" reply, local to the line that caused
// it. It is routed back to whichever of Feeder/Sender sent the line.
type ControllerError struct {
	Port string
	Code int
	Line string
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("machine: controller error %d on %s for %q", e.Code, e.Port, e.Line)
}

// ControllerAlarm is a parser "alarm" reply: a controller-wide fault that
// halts new motion writes until unlock/reset.
type ControllerAlarm struct {
	Port string
	Code int
	Text string
}

func (e *ControllerAlarm) Error() string {
	return fmt.Sprintf("machine: alarm %d on %s: %s", e.Code, e.Port, e.Text)
}

// StallError reports a line that has sat outstanding with no ok/error reply
// for longer than StallWarning (or StallReset, at which point the
// Controller soft-resets the link itself).
type StallError struct {
	Port string
	For  string
}

func (e *StallError) Error() string {
	return fmt.Sprintf("machine: %s: no reply for %s", e.Port, e.For)
}

// FeederError is a macro template evaluation failure, local to its line.
type FeederError struct {
	Line string
	Err  error
}

func (e *FeederError) Error() string {
	return fmt.Sprintf("machine: feeder template error in %q: %v", e.Line, e.Err)
}

func (e *FeederError) Unwrap() error { return e.Err }

// ValidationError is a bad client command: unknown port, bad argument
// types. It never has side effects and is returned synchronously.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("machine: validation error: %s", e.Reason)
}

// AuthError reports an invalid or expired bearer token. No package constructs
// it: wsapi rejects a bad token itself, with an error frame and a closed
// connection.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("machine: auth error: %s", e.Reason)
}
