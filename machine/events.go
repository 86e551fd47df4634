package machine

import (
	"github.com/rsteckler/AxioCNC-sub004/protocol"
	"github.com/rsteckler/AxioCNC-sub004/sender"
	"github.com/rsteckler/AxioCNC-sub004/workflow"
)

// EventName enumerates the Controller→Session Hub event surface (spec.md
// §4.6).
type EventName string

const (
	EventSerialOpen  EventName = "serialport:open"
	EventSerialClose EventName = "serialport:close"
	EventSerialRead  EventName = "serialport:read"
	EventSerialWrite EventName = "serialport:write"
	EventSerialError EventName = "serialport:error"

	EventControllerSettings EventName = "controller:settings"
	EventControllerState    EventName = "controller:state"
	EventMachineStatus      EventName = "machine:status"
	EventFeederStatus       EventName = "feeder:status"
	EventSenderStatus       EventName = "sender:status"
	EventWorkflowState      EventName = "workflow:state"

	EventGcodeLoad   EventName = "gcode:load"
	EventGcodeUnload EventName = "gcode:unload"

	EventTaskStart  EventName = "task:start"
	EventTaskFinish EventName = "task:finish"
	EventTaskError  EventName = "task:error"

	// EventControllerStall fires once when a line has sat outstanding for
	// longer than StallWarning; serialport:error follows if StallReset is
	// reached and the Controller soft-resets the link itself.
	EventControllerStall EventName = "controller:stall"
)

// Event is one Controller-originated occurrence, broadcast to every session
// subscribed to Port. Events from one Controller are delivered to every
// listener in the order the Controller produced them (spec.md §5).
type Event struct {
	Name EventName
	Port string

	// Text carries serialport:read/write payloads and human-readable
	// messages.
	Text string

	// Err carries the error for serialport:error/task:error.
	Err error

	Status        *protocol.Status
	Modal         *protocol.ModalState
	Settings      map[string]string
	FeederHeld    bool
	FeederReason  *string
	SenderStatus  *sender.Status
	WorkflowState workflow.State

	Homed            bool
	HomingInProgress bool
}
