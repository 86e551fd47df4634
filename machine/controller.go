// Package machine implements the Controller composition root (spec.md
// §4.6): one per serial port, owning the Line Codec, Parser, Flow
// Controller, Feeder, and Sender for that port, and the single goroutine
// that serializes all mutation of their state.
package machine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/rsteckler/AxioCNC-sub004/comm"
	"github.com/rsteckler/AxioCNC-sub004/feeder"
	"github.com/rsteckler/AxioCNC-sub004/flowcontrol"
	"github.com/rsteckler/AxioCNC-sub004/linecodec"
	"github.com/rsteckler/AxioCNC-sub004/protocol"
	"github.com/rsteckler/AxioCNC-sub004/sender"
)

// Family names the controller-specific command dialect, used to pick the
// unlock/home/realtime-query bytes a generic Controller cannot infer from
// the protocol.Parser interface alone.
type Family string

const (
	FamilyGrbl      Family = "grbl"
	FamilyMarlin    Family = "marlin"
	FamilySmoothie  Family = "smoothie"
	FamilyTinyG     Family = "tinyg"
)

// familyCommands holds the controller-specific text for commands the
// generic Controller surface exposes uniformly (spec.md §4.6: "unlock",
// "homing").
type familyCommands struct {
	unlock string
	home   string
}

var familyTable = map[Family]familyCommands{
	FamilyGrbl:     {unlock: "$X", home: "$H"},
	FamilyMarlin:   {unlock: "M112\nM999", home: "G28"},
	FamilySmoothie: {unlock: "M999", home: "G28"},
	FamilyTinyG:    {unlock: "{clear:n}", home: "G28.2 X0 Y0 Z0"},
}

// StatusInterval is the default periodic status-query period (spec.md
// §4.6).
const StatusInterval = 250 * time.Millisecond

// HomingTimeout is the default homing ceiling (spec.md §5). Controller does
// not read it: homingInProgress is cleared only by the homing line's ok or
// by an alarm, and no alarm is synthesized when a homing cycle runs long.
const HomingTimeout = 300 * time.Second

// StallWarning/StallReset bound how long lines may sit in flight with no
// reply before the Controller warns, then treats the link as desynced and
// soft-resets (spec.md §5).
const (
	StallWarning = 15 * time.Second
	StallReset   = 60 * time.Second
)

type outstandingSource struct {
	fromSender bool
	lineIndex  int
	text       string
}

// Controller owns one serial port end-to-end. All exported methods are
// safe to call from any goroutine; they hand work to the single owning
// goroutine (run) via an internal command queue, so state mutation is
// always serialized (spec.md §5).
type Controller struct {
	Port   string
	Family Family

	link   *comm.Link
	codec  *linecodec.Codec
	parser protocol.Parser
	flow   flowcontrol.FlowController
	feed   *feeder.Feeder
	send   *sender.Sender

	backoffPolicy  comm.BackoffPolicy
	statusInterval time.Duration

	// OnEvent is invoked (from the owning goroutine) for every broadcastable
	// occurrence; the Session Hub installs this to fan events out.
	OnEvent func(Event)

	mu sync.Mutex

	nextLineID  flowcontrol.LineID
	outstanding map[flowcontrol.LineID]outstandingSource
	lastSentAt  time.Time
	stallWarned bool

	homed            bool
	homingInProgress bool
	alarmed          bool
	ignoreErrors     bool

	cmds   chan func()
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Controller. The caller selects parser/flow to match
// Family (protocol/grbl.New + flowcontrol.NewCharCount for Grbl, etc).
func New(port string, family Family, link *comm.Link, parser protocol.Parser, flow flowcontrol.FlowController) *Controller {
	return &Controller{
		Port:           port,
		Family:         family,
		link:           link,
		codec:          linecodec.New(),
		parser:         parser,
		flow:           flow,
		feed:           feeder.New(),
		send:           sender.New(),
		backoffPolicy:  comm.DefaultBackoffPolicy,
		statusInterval: StatusInterval,
		outstanding:    make(map[flowcontrol.LineID]outstandingSource),
		cmds:           make(chan func(), 64),
	}
}

// Feeder exposes the ad-hoc command queue for REST/websocket snapshots.
func (c *Controller) Feeder() *feeder.Feeder { return c.feed }

// Sender exposes the loaded-program streamer for REST/websocket snapshots.
func (c *Controller) Sender() *sender.Sender { return c.send }

// SetBackoffPolicy overrides the reconnect policy used by Open. Must be
// called before Open.
func (c *Controller) SetBackoffPolicy(policy comm.BackoffPolicy) {
	c.backoffPolicy = policy
}

// SetIgnoreErrors sets the settings.controller.exception.ignoreErrors
// policy (spec.md §4.3): when true, a parser error reply during streaming
// no longer pauses the Sender, letting it continue past the failed line.
// Safe to call from any goroutine.
func (c *Controller) SetIgnoreErrors(ignore bool) {
	c.enqueue(func() { c.ignoreErrors = ignore })
}

// Homed reports whether the homing cycle has completed successfully.
func (c *Controller) Homed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.homed
}

// Open acquires the serial port, starts the status-query timer and read
// loop, and emits serialport:open. Open blocks until the connection
// succeeds or the backoff policy gives up.
func (c *Controller) Open(ctx context.Context) error {
	if err := c.link.Open(ctx, c.backoffPolicy); err != nil {
		c.emit(Event{Name: EventSerialError, Port: c.Port, Err: err})
		return &PortError{Port: c.Port, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	c.send.OnAutoPause = func(reason sender.HoldReason) {
		c.enqueue(func() { c.handleSenderAutoPause(reason) })
	}
	c.send.OnFinish = func() {
		c.enqueue(func() { c.emit(Event{Name: EventTaskFinish, Port: c.Port}) })
	}

	lines := make(chan linecodec.Line, 64)
	go c.readLoop(runCtx, lines)
	go c.run(runCtx, lines)

	c.emit(Event{Name: EventSerialOpen, Port: c.Port})
	return nil
}

// Close cancels the status timer and read loop, drains the command queue,
// and releases the serial handle.
func (c *Controller) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	err := c.link.Close()
	c.emit(Event{Name: EventSerialClose, Port: c.Port})
	return err
}

// enqueue hands a closure to the owning goroutine, blocking if its queue is
// momentarily full. Safe from any goroutine; never runs fn itself, so the
// single-goroutine ownership of Controller state (spec.md §5) always holds.
func (c *Controller) enqueue(fn func()) {
	c.cmds <- fn
}

// readLoop reads raw bytes off the link, splits them into lines via the
// Line Codec, and forwards complete lines to run over a channel so all
// parsing and state mutation still happens on the owning goroutine.
func (c *Controller) readLoop(ctx context.Context, out chan<- linecodec.Line) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := c.link.Read(buf)
		if err != nil {
			if err == io.EOF {
				return
			}
			c.enqueue(func() {
				c.emit(Event{Name: EventSerialError, Port: c.Port, Err: err})
			})
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}
		for _, l := range c.codec.Feed(buf[:n]) {
			select {
			case out <- l:
			case <-ctx.Done():
				return
			}
		}
	}
}

// run is the single owning goroutine: every command, every parsed line,
// and every ticker fire passes through this one select loop, so nothing
// ever mutates ledger/feeder/sender/modal concurrently (spec.md §5).
func (c *Controller) run(ctx context.Context, lines <-chan linecodec.Line) {
	defer close(c.done)
	ticker := time.NewTicker(c.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		case l, ok := <-lines:
			if !ok {
				return
			}
			c.handleLine(l)
		case <-ticker.C:
			c.writeRealtime(protocol.StatusQuery)
			c.checkStall()
		}
		c.pump()
	}
}

// checkStall implements spec.md §5's flow-control stall handling: a line
// that sits outstanding with no ok/error reply for StallWarning emits a
// warning event once; past StallReset the Controller treats the link as
// desynced and soft-resets it itself, the same way Command("reset") does.
func (c *Controller) checkStall() {
	if c.flow.InFlight() == 0 || c.lastSentAt.IsZero() {
		c.stallWarned = false
		return
	}
	since := time.Since(c.lastSentAt)
	switch {
	case since >= StallReset:
		c.emit(Event{Name: EventSerialError, Port: c.Port,
			Err: &StallError{Port: c.Port, For: since.Round(time.Second).String()}})
		c.writeRealtime(protocol.SoftReset)
		c.send.Stop()
		c.feed.Reset()
		c.parser.Reset()
		c.flow.Reset()
		c.outstanding = map[flowcontrol.LineID]outstandingSource{}
		c.stallWarned = false
	case since >= StallWarning && !c.stallWarned:
		c.stallWarned = true
		c.emit(Event{Name: EventControllerStall, Port: c.Port,
			Text: since.Round(time.Second).String()})
	}
}

func (c *Controller) handleLine(l linecodec.Line) {
	if l.Overlong {
		log.Printf("machine: %s: over-length line discarded", c.Port)
		c.emit(Event{Name: EventSerialRead, Port: c.Port, Text: l.Raw})
		return
	}
	c.emit(Event{Name: EventSerialRead, Port: c.Port, Text: l.Raw})
	ev := c.parser.Parse(l.Raw)

	switch ev.Kind {
	case protocol.KindOk:
		c.handleAck()
	case protocol.KindError:
		c.handleNack(ev.Code)
	case protocol.KindAlarm:
		c.alarmed = true
		c.homingInProgress = false
		c.emit(Event{Name: EventSerialError, Port: c.Port,
			Err: &ControllerAlarm{Port: c.Port, Code: ev.Code, Text: ev.Description}})
	case protocol.KindStatus:
		if ev.Status != nil && ev.Status.State != "Alarm" {
			c.alarmed = false
		}
		c.emit(Event{Name: EventMachineStatus, Port: c.Port, Status: ev.Status})
	case protocol.KindSetting:
		c.emit(Event{Name: EventControllerSettings, Port: c.Port, Settings: c.parser.Settings()})
	case protocol.KindParserState:
		m := c.parser.Modal()
		c.emit(Event{Name: EventControllerState, Port: c.Port, Modal: &m})
	case protocol.KindWelcome, protocol.KindStartup:
		c.flow.Reset()
		c.outstanding = map[flowcontrol.LineID]outstandingSource{}
		c.alarmed = false
	case protocol.KindQueueReport:
		if ev.QueueReport != nil {
			if qr, ok := c.flow.(flowcontrol.QueueReporter); ok {
				qr.UpdateQR(*ev.QueueReport)
			}
		}
	}
}

func (c *Controller) handleAck() {
	entry, err := c.flow.Ack()
	if err != nil {
		c.emit(Event{Name: EventSerialError, Port: c.Port,
			Err: &ProtocolError{Port: c.Port, Reason: "ok received with empty ledger"}})
		return
	}
	src, ok := c.outstanding[entry.ID]
	delete(c.outstanding, entry.ID)
	if ok && !src.fromSender && c.homingInProgress && src.text == familyTable[c.Family].home {
		c.mu.Lock()
		c.homed = true
		c.mu.Unlock()
		c.homingInProgress = false
	}
	if ok && src.fromSender {
		c.send.Ack(src.lineIndex)
		c.emit(Event{Name: EventSenderStatus, Port: c.Port})
	}
}

func (c *Controller) handleNack(code int) {
	entry, err := c.flow.Nack(code)
	if err != nil {
		c.emit(Event{Name: EventSerialError, Port: c.Port,
			Err: &ProtocolError{Port: c.Port, Reason: "error received with empty ledger"}})
		return
	}
	src, ok := c.outstanding[entry.ID]
	delete(c.outstanding, entry.ID)
	if ok {
		cerr := &ControllerError{Port: c.Port, Code: code, Line: src.text}
		c.emit(Event{Name: EventTaskError, Port: c.Port, Err: cerr})
		if src.fromSender {
			// The error reply still counts as received, whether or not
			// streaming continues past it.
			c.send.Ack(src.lineIndex)
			// Default policy pauses the Sender on a parser error reply;
			// ignoreErrors lets it continue past the failed line (spec.md
			// §4.3, §8 scenario 5).
			if !c.ignoreErrors {
				c.send.Pause()
			}
			c.emit(Event{Name: EventSenderStatus, Port: c.Port})
		}
	}
}

func (c *Controller) handleSenderAutoPause(reason sender.HoldReason) {
	c.emit(Event{Name: EventSenderStatus, Port: c.Port, Text: reason.Data})
}

// pump advances the Feeder, then the Sender, through the Flow Controller
// while capacity allows, preferring Sender lines only when the Feeder has
// nothing pending (ad-hoc commands take priority, per spec.md §4.6's
// ordering of command() over streamed gcode). An alarmed controller halts
// all non-realtime writes until $X/unlock or reset clears it (spec.md
// §4.6; protocol/grbl's own doc comment: "alarm locks outgoing motion
// until $X... or reset").
func (c *Controller) pump() {
	if c.alarmed {
		return
	}
	for {
		if fl, ok := c.feed.Next(); ok {
			c.writeLine(fl.Text, outstandingSource{text: fl.Text}, false)
			continue
		}
		sl, ok := c.send.Next()
		if !ok {
			return
		}
		if !c.flow.CanSend(len(sl.Text) + 1) {
			return
		}
		c.writeLine(sl.Text, outstandingSource{fromSender: true, lineIndex: sl.LineIndex, text: sl.Text}, false)
	}
}

// writeLine queues text onto the Flow Controller's ledger and writes it.
// force bypasses the alarm gate for the handful of commands (currently
// just unlock) that must reach the wire precisely because the controller
// is alarmed.
func (c *Controller) writeLine(text string, src outstandingSource, force bool) {
	if c.alarmed && !force {
		return
	}
	if !c.flow.CanSend(len(text) + 1) {
		return
	}
	payload := linecodec.WithTerminator(text)
	if _, err := c.link.Write(payload); err != nil {
		c.emit(Event{Name: EventSerialError, Port: c.Port, Err: &PortError{Port: c.Port, Err: err}})
		return
	}
	id := c.nextLineID
	c.nextLineID++
	c.flow.Sent(id, len(payload))
	c.outstanding[id] = src
	c.lastSentAt = time.Now()
	c.emit(Event{Name: EventSerialWrite, Port: c.Port, Text: text})
}

func (c *Controller) writeRealtime(b byte) {
	c.link.Write([]byte{b})
}

func (c *Controller) emit(e Event) {
	e.WorkflowState = c.send.Status().Workflow
	e.Homed = c.homed
	e.HomingInProgress = c.homingInProgress
	if c.OnEvent != nil {
		c.OnEvent(e)
	}
}

// Command dispatches one of the named Controller operations (spec.md
// §4.6's command table). It is safe to call from any goroutine.
func (c *Controller) Command(name string, args ...interface{}) error {
	switch name {
	case "gcode":
		text, vars, err := textAndVars(args)
		if err != nil {
			return err
		}
		c.enqueue(func() { c.feed.Feed(splitLines(text), vars) })
		return nil

	case "gcode:load":
		if len(args) < 2 {
			return &ValidationError{Reason: "gcode:load requires name and text"}
		}
		name, _ := args[0].(string)
		text, _ := args[1].(string)
		var vars map[string]float64
		if len(args) > 2 {
			vars, _ = args[2].(map[string]float64)
		}
		errCh := make(chan error, 1)
		c.enqueue(func() { errCh <- c.send.Load(name, text, vars) })
		err := <-errCh
		if err == nil {
			c.emit(Event{Name: EventGcodeLoad, Port: c.Port})
		}
		return err

	case "gcode:unload":
		errCh := make(chan error, 1)
		c.enqueue(func() { errCh <- c.send.Unload() })
		err := <-errCh
		if err == nil {
			c.emit(Event{Name: EventGcodeUnload, Port: c.Port})
		}
		return err

	case "gcode:start":
		errCh := make(chan error, 1)
		c.enqueue(func() { errCh <- c.send.Start() })
		err := <-errCh
		if err == nil {
			c.emit(Event{Name: EventTaskStart, Port: c.Port})
		}
		return err

	case "gcode:pause":
		errCh := make(chan error, 1)
		c.enqueue(func() {
			errCh <- c.send.Pause()
			c.writeRealtime(protocol.FeedHold)
		})
		return <-errCh

	case "gcode:resume":
		errCh := make(chan error, 1)
		c.enqueue(func() {
			c.writeRealtime(protocol.CycleStart)
			err := c.send.Resume()
			c.feed.Unhold()
			errCh <- err
		})
		return <-errCh

	case "gcode:stop":
		force := false
		if len(args) > 0 {
			if opts, ok := args[0].(map[string]interface{}); ok {
				force, _ = opts["force"].(bool)
			}
		}
		c.enqueue(func() {
			c.send.Stop()
			c.feed.Reset()
			if force {
				c.writeRealtime(protocol.SoftReset)
			}
		})
		return nil

	case "feedhold":
		c.enqueue(func() { c.writeRealtime(protocol.FeedHold) })
		return nil

	case "cyclestart":
		c.enqueue(func() { c.writeRealtime(protocol.CycleStart) })
		return nil

	case "homing":
		c.enqueue(func() {
			c.homingInProgress = true
			cmds := familyTable[c.Family]
			c.writeLine(cmds.home, outstandingSource{text: cmds.home}, false)
			c.emit(Event{Name: EventControllerState, Port: c.Port})
		})
		return nil

	case "unlock":
		c.enqueue(func() {
			cmds := familyTable[c.Family]
			for _, line := range splitLines(cmds.unlock) {
				c.writeLine(line, outstandingSource{text: line}, true)
			}
		})
		return nil

	case "reset":
		c.enqueue(func() {
			c.writeRealtime(protocol.SoftReset)
			c.send.Stop()
			c.feed.Reset()
			c.parser.Reset()
			c.flow.Reset()
			c.outstanding = map[flowcontrol.LineID]outstandingSource{}
		})
		return nil

	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown command %q", name)}
	}
}

// Write passes raw bytes straight through, bypassing the Flow Controller
// ledger (spec.md §4.6: "write(rawBytes) — Pass through").
func (c *Controller) Write(raw []byte) error {
	errCh := make(chan error, 1)
	c.enqueue(func() {
		_, err := c.link.Write(raw)
		if err == nil {
			c.emit(Event{Name: EventSerialWrite, Port: c.Port, Text: string(raw)})
		}
		errCh <- err
	})
	return <-errCh
}

// WriteLn appends LF and writes, counted against the Flow Controller
// ledger like any other line.
func (c *Controller) WriteLn(text string) error {
	c.enqueue(func() {
		c.writeLine(text, outstandingSource{text: text}, false)
	})
	return nil
}

func textAndVars(args []interface{}) (string, map[string]float64, error) {
	if len(args) == 0 {
		return "", nil, &ValidationError{Reason: "gcode requires text"}
	}
	text, ok := args[0].(string)
	if !ok {
		return "", nil, &ValidationError{Reason: "gcode text must be a string"}
	}
	var vars map[string]float64
	if len(args) > 1 {
		vars, _ = args[1].(map[string]float64)
	}
	return text, vars, nil
}

func splitLines(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			out = append(out, text[start:i])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
