// Package tinyg implements protocol.Parser for TinyG/g2core's JSON wire
// dialect, e.g.:
//
//	{"r":{"gc":"G0"},"f":[1,0,10]}
//	{"sr":{"posx":1.0,"posy":2.0,"stat":3}}
//	{"qr":32}
//
// "f" (footer) carries [protocol_revision, status_code, count]; a non-zero
// status_code in the footer is this dialect's equivalent of Grbl's
// "error:N". "qr" is the queue-report value the flowcontrol package's
// queue-report strategy throttles on.
package tinyg

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rsteckler/AxioCNC-sub004/protocol"
)

// tinygStateNames roughly mirrors g2core's stat field in status reports.
var tinygStateNames = map[int]string{
	0: "Init",
	1: "Ready",
	2: "Alarm",
	3: "Stop",
	4: "End",
	5: "Run",
	6: "Hold",
	7: "Probe",
	8: "Cycle",
	9: "Homing",
}

type footer struct {
	Rev    int
	Status int
	Count  int
}

type wireFrame struct {
	R      json.RawMessage `json:"r"`
	F      []int           `json:"f"`
	SR     map[string]json.Number `json:"sr"`
	QR     *int            `json:"qr"`
	Msg    string          `json:"msg"`
}

// Parser accumulates TinyG/g2core wire state.
type Parser struct {
	mu sync.Mutex

	lastStatus protocol.Status
	haveStatus bool
	modal      protocol.ModalState
	lastQR     *int
}

// New returns a ready-to-use parser.
func New() *Parser {
	return &Parser{modal: protocol.DefaultModalState()}
}

// LastQueueReport returns the most recently observed "qr" value.
// machine.Controller does not call it: it passes qr to flow control from
// each KindQueueReport event.
func (p *Parser) LastQueueReport() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastQR == nil {
		return 0, false
	}
	return *p.lastQR, true
}

// Parse classifies one JSON line.
func (p *Parser) Parse(line string) protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return protocol.Event{Kind: protocol.KindOther, Raw: line}
	}

	var frame wireFrame
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		return protocol.Event{Kind: protocol.KindOther, Raw: line}
	}

	if frame.QR != nil {
		p.lastQR = frame.QR
		return protocol.Event{Kind: protocol.KindQueueReport, QueueReport: frame.QR, Raw: line}
	}

	if frame.SR != nil {
		st := statusFromSR(frame.SR)
		p.lastStatus = st
		p.haveStatus = true
		return protocol.Event{Kind: protocol.KindStatus, Status: &st, Raw: line}
	}

	if len(frame.F) >= 2 {
		ft := footer{Rev: frame.F[0], Status: frame.F[1]}
		if len(frame.F) >= 3 {
			ft.Count = frame.F[2]
		}
		if ft.Status == 0 {
			return protocol.Event{Kind: protocol.KindOk, Raw: line}
		}
		return protocol.Event{Kind: protocol.KindError, Code: ft.Status, Description: "tinyg status code", Raw: line}
	}

	if frame.Msg != "" {
		return protocol.Event{Kind: protocol.KindMessage, Text: frame.Msg, Raw: line}
	}

	return protocol.Event{Kind: protocol.KindOther, Raw: line}
}

func statusFromSR(sr map[string]json.Number) protocol.Status {
	st := protocol.Status{}
	pos := protocol.Position{}
	havePos := false
	for k, v := range sr {
		f, err := v.Float64()
		if err != nil {
			continue
		}
		switch k {
		case "posx":
			pos.X = f
			havePos = true
		case "posy":
			pos.Y = f
			havePos = true
		case "posz":
			pos.Z = f
			havePos = true
		case "posa":
			pos.A = f
		case "posb":
			pos.B = f
		case "posc":
			pos.C = f
		case "stat":
			if name, ok := tinygStateNames[int(f)]; ok {
				st.State = name
			}
		case "vel":
			feed := f
			st.Feed = &feed
		}
	}
	if havePos {
		st.MPos = &pos
		st.WPos = &pos
	}
	return st
}

// LastStatus implements protocol.Parser.
func (p *Parser) LastStatus() (protocol.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStatus, p.haveStatus
}

// Settings implements protocol.Parser. TinyG settings arrive as nested
// "sys"/group JSON objects; not modeled in this gateway, always empty.
func (p *Parser) Settings() map[string]string {
	return map[string]string{}
}

// Modal implements protocol.Parser.
func (p *Parser) Modal() protocol.ModalState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modal
}

// Reset implements protocol.Parser.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.haveStatus = false
	p.lastStatus = protocol.Status{}
	p.modal = protocol.DefaultModalState()
	p.lastQR = nil
}

var _ protocol.Parser = (*Parser)(nil)
