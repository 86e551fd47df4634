// Package grbl implements protocol.Parser for Grbl's v1.1 wire dialect.
//
// Grbl status reports look like:
//
//	<Idle|MPos:0.000,0.000,0.000|FS:0,0|WCO:0.000,0.000,0.000>
//	<Run|WPos:1.000,0.000,0.000|Ov:100,100,100|Pn:PX>
//
// settings like "$110=500.000", parser state like
// "[GC:G0 G54 G17 G21 G90 G94 M0 M5 M9 T0 F0. S0]", the welcome banner
// "Grbl 1.1h ['$' for help]", and plain "ok"/"error:N"/"ALARM:N" lines.
package grbl

import (
	"strconv"
	"strings"
	"sync"

	"github.com/rsteckler/AxioCNC-sub004/protocol"
)

// Parser accumulates Grbl wire state. Zero value is ready to use.
type Parser struct {
	mu sync.Mutex

	lastStatus protocol.Status
	haveStatus bool

	settings map[string]string
	modal    protocol.ModalState

	// wco is the last-seen work coordinate offset, used to derive whichever
	// of MPos/WPos is missing from a given status report (spec.md §4.2).
	wco protocol.Position
}

// New returns a ready-to-use Grbl parser.
func New() *Parser {
	return &Parser{
		settings: map[string]string{},
		modal:    protocol.DefaultModalState(),
	}
}

// errorDescriptions maps common Grbl error codes to human text. Not
// exhaustive; unknown codes fall back to a generic description.
var errorDescriptions = map[int]string{
	1:  "expected command letter",
	2:  "bad number format",
	3:  "invalid statement",
	9:  "g-code locked out during alarm or jog state",
	15: "travel exceeded",
	20: "unsupported command",
	22: "feed rate not set",
}

var alarmDescriptions = map[int]string{
	1: "hard limit triggered",
	2: "soft limit triggered",
	3: "reset while in motion, position lost",
	9: "homing fail",
}

// Parse classifies one line per spec.md §4.2.
func (p *Parser) Parse(line string) protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "ok":
		return protocol.Event{Kind: protocol.KindOk, Raw: line}

	case strings.HasPrefix(trimmed, "error:"):
		code, _ := strconv.Atoi(strings.TrimPrefix(trimmed, "error:"))
		return protocol.Event{
			Kind:        protocol.KindError,
			Code:        code,
			Description: describeOr(errorDescriptions, code, "unknown error"),
			Raw:         line,
		}

	case strings.HasPrefix(trimmed, "ALARM:"):
		code, _ := strconv.Atoi(strings.TrimPrefix(trimmed, "ALARM:"))
		return protocol.Event{
			Kind:        protocol.KindAlarm,
			Code:        code,
			Description: describeOr(alarmDescriptions, code, "unknown alarm"),
			Raw:         line,
		}

	case strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">"):
		st := p.parseStatus(trimmed[1 : len(trimmed)-1])
		p.lastStatus = st
		p.haveStatus = true
		return protocol.Event{Kind: protocol.KindStatus, Status: &st, Raw: line}

	case strings.HasPrefix(trimmed, "$") && strings.Contains(trimmed, "="):
		parts := strings.SplitN(trimmed, "=", 2)
		key := parts[0]
		val := parts[1]
		p.settings[key] = val
		return protocol.Event{Kind: protocol.KindSetting, SettingKey: key, SettingValue: val, Raw: line}

	case strings.HasPrefix(trimmed, "[GC:") && strings.HasSuffix(trimmed, "]"):
		modal := parseGCModal(trimmed[4 : len(trimmed)-1])
		p.modal = modal
		cp := modal
		return protocol.Event{Kind: protocol.KindParserState, Modal: &cp, Raw: line}

	case strings.HasPrefix(trimmed, "[MSG:") && strings.HasSuffix(trimmed, "]"):
		return protocol.Event{Kind: protocol.KindFeedback, Text: trimmed[5 : len(trimmed)-1], Raw: line}

	case strings.HasPrefix(trimmed, "Grbl "):
		return p.parseWelcome(trimmed, line)

	case strings.HasPrefix(trimmed, ">"):
		return protocol.Event{Kind: protocol.KindStartup, StartupLine: strings.TrimPrefix(trimmed, ">"), Raw: line}

	default:
		return protocol.Event{Kind: protocol.KindOther, Raw: line}
	}
}

func (p *Parser) parseWelcome(trimmed, raw string) protocol.Event {
	// "Grbl 1.1h ['$' for help]"
	fields := strings.Fields(trimmed)
	version := ""
	if len(fields) >= 2 {
		version = fields[1]
	}
	return protocol.Event{Kind: protocol.KindWelcome, WelcomeName: "Grbl", WelcomeVersion: version, Raw: raw}
}

func describeOr(m map[int]string, code int, fallback string) string {
	if d, ok := m[code]; ok {
		return d
	}
	return fallback
}

// parseStatus parses the body of a "<...>" status report (without the
// angle brackets).
func (p *Parser) parseStatus(body string) protocol.Status {
	fields := strings.Split(body, "|")
	st := protocol.Status{}
	if len(fields) > 0 {
		st.State = fields[0]
	}
	for _, f := range fields[1:] {
		kv := strings.SplitN(f, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch key {
		case "MPos":
			if pos, ok := parsePosition(val); ok {
				st.MPos = &pos
			}
		case "WPos":
			if pos, ok := parsePosition(val); ok {
				st.WPos = &pos
			}
		case "WCO":
			if pos, ok := parsePosition(val); ok {
				st.WCO = &pos
				p.wco = pos
			}
		case "FS":
			parts := strings.Split(val, ",")
			if len(parts) >= 1 {
				if f, err := strconv.ParseFloat(parts[0], 64); err == nil {
					st.Feed = &f
				}
			}
			if len(parts) >= 2 {
				if s, err := strconv.ParseFloat(parts[1], 64); err == nil {
					st.Speed = &s
				}
			}
		case "Bf":
			parts := strings.Split(val, ",")
			if len(parts) == 2 {
				planner, _ := strconv.Atoi(parts[0])
				rx, _ := strconv.Atoi(parts[1])
				st.Buffer = &protocol.BufferState{Planner: planner, RX: rx}
			}
		case "Ov":
			parts := strings.Split(val, ",")
			if len(parts) == 3 {
				f, _ := strconv.Atoi(parts[0])
				r, _ := strconv.Atoi(parts[1])
				s, _ := strconv.Atoi(parts[2])
				st.Over = &protocol.Overrides{Feed: f, Rapid: r, Spindle: s}
			}
		case "Pn":
			st.Pins = val
			st.Probe = strings.Contains(val, "P")
		case "WCS":
			st.WCS = val
		}
	}
	// Derive whichever of MPos/WPos is missing, per spec.md §4.2.
	if st.MPos == nil && st.WPos != nil {
		derived := st.WPos.Add(p.wco)
		st.MPos = &derived
	} else if st.WPos == nil && st.MPos != nil {
		derived := st.MPos.Sub(p.wco)
		st.WPos = &derived
	}
	return st
}

func parsePosition(s string) (protocol.Position, bool) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return protocol.Position{}, false
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return protocol.Position{}, false
		}
		vals[i] = f
	}
	pos := protocol.Position{X: vals[0], Y: vals[1], Z: vals[2]}
	if len(vals) > 3 {
		pos.A = vals[3]
	}
	if len(vals) > 4 {
		pos.B = vals[4]
	}
	if len(vals) > 5 {
		pos.C = vals[5]
	}
	return pos, true
}

// parseGCModal parses the body of a "[GC:...]" parser-state report, a
// space-separated list of modal words like "G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0".
func parseGCModal(body string) protocol.ModalState {
	m := protocol.DefaultModalState()
	for _, word := range strings.Fields(body) {
		if word == "" {
			continue
		}
		switch word[0] {
		case 'G':
			switch word {
			case "G0", "G1", "G2", "G3", "G38.2", "G38.3", "G38.4", "G38.5", "G80":
				m.Motion = word
			case "G54", "G55", "G56", "G57", "G58", "G59":
				m.WCS = word
			case "G17", "G18", "G19":
				m.Plane = word
			case "G90", "G91":
				m.DistanceMode = word
			case "G93", "G94":
				m.FeedrateMode = word
			case "G20", "G21":
				m.Units = word
			case "G43", "G43.1", "G49":
				m.ToolLengthOffset = word
			}
		case 'M':
			switch word {
			case "M3", "M4", "M5":
				m.Spindle = word
			case "M7", "M8", "M9":
				m.Coolant = word
			case "M0", "M1", "M2", "M30":
				m.Program = word
			}
		case 'T':
			if n, err := strconv.Atoi(word[1:]); err == nil {
				m.Tool = n
			}
		case 'F':
			if f, err := strconv.ParseFloat(word[1:], 64); err == nil {
				m.Feedrate = f
			}
		case 'S':
			if f, err := strconv.ParseFloat(word[1:], 64); err == nil {
				m.SpindleSpeed = f
			}
		}
	}
	return m
}

// LastStatus implements protocol.Parser.
func (p *Parser) LastStatus() (protocol.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStatus, p.haveStatus
}

// Settings implements protocol.Parser.
func (p *Parser) Settings() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.settings))
	for k, v := range p.settings {
		out[k] = v
	}
	return out
}

// Modal implements protocol.Parser.
func (p *Parser) Modal() protocol.ModalState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modal
}

// Reset implements protocol.Parser. Called on soft reset: per spec.md §8
// invariant 5, the ledger is empty after reset, and Grbl re-announces its
// welcome banner; accumulated status/modal state is stale until then.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.haveStatus = false
	p.lastStatus = protocol.Status{}
	p.modal = protocol.DefaultModalState()
	p.wco = protocol.Position{}
}

var _ protocol.Parser = (*Parser)(nil)
