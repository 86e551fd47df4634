// Package marlin implements protocol.Parser for Marlin/Smoothieware-style
// lock-step ASCII firmwares.
//
// Marlin speaks a much looser dialect than Grbl: "ok" acknowledges the
// oldest line, "Error:<text>" and "!!" / "Error:Printer halted" report
// faults, temperature autoreports ("ok T:200.0 /200.0 B:60.0 /60.0") carry
// an ok but are not counted as a second acknowledgment, and "X:0.00 Y:0.00
// Z:0.00 E:0.00 Count X:0 Y:0 Z:0" is the M114 position response.
package marlin

import (
	"strconv"
	"strings"
	"sync"

	"github.com/rsteckler/AxioCNC-sub004/protocol"
)

// Parser accumulates Marlin/Smoothie wire state.
type Parser struct {
	mu sync.Mutex

	lastStatus protocol.Status
	haveStatus bool
	modal      protocol.ModalState
}

// New returns a ready-to-use parser.
func New() *Parser {
	return &Parser{modal: protocol.DefaultModalState()}
}

// Parse classifies one line.
func (p *Parser) Parse(line string) protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "ok" || strings.HasPrefix(trimmed, "ok "):
		// a temperature echo may ride along with "ok"; record it as the
		// latest status (read back through LastStatus) and still return a
		// plain KindOk (the flow controller only cares about the "ok" prefix).
		if rest := strings.TrimPrefix(trimmed, "ok"); strings.Contains(rest, "T:") {
			st := parseTemperature(rest)
			p.lastStatus = st
			p.haveStatus = true
		}
		return protocol.Event{Kind: protocol.KindOk, Raw: line}

	case trimmed == "!!" || strings.HasPrefix(trimmed, "Error:"):
		desc := strings.TrimPrefix(trimmed, "Error:")
		return protocol.Event{Kind: protocol.KindError, Description: desc, Raw: line}

	case strings.HasPrefix(trimmed, "echo:"):
		return protocol.Event{Kind: protocol.KindMessage, Text: strings.TrimPrefix(trimmed, "echo:"), Raw: line}

	case strings.Contains(trimmed, "Count X:"):
		st := parsePositionReport(trimmed)
		p.lastStatus = st
		p.haveStatus = true
		return protocol.Event{Kind: protocol.KindStatus, Status: &st, Raw: line}

	case strings.HasPrefix(trimmed, "start") || strings.Contains(trimmed, "Marlin"):
		return protocol.Event{Kind: protocol.KindWelcome, WelcomeName: "Marlin", Raw: line}

	default:
		return protocol.Event{Kind: protocol.KindOther, Raw: line}
	}
}

// parsePositionReport parses "X:0.00 Y:0.00 Z:0.00 E:0.00 Count X:0 Y:0 Z:0".
func parsePositionReport(s string) protocol.Status {
	// only take the portion before "Count" -- that repeats axis letters in
	// encoder-count units, not the same as the mm position already seen.
	if idx := strings.Index(s, "Count"); idx >= 0 {
		s = s[:idx]
	}
	pos := protocol.Position{}
	for _, field := range strings.Fields(s) {
		kv := strings.SplitN(field, ":", 2)
		if len(kv) != 2 {
			continue
		}
		f, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			continue
		}
		switch kv[0] {
		case "X":
			pos.X = f
		case "Y":
			pos.Y = f
		case "Z":
			pos.Z = f
		}
	}
	return protocol.Status{State: "Idle", MPos: &pos, WPos: &pos}
}

func parseTemperature(s string) protocol.Status {
	// Marlin interleaves temperature with "ok"; these are informational and
	// are not acknowledgments of a second line (spec.md §4.3).
	return protocol.Status{State: "Run", Pins: strings.TrimSpace(s)}
}

// LastStatus implements protocol.Parser.
func (p *Parser) LastStatus() (protocol.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStatus, p.haveStatus
}

// Settings implements protocol.Parser. Marlin has no $-setting concept;
// always empty.
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
}

var _ protocol.Parser = (*Parser)(nil)
