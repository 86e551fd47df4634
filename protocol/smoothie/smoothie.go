// Package smoothie implements protocol.Parser for Smoothieware's legacy
// status dialect: "ok"/"error:..." lines plus Grbl-ancestor "<...>" status
// reports, e.g. "<Idle,MPos:0.0000,0.0000,0.0000,WPos:0.0000,0.0000,0.0000>".
//
// Unlike Grbl v1.1, Smoothie's legacy report uses commas, not pipes, to
// separate fields, and carries no Ov:/Pn:/WCO: extensions.
package smoothie

import (
	"strconv"
	"strings"
	"sync"

	"github.com/rsteckler/AxioCNC-sub004/protocol"
)

// Parser accumulates Smoothieware wire state.
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
	case trimmed == "ok":
		return protocol.Event{Kind: protocol.KindOk, Raw: line}

	case strings.HasPrefix(trimmed, "error:"):
		return protocol.Event{Kind: protocol.KindError, Description: strings.TrimPrefix(trimmed, "error:"), Raw: line}

	case strings.HasPrefix(trimmed, "ALARM:") || strings.Contains(trimmed, "Halted"):
		return protocol.Event{Kind: protocol.KindAlarm, Description: trimmed, Raw: line}

	case strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">"):
		st := parseCommaStatus(trimmed[1 : len(trimmed)-1])
		p.lastStatus = st
		p.haveStatus = true
		return protocol.Event{Kind: protocol.KindStatus, Status: &st, Raw: line}

	case strings.Contains(trimmed, "Smoothie"):
		return protocol.Event{Kind: protocol.KindWelcome, WelcomeName: "Smoothie", Raw: line}

	default:
		return protocol.Event{Kind: protocol.KindOther, Raw: line}
	}
}

// parseCommaStatus parses "Idle,MPos:0,0,0,WPos:0,0,0" (no angle brackets).
func parseCommaStatus(body string) protocol.Status {
	// the first comma-field is the state; the remainder are comma-joined
	// "Key:v1,v2,v3" groups that Smoothie doesn't separate with a different
	// delimiter than the coordinate list itself, so scan token by token.
	tokens := strings.Split(body, ",")
	st := protocol.Status{}
	if len(tokens) == 0 {
		return st
	}
	st.State = tokens[0]
	i := 1
	for i < len(tokens) {
		tok := tokens[i]
		if strings.Contains(tok, ":") {
			kv := strings.SplitN(tok, ":", 2)
			key := kv[0]
			vals := []string{kv[1]}
			// consume up to two more bare-numeric tokens to complete X,Y,Z
			for j := 0; j < 2 && i+1 < len(tokens) && !strings.Contains(tokens[i+1], ":"); j++ {
				i++
				vals = append(vals, tokens[i])
			}
			if len(vals) == 3 {
				x, _ := strconv.ParseFloat(vals[0], 64)
				y, _ := strconv.ParseFloat(vals[1], 64)
				z, _ := strconv.ParseFloat(vals[2], 64)
				pos := protocol.Position{X: x, Y: y, Z: z}
				switch key {
				case "MPos":
					st.MPos = &pos
				case "WPos":
					st.WPos = &pos
				}
			}
		}
		i++
	}
	if st.MPos == nil && st.WPos != nil {
		st.MPos = st.WPos
	} else if st.WPos == nil && st.MPos != nil {
		st.WPos = st.MPos
	}
	return st
}

// LastStatus implements protocol.Parser.
func (p *Parser) LastStatus() (protocol.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastStatus, p.haveStatus
}

// Settings implements protocol.Parser. Smoothie's config lives in a text
// file on its SD card, not in $-settings; always empty here.
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
