package smoothie_test

import (
	"testing"

	"github.com/rsteckler/AxioCNC-sub004/protocol"
	"github.com/rsteckler/AxioCNC-sub004/protocol/smoothie"
)

func TestParseOk(t *testing.T) {
	p := smoothie.New()
	if e := p.Parse("ok"); e.Kind != protocol.KindOk {
		t.Fatalf("unexpected kind: %v", e.Kind)
	}
}

func TestParseLegacyStatus(t *testing.T) {
	p := smoothie.New()
	e := p.Parse("<Idle,MPos:1.0000,2.0000,3.0000,WPos:0.0000,0.0000,0.0000>")
	if e.Kind != protocol.KindStatus {
		t.Fatalf("unexpected kind: %v", e.Kind)
	}
	if e.Status.State != "Idle" || e.Status.MPos.X != 1 {
		t.Fatalf("unexpected status: %+v", e.Status)
	}
}

func TestParseError(t *testing.T) {
	p := smoothie.New()
	e := p.Parse("error:Bad command")
	if e.Kind != protocol.KindError {
		t.Fatalf("unexpected kind: %v", e.Kind)
	}
}
