package tinyg_test

import (
	"testing"

	"github.com/rsteckler/AxioCNC-sub004/protocol"
	"github.com/rsteckler/AxioCNC-sub004/protocol/tinyg"
)

func TestParseOkFooter(t *testing.T) {
	p := tinyg.New()
	e := p.Parse(`{"r":{"gc":"G0"},"f":[1,0,10]}`)
	if e.Kind != protocol.KindOk {
		t.Fatalf("unexpected kind: %v", e.Kind)
	}
}

func TestParseErrorFooter(t *testing.T) {
	p := tinyg.New()
	e := p.Parse(`{"r":{},"f":[1,20,10]}`)
	if e.Kind != protocol.KindError || e.Code != 20 {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestParseStatusReport(t *testing.T) {
	p := tinyg.New()
	e := p.Parse(`{"sr":{"posx":1.0,"posy":2.0,"posz":3.0,"stat":5}}`)
	if e.Kind != protocol.KindStatus || e.Status.State != "Run" || e.Status.MPos.X != 1 {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestParseQueueReport(t *testing.T) {
	p := tinyg.New()
	p.Parse(`{"qr":28}`)
	qr, ok := p.LastQueueReport()
	if !ok || qr != 28 {
		t.Fatalf("queue report not captured: %v %v", qr, ok)
	}
}
