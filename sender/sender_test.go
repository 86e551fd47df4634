package sender

import (
	"strings"
	"testing"

	"github.com/rsteckler/AxioCNC-sub004/workflow"
)

func TestLoadBuildsLineList(t *testing.T) {
	s := New()
	text := "G0 X0\nG1 X1 ; comment\n\nG1 X2"
	if err := s.Load("job.nc", text, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	st := s.Status()
	if st.Total != 4 {
		t.Fatalf("expected 4 lines, got %d", st.Total)
	}
	if st.Dispatchable != 3 {
		t.Fatalf("expected 3 dispatchable (non-blank) lines, got %d", st.Dispatchable)
	}
	if st.Name != "job.nc" {
		t.Fatalf("expected name to be recorded, got %q", st.Name)
	}
}

func TestStartRequiresLoadedProgram(t *testing.T) {
	s := New()
	if err := s.Start(); err == nil {
		t.Fatal("expected error starting with no program loaded")
	}
}

func TestSimpleStreamSendsEveryNonBlankLine(t *testing.T) {
	s := New()
	s.Load("job.nc", "G0 X0\nG1 X1\n\nG1 X2", nil)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var got []string
	for {
		l, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, l.Text)
		s.Ack(l.LineIndex)
	}
	if strings.Join(got, "|") != "G0 X0|G1 X1|G1 X2" {
		t.Fatalf("unexpected stream: %v", got)
	}
}

func TestNextBlocksWhenNotRunning(t *testing.T) {
	s := New()
	s.Load("job.nc", "G0 X0", nil)
	if _, ok := s.Next(); ok {
		t.Fatal("expected Next to block before Start")
	}
}

func TestToolChangeAutoPauses(t *testing.T) {
	s := New()
	var paused HoldReason
	fired := false
	s.OnAutoPause = func(r HoldReason) { paused = r; fired = true }
	s.Load("job.nc", "G0 X0\nT2 M6 (swap to drill)\nG1 X1", nil)
	s.Start()

	l1, _ := s.Next()
	s.Ack(l1.LineIndex) // G0 X0, no pause

	l2, _ := s.Next()
	s.Ack(l2.LineIndex) // T2 M6 line, should auto-pause

	if !fired {
		t.Fatal("expected OnAutoPause to fire after the tool-change line")
	}
	if paused.Data != "M6" || paused.Msg != "swap to drill" {
		t.Fatalf("unexpected hold reason: %+v", paused)
	}
	if s.Status().Workflow != workflow.Paused {
		t.Fatalf("expected workflow paused, got %v", s.Status().Workflow)
	}

	if _, ok := s.Next(); ok {
		t.Fatal("expected Next to block while auto-paused")
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	l3, ok := s.Next()
	if !ok || l3.Text != "G1 X1" {
		t.Fatalf("expected remaining line after resume, got %+v, %v", l3, ok)
	}
}

func TestM0AutoPausesAlways(t *testing.T) {
	s := New()
	fired := false
	s.OnAutoPause = func(HoldReason) { fired = true }
	s.Load("job.nc", "G0 X0\nM0 (check part)\nG1 X1", nil)
	s.Start()
	l1, _ := s.Next()
	s.Ack(l1.LineIndex)
	l2, _ := s.Next()
	s.Ack(l2.LineIndex)
	if !fired {
		t.Fatal("expected M0 to auto-pause regardless of OptionalStop")
	}
}

func TestM1OnlyPausesWhenOptionalStopEnabled(t *testing.T) {
	s := New()
	s.OptionalStop = false
	fired := false
	s.OnAutoPause = func(HoldReason) { fired = true }
	s.Load("job.nc", "G0 X0\nM1\nG1 X1", nil)
	s.Start()
	l1, _ := s.Next()
	s.Ack(l1.LineIndex)
	l2, _ := s.Next()
	s.Ack(l2.LineIndex)
	if fired {
		t.Fatal("expected M1 to not pause when OptionalStop is disabled")
	}
	if s.Status().Workflow != workflow.Running {
		t.Fatalf("expected workflow still running, got %v", s.Status().Workflow)
	}
}

func TestM2FiresOnFinish(t *testing.T) {
	s := New()
	finished := false
	s.OnFinish = func() { finished = true }
	s.Load("job.nc", "G0 X0\nM2", nil)
	s.Start()
	l1, _ := s.Next()
	s.Ack(l1.LineIndex)
	l2, _ := s.Next()
	s.Ack(l2.LineIndex)
	if !finished {
		t.Fatal("expected OnFinish to fire on M2")
	}
}

func TestStopRetainsProgramMetadataButResetsCounters(t *testing.T) {
	s := New()
	s.Load("job.nc", "G0 X0\nG1 X1", nil)
	s.Start()
	l1, _ := s.Next()
	s.Ack(l1.LineIndex)
	s.Stop()

	st := s.Status()
	if st.Workflow != workflow.Idle {
		t.Fatalf("expected Idle after Stop, got %v", st.Workflow)
	}
	if st.Sent != 0 || st.Received != 0 {
		t.Fatalf("expected counters reset, got sent=%d received=%d", st.Sent, st.Received)
	}
	if st.Name != "job.nc" || st.Total != 2 {
		t.Fatalf("expected program metadata retained, got name=%q total=%d", st.Name, st.Total)
	}
}

func TestUnloadClearsProgram(t *testing.T) {
	s := New()
	s.Load("job.nc", "G0 X0", nil)
	if err := s.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	st := s.Status()
	if st.Name != "" || st.Total != 0 {
		t.Fatalf("expected program cleared, got %+v", st)
	}
}

func TestTemplateExpressionsExpandOnLoad(t *testing.T) {
	s := New()
	if err := s.Load("job.nc", "G0 X{{x}}", map[string]float64{"x": 3}); err != nil {
		t.Fatalf("load: %v", err)
	}
	s.Start()
	l, ok := s.Next()
	if !ok || l.Text != "G0 X3" {
		t.Fatalf("expected template expansion in loaded program, got %+v, %v", l, ok)
	}
}
