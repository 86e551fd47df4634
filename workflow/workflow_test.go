package workflow

import "testing"

func TestStartFromIdle(t *testing.T) {
	m := NewMachine()
	s, err := m.Apply(Start)
	if err != nil || s != Running {
		t.Fatalf("expected Running, got %v, %v", s, err)
	}
}

func TestStartFromRunningFails(t *testing.T) {
	m := NewMachine()
	m.Apply(Start)
	if _, err := m.Apply(Start); err == nil {
		t.Fatal("expected error starting an already-running machine")
	}
}

func TestPauseResumeCycle(t *testing.T) {
	m := NewMachine()
	m.Apply(Start)
	if s, err := m.Apply(Pause); err != nil || s != Paused {
		t.Fatalf("expected Paused, got %v, %v", s, err)
	}
	if s, err := m.Apply(Resume); err != nil || s != Running {
		t.Fatalf("expected Running, got %v, %v", s, err)
	}
}

func TestPauseFromIdleFails(t *testing.T) {
	m := NewMachine()
	if _, err := m.Apply(Pause); err == nil {
		t.Fatal("expected error pausing an idle machine")
	}
}

func TestStopIsLegalFromAnyState(t *testing.T) {
	for _, start := range []Transition{Start, Pause} {
		m := NewMachine()
		if start == Pause {
			m.Apply(Start)
		}
		m.Apply(start)
		if s, err := m.Apply(Stop); err != nil || s != Idle {
			t.Fatalf("expected Stop to reach Idle from any state, got %v, %v", s, err)
		}
	}
}

func TestStopFromIdleIsANoopToIdle(t *testing.T) {
	m := NewMachine()
	s, err := m.Apply(Stop)
	if err != nil || s != Idle {
		t.Fatalf("expected Idle, got %v, %v", s, err)
	}
}
