package hub_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rsteckler/AxioCNC-sub004/comm"
	"github.com/rsteckler/AxioCNC-sub004/flowcontrol"
	"github.com/rsteckler/AxioCNC-sub004/hub"
	"github.com/rsteckler/AxioCNC-sub004/machine"
	"github.com/rsteckler/AxioCNC-sub004/protocol/grbl"
)

func startEcho(t *testing.T, addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			conn.Write(buf[:n])
		}
	}()
}

type fakeSession struct {
	id string

	mu     sync.Mutex
	events []machine.Event
}

func newFakeSession(id string) *fakeSession { return &fakeSession{id: id} }

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Deliver(e machine.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSession) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testFactory(addr string) hub.Factory {
	return func(port string) (*machine.Controller, error) {
		link := comm.NewTCPLink(addr, time.Second)
		return machine.New(port, machine.FamilyGrbl, link, grbl.New(), flowcontrol.NewCharCount(128)), nil
	}
}

func TestOpenCreatesControllerOnFirstSubscribe(t *testing.T) {
	startEcho(t, "localhost:19301")
	time.Sleep(20 * time.Millisecond)

	h := hub.New(testFactory("localhost:19301"))
	sess := newFakeSession("s1")

	snap, err := h.Open(context.Background(), sess, "COM1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if snap.Port != "COM1" {
		t.Fatalf("expected snapshot for COM1, got %+v", snap)
	}
	if len(h.Controllers()) != 1 {
		t.Fatalf("expected 1 open controller, got %d", len(h.Controllers()))
	}
}

func TestOpenTwiceReusesTheSameController(t *testing.T) {
	startEcho(t, "localhost:19302")
	time.Sleep(20 * time.Millisecond)

	h := hub.New(testFactory("localhost:19302"))
	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")

	h.Open(context.Background(), s1, "COM1")
	h.Open(context.Background(), s2, "COM1")

	if len(h.Controllers()) != 1 {
		t.Fatalf("expected the second Open to reuse the existing controller, got %d", len(h.Controllers()))
	}
}

// TestOpenOnStuckPortDoesNotBlockOtherPorts guards against a regression
// where Hub.Open held its lock across the blocking Controller.Open call:
// one port endlessly retrying an offline device must not freeze Open for
// every other port.
func TestOpenOnStuckPortDoesNotBlockOtherPorts(t *testing.T) {
	startEcho(t, "localhost:19320")
	time.Sleep(20 * time.Millisecond)

	stuckFactory := func(port string) (*machine.Controller, error) {
		if port == "STUCK" {
			link := comm.NewTCPLink("localhost:1", 10*time.Millisecond)
			policy := comm.BackoffPolicy{
				InitialInterval: 50 * time.Millisecond,
				Multiplier:      1,
				MaxInterval:     50 * time.Millisecond,
				MaxAttempts:     0, // never gives up, simulating an offline device
			}
			c := machine.New(port, machine.FamilyGrbl, link, grbl.New(), flowcontrol.NewCharCount(128))
			c.SetBackoffPolicy(policy)
			return c, nil
		}
		link := comm.NewTCPLink("localhost:19320", time.Second)
		return machine.New(port, machine.FamilyGrbl, link, grbl.New(), flowcontrol.NewCharCount(128)), nil
	}

	h := hub.New(stuckFactory)

	stuckDone := make(chan struct{})
	go func() {
		defer close(stuckDone)
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		h.Open(ctx, newFakeSession("stuck-sess"), "STUCK")
	}()

	time.Sleep(20 * time.Millisecond) // let the stuck Open acquire its port entry

	done := make(chan error, 1)
	go func() {
		_, err := h.Open(context.Background(), newFakeSession("s1"), "COM1")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("open: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Open on COM1 was blocked by the stuck STUCK port")
	}

	<-stuckDone
}

func TestCloseWithZeroGracePeriodClosesLastSubscriber(t *testing.T) {
	startEcho(t, "localhost:19303")
	time.Sleep(20 * time.Millisecond)

	h := hub.New(testFactory("localhost:19303"))
	sess := newFakeSession("s1")
	h.Open(context.Background(), sess, "COM1")

	h.Close(sess, "COM1")
	if len(h.Controllers()) != 0 {
		t.Fatalf("expected controller to close once the last subscriber leaves, got %d open", len(h.Controllers()))
	}
}

func TestCloseWithGracePeriodKeepsControllerOpenBriefly(t *testing.T) {
	startEcho(t, "localhost:19304")
	time.Sleep(20 * time.Millisecond)

	h := hub.New(testFactory("localhost:19304"))
	h.GracePeriod = 100 * time.Millisecond
	sess := newFakeSession("s1")
	h.Open(context.Background(), sess, "COM1")

	h.Close(sess, "COM1")
	if len(h.Controllers()) != 1 {
		t.Fatal("expected controller to stay open during the grace period")
	}

	time.Sleep(150 * time.Millisecond)
	if len(h.Controllers()) != 0 {
		t.Fatal("expected controller to close once the grace period elapses")
	}
}

func TestCommandForwardsToOwningController(t *testing.T) {
	startEcho(t, "localhost:19305")
	time.Sleep(20 * time.Millisecond)

	h := hub.New(testFactory("localhost:19305"))
	sess := newFakeSession("s1")
	h.Open(context.Background(), sess, "COM1")

	if err := h.Command("COM1", "gcode", "G0 X0", map[string]float64(nil)); err != nil {
		t.Fatalf("command: %v", err)
	}
	if err := h.Command("bogus-port", "gcode", "G0 X0"); err == nil {
		t.Fatal("expected error forwarding to an unopened port")
	}
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	startEcho(t, "localhost:19306")
	time.Sleep(20 * time.Millisecond)

	h := hub.New(testFactory("localhost:19306"))
	s1 := newFakeSession("s1")
	s2 := newFakeSession("s2")
	h.Open(context.Background(), s1, "COM1")
	h.Open(context.Background(), s2, "COM1")

	h.Command("COM1", "feedhold")

	deadline := time.Now().Add(time.Second)
	for (s1.count() == 0 || s2.count() == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s1.count() == 0 || s2.count() == 0 {
		t.Fatalf("expected both subscribers to receive at least one event, got s1=%d s2=%d", s1.count(), s2.count())
	}
}
