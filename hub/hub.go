// Package hub implements the Session Hub (spec.md §4.7): the multi-client
// fan-out in front of the per-port Controller registry. Exactly one
// Controller exists per open port regardless of how many sessions are
// subscribed to it; events are broadcast in the order the owning
// Controller produced them.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rsteckler/AxioCNC-sub004/machine"
)

// Session is anything that can receive Controller events and be identified
// for subscription bookkeeping. The websocket layer (package wsapi) is the
// concrete implementation; tests use a fake.
type Session interface {
	ID() string
	Deliver(machine.Event)
}

// Factory constructs a new, not-yet-open Controller for port. Supplied by
// the composition root (cmd/axiocncd), which knows the configured baud
// rate and controller family for each port.
type Factory func(port string) (*machine.Controller, error)

// Snapshot is returned from Open: the current state of everything a
// reconnecting client needs to redraw its UI (spec.md §4.7).
type Snapshot struct {
	Port     string
	Settings map[string]string
	Modal    interface{}

	FeederHeld     bool
	FeederQueueLen int

	SenderStatus interface{}
}

// DefaultGracePeriod is how long a Controller with no subscribers stays open
// before being closed, in case the last session reconnects (spec.md §4.7;
// default 0, configurable by the caller via Hub.GracePeriod).
const DefaultGracePeriod = 0 * time.Second

type portEntry struct {
	controller  *machine.Controller
	subscribers map[Session]struct{}
	closeTimer  *time.Timer

	// ready is closed once controller.Open has returned, successfully or
	// not; openErr holds the result. A concurrent Open for the same port
	// waits on ready instead of racing a second factory/Open call.
	ready   chan struct{}
	openErr error
}

// Hub is the composition root's registry of open Controllers and their
// subscribed sessions.
type Hub struct {
	mu          sync.Mutex
	factory     Factory
	ports       map[string]*portEntry
	GracePeriod time.Duration
}

// New returns an empty Hub backed by factory.
func New(factory Factory) *Hub {
	return &Hub{
		factory:     factory,
		ports:       make(map[string]*portEntry),
		GracePeriod: DefaultGracePeriod,
	}
}

// Open finds or creates the Controller for port, subscribes sess to its
// events, and returns a snapshot of current state (spec.md §4.7).
//
// Creating a Controller means opening its serial link, which can block for
// a long time (backoff retries against an offline device). That call never
// happens while h.mu is held: a port stuck reconnecting must not freeze
// Open for every other port, since cmd/axiocncd opens every configured
// port serially at startup before it ever binds HTTP.
func (h *Hub) Open(ctx context.Context, sess Session, port string) (Snapshot, error) {
	h.mu.Lock()
	entry, ok := h.ports[port]
	if !ok {
		c, err := h.factory(port)
		if err != nil {
			h.mu.Unlock()
			return Snapshot{}, fmt.Errorf("hub: creating controller for %s: %w", port, err)
		}
		entry = &portEntry{
			controller:  c,
			subscribers: make(map[Session]struct{}),
			ready:       make(chan struct{}),
		}
		h.ports[port] = entry
		entry.controller.OnEvent = func(e machine.Event) { h.broadcast(port, e) }
		h.mu.Unlock()

		err = c.Open(ctx)

		h.mu.Lock()
		entry.openErr = err
		if err != nil {
			delete(h.ports, port)
		}
		close(entry.ready)
		if err != nil {
			h.mu.Unlock()
			return Snapshot{}, err
		}
	} else if entry.ready != nil {
		h.mu.Unlock()
		<-entry.ready
		if entry.openErr != nil {
			return Snapshot{}, entry.openErr
		}
		h.mu.Lock()
		if cur, ok := h.ports[port]; !ok || cur != entry {
			h.mu.Unlock()
			return h.Open(ctx, sess, port)
		}
	}
	defer h.mu.Unlock()

	if entry.closeTimer != nil {
		entry.closeTimer.Stop()
		entry.closeTimer = nil
	}
	entry.subscribers[sess] = struct{}{}

	held, _ := entry.controller.Feeder().Held()
	return Snapshot{
		Port:           port,
		FeederHeld:     held,
		FeederQueueLen: entry.controller.Feeder().Len(),
		SenderStatus:   entry.controller.Sender().Status(),
	}, nil
}

// Close unsubscribes sess from port. If sess was the last subscriber, the
// Controller is closed after GracePeriod (spec.md §4.7).
func (h *Hub) Close(sess Session, port string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.ports[port]
	if !ok {
		return
	}
	delete(entry.subscribers, sess)
	if len(entry.subscribers) > 0 {
		return
	}

	if h.GracePeriod <= 0 {
		entry.controller.Close()
		delete(h.ports, port)
		return
	}
	entry.closeTimer = time.AfterFunc(h.GracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		cur, ok := h.ports[port]
		if !ok || cur != entry || len(cur.subscribers) > 0 {
			return
		}
		cur.controller.Close()
		delete(h.ports, port)
	})
}

// Command forwards a named command to the Controller owning port.
func (h *Hub) Command(port, cmd string, args ...interface{}) error {
	c, err := h.controllerFor(port)
	if err != nil {
		return err
	}
	return c.Command(cmd, args...)
}

// Write forwards raw bytes to the Controller owning port.
func (h *Hub) Write(port string, raw []byte) error {
	c, err := h.controllerFor(port)
	if err != nil {
		return err
	}
	return c.Write(raw)
}

// WriteLn forwards a line to the Controller owning port.
func (h *Hub) WriteLn(port, text string) error {
	c, err := h.controllerFor(port)
	if err != nil {
		return err
	}
	return c.WriteLn(text)
}

func (h *Hub) controllerFor(port string) (*machine.Controller, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.ports[port]
	if !ok {
		return nil, fmt.Errorf("hub: port %s is not open", port)
	}
	return entry.controller, nil
}

// Controllers returns the ports currently open, for REST's GET /controllers.
func (h *Hub) Controllers() []*machine.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*machine.Controller, 0, len(h.ports))
	for _, e := range h.ports {
		out = append(out, e.controller)
	}
	return out
}

// broadcast delivers e to every session subscribed to port, in the order
// the Controller produced it (spec.md §5: events broadcast per port are
// received by each session in that order).
func (h *Hub) broadcast(port string, e machine.Event) {
	h.mu.Lock()
	entry, ok := h.ports[port]
	if !ok {
		h.mu.Unlock()
		return
	}
	sessions := make([]Session, 0, len(entry.subscribers))
	for s := range entry.subscribers {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Deliver(e)
	}
}
