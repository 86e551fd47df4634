// Package wsapi implements the client socket protocol of spec.md §6: a
// persistent bidirectional event/command multiplex. Client→server frames
// name one of open/close/command/write/writeln; server→client frames carry
// the Controller/Hub event surface. Grounded on the teacher corpus's one
// real websocket server, my-take-dev-myT-x's wsserver.Hub (upgrade handler,
// ping/pong keepalive, a write mutex separating reads from writes),
// generalized from its single-connection model to one Session per
// connection with a per-connection outbound channel so a slow client
// cannot stall another session's delivery.
package wsapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rsteckler/AxioCNC-sub004/authn"
	"github.com/rsteckler/AxioCNC-sub004/hub"
	"github.com/rsteckler/AxioCNC-sub004/machine"
)

const (
	writeDeadline      = 5 * time.Second
	readDeadline       = 90 * time.Second
	pingInterval       = 30 * time.Second
	maxReadMessageSize = 32 * 1024
	outboundBuffer     = 256

	// frameRateLimit/frameBurst bound how fast one session's frames are
	// dispatched to the Hub, the same rate.NewLimiter(15, 15) shape the
	// teacher uses to throttle a loop of outgoing NKT register reads,
	// generalized here to a loop of incoming client frames so one runaway
	// client can't flood a Controller's serial link with realtime writes.
	frameRateLimit rate.Limit = 30
	frameBurst                = 30
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// clientFrame is a client→server message (spec.md §6: "open, close, command,
// write, writeln").
type clientFrame struct {
	Type string        `json:"type"`
	Port string        `json:"port"`
	Cmd  string        `json:"cmd,omitempty"`
	Args []interface{} `json:"args,omitempty"`
	Text string        `json:"text,omitempty"`
	Data []byte        `json:"data,omitempty"`
}

// serverFrame is a server→client message: either a Controller/Hub event or
// a reply to a request that expects one (open's snapshot, a command error).
type serverFrame struct {
	Type  string         `json:"type"`
	Port  string         `json:"port,omitempty"`
	Event *machine.Event `json:"event,omitempty"`
	Snap  *hub.Snapshot  `json:"snapshot,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Handler upgrades HTTP connections and runs the socket protocol against a
// Hub. Bearer-token handshake follows spec.md §4.7: the first frame after
// upgrade must be an "auth" frame, or the connection is closed.
type Handler struct {
	Hub   *hub.Hub
	Authn *authn.Manager
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsapi: upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxReadMessageSize)

	s := newSession(conn)
	if !s.authenticate(h.Authn) {
		conn.Close()
		return
	}

	go s.writePump()
	s.readPump(h.Hub)
}

// session is one client socket connection: a hub.Session bound to whichever
// ports it has opened, with reads and writes running on separate goroutines
// (spec.md §5's rule generalized to the socket layer: a slow client must
// never block a Controller's broadcast).
type session struct {
	id   string
	conn *websocket.Conn

	mu    sync.Mutex
	ports map[string]bool

	limiter *rate.Limiter

	out chan serverFrame
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		id:      conn.RemoteAddr().String() + "-" + time.Now().Format("150405.000000000"),
		conn:    conn,
		ports:   make(map[string]bool),
		limiter: rate.NewLimiter(frameRateLimit, frameBurst),
		out:     make(chan serverFrame, outboundBuffer),
	}
}

// ID implements hub.Session.
func (s *session) ID() string { return s.id }

// Deliver implements hub.Session: enqueues an event for the write pump.
// Never blocks the calling Controller goroutine; a session that cannot
// keep up drops its oldest buffered event rather than stall the broadcast.
func (s *session) Deliver(e machine.Event) {
	frame := serverFrame{Type: "event", Port: e.Port, Event: &e}
	select {
	case s.out <- frame:
	default:
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- frame:
		default:
		}
	}
}

func (s *session) authenticate(mgr *authn.Manager) bool {
	if mgr == nil {
		return true
	}
	s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	var frame struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := s.conn.ReadJSON(&frame); err != nil || frame.Type != "auth" {
		s.conn.WriteJSON(serverFrame{Type: "error", Error: "expected auth frame"})
		return false
	}
	if _, ok := mgr.Verify(frame.Token); !ok {
		s.conn.WriteJSON(serverFrame{Type: "error", Error: "invalid or expired token"})
		return false
	}
	return true
}

// readPump dispatches client frames to h until the connection closes, then
// unsubscribes from every port the session had opened.
func (s *session) readPump(h *hub.Hub) {
	defer s.cleanup(h)

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		var frame clientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			return
		}
		if err := s.limiter.Wait(context.Background()); err != nil {
			return
		}
		s.handle(h, frame)
	}
}

func (s *session) handle(h *hub.Hub, frame clientFrame) {
	switch frame.Type {
	case "open":
		snap, err := h.Open(context.Background(), s, frame.Port)
		if err != nil {
			s.out <- serverFrame{Type: "error", Port: frame.Port, Error: err.Error()}
			return
		}
		s.mu.Lock()
		s.ports[frame.Port] = true
		s.mu.Unlock()
		s.out <- serverFrame{Type: "open", Port: frame.Port, Snap: &snap}

	case "close":
		h.Close(s, frame.Port)
		s.mu.Lock()
		delete(s.ports, frame.Port)
		s.mu.Unlock()

	case "command":
		if err := h.Command(frame.Port, frame.Cmd, frame.Args...); err != nil {
			s.out <- serverFrame{Type: "error", Port: frame.Port, Error: err.Error()}
		}

	case "write":
		if err := h.Write(frame.Port, frame.Data); err != nil {
			s.out <- serverFrame{Type: "error", Port: frame.Port, Error: err.Error()}
		}

	case "writeln":
		if err := h.WriteLn(frame.Port, frame.Text); err != nil {
			s.out <- serverFrame{Type: "error", Port: frame.Port, Error: err.Error()}
		}

	default:
		s.out <- serverFrame{Type: "error", Error: "unknown frame type: " + frame.Type}
	}
}

func (s *session) cleanup(h *hub.Hub) {
	s.mu.Lock()
	ports := make([]string, 0, len(s.ports))
	for p := range s.ports {
		ports = append(ports, p)
	}
	s.mu.Unlock()

	for _, p := range ports {
		h.Close(s, p)
	}
}

// writePump serializes all writes to conn (required by gorilla/websocket)
// and sends periodic pings so dead connections are detected even when the
// Hub has nothing to broadcast.
func (s *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case frame, ok := <-s.out:
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
