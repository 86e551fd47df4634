package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi"

	"github.com/rsteckler/AxioCNC-sub004/authn"
	"github.com/rsteckler/AxioCNC-sub004/comm"
	"github.com/rsteckler/AxioCNC-sub004/config"
	"github.com/rsteckler/AxioCNC-sub004/flowcontrol"
	"github.com/rsteckler/AxioCNC-sub004/hub"
	"github.com/rsteckler/AxioCNC-sub004/machine"
	"github.com/rsteckler/AxioCNC-sub004/protocol"
	"github.com/rsteckler/AxioCNC-sub004/protocol/grbl"
	"github.com/rsteckler/AxioCNC-sub004/protocol/marlin"
	"github.com/rsteckler/AxioCNC-sub004/protocol/smoothie"
	"github.com/rsteckler/AxioCNC-sub004/protocol/tinyg"
	"github.com/rsteckler/AxioCNC-sub004/rest"
	"github.com/rsteckler/AxioCNC-sub004/status"
	"github.com/rsteckler/AxioCNC-sub004/watch"
	"github.com/rsteckler/AxioCNC-sub004/wsapi"
)

// server is the composition root: every long-lived collaborator the run
// verb wires together, mirroring cmd/dacsrv/main.go's SetupHTTP (build a
// chi.Router once, mount sub-routers onto it) generalized from one device
// to the Session Hub's find-or-create-per-port registry.
type server struct {
	cfg     Config
	hub     *hub.Hub
	status  *status.Manager
	store   *config.Store
	authn   *authn.Manager
	watches []*watch.Watcher
}

// ignoreErrorsPath is the settings dot-path spec.md §4.3 names for the
// Sender's error-policy override.
const ignoreErrorsPath = "settings.controller.exception.ignoreErrors"

func buildFactory(cfg Config, store *config.Store) hub.Factory {
	return func(port string) (*machine.Controller, error) {
		pc, ok := cfg.Ports[port]
		if !ok {
			return nil, fmt.Errorf("axiocncd: no configuration for port %s", port)
		}
		family := machine.Family(pc.Family)

		var parser protocol.Parser
		var flow flowcontrol.FlowController
		switch family {
		case machine.FamilyGrbl:
			parser, flow = grbl.New(), flowcontrol.NewCharCount(128)
		case machine.FamilyMarlin:
			parser, flow = marlin.New(), flowcontrol.NewLockStep()
		case machine.FamilySmoothie:
			parser, flow = smoothie.New(), flowcontrol.NewLockStep()
		case machine.FamilyTinyG:
			parser, flow = tinyg.New(), flowcontrol.NewQueueReport(4)
		default:
			return nil, fmt.Errorf("axiocncd: unknown controller family %q for port %s", pc.Family, port)
		}

		link := comm.NewSerialLink(port, pc.Baud)
		c := machine.New(port, family, link, parser, flow)

		ignore, _ := store.Get(ignoreErrorsPath)
		c.SetIgnoreErrors(asBool(ignore))
		store.OnChange(ignoreErrorsPath, func(v interface{}) { c.SetIgnoreErrors(asBool(v)) })

		return c, nil
	}
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

// newServer wires every collaborator described by cfg. The Machine Status
// Manager is registered as a permanent hub.Session below, per status.go's
// doc comment: it "subscribes to every Controller's event stream via
// hub.Hub" but never issues commands of its own.
func newServer(cfg Config) (*server, error) {
	store, err := config.Load(filepath.Join(cfg.DataDir, "axiocncd.json"))
	if err != nil {
		return nil, err
	}

	s := &server{
		cfg:    cfg,
		hub:    hub.New(buildFactory(cfg, store)),
		status: status.New(),
		store:  store,
		authn:  authn.New(),
	}
	return s, nil
}

// attachStatusManager subscribes the status Manager to every configured
// port up front, so GET /machine/status has data even before any client
// session opens that port.
func (s *server) attachStatusManager(ctx context.Context) {
	for port := range s.cfg.Ports {
		if _, err := s.hub.Open(ctx, s.status, port); err != nil {
			log.Printf("axiocncd: status manager could not open %s: %v", port, err)
		}
	}
}

// startWatchFolders starts one Watcher per configured directory. Each file
// it settles on is read and loaded as a new G-code program on cfg.WatchPort
// (spec.md §4.13: "emits a watch:file event carrying the path, which
// cmd/axiocncd wires to POST /gcode-equivalent program loading").
func (s *server) startWatchFolders() error {
	for _, dir := range s.cfg.WatchDirectories {
		w, err := watch.New("*.nc")
		if err != nil {
			return err
		}
		w.OnFile = func(e watch.Event) { s.loadWatchedFile(e) }
		if err := w.Add(dir); err != nil {
			return err
		}
		w.Start()
		s.watches = append(s.watches, w)
	}
	return nil
}

// loadWatchedFile reads a file a Watcher settled on and loads it onto
// cfg.WatchPort. A gateway with no WatchPort configured logs and skips the
// file rather than guessing a target.
func (s *server) loadWatchedFile(e watch.Event) {
	if s.cfg.WatchPort == "" {
		log.Printf("axiocncd: watch folder %s picked up %s but no watchPort is configured, skipping", e.Dir, e.Path)
		return
	}
	text, err := os.ReadFile(e.Path)
	if err != nil {
		log.Printf("axiocncd: watch folder %s: reading %s: %v", e.Dir, e.Path, err)
		return
	}
	name := filepath.Base(e.Path)
	if err := s.hub.Command(s.cfg.WatchPort, "gcode:load", name, string(text), map[string]float64(nil)); err != nil {
		log.Printf("axiocncd: watch folder %s: loading %s onto %s: %v", e.Dir, e.Path, s.cfg.WatchPort, err)
		return
	}
	if err := s.hub.Command(s.cfg.WatchPort, "gcode:start"); err != nil {
		log.Printf("axiocncd: watch folder %s: starting %s on %s: %v", e.Dir, e.Path, s.cfg.WatchPort, err)
	}
}

func (s *server) close() {
	for _, w := range s.watches {
		w.Close()
	}
	s.store.Flush()
}

// router assembles the top-level chi.Router: the REST surface at its root
// and the websocket protocol mounted at /ws, matching cmd/dacsrv's
// root.Mount("/ap235/", ...) composition of sub-routers onto one root.
func (s *server) router() http.Handler {
	root := chi.NewRouter()
	restHandler := rest.New(&rest.Server{Hub: s.hub, Status: s.status, Config: s.store, Authn: s.authn})
	root.Mount("/", restHandler)
	root.Handle("/ws", &wsapi.Handler{Hub: s.hub, Authn: s.authn})
	return root
}

func (s *server) listenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.router()}
	log.Printf("axiocncd: listening at %s", addr)
	return srv.ListenAndServe()
}
