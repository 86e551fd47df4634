package rest_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rsteckler/AxioCNC-sub004/authn"
	"github.com/rsteckler/AxioCNC-sub004/comm"
	"github.com/rsteckler/AxioCNC-sub004/config"
	"github.com/rsteckler/AxioCNC-sub004/flowcontrol"
	"github.com/rsteckler/AxioCNC-sub004/hub"
	"github.com/rsteckler/AxioCNC-sub004/machine"
	"github.com/rsteckler/AxioCNC-sub004/protocol/grbl"
	"github.com/rsteckler/AxioCNC-sub004/rest"
	"github.com/rsteckler/AxioCNC-sub004/status"
)

type fakeGrbl struct {
	mu       sync.Mutex
	received []string
}

func startFakeGrbl(t *testing.T, addr string) *fakeGrbl {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeGrbl{}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			f.mu.Lock()
			f.received = append(f.received, scanner.Text())
			f.mu.Unlock()
			conn.Write([]byte("ok\n"))
		}
	}()
	return f
}

func newTestServer(t *testing.T, grblAddr string) (*httptest.Server, *authn.Manager) {
	t.Helper()
	h := hub.New(func(port string) (*machine.Controller, error) {
		link := comm.NewTCPLink(grblAddr, time.Second)
		return machine.New(port, machine.FamilyGrbl, link, grbl.New(), flowcontrol.NewCharCount(128)), nil
	})
	statusMgr := status.New()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "cfg.json"))
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	authMgr := authn.New()

	if _, err := h.Open(context.Background(), statusMgr, "test0"); err != nil {
		t.Fatalf("hub open: %v", err)
	}

	handler := rest.New(&rest.Server{Hub: h, Status: statusMgr, Config: cfg, Authn: authMgr})
	return httptest.NewServer(handler), authMgr
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestListControllersRequiresNoAuth(t *testing.T) {
	f := startFakeGrbl(t, "localhost:19301")
	_ = f
	time.Sleep(20 * time.Millisecond)
	srv, _ := newTestServer(t, "localhost:19301")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/controllers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var ports []string
	json.NewDecoder(resp.Body).Decode(&ports)
	if len(ports) != 1 || ports[0] != "test0" {
		t.Fatalf("expected [test0], got %v", ports)
	}
}

func TestProtectedEndpointRejectsMissingToken(t *testing.T) {
	startFakeGrbl(t, "localhost:19302")
	time.Sleep(20 * time.Millisecond)
	srv, _ := newTestServer(t, "localhost:19302")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/machine/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestProtectedEndpointAcceptsValidToken(t *testing.T) {
	startFakeGrbl(t, "localhost:19303")
	time.Sleep(20 * time.Millisecond)
	srv, authMgr := newTestServer(t, "localhost:19303")
	defer srv.Close()
	token := authMgr.Issue("alice")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/machine/status", nil)
	resp, err := http.DefaultClient.Do(authed(req, token))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestLoadAndRunGcodeReachesController(t *testing.T) {
	f := startFakeGrbl(t, "localhost:19304")
	time.Sleep(20 * time.Millisecond)
	srv, authMgr := newTestServer(t, "localhost:19304")
	defer srv.Close()
	token := authMgr.Issue("alice")

	body, _ := json.Marshal(map[string]interface{}{
		"port": "test0",
		"name": "job.nc",
		"text": "G0 X1\n",
		"run":  true,
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/gcode", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(authed(req, token))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.received)
		f.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for line to reach the fake controller")
}

func TestMacroCollectionCRUD(t *testing.T) {
	startFakeGrbl(t, "localhost:19305")
	time.Sleep(20 * time.Millisecond)
	srv, authMgr := newTestServer(t, "localhost:19305")
	defer srv.Close()
	token := authMgr.Issue("alice")

	createBody, _ := json.Marshal(map[string]interface{}{"id": "probe", "value": "G38.2 Z-10"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/macros", bytes.NewReader(createBody))
	resp, err := http.DefaultClient.Do(authed(req, token))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/macros/probe", nil)
	resp, err = http.DefaultClient.Do(authed(req, token))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got string
	json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if got != "G38.2 Z-10" {
		t.Fatalf("expected macro text, got %q", got)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/macros/probe", nil)
	resp, err = http.DefaultClient.Do(authed(req, token))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/macros/probe", nil)
	resp, err = http.DefaultClient.Do(authed(req, token))
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}
