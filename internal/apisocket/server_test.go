package apisocket

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/vibetunnel/vtcore/internal/sessionmgr"
	"github.com/vibetunnel/vtcore/internal/vtconfig"
)

func newTestServer(t *testing.T) (vtconfig.Config, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	cfg := vtconfig.Config{Root: dir}
	mgr, err := sessionmgr.New(cfg, "/bin/true")
	if err != nil {
		t.Fatalf("sessionmgr.New: %v", err)
	}
	srv := New(cfg, mgr, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", cfg.APISocketPath()); err == nil {
			conn.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cfg, cancel
}

func sendCommand(t *testing.T, cfg vtconfig.Config, req request) response {
	t.Helper()
	conn, err := net.Dial("unix", cfg.APISocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp response
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestStatusCommand(t *testing.T) {
	cfg, cancel := newTestServer(t)
	defer cancel()

	resp := sendCommand(t, cfg, request{Command: "status"})
	if !resp.OK {
		t.Fatalf("status failed: %+v", resp.Error)
	}
}

func TestSessionsCommandEmptyFleet(t *testing.T) {
	cfg, cancel := newTestServer(t)
	defer cancel()

	resp := sendCommand(t, cfg, request{Command: "sessions"})
	if !resp.OK {
		t.Fatalf("sessions failed: %+v", resp.Error)
	}
}

func TestFollowUnknownSessionReturnsNotFound(t *testing.T) {
	cfg, cancel := newTestServer(t)
	defer cancel()

	args, _ := json.Marshal(sessionIDArgs{ID: "does-not-exist"})
	resp := sendCommand(t, cfg, request{Command: "follow", Args: args})
	if resp.OK {
		t.Fatal("expected follow of unknown session to fail")
	}
	if resp.Error.Code != "not-found" {
		t.Errorf("error code = %q, want not-found", resp.Error.Code)
	}
}

func TestUnknownCommandReturnsBadCommand(t *testing.T) {
	cfg, cancel := newTestServer(t)
	defer cancel()

	resp := sendCommand(t, cfg, request{Command: "frobnicate"})
	if resp.OK {
		t.Fatal("expected unknown command to fail")
	}
	if resp.Error.Code != "bad-command" {
		t.Errorf("error code = %q, want bad-command", resp.Error.Code)
	}
}

func TestMalformedRequestReturnsBadRequest(t *testing.T) {
	cfg, cancel := newTestServer(t)
	defer cancel()

	conn, err := net.Dial("unix", cfg.APISocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("{not json"))

	var resp response
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK {
		t.Fatal("expected malformed request to fail")
	}
}
