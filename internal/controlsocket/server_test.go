package controlsocket

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibetunnel/vtcore/internal/ipc"
	"github.com/vibetunnel/vtcore/internal/sessionmgr"
	"github.com/vibetunnel/vtcore/internal/vtconfig"
)

func newTestServer(t *testing.T) (*Server, vtconfig.Config, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	cfg := vtconfig.Config{
		Root:              dir,
		HeartbeatInterval: 30 * time.Millisecond,
		HeartbeatMisses:   3,
	}
	mgr, err := sessionmgr.New(cfg, "/bin/true")
	if err != nil {
		t.Fatalf("sessionmgr.New: %v", err)
	}
	srv := New(cfg, mgr)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := net.Dial("unix", cfg.ControlSocketPath()); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, cfg, cancel
}

func dialClient(t *testing.T, cfg vtconfig.Config) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", cfg.ControlSocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn net.Conn, timeout time.Duration) ipc.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	parser := ipc.NewParser(ipc.DefaultMaxPayload, false)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, perr := parser.Feed(buf[:n])
			if perr != nil {
				t.Fatalf("parser: %v", perr)
			}
			for _, fr := range frames {
				if fr.Type == ipc.TypeControlCmd {
					env, derr := ipc.DecodeEnvelope(fr)
					if derr != nil {
						t.Fatalf("decode: %v", derr)
					}
					return env
				}
			}
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestSessionListRequestResponse(t *testing.T) {
	srv, cfg, cancel := newTestServer(t)
	defer cancel()
	_ = srv

	conn := dialClient(t, cfg)
	defer conn.Close()

	env := ipc.Envelope{ID: "req-1", Category: ipc.CategorySession, Type: ipc.EnvelopeRequest, Action: "list"}
	frame, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(frame.Encode()); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readEnvelope(t, conn, time.Second)
	if resp.ID != "req-1" {
		t.Errorf("response id = %q, want req-1", resp.ID)
	}
	if resp.Type != ipc.EnvelopeResponse {
		t.Errorf("response type = %q, want response", resp.Type)
	}
}

func TestSessionMonitorEventBroadcastsToOtherClients(t *testing.T) {
	_, cfg, cancel := newTestServer(t)
	defer cancel()

	publisher := dialClient(t, cfg)
	defer publisher.Close()
	subscriber := dialClient(t, cfg)
	defer subscriber.Close()

	time.Sleep(20 * time.Millisecond) // let both connections register

	data, _ := json.Marshal(map[string]string{"kind": "bell", "sessionId": "s1"})
	env := ipc.Envelope{ID: "ev-1", Category: ipc.CategorySessionMonitor, Type: ipc.EnvelopeEvent, Action: "notification", Data: data}
	frame, _ := env.Encode()
	if _, err := publisher.Write(frame.Encode()); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readEnvelope(t, subscriber, time.Second)
	if got.Category != ipc.CategorySessionMonitor {
		t.Errorf("category = %q, want session-monitor", got.Category)
	}
	if got.Action != "notification" {
		t.Errorf("action = %q, want notification", got.Action)
	}
}

func TestHeartbeatMissedDisconnects(t *testing.T) {
	_, cfg, cancel := newTestServer(t)
	defer cancel()

	conn := dialClient(t, cfg)
	defer conn.Close()

	// Never read or write again; the server's own heartbeat pings will
	// accumulate but we never touch() this connection with inbound
	// traffic, so after heartbeatInterval*heartbeatMisses it should close.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return // connection closed by server, as expected
		}
		_ = n
	}
}

func TestBroadcastReachesConnectedClient(t *testing.T) {
	srv, cfg, cancel := newTestServer(t)
	defer cancel()

	conn := dialClient(t, cfg)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	srv.Broadcast(ipc.CategorySystem, "shutdown", map[string]string{"reason": "test"})

	got := readEnvelope(t, conn, time.Second)
	if got.Action != "shutdown" {
		t.Errorf("action = %q, want shutdown", got.Action)
	}
}

func TestClientCountTracksConnections(t *testing.T) {
	srv, cfg, cancel := newTestServer(t)
	defer cancel()

	if srv.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d, want 0", srv.ClientCount())
	}
	conn := dialClient(t, cfg)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)
	if srv.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", srv.ClientCount())
	}
}

func TestControlSocketPathIsUnderRoot(t *testing.T) {
	cfg := vtconfig.Config{Root: "/tmp/vt-example"}
	want := filepath.Join("/tmp/vt-example", "control.sock")
	if got := cfg.ControlSocketPath(); got != want {
		t.Errorf("ControlSocketPath = %q, want %q", got, want)
	}
}
