package sessionmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vibetunnel/vtcore/internal/sessiondata"
)

func TestRecoverMarksDeadForwarderExited(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(CreateSpec{ID: "dead-forwarder", Argv: []string{"/bin/sh"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess.Status = sessiondata.StatusRunning
	sess.ForwarderPID = 999999999 // astronomically unlikely to be alive
	dir := m.cfg.SessionDir(sess.ID)
	if err := sess.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	os.WriteFile(filepath.Join(dir, "ipc.sock"), nil, 0600)
	os.WriteFile(filepath.Join(dir, "stdin"), nil, 0600)

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != sessiondata.StatusExited {
		t.Errorf("Status = %s, want exited", got.Status)
	}
	if _, err := os.Stat(filepath.Join(dir, "ipc.sock")); !os.IsNotExist(err) {
		t.Error("ipc.sock should have been removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "stdin")); !os.IsNotExist(err) {
		t.Error("stdin should have been removed")
	}
}

func TestRecoverDeletesInvalidSessionDir(t *testing.T) {
	m := newTestManager(t)
	dir := m.cfg.SessionDir("garbage")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session.json"), []byte("not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("invalid session directory should have been removed")
	}
}

func TestRecoverRemovesStaleTopLevelSockets(t *testing.T) {
	m := newTestManager(t)
	os.WriteFile(m.cfg.APISocketPath(), nil, 0755)
	os.WriteFile(m.cfg.ControlSocketPath(), nil, 0600)

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, err := os.Stat(m.cfg.APISocketPath()); !os.IsNotExist(err) {
		t.Error("stale api.sock should have been removed")
	}
	if _, err := os.Stat(m.cfg.ControlSocketPath()); !os.IsNotExist(err) {
		t.Error("stale control.sock should have been removed")
	}
}

func TestRecoverLeavesAliveForwarderAlone(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create(CreateSpec{ID: "alive-forwarder", Argv: []string{"/bin/sh"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess.Status = sessiondata.StatusRunning
	sess.ForwarderPID = os.Getpid() // this test process is certainly alive
	dir := m.cfg.SessionDir(sess.ID)
	if err := sess.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != sessiondata.StatusRunning {
		t.Errorf("Status = %s, want running (forwarder still alive)", got.Status)
	}
}
