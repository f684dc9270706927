// Package sessionmgr implements the session manager (C5): allocates
// the <root>/control/<id>/ filesystem layout, spawns and supervises
// per-session forwarder processes, and serves the catalog consumed by
// the control and API sockets.
package sessionmgr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/vibetunnel/vtcore/internal/sessiondata"
	"github.com/vibetunnel/vtcore/internal/vtconfig"
	"github.com/vibetunnel/vtcore/internal/vtlog"
)

// CreateSpec describes a session to create (spec.md §4.5 precondition:
// valid argv; if Cwd is set, it must exist).
type CreateSpec struct {
	ID    string
	Argv  []string
	Env   map[string]string
	Cwd   string
	Cols  int
	Rows  int
	Title string
}

// Manager is the session fleet supervisor.
type Manager struct {
	cfg           vtconfig.Config
	forwarderPath string
}

// New constructs a Manager rooted at cfg.Root. forwarderPath is the
// executable that understands the hidden "forward" subcommand used to
// launch a per-session C4 forwarder process; in production this is the
// vtd binary's own path (os.Executable()).
func New(cfg vtconfig.Config, forwarderPath string) (*Manager, error) {
	if err := os.MkdirAll(cfg.ControlDir(), 0700); err != nil {
		return nil, fmt.Errorf("sessionmgr: create control dir: %w", err)
	}
	return &Manager{cfg: cfg, forwarderPath: forwarderPath}, nil
}

// Create allocates a session directory, writes the initial
// session.json, and launches a detached forwarder process. It does
// not wait for the forwarder to finish starting up.
func (m *Manager) Create(spec CreateSpec) (*sessiondata.Session, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("sessionmgr: argv must not be empty")
	}
	if spec.Cwd != "" {
		if _, err := os.Stat(spec.Cwd); err != nil {
			return nil, &PathNotFoundError{Path: spec.Cwd}
		}
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	dir := m.cfg.SessionDir(id)

	if err := os.Mkdir(dir, 0700); err != nil {
		if os.IsExist(err) {
			return nil, &AlreadyExistsError{ID: id}
		}
		return nil, fmt.Errorf("sessionmgr: create session dir: %w", err)
	}

	sess := &sessiondata.Session{
		ID:        id,
		Command:   spec.Argv,
		Cwd:       spec.Cwd,
		Env:       spec.Env,
		Cols:      spec.Cols,
		Rows:      spec.Rows,
		Title:     spec.Title,
		CreatedAt: time.Now(),
		Status:    sessiondata.StatusStarting,
	}
	if err := sess.Save(dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("sessionmgr: write initial session.json: %w", err)
	}

	cmd := exec.Command(m.forwarderPath, "forward", "--id", id, "--root", m.cfg.Root)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		exitCode := -1
		sess.Status = sessiondata.StatusExited
		sess.ExitCode = &exitCode
		sess.Save(dir)
		return nil, &SpawnFailedError{Cause: err}
	}
	// The forwarder is a detached, self-supervising process; reap it
	// here only to avoid leaking a zombie if it happens to share our
	// process group unexpectedly.
	go cmd.Wait()

	sess.ForwarderPID = cmd.Process.Pid
	if err := sess.Save(dir); err != nil {
		vtlog.For("sessionmgr").Warn("failed to persist forwarder pid", "session", id, "error", err)
	}

	return sess, nil
}

// List reads every <root>/control/*/session.json, skipping malformed
// entries.
func (m *Manager) List() ([]*sessiondata.Session, error) {
	entries, err := os.ReadDir(m.cfg.ControlDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessionmgr: list control dir: %w", err)
	}

	var out []*sessiondata.Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := sessiondata.Load(m.cfg.SessionDir(e.Name()))
		if err != nil {
			vtlog.For("sessionmgr").Warn("skipping malformed session", "id", e.Name(), "error", err)
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get loads a single session by id.
func (m *Manager) Get(id string) (*sessiondata.Session, error) {
	sess, err := sessiondata.Load(m.cfg.SessionDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{ID: id}
		}
		return nil, err
	}
	return sess, nil
}

// Kill forwards a kill command over the session's IPC socket. If the
// socket is absent (forwarder already dead), it rewrites session.json
// to exited with the last known exit code instead.
func (m *Manager) Kill(ctx context.Context, id string, signal string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	if sess.Status == sessiondata.StatusExited {
		return nil // idempotent: Kill then Kill is a no-op success
	}

	dir := m.cfg.SessionDir(id)
	if err := sendKillOverIPC(ctx, dir, signal); err != nil {
		vtlog.For("sessionmgr").Warn("kill via ipc.sock failed, marking exited directly", "session", id, "error", err)
		if sess.ExitCode == nil {
			unknown := -1
			sess.ExitCode = &unknown
		}
		if serr := sess.SetStatus(sessiondata.StatusExited); serr == nil {
			now := time.Now()
			sess.ExitedAt = &now
			return sess.Save(dir)
		}
		return nil // already exited by the time we got here
	}
	return nil
}

// Cleanup removes directories whose session is exited and whose
// exited_at predates now-retention.
func (m *Manager) Cleanup(retention time.Duration) (int, error) {
	sessions, err := m.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-retention)
	count := 0
	for _, s := range sessions {
		if s.Status != sessiondata.StatusExited || s.ExitedAt == nil {
			continue
		}
		if s.ExitedAt.After(cutoff) {
			continue
		}
		if err := os.RemoveAll(m.cfg.SessionDir(s.ID)); err != nil {
			vtlog.For("sessionmgr").Error("cleanup failed", "session", s.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}
