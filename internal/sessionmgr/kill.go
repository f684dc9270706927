package sessionmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/vibetunnel/vtcore/internal/ipc"
)

// sendKillOverIPC dials the session's ipc.sock and sends a
// CONTROL_CMD{cmd:"kill"} frame, per spec.md §4.5's Kill contract.
func sendKillOverIPC(ctx context.Context, sessionDir string, signal string) error {
	payload, err := json.Marshal(ipc.KillCmd{Cmd: "kill", Signal: signal})
	if err != nil {
		return fmt.Errorf("sessionmgr: marshal kill command: %w", err)
	}
	return sendControlCmdOverIPC(ctx, sessionDir, payload)
}

// sendControlCmdOverIPC dials the session's ipc.sock and writes a
// CONTROL_CMD frame carrying payload.
func sendControlCmdOverIPC(ctx context.Context, sessionDir string, payload []byte) error {
	sockPath := filepath.Join(sessionDir, "ipc.sock")

	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return fmt.Errorf("sessionmgr: dial ipc.sock: %w", err)
	}
	defer conn.Close()

	frame := ipc.Frame{Type: ipc.TypeControlCmd, Payload: payload}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if _, err := conn.Write(frame.Encode()); err != nil {
		return fmt.Errorf("sessionmgr: write control cmd frame: %w", err)
	}
	return nil
}

// UpdateTitle forwards a CONTROL_CMD{cmd:"update-title"} to the
// session's forwarder (spec.md §4.8's "title" API command).
func (m *Manager) UpdateTitle(id, title string) error {
	payload, err := json.Marshal(ipc.UpdateTitleCmd{Cmd: "update-title", Title: title})
	if err != nil {
		return fmt.Errorf("sessionmgr: marshal update-title command: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sendControlCmdOverIPC(ctx, m.cfg.SessionDir(id), payload)
}
