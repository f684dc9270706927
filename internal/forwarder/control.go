package forwarder

import (
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vibetunnel/vtcore/internal/ipc"
	"github.com/vibetunnel/vtcore/internal/vtlog"
)

// handleControlCmd dispatches a session-IPC CONTROL_CMD payload to the
// resize/kill/reset-size/update-title handlers (spec.md §4.4).
// Unrecognized cmd fields are reported as ipc.ErrBadCommand, which the
// caller translates into an ERROR frame with code "bad-command"
// (spec.md §6).
func (f *Forwarder) handleControlCmd(payload []byte) error {
	cmd, err := ipc.ParseSessionControlCmd(payload)
	if err != nil {
		return err
	}

	switch cmd {
	case "resize":
		var rc ipc.ResizeCmd
		if err := json.Unmarshal(payload, &rc); err != nil {
			return fmt.Errorf("forwarder: malformed resize command: %w", err)
		}
		return f.handleResize(rc.Cols, rc.Rows)
	case "kill":
		var kc ipc.KillCmd
		if err := json.Unmarshal(payload, &kc); err != nil {
			return fmt.Errorf("forwarder: malformed kill command: %w", err)
		}
		return f.handleKill(kc.Signal)
	case "reset-size":
		return f.handleResetSize()
	case "update-title":
		var uc ipc.UpdateTitleCmd
		if err := json.Unmarshal(payload, &uc); err != nil {
			return fmt.Errorf("forwarder: malformed update-title command: %w", err)
		}
		return f.handleUpdateTitle(uc.Title)
	default:
		return ipc.ErrBadCommand
	}
}

// handleResize issues the PTY resize syscall, writes an "r" cast
// event, and echoes SESSION_INFO to subscribers. Rapid repeated resize
// requests are coalesced into at most one actual PTY resize syscall
// per batch window via resizeLimiter, while every request still
// produces its own cast event (spec.md §8: "not deduplicated... at
// most one actual PTY resize syscall"). A request that lands inside an
// already-open window is stashed and flushed once the window closes,
// so the last geometry requested in a burst is never dropped even
// when no later request arrives to trigger it.
func (f *Forwarder) handleResize(cols, rows int) error {
	if f.castWriter != nil {
		if err := f.castWriter.WriteResize(cols, rows); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.sess.Cols = cols
	f.sess.Rows = rows
	sessCopy := *f.sess
	ptmx := f.ptmx
	vt := f.vt
	f.mu.Unlock()
	if vt != nil {
		vt.Resize(cols, rows)
	}

	if f.resizeLimiter.Allow() {
		f.mu.Lock()
		f.pendingResize.have = false
		f.mu.Unlock()
		if ptmx != nil {
			if err := applyPTYSize(ptmx, cols, rows); err != nil {
				return err
			}
		}
	} else {
		f.mu.Lock()
		f.pendingResize.cols, f.pendingResize.rows, f.pendingResize.have = cols, rows, true
		needsTimer := f.resizeFlushTimer == nil
		if needsTimer {
			f.resizeFlushTimer = time.AfterFunc(resizeCoalesceWindow, f.flushPendingResize)
		}
		f.mu.Unlock()
	}

	if err := sessCopy.Save(f.dir); err != nil {
		return err
	}
	f.broadcastSessionInfo()
	return nil
}

// flushPendingResize applies the most recently stashed geometry once
// a coalescing window closes with no further resize request to
// trigger the apply inline.
func (f *Forwarder) flushPendingResize() {
	f.mu.Lock()
	f.resizeFlushTimer = nil
	if !f.pendingResize.have {
		f.mu.Unlock()
		return
	}
	cols, rows := f.pendingResize.cols, f.pendingResize.rows
	f.pendingResize.have = false
	ptmx := f.ptmx
	f.mu.Unlock()

	if ptmx == nil {
		return
	}
	if err := applyPTYSize(ptmx, cols, rows); err != nil {
		vtlog.For("forwarder").Error("flush pending resize failed", "error", err)
	}
}

func applyPTYSize(ptmx interface {
	Fd() uintptr
}, cols, rows int) error {
	return unix.IoctlSetWinsize(int(ptmx.Fd()), unix.TIOCSWINSZ, &unix.Winsize{
		Row: uint16(rows),
		Col: uint16(cols),
	})
}

// handleKill signals the PTY leader; the exit path runs regardless of
// whether the signal is ultimately what ends the child.
func (f *Forwarder) handleKill(signal string) error {
	f.mu.Lock()
	child := f.child
	f.mu.Unlock()
	if child == nil || child.Process == nil {
		return nil
	}
	sig := syscall.SIGTERM
	if signal == "KILL" {
		sig = syscall.SIGKILL
	}
	return child.Process.Signal(sig)
}

func (f *Forwarder) handleResetSize() error {
	f.mu.Lock()
	cols, rows := f.sess.Cols, f.sess.Rows
	f.mu.Unlock()
	return f.handleResize(cols, rows)
}

func (f *Forwarder) handleUpdateTitle(title string) error {
	f.mu.Lock()
	f.sess.Title = title
	sessCopy := *f.sess
	f.mu.Unlock()
	if err := sessCopy.Save(f.dir); err != nil {
		return err
	}
	f.broadcastSessionInfo()
	return nil
}

func (f *Forwarder) replyStatus(c *connection) error {
	f.mu.Lock()
	sessCopy := *f.sess
	f.mu.Unlock()
	data, err := json.Marshal(map[string]any{
		"app":    "vtcore",
		"status": string(sessCopy.Status),
	})
	if err != nil {
		return err
	}
	return c.writeFrame(ipc.Frame{Type: ipc.TypeStatusUpdate, Payload: data})
}

func (f *Forwarder) broadcastSessionInfo() {
	f.mu.Lock()
	sessCopy := *f.sess
	conns := make([]*connection, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	data, err := json.Marshal(sessCopy)
	if err != nil {
		return
	}
	frame := ipc.Frame{Type: ipc.TypeSessionInfo, Payload: data}
	for _, c := range conns {
		c.writeFrame(frame)
	}
}
