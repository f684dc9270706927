package forwarder

import (
	"os"
	"path/filepath"
	"time"

	"github.com/vibetunnel/vtcore/internal/sessiondata"
	"github.com/vibetunnel/vtcore/internal/vtlog"
)

// beginExit runs the terminal state machine of spec.md §4.4 exactly
// once, regardless of which worker observed the exit condition first
// (PTY EOF or an explicit kill reaping the child).
func (f *Forwarder) beginExit(reason string, fallbackCode int) {
	f.exitOnce.Do(func() {
		f.runExit(reason, fallbackCode)
	})
}

func (f *Forwarder) runExit(reason string, fallbackCode int) {
	log := vtlog.For("forwarder")
	log.Info("session exiting", "session", f.id, "reason", reason)

	exitCode := fallbackCode
	f.mu.Lock()
	child := f.child
	f.mu.Unlock()
	if child != nil {
		if err := child.Wait(); err != nil {
			if exitErr, ok := asExitError(err); ok {
				exitCode = exitErr.ExitCode()
			}
		} else if child.ProcessState != nil {
			exitCode = child.ProcessState.ExitCode()
		}
	}

	// Drain the fan-out and tell every live subscriber the session is
	// over before tearing down the cast writer.
	f.mu.Lock()
	f.sess.Status = sessiondata.StatusExited
	code := exitCode
	f.sess.ExitCode = &code
	now := time.Now()
	f.sess.ExitedAt = &now
	sessCopy := *f.sess
	conns := make([]*connection, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	f.broadcastSessionInfo()

	if f.castWriter != nil {
		if err := f.castWriter.WriteExitRecord(exitCode, now); err != nil {
			log.Error("failed to write exit record", "session", f.id, "error", err)
		}
		if err := f.castWriter.Close(); err != nil {
			log.Error("failed to close cast writer", "session", f.id, "error", err)
		}
	}
	if f.vt != nil {
		f.vt.Close()
	}
	f.mu.Lock()
	if f.resizeFlushTimer != nil {
		f.resizeFlushTimer.Stop()
	}
	f.mu.Unlock()

	if err := sessCopy.Save(f.dir); err != nil {
		log.Error("failed to persist exited session.json", "session", f.id, "error", err)
	}

	if f.listener != nil {
		f.listener.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}

	os.Remove(filepath.Join(f.dir, "ipc.sock"))
	os.Remove(filepath.Join(f.dir, "stdin"))

	f.notifier.Notify("session", "closed", f.id)
	f.notifier.Notify("session-monitor", "notification", map[string]any{
		"kind":      "session-exit",
		"sessionId": f.id,
		"message":   reason,
	})
}

type exitCoder interface {
	ExitCode() int
}

func asExitError(err error) (exitCoder, bool) {
	ec, ok := err.(exitCoder)
	return ec, ok
}
