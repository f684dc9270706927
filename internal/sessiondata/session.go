// Package sessiondata defines the on-disk session record and its atomic
// persistence, grounded on the teacher's internal/history/store.go
// temp-file-plus-rename pattern and the pack's noppefoxwolf-vibetunnel
// saveSessionInfo/loadSessionInfo helpers.
package sessiondata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is the session lifecycle state. Transitions only move forward:
// starting -> running -> exited. No regressions.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// rank orders statuses so callers can reject backward transitions.
var rank = map[Status]int{
	StatusStarting: 0,
	StatusRunning:  1,
	StatusExited:   2,
}

// CanTransition reports whether moving from s to next is a legal forward
// (or no-op) transition.
func (s Status) CanTransition(next Status) bool {
	return rank[next] >= rank[s]
}

// Session is the session.json schema (spec.md §3).
type Session struct {
	ID        string            `json:"id"`
	Command   []string          `json:"command"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	Cols      int               `json:"cols"`
	Rows      int               `json:"rows"`
	Title     string            `json:"title,omitempty"`
	CreatedAt time.Time         `json:"created_at"`

	ForwarderPID int `json:"forwarder_pid"`
	ChildPID     int `json:"child_pid"`

	Status Status `json:"status"`

	ExitCode *int       `json:"exit_code,omitempty"`
	ExitedAt *time.Time `json:"exited_at,omitempty"`

	// TruncationEpoch increments every time the cast file is truncated,
	// so a subscriber holding a stale byte offset can detect that its
	// offset no longer refers to the same file contents (spec.md §4.7).
	TruncationEpoch int64 `json:"truncation_epoch"`
}

// Path returns the session.json path for a session directory.
func Path(sessionDir string) string {
	return filepath.Join(sessionDir, "session.json")
}

// Load reads and parses session.json from sessionDir.
func Load(sessionDir string) (*Session, error) {
	data, err := os.ReadFile(Path(sessionDir))
	if err != nil {
		return nil, fmt.Errorf("read session.json: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session.json: %w", err)
	}
	return &s, nil
}

// Save atomically rewrites session.json: marshal, write to a sibling
// temp file, fsync, then rename over the destination. A reader never
// observes a partial write.
func (s *Session) Save(sessionDir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session.json: %w", err)
	}

	dst := Path(sessionDir)
	tmp, err := os.CreateTemp(sessionDir, ".session.json.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp session.json: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp session.json: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp session.json: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp session.json: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename session.json: %w", err)
	}
	return nil
}

// SetStatus applies a forward-only status transition. Backward or
// no-op-on-terminal transitions return an error rather than silently
// rewriting the record.
func (s *Session) SetStatus(next Status) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("sessiondata: illegal transition %s -> %s", s.Status, next)
	}
	if s.Status == StatusExited && next == StatusExited {
		return fmt.Errorf("sessiondata: session already %s", s.Status)
	}
	s.Status = next
	return nil
}

// MarkExited records the exit code/time and transitions to StatusExited.
func (s *Session) MarkExited(code int) error {
	if err := s.SetStatus(StatusExited); err != nil {
		return err
	}
	now := time.Now()
	s.ExitCode = &code
	s.ExitedAt = &now
	return nil
}
