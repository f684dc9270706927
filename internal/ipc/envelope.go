package ipc

import (
	"encoding/json"
	"fmt"
)

// EnvelopeType distinguishes request/response/event traffic on the
// control socket's CONTROL_CMD envelope (spec.md §4.1/§4.6).
type EnvelopeType string

const (
	EnvelopeRequest  EnvelopeType = "request"
	EnvelopeResponse EnvelopeType = "response"
	EnvelopeEvent    EnvelopeType = "event"
)

// Category groups control-socket traffic by subsystem.
type Category string

const (
	CategoryAuth           Category = "auth"
	CategorySystem         Category = "system"
	CategorySession        Category = "session"
	CategorySessionMonitor Category = "session-monitor"
	CategoryInput          Category = "input"
	CategoryGit            Category = "git"
	CategoryHeartbeat      Category = "heartbeat"
)

// EnvelopeError is the {code,message} shape carried in an envelope's
// error field or in a bare ERROR frame payload.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Envelope is the JSON object carried inside every CONTROL_CMD frame
// on the control socket.
type Envelope struct {
	ID       string          `json:"id"`
	Category Category        `json:"category"`
	Type     EnvelopeType    `json:"type"`
	Action   string          `json:"action,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *EnvelopeError  `json:"error,omitempty"`
}

// Encode marshals e and wraps it in a CONTROL_CMD frame.
func (e Envelope) Encode() (Frame, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Frame{}, fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	return Frame{Type: TypeControlCmd, Payload: data}, nil
}

// DecodeEnvelope parses a CONTROL_CMD frame's payload as an Envelope.
func DecodeEnvelope(f Frame) (Envelope, error) {
	if f.Type != TypeControlCmd {
		return Envelope{}, &ProtocolError{Reason: fmt.Sprintf("expected CONTROL_CMD, got %s", f.Type)}
	}
	var e Envelope
	if err := json.Unmarshal(f.Payload, &e); err != nil {
		return Envelope{}, &ProtocolError{Reason: "malformed control envelope: " + err.Error()}
	}
	return e, nil
}

// ResizeCmd is the payload of a {cmd:"resize"} CONTROL_CMD on the
// session-IPC socket (not the control-socket envelope above).
type ResizeCmd struct {
	Cmd  string `json:"cmd"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// KillCmd is the payload of a {cmd:"kill"} CONTROL_CMD.
type KillCmd struct {
	Cmd    string `json:"cmd"`
	Signal string `json:"signal,omitempty"`
}

// ResetSizeCmd is the payload of a {cmd:"reset-size"} CONTROL_CMD.
type ResetSizeCmd struct {
	Cmd string `json:"cmd"`
}

// UpdateTitleCmd is the payload of a {cmd:"update-title"} CONTROL_CMD.
type UpdateTitleCmd struct {
	Cmd   string `json:"cmd"`
	Title string `json:"title"`
}

// AttachCmd is the payload of a {cmd:"attach"} CONTROL_CMD (spec.md
// §4.7 cast-tail resync). A subscriber with no known byte offset sets
// HasOffset false and receives a fast-attach VT snapshot instead of a
// cast-tail replay.
type AttachCmd struct {
	Cmd       string `json:"cmd"`
	HasOffset bool   `json:"has_offset"`
	Offset    int64  `json:"offset"`
	Epoch     int64  `json:"epoch"`
}

// SessionControlCmd peeks at just the "cmd" discriminator of a
// session-IPC CONTROL_CMD payload, for dispatch.
type SessionControlCmd struct {
	Cmd string `json:"cmd"`
}

// ParseSessionControlCmd reports which of resize/kill/reset-size/
// update-title/attach a CONTROL_CMD payload names, returning
// ErrBadCommand (spec.md §6: unrecognized cmd fields return ERROR
// "bad-command") for anything else.
func ParseSessionControlCmd(payload []byte) (string, error) {
	var probe SessionControlCmd
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", &ProtocolError{Reason: "malformed CONTROL_CMD JSON: " + err.Error()}
	}
	switch probe.Cmd {
	case "resize", "kill", "reset-size", "update-title", "attach":
		return probe.Cmd, nil
	default:
		return "", ErrBadCommand
	}
}

// ErrBadCommand is returned for an unrecognized session-IPC cmd field;
// callers translate it into an ERROR frame with code "bad-command".
var ErrBadCommand = fmt.Errorf("ipc: bad-command")
