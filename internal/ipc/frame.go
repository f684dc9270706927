// Package ipc implements the framed binary protocol used by the control
// and session-IPC sockets (the API socket exchanges bare JSON objects
// instead): one-byte type, big-endian
// uint32 length, length bytes of payload. Grounded on the wire layout
// of the pack's vendored xtaci/smux session/stream framing, adapted
// from smux's stream-multiplexing header to this core's flat
// type+length+payload frame.
package ipc

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the frame's payload kind.
type Type byte

const (
	TypeStdinData         Type = 0x01
	TypeControlCmd        Type = 0x02
	TypeStatusUpdate      Type = 0x03
	TypeStdoutData        Type = 0x04
	TypeSessionInfo       Type = 0x05
	TypeError             Type = 0x06
	TypeHeartbeat         Type = 0x07
	TypeStatusRequest     Type = 0x08
	TypeGitFollowRequest  Type = 0x09
	TypeGitEventNotify    Type = 0x0A
)

func (t Type) String() string {
	switch t {
	case TypeStdinData:
		return "STDIN_DATA"
	case TypeControlCmd:
		return "CONTROL_CMD"
	case TypeStatusUpdate:
		return "STATUS_UPDATE"
	case TypeStdoutData:
		return "STDOUT_DATA"
	case TypeSessionInfo:
		return "SESSION_INFO"
	case TypeError:
		return "ERROR"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeStatusRequest:
		return "STATUS_REQUEST"
	case TypeGitFollowRequest:
		return "GIT_FOLLOW_REQUEST"
	case TypeGitEventNotify:
		return "GIT_EVENT_NOTIFY"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// knownTypes is consulted only in strict mode; unknown types otherwise
// pass through uninterpreted.
var knownTypes = map[Type]bool{
	TypeStdinData:        true,
	TypeControlCmd:       true,
	TypeStatusUpdate:     true,
	TypeStdoutData:       true,
	TypeSessionInfo:      true,
	TypeError:            true,
	TypeHeartbeat:        true,
	TypeStatusRequest:    true,
	TypeGitFollowRequest: true,
	TypeGitEventNotify:   true,
}

// DefaultMaxPayload is the default maximum frame payload size.
const DefaultMaxPayload = 16 * 1024 * 1024

const headerLen = 5 // 1 byte type + 4 byte length

// Frame is a decoded protocol frame.
type Frame struct {
	Type    Type
	Payload []byte
}

// Encode serializes f to the wire format.
func (f Frame) Encode() []byte {
	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.Payload)))
	copy(buf[5:], f.Payload)
	return buf
}

// ProtocolError is returned for malformed or oversize frames, or for
// unrecognized types while strict mode is in effect.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ipc: protocol error: %s", e.Reason)
}

// DecodeOne decodes exactly one frame from buf, returning the frame,
// the number of bytes consumed, and any error. It returns (Frame{}, 0,
// nil) if buf does not yet contain a complete frame.
func DecodeOne(buf []byte, maxPayload int, strict bool) (Frame, int, error) {
	if len(buf) < headerLen {
		return Frame{}, 0, nil
	}
	typ := Type(buf[0])
	length := binary.BigEndian.Uint32(buf[1:5])

	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if int64(length) > int64(maxPayload) {
		return Frame{}, 0, &ProtocolError{Reason: fmt.Sprintf("frame length %d exceeds max %d", length, maxPayload)}
	}
	if strict && !knownTypes[typ] {
		return Frame{}, 0, &ProtocolError{Reason: fmt.Sprintf("unknown frame type 0x%02x", byte(typ))}
	}

	total := headerLen + int(length)
	if len(buf) < total {
		return Frame{}, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[headerLen:total])
	return Frame{Type: typ, Payload: payload}, total, nil
}
