package controlsocket

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vibetunnel/vtcore/internal/ipc"
)

// DialNotifier connects to control.sock as a regular client and
// implements forwarder.Notifier by encoding each notification as a
// CONTROL_CMD envelope event. Forwarders use this to satisfy spec.md
// §4.6's "events emitted by forwarders" without depending on the
// controlsocket server package.
type DialNotifier struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialNotifierTimeout is how long a forwarder waits for control.sock
// to accept the connection at startup.
const DialNotifierTimeout = 2 * time.Second

// Dial connects to the control socket at path.
func Dial(path string) (*DialNotifier, error) {
	conn, err := net.DialTimeout("unix", path, DialNotifierTimeout)
	if err != nil {
		return nil, fmt.Errorf("controlsocket: dial %s: %w", path, err)
	}
	return &DialNotifier{conn: conn}, nil
}

// Notify implements forwarder.Notifier.
func (d *DialNotifier) Notify(category, action string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	env := ipc.Envelope{
		ID:       newEventID(),
		Category: ipc.Category(category),
		Type:     ipc.EnvelopeEvent,
		Action:   action,
		Data:     raw,
	}
	frame, err := env.Encode()
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn.Write(frame.Encode())
}

// Close disconnects from the control socket.
func (d *DialNotifier) Close() error {
	return d.conn.Close()
}
