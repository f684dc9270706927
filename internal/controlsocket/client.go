package controlsocket

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibetunnel/vtcore/internal/ipc"
	"github.com/vibetunnel/vtcore/internal/vtlog"
)

func newEventID() string { return uuid.NewString() }

// client is one accepted control-socket peer. Liveness is tracked by
// the timestamp of the last frame received from it, regardless of
// frame type; a peer that stops producing any inbound traffic for
// more than heartbeatMisses*heartbeatInterval is disconnected
// (spec.md §8 scenario 6).
type client struct {
	id   uint64
	conn net.Conn
	srv  *Server

	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
}

func newClient(id uint64, conn net.Conn, srv *Server) *client {
	return &client{id: id, conn: conn, srv: srv, lastSeen: time.Now()}
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *client) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

func (c *client) send(env ipc.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(frame.Encode())
	return err
}

func (c *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()
	defer c.srv.removeClient(c.id)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.inboundPump(ctx) }()
	go func() { defer wg.Done(); c.heartbeatLoop(ctx) }()
	wg.Wait()
}

func (c *client) inboundPump(ctx context.Context) {
	parser := ipc.NewParser(ipc.DefaultMaxPayload, false)
	buf := make([]byte, 32*1024)
	log := vtlog.For("controlsocket")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.touch()
			frames, perr := parser.Feed(buf[:n])
			for _, fr := range frames {
				c.dispatch(fr)
			}
			if perr != nil {
				log.Warn("protocol error, closing client", "client", c.id, "error", perr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context) {
	if c.srv.heartbeatInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.srv.heartbeatInterval)
	defer ticker.Stop()
	deadline := c.srv.heartbeatInterval * time.Duration(c.srv.heartbeatMisses)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.idleFor() > deadline {
				vtlog.For("controlsocket").Info("client missed heartbeats, disconnecting", "client", c.id)
				c.conn.Close()
				return
			}
			c.send(ipc.Envelope{ID: newEventID(), Category: ipc.CategoryHeartbeat, Type: ipc.EnvelopeEvent, Action: "ping"})
		}
	}
}

func (c *client) dispatch(fr ipc.Frame) {
	switch fr.Type {
	case ipc.TypeHeartbeat:
		c.conn.Write(ipc.Frame{Type: ipc.TypeHeartbeat}.Encode())
		return
	case ipc.TypeControlCmd:
		env, err := ipc.DecodeEnvelope(fr)
		if err != nil {
			c.srv.invariantErrors.Add(1)
			vtlog.For("controlsocket").Warn("malformed envelope", "client", c.id, "error", err)
			return
		}
		c.handleEnvelope(env)
	default:
		// unknown frame types are tolerated (spec.md §6)
	}
}

func (c *client) handleEnvelope(env ipc.Envelope) {
	switch env.Category {
	case ipc.CategoryHeartbeat:
		if env.Type == ipc.EnvelopeRequest {
			c.send(ipc.Envelope{ID: env.ID, Category: ipc.CategoryHeartbeat, Type: ipc.EnvelopeResponse})
		}
	case ipc.CategorySession:
		c.handleSession(env)
	case ipc.CategorySessionMonitor:
		// notification events from forwarders are simply relayed to
		// every other connected client (dashboards, CLIs).
		if env.Type == ipc.EnvelopeEvent {
			c.srv.broadcast(env, c.id)
		}
	case ipc.CategorySystem:
		if env.Type == ipc.EnvelopeEvent {
			c.srv.broadcast(env, c.id)
		}
	case ipc.CategoryInput, ipc.CategoryGit:
		// opaque pass-through per spec.md §9's "opaque variant" design note.
		c.srv.broadcast(env, c.id)
	default:
		c.srv.broadcast(env, c.id)
	}
}

// handleSession answers session.* requests directly from the manager
// and relays session.* events (created/closed/updated) emitted by
// forwarders to every other client.
func (c *client) handleSession(env ipc.Envelope) {
	if env.Type == ipc.EnvelopeEvent {
		c.srv.broadcast(env, c.id)
		return
	}
	if env.Type != ipc.EnvelopeRequest {
		return
	}

	var resp ipc.Envelope
	resp.ID = env.ID
	resp.Category = ipc.CategorySession
	resp.Type = ipc.EnvelopeResponse

	switch env.Action {
	case "list":
		sessions, err := c.srv.mgr.List()
		if err != nil {
			resp.Error = &ipc.EnvelopeError{Code: "io-error", Message: err.Error()}
		} else {
			data, _ := json.Marshal(sessions)
			resp.Data = data
		}
	case "get":
		var req struct {
			ID string `json:"id"`
		}
		json.Unmarshal(env.Data, &req)
		sess, err := c.srv.mgr.Get(req.ID)
		if err != nil {
			resp.Error = &ipc.EnvelopeError{Code: "not-found", Message: err.Error()}
		} else {
			data, _ := json.Marshal(sess)
			resp.Data = data
		}
	default:
		resp.Error = &ipc.EnvelopeError{Code: "bad-command", Message: "unknown session action: " + env.Action}
	}

	c.send(resp)
}
