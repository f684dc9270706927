package forwarder

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/vibetunnel/vtcore/internal/fanout"
	"github.com/vibetunnel/vtcore/internal/ipc"
	"github.com/vibetunnel/vtcore/internal/vtlog"
)

// connection is one accepted client of ipc.sock, running independent
// inbound (client->forwarder) and outbound (forwarder->client) pumps
// (spec.md §4.4 accept loop).
type connection struct {
	id   uint64
	conn net.Conn
	f    *Forwarder
	sub  *fanout.Subscriber

	writeMu sync.Mutex
}

// acceptLoop accepts ipc.sock clients with capped exponential backoff
// on transient errors (spec.md §4.4 failure semantics).
func (f *Forwarder) acceptLoop(ctx context.Context) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c, err := f.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			vtlog.For("forwarder").Warn("ipc.sock accept error, retrying", "session", f.id, "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 100 * time.Millisecond

		f.mu.Lock()
		f.nextConnID++
		id := f.nextConnID
		conn := &connection{id: id, conn: c, f: f, sub: f.fan.Subscribe(0)}
		f.conns[id] = conn
		f.mu.Unlock()

		go conn.run(ctx)
	}
}

func (c *connection) run(ctx context.Context) {
	defer c.close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.inboundPump(ctx) }()
	go func() { defer wg.Done(); c.outboundPump(ctx) }()
	wg.Wait()
}

func (c *connection) close() {
	c.conn.Close()
	c.f.fan.Unsubscribe(c.sub.ID)
	c.f.mu.Lock()
	delete(c.f.conns, c.id)
	c.f.mu.Unlock()
}

func (c *connection) writeFrame(fr ipc.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(fr.Encode())
	return err
}

// inboundPump parses frames from the client and dispatches them by
// type (spec.md §4.4).
func (c *connection) inboundPump(ctx context.Context) {
	parser := ipc.NewParser(ipc.DefaultMaxPayload, false)
	buf := make([]byte, 32*1024)
	errCount := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, perr := parser.Feed(buf[:n])
			for _, fr := range frames {
				if dispErr := c.dispatch(fr); dispErr != nil {
					errCount++
					c.sendError("bad-command", dispErr.Error())
					if errCount >= 3 {
						return
					}
				}
			}
			if perr != nil {
				c.sendError("protocol-error", perr.Error())
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *connection) sendError(code, message string) {
	errFrame, err := encodeErrorFrame(code, message)
	if err != nil {
		return
	}
	c.writeFrame(errFrame)
}

func encodeErrorFrame(code, message string) (ipc.Frame, error) {
	data := []byte(`{"code":"` + code + `","message":"` + jsonEscape(message) + `"}`)
	return ipc.Frame{Type: ipc.TypeError, Payload: data}, nil
}

func jsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			out = append(out, '\\', s[i])
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

func (c *connection) dispatch(fr ipc.Frame) error {
	switch fr.Type {
	case ipc.TypeStdinData:
		c.f.mu.Lock()
		ptmx := c.f.ptmx
		c.f.mu.Unlock()
		if ptmx != nil {
			ptmx.Write(fr.Payload)
		}
		if c.f.castWriter != nil {
			c.f.castWriter.WriteInput(fr.Payload)
		}
		return nil
	case ipc.TypeControlCmd:
		if cmd, err := ipc.ParseSessionControlCmd(fr.Payload); err == nil && cmd == "attach" {
			return c.f.handleAttach(c, fr.Payload)
		}
		return c.f.handleControlCmd(fr.Payload)
	case ipc.TypeHeartbeat:
		return c.writeFrame(ipc.Frame{Type: ipc.TypeHeartbeat})
	case ipc.TypeStatusRequest:
		return c.f.replyStatus(c)
	default:
		return nil // unknown types are tolerated and ignored, not errors
	}
}

// outboundPump drains the connection's fan-out subscription and emits
// STDOUT_DATA frames. Slow clients lag; they never backpressure the
// PTY (spec.md §4.4).
func (c *connection) outboundPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.sub.Wait():
			data, lagging := c.sub.Drain()
			if lagging {
				c.sendError("lagging", "subscriber ring overflowed; bytes were dropped")
			}
			if len(data) == 0 {
				continue
			}
			if err := c.writeFrame(ipc.Frame{Type: ipc.TypeStdoutData, Payload: data}); err != nil {
				return
			}
		}
	}
}
