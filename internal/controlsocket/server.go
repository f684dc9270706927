// Package controlsocket implements the process-wide control socket
// (C6): a single long-lived, bidirectional, multiplexed event bus
// between session forwarders, the session manager, and external
// supervisors (spec.md §4.6).
package controlsocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/vibetunnel/vtcore/internal/ipc"
	"github.com/vibetunnel/vtcore/internal/sessionmgr"
	"github.com/vibetunnel/vtcore/internal/vtconfig"
	"github.com/vibetunnel/vtcore/internal/vtlog"
)

// Server accepts control-socket clients and relays categorized
// envelopes between them (spec.md §4.6 delivery: at-least-once within
// a connection; events are dropped for a peer on disconnect).
type Server struct {
	cfg vtconfig.Config
	mgr *sessionmgr.Manager

	heartbeatInterval time.Duration
	heartbeatMisses   int

	mu       sync.Mutex
	clients  map[uint64]*client
	nextID   uint64
	listener net.Listener

	invariantErrors atomicCounter
}

// New constructs a control-socket server bound to cfg.ControlSocketPath().
func New(cfg vtconfig.Config, mgr *sessionmgr.Manager) *Server {
	return &Server{
		cfg:               cfg,
		mgr:               mgr,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatMisses:   cfg.HeartbeatMisses,
		clients:           make(map[uint64]*client),
	}
}

// ListenAndServe binds control.sock (mode 0600 per spec.md §6) and
// serves clients until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	path := s.cfg.ControlSocketPath()
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	log := vtlog.For("controlsocket")
	log.Info("listening", "path", path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				os.Remove(path)
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.nextID++
		id := s.nextID
		cl := newClient(id, c, s)
		s.clients[id] = cl
		s.mu.Unlock()

		go cl.run(ctx)
	}
}

func (s *Server) removeClient(id uint64) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// broadcast sends env to every connected client except skip (use 0 to
// skip no one). Delivery is best-effort: a slow or disconnected
// peer simply misses the event (spec.md §4.6 delivery policy).
func (s *Server) broadcast(env ipc.Envelope, skip uint64) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id == skip {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.send(env)
	}
}

// Broadcast lets external callers (the manager, the daemon's shutdown
// path) publish a category/action/data event to every connected
// client, e.g. "system"/"shutdown".
func (s *Server) Broadcast(category ipc.Category, action string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.broadcast(ipc.Envelope{
		ID:       newEventID(),
		Category: category,
		Type:     ipc.EnvelopeEvent,
		Action:   action,
		Data:     raw,
	}, 0)
}

// ClientCount reports the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// InvariantErrorCount reports counted InvariantViolation errors
// observed while dispatching envelopes (spec.md §7), exposed by the
// API socket's "status" command.
func (s *Server) InvariantErrorCount() int64 {
	return s.invariantErrors.Load()
}

type atomicCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *atomicCounter) Add(delta int64) {
	c.mu.Lock()
	c.n += delta
	c.mu.Unlock()
}

func (c *atomicCounter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
