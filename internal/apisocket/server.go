// Package apisocket implements the API socket server (C7): a
// process-wide, short-lived command endpoint for CLI tools. Each
// connection carries exactly one JSON request and one JSON response
// (spec.md §4.8); the server keeps no per-connection state.
package apisocket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/vibetunnel/vtcore/internal/controlsocket"
	"github.com/vibetunnel/vtcore/internal/sessiondata"
	"github.com/vibetunnel/vtcore/internal/sessionmgr"
	"github.com/vibetunnel/vtcore/internal/vtconfig"
	"github.com/vibetunnel/vtcore/internal/vtlog"
)

// Server serves one-shot {command,args?} requests on api.sock.
type Server struct {
	cfg  vtconfig.Config
	mgr  *sessionmgr.Manager
	ctrl *controlsocket.Server
}

// New constructs an apisocket.Server. ctrl may be nil if the control
// socket is not yet wired (status reports zero client count/errors).
func New(cfg vtconfig.Config, mgr *sessionmgr.Manager, ctrl *controlsocket.Server) *Server {
	return &Server{cfg: cfg, mgr: mgr, ctrl: ctrl}
}

// request is the single JSON object accepted per connection.
type request struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// response is the single JSON object returned per connection.
type response struct {
	OK    bool        `json:"ok"`
	Error *apiError   `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListenAndServe binds api.sock (mode 0755 per spec.md §6) and serves
// connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	path := s.cfg.APISocketPath()
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0755); err != nil {
		ln.Close()
		return err
	}
	log := vtlog.For("apisocket")
	log.Info("listening", "path", path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				os.Remove(path)
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	log := vtlog.For("apisocket")

	dec := json.NewDecoder(bufio.NewReader(conn))
	var req request
	if err := dec.Decode(&req); err != nil {
		writeResponse(conn, response{OK: false, Error: &apiError{Code: "bad-request", Message: err.Error()}})
		return
	}

	resp, err := s.dispatch(req)
	if err != nil {
		log.Warn("command failed", "command", req.Command, "error", err)
		writeResponse(conn, response{OK: false, Error: &apiError{Code: "command-error", Message: err.Error()}})
		return
	}
	writeResponse(conn, resp)
}

func writeResponse(conn net.Conn, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	conn.Write(data)
}

func (s *Server) dispatch(req request) (response, error) {
	switch req.Command {
	case "status":
		return s.handleStatus()
	case "sessions":
		return s.handleSessions()
	case "follow":
		return s.handleFollow(req.Args)
	case "unfollow":
		return s.handleUnfollow(req.Args)
	case "title":
		return s.handleTitle(req.Args)
	default:
		return response{OK: false, Error: &apiError{Code: "bad-command", Message: "unknown command: " + req.Command}}, nil
	}
}

type statusData struct {
	Sessions       int    `json:"sessions"`
	Running        int    `json:"running"`
	ControlClients int    `json:"control_clients"`
	CastTotalSize  string `json:"cast_total_size"`
	InvariantErrs  int64  `json:"invariant_errors"`
}

func (s *Server) handleStatus() (response, error) {
	sessions, err := s.mgr.List()
	if err != nil {
		return response{}, err
	}
	running := 0
	var totalBytes uint64
	for _, sess := range sessions {
		if sess.Status == sessiondata.StatusRunning {
			running++
		}
		if info, err := os.Stat(s.cfg.SessionDir(sess.ID) + "/stdout"); err == nil {
			totalBytes += uint64(info.Size())
		}
	}
	data := statusData{
		Sessions:      len(sessions),
		Running:       running,
		CastTotalSize: humanize.Bytes(totalBytes),
	}
	if s.ctrl != nil {
		data.ControlClients = s.ctrl.ClientCount()
		data.InvariantErrs = s.ctrl.InvariantErrorCount()
	}
	return response{OK: true, Data: data}, nil
}

func (s *Server) handleSessions() (response, error) {
	sessions, err := s.mgr.List()
	if err != nil {
		return response{}, err
	}
	return response{OK: true, Data: sessions}, nil
}

type sessionIDArgs struct {
	ID string `json:"id"`
}

func (s *Server) handleFollow(raw json.RawMessage) (response, error) {
	var args sessionIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return response{OK: false, Error: &apiError{Code: "bad-request", Message: err.Error()}}, nil
	}
	sess, err := s.mgr.Get(args.ID)
	if err != nil {
		return response{OK: false, Error: &apiError{Code: "not-found", Message: err.Error()}}, nil
	}
	return response{OK: true, Data: sess}, nil
}

func (s *Server) handleUnfollow(raw json.RawMessage) (response, error) {
	var args sessionIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return response{OK: false, Error: &apiError{Code: "bad-request", Message: err.Error()}}, nil
	}
	// Follow/unfollow track no per-connection state on this short-lived
	// socket (spec.md §4.8); unfollow is an acknowledgement only.
	return response{OK: true}, nil
}

type titleArgs struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (s *Server) handleTitle(raw json.RawMessage) (response, error) {
	var args titleArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return response{OK: false, Error: &apiError{Code: "bad-request", Message: err.Error()}}, nil
	}
	sess, err := s.mgr.Get(args.ID)
	if err != nil {
		return response{OK: false, Error: &apiError{Code: "not-found", Message: err.Error()}}, nil
	}
	if sess.Status == sessiondata.StatusExited {
		return response{OK: false, Error: &apiError{Code: "invalid-state", Message: "session already exited"}}, nil
	}
	// The manager has no direct socket to the forwarder for a title
	// update outside Kill; route it the same way Kill does, over the
	// session's own ipc.sock, by asking the manager.
	if err := s.mgr.UpdateTitle(args.ID, args.Title); err != nil {
		return response{OK: false, Error: &apiError{Code: "io-error", Message: err.Error()}}, nil
	}
	return response{OK: true}, nil
}
