package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/execd/execd/process"
	"github.com/execd/execd/protocol"
	"github.com/execd/execd/session"
)

var capabilities = []string{
	protocol.MethodExecute,
	protocol.MethodControl,
	protocol.MethodStatus,
}

// connHandler owns one WebSocket connection and its session. The read
// loop, the heartbeat goroutine, and the output pump all write to the
// connection concurrently; wsjson serializes the frames.
type connHandler struct {
	server *Server
	log    *zap.SugaredLogger
	conn   *websocket.Conn

	sessionID string
	closeOnce sync.Once
}

func (s *Server) serveConn(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("accepting websocket conn: %s", err)
		return
	}

	ctx := r.Context()

	sess, err := s.sessions.Create()
	if err != nil {
		resp := protocol.NewErrorResponse(nil, protocol.ErrCodeSessionLimit, err.Error())
		if werr := wsjson.Write(ctx, conn, resp); werr != nil {
			s.log.Debugf("writing session limit response: %s", werr)
		}
		conn.Close(websocket.StatusPolicyViolation, "session limit exceeded")
		return
	}

	h := &connHandler{
		server:    s,
		log:       s.log.Named("conn").With("session_id", sess.ID),
		conn:      conn,
		sessionID: sess.ID,
	}
	h.serve(ctx)
}

func (h *connHandler) serve(ctx context.Context) {
	s := h.server

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// End terminates the session's process group, so a dropped
	// connection never leaves an orphaned subprocess behind.
	defer s.sessions.End(h.sessionID)
	defer h.close(websocket.StatusNormalClosure, "")

	h.notify(ctx, protocol.NotifyConnected, protocol.ConnectedParams{
		SessionID:    h.sessionID,
		Version:      ServiceVersion,
		Capabilities: capabilities,
	})

	go h.heartbeat(ctx)

	for {
		_, data, err := h.conn.Read(ctx)
		if err != nil {
			h.log.Debugf("connection closed: %s", err)
			return
		}
		h.dispatch(ctx, data)
	}
}

// heartbeat pushes periodic ping notifications so idle connections stay
// alive through intermediaries. A write failure means the connection is
// gone; the read loop observes the same and tears down.
func (h *connHandler) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(h.server.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, h.conn, protocol.NewNotification(protocol.NotifyPing, protocol.PingParams{
				Timestamp: time.Now().UnixMilli(),
			})); err != nil {
				h.log.Debugf("heartbeat write failed: %s", err)
				return
			}
		}
	}
}

func (h *connHandler) dispatch(ctx context.Context, data []byte) {
	req, perr := protocol.Parse(data)
	if perr != nil {
		h.writeResp(ctx, protocol.Response{JSONRPC: protocol.Version, Error: perr})
		return
	}

	switch req.Method {
	case protocol.MethodExecute:
		h.handleExecute(ctx, req)
	case protocol.MethodControl:
		h.handleControl(ctx, req)
	case protocol.MethodStatus:
		h.handleStatus(ctx, req)
	default:
		h.sendErr(ctx, req.ID, protocol.ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *connHandler) handleExecute(ctx context.Context, req *protocol.Request) {
	s := h.server

	var params protocol.ExecuteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.sendErr(ctx, req.ID, protocol.ErrCodeInvalidParams, "invalid execute params: "+err.Error())
		return
	}

	argv := params.Args
	if len(argv) == 0 {
		argv = strings.Fields(params.Command)
	} else {
		argv = append([]string{params.Command}, argv...)
	}
	if len(argv) == 0 || argv[0] == "" {
		h.sendErr(ctx, req.ID, protocol.ErrCodeInvalidParams, "empty command")
		return
	}

	if !s.validator.Allow(argv[0]) {
		h.log.Warnf("rejected command %q", argv[0])
		h.sendErr(ctx, req.ID, protocol.ErrCodeCommandNotAllowed, "command not allowed: "+argv[0])
		return
	}

	class := params.Class
	if class == "" {
		class = filepath.Base(argv[0])
	}

	var deadline time.Duration
	if params.TimeoutSecs > 0 {
		deadline = time.Duration(params.TimeoutSecs) * time.Second
	} else {
		deadline = s.estimator.Estimate(ctx, params.Command, class)
	}

	s.hookRunner.PreExecute(ctx, h.sessionID, params.Command)

	handle, err := s.sessions.BeginExecution(h.sessionID, func() (*process.Handle, error) {
		return s.procs.Spawn(argv[0], argv[1:], params.Env)
	})
	if err != nil {
		var spawnErr *process.SpawnError
		switch {
		case errors.Is(err, session.ErrNotFound):
			h.sendErr(ctx, req.ID, protocol.ErrCodeSessionNotFound, err.Error())
		case errors.Is(err, session.ErrAlreadyExecuting):
			h.sendErr(ctx, req.ID, protocol.ErrCodeAlreadyExecuting, err.Error())
		case errors.As(err, &spawnErr):
			h.sendErr(ctx, req.ID, protocol.ErrCodeSpawnFailed, err.Error())
		default:
			h.sendErr(ctx, req.ID, protocol.ErrCodeInternal, err.Error())
		}
		return
	}

	h.log.Infof("executing %q: pid=%d deadline=%s class=%s", params.Command, handle.PID(), deadline, class)

	h.sendResp(ctx, req.ID, protocol.ExecuteResult{
		Status: "started",
		PID:    handle.PID(),
		PGID:   handle.PGID(),
	})
	h.notify(ctx, protocol.NotifyStarted, protocol.StartedParams{
		PID:  handle.PID(),
		PGID: handle.PGID(),
	})

	go h.pump(ctx, handle, params.Command, class, deadline)
}

// pump drains the process until completion, streaming each output line
// to the client, then reports the final status. It runs concurrently
// with the read loop so control requests stay responsive.
func (h *connHandler) pump(ctx context.Context, handle *process.Handle, command, class string, deadline time.Duration) {
	s := h.server

	sink := func(stream string, data []byte) {
		h.notify(ctx, protocol.NotifyOutput, protocol.OutputParams{
			Stream: stream,
			Data:   string(data),
		})
	}
	cancel := func() {
		if err := s.procs.Cancel(handle, s.gracePeriod); err != nil {
			h.log.Debugf("cancelling process %d: %s", handle.PID(), err)
		}
	}

	res := s.streams.Run(ctx, handle, deadline, cancel, sink)
	duration := time.Since(handle.StartTime())

	status := protocol.StatusCompleted
	switch {
	case res.TimedOut:
		status = protocol.StatusTimedOut
	case handle.State() == process.StateCancelled:
		status = protocol.StatusCancelled
	case handle.State() == process.StateFailed:
		status = protocol.StatusFailed
	}

	var exitCode *int
	if code := handle.ExitCode(); code >= 0 {
		exitCode = &code
	}

	if s.store != nil && status == protocol.StatusCompleted {
		if err := s.store.Record(ctx, class, duration, handle.ExitCode()); err != nil {
			h.log.Debugf("recording timing for class %q: %s", class, err)
		}
	}

	s.hookRunner.PostExecute(ctx, h.sessionID, command, handle.ExitCode(), duration)

	h.notify(ctx, protocol.NotifyCompleted, protocol.CompletedParams{
		Status:        status,
		ExitCode:      exitCode,
		DroppedChunks: res.Dropped(),
		TimedOut:      res.TimedOut,
	})
	h.log.Infof("execution finished: status=%s duration=%s dropped=%d", status, duration, res.Dropped())

	s.sessions.FinishExecution(h.sessionID)
}

func (h *connHandler) handleControl(ctx context.Context, req *protocol.Request) {
	var params protocol.ControlParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.sendErr(ctx, req.ID, protocol.ErrCodeInvalidParams, "invalid control params: "+err.Error())
		return
	}

	var op session.Op
	var status string
	switch params.Op {
	case protocol.OpPause:
		op, status = session.OpPause, "paused"
	case protocol.OpResume:
		op, status = session.OpResume, "resumed"
	case protocol.OpCancel:
		op, status = session.OpCancel, "cancelled"
	default:
		h.sendErr(ctx, req.ID, protocol.ErrCodeInvalidParams, "unknown control op: "+params.Op)
		return
	}

	if err := h.server.sessions.Control(h.sessionID, op); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			h.sendErr(ctx, req.ID, protocol.ErrCodeSessionNotFound, err.Error())
		case errors.Is(err, session.ErrNotExecuting):
			h.sendErr(ctx, req.ID, protocol.ErrCodeInvalidParams, err.Error())
		default:
			h.sendErr(ctx, req.ID, protocol.ErrCodeInternal, err.Error())
		}
		return
	}
	h.sendResp(ctx, req.ID, protocol.ControlResult{Status: status})
}

func (h *connHandler) handleStatus(ctx context.Context, req *protocol.Request) {
	s := h.server

	info, err := s.sessions.Info(h.sessionID)
	if err != nil {
		h.sendErr(ctx, req.ID, protocol.ErrCodeSessionNotFound, err.Error())
		return
	}
	h.sendResp(ctx, req.ID, protocol.StatusResult{
		SessionID:      info.ID,
		State:          string(info.State),
		ActiveSessions: s.sessions.Count(),
		MaxSessions:    s.sessions.MaxSessions(),
		PID:            info.PID,
		PGID:           info.PGID,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
	})
}

func (h *connHandler) sendResp(ctx context.Context, id json.RawMessage, result any) {
	h.writeResp(ctx, protocol.NewResponse(id, result))
}

func (h *connHandler) sendErr(ctx context.Context, id json.RawMessage, code int, message string) {
	h.writeResp(ctx, protocol.NewErrorResponse(id, code, message))
}

func (h *connHandler) writeResp(ctx context.Context, resp protocol.Response) {
	if err := wsjson.Write(ctx, h.conn, resp); err != nil {
		h.log.Debugf("writing response: %s", err)
	}
}

func (h *connHandler) notify(ctx context.Context, method string, params any) {
	if err := wsjson.Write(ctx, h.conn, protocol.NewNotification(method, params)); err != nil {
		h.log.Debugf("writing %s notification: %s", method, err)
	}
}

func (h *connHandler) close(code websocket.StatusCode, reason string) {
	h.closeOnce.Do(func() {
		h.conn.Close(code, reason)
	})
}
