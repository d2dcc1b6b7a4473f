// Package client is the Go client for the execution daemon. It speaks
// JSON-RPC 2.0 over a persistent WebSocket connection and exposes each
// remote execution as a RemoteProcess with a streaming output channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/execd/execd/protocol"
)

const (
	defaultReadLimit   = 32 * 1024 * 1024
	defaultDialTimeout = 5 * time.Second

	// outputChanSize bounds how far the read loop can run ahead of a
	// slow consumer before output notifications are dropped client-side.
	outputChanSize = 1024
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL string
	conn    *websocket.Conn

	customizeRetryableClient func(*retryablehttp.Client)

	mu        sync.Mutex
	sessionID string
	pending   map[string]chan frame
	proc      *RemoteProcess

	nextID    int64
	connected chan struct{}
	closed    chan struct{}
	readErr   error
	closeOnce sync.Once
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("execd_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// frame is the combined inbound wire shape: a response carries ID and
// Result/Error, a notification carries Method and Params.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *protocol.Error `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// Dial connects to the daemon at addr (host:port) and blocks until the
// server acknowledges the session.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}

	c := &Client{
		Logger:    logger.Named("execd_client").Sugar(),
		baseURL:   "http://" + addr,
		pending:   map[string]chan frame{},
		connected: make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	conn.SetReadLimit(defaultReadLimit)
	c.conn = conn

	go c.readLoop()

	select {
	case <-c.connected:
	case <-c.closed:
		err := c.readErr
		if err == nil {
			err = errors.New("connection closed before session was acknowledged")
		}
		return nil, err
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// SessionID returns the server-assigned session identifier.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		var f frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			c.fail(err)
			return
		}
		if f.Method != "" {
			c.handleNotification(f)
			continue
		}
		if len(f.ID) > 0 && string(f.ID) != "null" {
			c.mu.Lock()
			ch, ok := c.pending[string(f.ID)]
			delete(c.pending, string(f.ID))
			c.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		// An id-less error frame: the server rejected something it could
		// not attribute to a request (e.g. the session limit at connect).
		if f.Error != nil {
			c.fail(f.Error)
			return
		}
	}
}

func (c *Client) handleNotification(f frame) {
	switch f.Method {
	case protocol.NotifyConnected:
		var params protocol.ConnectedParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.Logger.Debugf("bad connected params: %s", err)
			return
		}
		c.mu.Lock()
		c.sessionID = params.SessionID
		c.mu.Unlock()
		close(c.connected)
	case protocol.NotifyStarted:
		// The execute response already carries pid/pgid.
	case protocol.NotifyOutput:
		var params protocol.OutputParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.Logger.Debugf("bad output params: %s", err)
			return
		}
		c.mu.Lock()
		proc := c.proc
		c.mu.Unlock()
		if proc == nil {
			return
		}
		select {
		case proc.output <- Output{Stream: params.Stream, Data: params.Data}:
		default:
			// The consumer is behind; drop rather than stall the read
			// loop, which would also stall responses.
			atomic.AddInt64(&proc.droppedLocal, 1)
		}
	case protocol.NotifyCompleted:
		var params protocol.CompletedParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.Logger.Debugf("bad completed params: %s", err)
			return
		}
		c.mu.Lock()
		proc := c.proc
		c.proc = nil
		c.mu.Unlock()
		if proc == nil {
			return
		}
		proc.result = params
		close(proc.output)
		close(proc.done)
	case protocol.NotifyPing:
	default:
		c.Logger.Debugf("unknown notification method %q", f.Method)
	}
}

// fail tears down every waiter after a read error.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	proc := c.proc
	c.proc = nil
	c.mu.Unlock()

	if proc != nil {
		proc.err = err
		close(proc.output)
		close(proc.done)
	}
	close(c.closed)
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	id := atomic.AddInt64(&c.nextID, 1)
	idRaw, err := json.Marshal(id)
	if err != nil {
		return err
	}

	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[string(idRaw)] = ch
	c.mu.Unlock()

	var paramsRaw json.RawMessage
	if params != nil {
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}
	req := protocol.Request{JSONRPC: protocol.Version, Method: method, Params: paramsRaw, ID: idRaw}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		c.mu.Lock()
		delete(c.pending, string(idRaw))
		c.mu.Unlock()
		return fmt.Errorf("writing %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, string(idRaw))
		c.mu.Unlock()
		return ctx.Err()
	case f, ok := <-ch:
		if !ok {
			if c.readErr != nil {
				return c.readErr
			}
			return errors.New("connection closed")
		}
		if f.Error != nil {
			return f.Error
		}
		if result != nil && len(f.Result) > 0 {
			return json.Unmarshal(f.Result, result)
		}
		return nil
	}
}

// Output is one logical line of subprocess output.
type Output struct {
	Stream string
	Data   string
}

// RemoteProcess is a running execution on the daemon. Output lines
// arrive on Output until the process completes, then the channel is
// closed and Wait returns the final report.
type RemoteProcess struct {
	PID  int
	PGID int

	output chan Output
	done   chan struct{}
	result protocol.CompletedParams
	err    error

	droppedLocal int64
}

func (p *RemoteProcess) Output() <-chan Output { return p.output }

// DroppedLocal counts output lines the client dropped because the
// consumer fell behind. Server-side drops are in the completion report.
func (p *RemoteProcess) DroppedLocal() int { return int(atomic.LoadInt64(&p.droppedLocal)) }

// Wait blocks until the execution completes or ctx is done.
func (p *RemoteProcess) Wait(ctx context.Context) (protocol.CompletedParams, error) {
	select {
	case <-ctx.Done():
		return protocol.CompletedParams{}, ctx.Err()
	case <-p.done:
		return p.result, p.err
	}
}

// Execute starts a remote execution. Only one execution per session may
// run at a time; the server rejects overlap.
func (c *Client) Execute(ctx context.Context, params protocol.ExecuteParams) (*RemoteProcess, error) {
	proc := &RemoteProcess{
		output: make(chan Output, outputChanSize),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.proc != nil {
		c.mu.Unlock()
		return nil, errors.New("an execution is already in flight on this client")
	}
	c.proc = proc
	c.mu.Unlock()

	var result protocol.ExecuteResult
	if err := c.call(ctx, protocol.MethodExecute, params, &result); err != nil {
		c.mu.Lock()
		if c.proc == proc {
			c.proc = nil
		}
		c.mu.Unlock()
		return nil, err
	}
	proc.PID = result.PID
	proc.PGID = result.PGID
	return proc, nil
}

// Control sends a pause/resume/cancel for the session's running process.
func (c *Client) Control(ctx context.Context, op string) (protocol.ControlResult, error) {
	var result protocol.ControlResult
	err := c.call(ctx, protocol.MethodControl, protocol.ControlParams{Op: op}, &result)
	return result, err
}

// Status reports the session and registry state.
func (c *Client) Status(ctx context.Context) (protocol.StatusResult, error) {
	var result protocol.StatusResult
	err := c.call(ctx, protocol.MethodStatus, nil, &result)
	return result, err
}

// Health reports the daemon's health endpoint.
type Health struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

func (c *Client) Healthz(ctx context.Context) (Health, error) {
	var health Health
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return health, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return health, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("unexpected healthz status code %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&health)
	return health, err
}
