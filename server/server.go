// Package server runs the WebSocket endpoint: it accepts persistent
// connections, creates one session per connection, and routes JSON-RPC
// requests to the session, process, stream, and timeout subsystems.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/execd/execd/hooks"
	"github.com/execd/execd/process"
	"github.com/execd/execd/session"
	"github.com/execd/execd/stream"
	"github.com/execd/execd/timeout"
)

const (
	ServiceVersion = "1.0.0"

	DefaultHeartbeatInterval = 20 * time.Second
)

type Server struct {
	log *zap.SugaredLogger

	listenAddr        string
	sessionCap        int
	heartbeatInterval time.Duration
	gracePeriod       time.Duration
	streamCfg         stream.Config
	estimatorCfg      timeout.Config

	store      timeout.TimingStore
	monitor    timeout.Monitor
	hookRunner hooks.Runner
	validator  CommandValidator

	sessions  *session.Manager
	procs     *process.Manager
	streams   *stream.Handler
	estimator *timeout.Estimator

	httpServer *http.Server
	started    time.Time
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l.Sugar() }
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) { s.log = s.log.WithOptions(zap.IncreaseLevel(l)) }
}

func WithListenAddr(addr string) Option {
	return func(s *Server) { s.listenAddr = addr }
}

func WithSessionCap(n int) Option {
	return func(s *Server) { s.sessionCap = n }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) { s.heartbeatInterval = d }
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *Server) { s.gracePeriod = d }
}

func WithStreamConfig(cfg stream.Config) Option {
	return func(s *Server) { s.streamCfg = cfg }
}

func WithEstimatorConfig(cfg timeout.Config) Option {
	return func(s *Server) { s.estimatorCfg = cfg }
}

func WithTimingStore(store timeout.TimingStore) Option {
	return func(s *Server) { s.store = store }
}

func WithMonitor(m timeout.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

func WithHooks(r hooks.Runner) Option {
	return func(s *Server) { s.hookRunner = r }
}

func WithValidator(v CommandValidator) Option {
	return func(s *Server) { s.validator = v }
}

// New constructs a server. Defaults: allow-all validator, no hooks, no
// timing store, live system monitor.
func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:               logger.Named("execd").Sugar(),
		listenAddr:        "127.0.0.1:8003",
		sessionCap:        session.DefaultMaxSessions,
		heartbeatInterval: DefaultHeartbeatInterval,
		gracePeriod:       process.DefaultGracePeriod,
		hookRunner:        hooks.NopRunner{},
		validator:         AllowAll{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.monitor == nil {
		s.monitor = timeout.NewSystemMonitor(s.log)
	}

	s.procs = process.NewManager(s.log, s.gracePeriod)
	s.sessions = session.NewManager(s.log, s.procs, s.sessionCap)
	s.streams = stream.NewHandler(s.log, s.streamCfg)
	s.estimator = timeout.NewEstimator(s.log, s.estimatorCfg, s.store, s.monitor)
	return s, nil
}

// Run serves until Stop is called or the listener fails.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.started = time.Now()

	router := httprouter.New()
	router.GET("/ws", s.ws)
	router.GET("/healthz", s.healthz)

	s.httpServer = &http.Server{Handler: router}
	s.log.Infof("listening on %s", listener.Addr())

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and tears down every live session,
// terminating their process groups.
func (s *Server) Stop() error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}
	s.sessions.EndAll()
	return err
}

func (s *Server) ws(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.serveConn(w, r)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := struct {
		Status         string `json:"status"`
		Version        string `json:"version"`
		ActiveSessions int    `json:"active_sessions"`
		MaxSessions    int    `json:"max_sessions"`
		UptimeSeconds  int64  `json:"uptime_seconds"`
	}{
		Status:         "ok",
		Version:        ServiceVersion,
		ActiveSessions: s.sessions.Count(),
		MaxSessions:    s.sessions.MaxSessions(),
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
	}
	b, err := json.Marshal(resp)
	if err != nil {
		s.log.Debugf("marshaling healthz response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
