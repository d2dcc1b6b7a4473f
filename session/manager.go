// Package session maps connection identity to at most one active
// execution. The registry is the only state shared across connections;
// every read and write goes through one mutex, which is the whole
// defense against read-then-write races under concurrent
// connects/disconnects.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/execd/execd/process"
)

// State is a session's lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateExecuting  State = "executing"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

var (
	// ErrLimitExceeded is the admission-control rejection: the session
	// cap protects memory, so creation fails rather than blocks.
	ErrLimitExceeded = errors.New("session limit exceeded")

	ErrNotFound         = errors.New("session not found")
	ErrAlreadyExecuting = errors.New("a process is already executing in this session")
	ErrNotExecuting     = errors.New("no process is executing in this session")
)

// Op is a tagged process-control operation dispatched to the session's
// process handle.
type Op string

const (
	OpPause  Op = "pause"
	OpResume Op = "resume"
	OpCancel Op = "cancel"
)

// Session is one logical connection's execution context. Fields are
// owned by the Manager and mutated only under its lock.
type Session struct {
	ID           string
	State        State
	CreatedAt    time.Time
	LastActivity time.Time

	executing bool
	handle    *process.Handle
}

const DefaultMaxSessions = 100

type Manager struct {
	log   *zap.SugaredLogger
	procs *process.Manager

	mu       sync.Mutex
	sessions map[string]*Session
	max      int
}

func NewManager(log *zap.SugaredLogger, procs *process.Manager, maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		log:      log.Named("session_manager"),
		procs:    procs,
		sessions: make(map[string]*Session),
		max:      maxSessions,
	}
}

// Create admits a new session, or rejects with ErrLimitExceeded once
// the cap is reached.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.max {
		m.log.Warnf("session limit reached: %d/%d", len(m.sessions), m.max)
		return nil, ErrLimitExceeded
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		State:        StateConnected,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.sessions[s.ID] = s
	m.log.Infof("session created: %s (active: %d/%d)", s.ID, len(m.sessions), m.max)
	return s, nil
}

// Get looks up a session and refreshes its activity timestamp.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.LastActivity = time.Now()
	return s, nil
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) MaxSessions() int { return m.max }

// BeginExecution reserves the session's single execution slot, runs
// spawn outside the registry lock, and attaches the resulting handle.
// Fails with ErrAlreadyExecuting if the session already owns a running
// process.
func (m *Manager) BeginExecution(id string, spawn func() (*process.Handle, error)) (*process.Handle, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.executing {
		m.mu.Unlock()
		return nil, ErrAlreadyExecuting
	}
	s.executing = true
	s.State = StateExecuting
	s.LastActivity = time.Now()
	m.mu.Unlock()

	h, err := spawn()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		s.executing = false
		if s.State == StateExecuting {
			s.State = StateConnected
		}
		return nil, err
	}
	s.handle = h
	return h, nil
}

// FinishExecution releases the execution slot. Safe to call for a
// session that already ended.
func (m *Manager) FinishExecution(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.executing = false
	s.handle = nil
	if s.State == StateExecuting {
		s.State = StateConnected
	}
	s.LastActivity = time.Now()
}

// Handle returns the session's running process handle, or
// ErrNotExecuting when it has none.
func (m *Manager) Handle(id string) (*process.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.handle == nil {
		return nil, ErrNotExecuting
	}
	return s.handle, nil
}

// Info is a point-in-time snapshot of a session for status reporting.
type Info struct {
	ID        string
	State     State
	CreatedAt time.Time
	PID       int
	PGID      int
}

func (m *Manager) Info(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	info := Info{ID: s.ID, State: s.State, CreatedAt: s.CreatedAt}
	if s.handle != nil {
		info.PID = s.handle.PID()
		info.PGID = s.handle.PGID()
	}
	return info, nil
}

// Control dispatches a pause/resume/cancel operation to the session's
// running process group.
func (m *Manager) Control(id string, op Op) error {
	h, err := m.Handle(id)
	if err != nil {
		return err
	}
	switch op {
	case OpPause:
		return m.procs.Pause(h)
	case OpResume:
		return m.procs.Resume(h)
	case OpCancel:
		return m.procs.Cancel(h, 0)
	default:
		return errors.New("unknown control operation: " + string(op))
	}
}

// End tears down a session: its process group, if any, gets the
// graceful-then-forced termination path so no subprocess is orphaned.
// Idempotent — disconnect notifications race with explicit closes, so
// ending an unknown or already-ended session is a no-op.
func (m *Manager) End(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.State = StateClosing
	h := s.handle
	delete(m.sessions, id)
	remaining := len(m.sessions)
	m.mu.Unlock()

	if h != nil {
		if err := m.procs.Cancel(h, 0); err != nil {
			m.log.Debugf("cancelling process for session %s: %s", id, err)
		}
	}

	m.mu.Lock()
	s.State = StateClosed
	m.mu.Unlock()
	m.log.Infof("session removed: %s (active: %d/%d)", id, remaining, m.max)
}

// EndAll tears down every live session, for server shutdown.
func (m *Manager) EndAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.End(id)
	}
}
