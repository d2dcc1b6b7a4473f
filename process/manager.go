// Package process spawns subprocesses in their own process groups and
// controls them with signals: pause (stop), resume (continue), cancel
// (graceful terminate, then force-kill after a grace period).
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a spawned process. Running and Paused
// may toggle; Completed, Cancelled, and Failed are terminal.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// DefaultGracePeriod is how long Cancel waits for voluntary exit after
// the terminate signal before force-killing the group.
const DefaultGracePeriod = 2 * time.Second

// SpawnError reports a failure to start the process (executable
// missing, exec error). It is terminal for the execution.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawning %q: %s", e.Command, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

type Manager struct {
	log         *zap.SugaredLogger
	gracePeriod time.Duration
	sig         groupSignaler
}

func NewManager(log *zap.SugaredLogger, gracePeriod time.Duration) *Manager {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Manager{
		log:         log.Named("process_manager"),
		gracePeriod: gracePeriod,
		sig:         newGroupSignaler(),
	}
}

// Handle represents one spawned process tree. The stdout/stderr readers
// are parent-owned pipe ends: waiting for exit never touches them, so
// exit-wait and draining can safely run concurrently.
type Handle struct {
	pid     int
	pgid    int
	command string
	started time.Time

	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	mu        sync.Mutex
	state     State
	exitCode  int
	cancelled bool

	done chan struct{}
}

func (h *Handle) PID() int              { return h.pid }
func (h *Handle) PGID() int             { return h.pgid }
func (h *Handle) Command() string       { return h.command }
func (h *Handle) StartTime() time.Time  { return h.started }
func (h *Handle) Stdout() io.Reader     { return h.stdout }
func (h *Handle) Stderr() io.Reader     { return h.stderr }
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close releases the parent-owned pipe ends. Draining to EOF releases
// them implicitly; Close covers the paths that never drain.
func (h *Handle) Close() error {
	err := h.stdout.Close()
	if err2 := h.stderr.Close(); err == nil {
		err = err2
	}
	return err
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitCode is meaningful once Done is closed. It is -1 when the process
// was killed before delivering one.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) terminal() bool {
	switch h.state {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Spawn starts command with args in a new process group. The argument
// vector is executed directly, never through a shell. Stdin is
// /dev/null to rule out stdin deadlocks; the child gets unbuffered
// output hints so streaming does not stall behind libc buffering.
func (m *Manager) Spawn(command string, args, env []string) (*Handle, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "NODE_NO_READLINE=1")
	cmd.Env = append(cmd.Env, env...)
	setProcessGroup(cmd)

	// Parent-owned pipes instead of StdoutPipe/StderrPipe: exec.Cmd.Wait
	// closes the pipes it creates, which races with concurrent drains.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}

	// The child holds the write ends now.
	stdoutW.Close()
	stderrW.Close()

	pid := cmd.Process.Pid
	pgid, err := processGroupID(pid)
	if err != nil {
		m.log.Debugf("getting pgid for pid %d: %s", pid, err)
		pgid = pid
	}

	h := &Handle{
		pid:      pid,
		pgid:     pgid,
		command:  command,
		started:  time.Now(),
		cmd:      cmd,
		stdout:   stdoutR,
		stderr:   stderrR,
		state:    StateRunning,
		exitCode: -1,
		done:     make(chan struct{}),
	}
	m.log.Infof("spawned %q: pid=%d pgid=%d", command, pid, pgid)

	go m.reap(h)
	return h, nil
}

// reap waits for the process to exit and records its final state.
func (m *Manager) reap(h *Handle) {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exitCode = h.cmd.ProcessState.ExitCode()
	switch {
	case h.cancelled:
		h.state = StateCancelled
	case err != nil && !errors.As(err, new(*exec.ExitError)):
		h.state = StateFailed
	default:
		h.state = StateCompleted
	}
	state := h.state
	code := h.exitCode
	h.mu.Unlock()

	close(h.done)
	m.log.Infof("process %d exited: code=%d state=%s", h.pid, code, state)
}

// Pause delivers a stop signal to the process group. A no-op once the
// process has exited.
func (m *Manager) Pause(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal() {
		return nil
	}
	if err := m.sig.stop(h.pgid); err != nil {
		return fmt.Errorf("pausing process group %d: %w", h.pgid, err)
	}
	h.state = StatePaused
	m.log.Infof("paused process group %d", h.pgid)
	return nil
}

// Resume delivers a continue signal to the process group.
func (m *Manager) Resume(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal() {
		return nil
	}
	if err := m.sig.cont(h.pgid); err != nil {
		return fmt.Errorf("resuming process group %d: %w", h.pgid, err)
	}
	h.state = StateRunning
	m.log.Infof("resumed process group %d", h.pgid)
	return nil
}

// Cancel terminates the process group gracefully, waits up to
// gracePeriod for voluntary exit, then force-kills whatever is left.
// Safe to call on an already-exited process. A non-positive gracePeriod
// uses the manager default.
func (m *Manager) Cancel(h *Handle, gracePeriod time.Duration) error {
	if gracePeriod <= 0 {
		gracePeriod = m.gracePeriod
	}

	h.mu.Lock()
	if h.terminal() {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	// A stopped group never handles SIGTERM; continue it first.
	if h.state == StatePaused {
		if err := m.sig.cont(h.pgid); err != nil {
			m.log.Debugf("continuing paused group %d before cancel: %s", h.pgid, err)
		}
	}
	h.mu.Unlock()

	if err := m.sig.term(h.pgid); err != nil {
		return fmt.Errorf("terminating process group %d: %w", h.pgid, err)
	}
	m.log.Infof("sent terminate to process group %d, waiting up to %s", h.pgid, gracePeriod)

	select {
	case <-h.done:
		return nil
	case <-time.After(gracePeriod):
	}

	m.log.Warnf("process group %d did not exit within grace period, force-killing", h.pgid)
	if err := m.sig.kill(h.pgid); err != nil {
		return fmt.Errorf("force-killing process group %d: %w", h.pgid, err)
	}
	return nil
}

// Wait blocks until the process exits or ctx is done, returning the
// exit code. It does not consume the process's output pipes, so it can
// run concurrently with draining.
func (m *Manager) Wait(ctx context.Context, h *Handle) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-h.done:
		return h.ExitCode(), nil
	}
}
