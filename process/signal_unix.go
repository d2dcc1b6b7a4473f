//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// groupSignaler isolates OS signal specifics so the rest of the tree is
// signal-API-agnostic. Each method targets a whole process group.
type groupSignaler interface {
	stop(pgid int) error
	cont(pgid int) error
	term(pgid int) error
	kill(pgid int) error
}

func newGroupSignaler() groupSignaler { return unixSignaler{} }

type unixSignaler struct{}

func (unixSignaler) stop(pgid int) error { return signalGroup(pgid, syscall.SIGSTOP) }
func (unixSignaler) cont(pgid int) error { return signalGroup(pgid, syscall.SIGCONT) }
func (unixSignaler) term(pgid int) error { return signalGroup(pgid, syscall.SIGTERM) }
func (unixSignaler) kill(pgid int) error { return signalGroup(pgid, syscall.SIGKILL) }

// signalGroup signals every process in the group. ESRCH means the group
// already exited, which is a no-op rather than an error.
func signalGroup(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func processGroupID(pid int) (int, error) {
	return syscall.Getpgid(pid)
}
