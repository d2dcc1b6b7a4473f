// Package hooks invokes best-effort callbacks before and after each
// execution. Hook failures are logged and never abort or fail the
// execution they wrap.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner is the external collaborator boundary for execution hooks.
type Runner interface {
	PreExecute(ctx context.Context, sessionID, command string)
	PostExecute(ctx context.Context, sessionID, command string, exitCode int, duration time.Duration)
}

// NopRunner is the default when no hooks are configured.
type NopRunner struct{}

func (NopRunner) PreExecute(context.Context, string, string) {}

func (NopRunner) PostExecute(context.Context, string, string, int, time.Duration) {}

const defaultHookTimeout = 10 * time.Second

// CommandRunner shells out to configured hook programs. The execution
// context is passed through EXECD_* environment variables.
type CommandRunner struct {
	log *zap.SugaredLogger

	PreCommand  string
	PostCommand string
	Timeout     time.Duration
}

func NewCommandRunner(log *zap.SugaredLogger, preCommand, postCommand string) *CommandRunner {
	return &CommandRunner{
		log:         log.Named("hooks"),
		PreCommand:  preCommand,
		PostCommand: postCommand,
		Timeout:     defaultHookTimeout,
	}
}

func (r *CommandRunner) PreExecute(ctx context.Context, sessionID, command string) {
	r.run(ctx, "pre-execute", r.PreCommand, []string{
		"EXECD_SESSION_ID=" + sessionID,
		"EXECD_COMMAND=" + command,
	})
}

func (r *CommandRunner) PostExecute(ctx context.Context, sessionID, command string, exitCode int, duration time.Duration) {
	r.run(ctx, "post-execute", r.PostCommand, []string{
		"EXECD_SESSION_ID=" + sessionID,
		"EXECD_COMMAND=" + command,
		fmt.Sprintf("EXECD_EXIT_CODE=%d", exitCode),
		fmt.Sprintf("EXECD_DURATION_MS=%d", duration.Milliseconds()),
	})
}

func (r *CommandRunner) run(ctx context.Context, name, hookCommand string, env []string) {
	if hookCommand == "" {
		return
	}
	argv := strings.Fields(hookCommand)
	if len(argv) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	if out, err := cmd.CombinedOutput(); err != nil {
		r.log.Warnf("%s hook failed (ignored): %s: %s", name, err, strings.TrimSpace(string(out)))
		return
	}
	r.log.Debugf("%s hook ran: %s", name, hookCommand)
}
