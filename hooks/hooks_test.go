//go:build unix

package hooks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func TestCommandRunnerRunsHooks(t *testing.T) {
	dir := t.TempDir()
	pre := filepath.Join(dir, "pre-ran")
	post := filepath.Join(dir, "post-ran")

	r := NewCommandRunner(log, "touch "+pre, "touch "+post)
	r.PreExecute(context.Background(), "sess-1", "echo hi")
	r.PostExecute(context.Background(), "sess-1", "echo hi", 0, time.Second)

	require.FileExists(t, pre)
	require.FileExists(t, post)
}

func TestHookFailureIsIgnored(t *testing.T) {
	r := NewCommandRunner(log, "false", "definitely-not-a-real-binary-a6f1")
	// Neither a nonzero exit nor a missing binary propagates.
	r.PreExecute(context.Background(), "sess-1", "echo hi")
	r.PostExecute(context.Background(), "sess-1", "echo hi", 1, time.Second)
}

func TestEmptyHookIsNoop(t *testing.T) {
	r := NewCommandRunner(log, "", "")
	r.PreExecute(context.Background(), "sess-1", "echo hi")
	r.PostExecute(context.Background(), "sess-1", "echo hi", 0, time.Second)
}

func TestHookTimeout(t *testing.T) {
	r := NewCommandRunner(log, "sleep 10", "")
	r.Timeout = 200 * time.Millisecond

	start := time.Now()
	r.PreExecute(context.Background(), "sess-1", "echo hi")
	assert.Less(t, time.Since(start), 5*time.Second)
}
