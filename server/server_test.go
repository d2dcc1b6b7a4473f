//go:build unix

package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/execd/execd/client"
	netutil "github.com/execd/execd/internal/net"
	"github.com/execd/execd/protocol"
	"github.com/execd/execd/server"
	"github.com/execd/execd/stream"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func startServer(t *testing.T, opts ...server.Option) string {
	t.Helper()
	port, err := netutil.GetEphemeralTCPPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	srv, err := server.New(append([]server.Option{server.WithListenAddr(addr)}, opts...)...)
	require.NoError(t, err)

	go srv.Run()
	t.Cleanup(func() { srv.Stop() })

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond, "server did not start listening")
	return addr
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// drainOutput collects all output lines until the channel closes.
func drainOutput(proc *client.RemoteProcess) string {
	var sb strings.Builder
	for out := range proc.Output() {
		sb.WriteString(out.Data)
	}
	return sb.String()
}

func TestExecuteStreamsOutput(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)
	require.NotEmpty(t, c.SessionID())

	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{Command: "echo hello"})
	require.NoError(t, err)
	assert.NotZero(t, proc.PID)
	assert.NotZero(t, proc.PGID)

	output := drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, protocol.StatusCompleted, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "hello\n", output)
}

func TestExecuteWithExplicitArgs(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{
		Command: "sh",
		Args:    []string{"-c", "echo with spaces"},
	})
	require.NoError(t, err)

	output := drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "with spaces\n", output)
}

func TestExecuteReportsNonZeroExit(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.NoError(t, err)

	drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
}

func TestLargeOutputRoundTrip(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	// A single 100,000-byte line, far past the kernel pipe buffer.
	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{
		Command: "sh",
		Args:    []string{"-c", "head -c 100000 /dev/zero | tr '\\0' x"},
	})
	require.NoError(t, err)

	output := drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, 100000, len(output))
	assert.Equal(t, 0, res.DroppedChunks)
}

func TestCancelExecution(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{Command: "sleep 30"})
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	start := time.Now()
	ctrl, err := c.Control(context.Background(), protocol.OpCancel)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", ctrl.Status)

	drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCancelled, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPauseResume(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{
		Command: "sh",
		Args:    []string{"-c", "echo a; sleep 1; echo b"},
	})
	require.NoError(t, err)

	ctrl, err := c.Control(context.Background(), protocol.OpPause)
	require.NoError(t, err)
	assert.Equal(t, "paused", ctrl.Status)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, status.PID)

	ctrl, err = c.Control(context.Background(), protocol.OpResume)
	require.NoError(t, err)
	assert.Equal(t, "resumed", ctrl.Status)

	// No output is lost across the pause.
	output := drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "a\nb\n", output)
}

func TestExplicitTimeoutEnforced(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	start := time.Now()
	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{
		Command:     "sleep 30",
		TimeoutSecs: 1,
	})
	require.NoError(t, err)

	drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusTimedOut, res.Status)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestTimeoutReturnsPartialOutput(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{
		Command:     "sh",
		Args:        []string{"-c", "echo first; sleep 30; echo second"},
		TimeoutSecs: 1,
	})
	require.NoError(t, err)

	output := drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Contains(t, output, "first")
	assert.NotContains(t, output, "second")
}

func TestDroppedChunksReported(t *testing.T) {
	addr := startServer(t, server.WithStreamConfig(stream.Config{MaxBufferChunks: 5}))
	c := dial(t, addr)

	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{
		Command: "sh",
		Args:    []string{"-c", "i=0; while [ $i -lt 100 ]; do echo line$i; i=$((i+1)); done"},
	})
	require.NoError(t, err)
	drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.DroppedChunks, 0)
}

func TestSessionCapRejectsConnection(t *testing.T) {
	addr := startServer(t, server.WithSessionCap(1))

	first := dial(t, addr)
	require.NotEmpty(t, first.SessionID())

	_, err := client.Dial(context.Background(), addr)
	require.Error(t, err)
	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.ErrCodeSessionLimit, rpcErr.Code)

	// Closing the first session frees the slot.
	first.Close()
	require.Eventually(t, func() bool {
		c, err := client.Dial(context.Background(), addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCommandNotAllowed(t *testing.T) {
	addr := startServer(t, server.WithValidator(server.NewAllowList([]string{"echo"})))
	c := dial(t, addr)

	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{Command: "echo ok"})
	require.NoError(t, err)
	drainOutput(proc)
	_, err = proc.Wait(context.Background())
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), protocol.ExecuteParams{Command: "sleep 1"})
	require.Error(t, err)
	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.ErrCodeCommandNotAllowed, rpcErr.Code)
}

func TestSpawnFailureReported(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	_, err := c.Execute(context.Background(), protocol.ExecuteParams{
		Command: "definitely-not-a-real-binary-a6f1",
	})
	require.Error(t, err)
	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.ErrCodeSpawnFailed, rpcErr.Code)

	// The session remains usable after a failed spawn.
	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{Command: "echo ok"})
	require.NoError(t, err)
	drainOutput(proc)
	res, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
}

func TestControlWithoutProcess(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	_, err := c.Control(context.Background(), protocol.OpPause)
	require.Error(t, err)
	var rpcErr *protocol.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.ErrCodeInvalidParams, rpcErr.Code)
}

func TestStatus(t *testing.T) {
	addr := startServer(t, server.WithSessionCap(7))
	c := dial(t, addr)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c.SessionID(), status.SessionID)
	assert.Equal(t, "connected", status.State)
	assert.Equal(t, 1, status.ActiveSessions)
	assert.Equal(t, 7, status.MaxSessions)
}

func TestHealthz(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	health, err := c.Healthz(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.ActiveSessions)
}

func TestDisconnectKillsProcess(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	proc, err := c.Execute(context.Background(), protocol.ExecuteParams{Command: "sleep 30"})
	require.NoError(t, err)
	pid := proc.PID

	require.NoError(t, c.Close())

	// The session teardown terminates the whole process group.
	require.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) == syscall.ESRCH
	}, 10*time.Second, 100*time.Millisecond, "process survived disconnect")
}

// wireFrame is the raw inbound shape for protocol-level tests that the
// client's typed API cannot reach.
type wireFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *protocol.Error `json:"error"`
	ID      json.RawMessage `json:"id"`
}

func dialRaw(t *testing.T, ctx context.Context, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	// First frame is the connected notification.
	var f wireFrame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	require.Equal(t, protocol.NotifyConnected, f.Method)
	return conn
}

// readResponse skips notifications until a response frame arrives.
func readResponse(t *testing.T, ctx context.Context, conn *websocket.Conn) wireFrame {
	t.Helper()
	for {
		var f wireFrame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		if f.Method == "" {
			return f
		}
	}
}

func TestMalformedFrame(t *testing.T) {
	addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, addr)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"jsonrpc":`)))
	f := readResponse(t, ctx, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, protocol.ErrCodeParse, f.Error.Code)
	assert.Equal(t, "null", string(f.ID))
}

func TestUnknownMethod(t *testing.T) {
	addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, addr)

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"jsonrpc":"2.0","method":"bogus","id":7}`)))
	f := readResponse(t, ctx, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, protocol.ErrCodeMethodNotFound, f.Error.Code)
	assert.Equal(t, "7", string(f.ID))
}

func TestWrongProtocolVersion(t *testing.T) {
	addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, addr)

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"jsonrpc":"1.0","method":"status","id":1}`)))
	f := readResponse(t, ctx, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, protocol.ErrCodeInvalidRequest, f.Error.Code)
}

func TestOverlappingExecuteRejected(t *testing.T) {
	addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, addr)

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"jsonrpc":"2.0","method":"execute","params":{"command":"sleep 30"},"id":1}`)))
	f := readResponse(t, ctx, conn)
	require.Nil(t, f.Error)

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"jsonrpc":"2.0","method":"execute","params":{"command":"echo nope"},"id":2}`)))
	f = readResponse(t, ctx, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, protocol.ErrCodeAlreadyExecuting, f.Error.Code)

	require.NoError(t, conn.Write(ctx, websocket.MessageText,
		[]byte(`{"jsonrpc":"2.0","method":"control","params":{"op":"cancel"},"id":3}`)))
	f = readResponse(t, ctx, conn)
	require.Nil(t, f.Error)
}

func TestHeartbeat(t *testing.T) {
	addr := startServer(t, server.WithHeartbeatInterval(200*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialRaw(t, ctx, addr)

	for {
		var f wireFrame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		if f.Method == protocol.NotifyPing {
			var params protocol.PingParams
			require.NoError(t, json.Unmarshal(f.Params, &params))
			assert.NotZero(t, params.Timestamp)
			return
		}
	}
}
