// Package stream drains subprocess output concurrently with awaiting
// process exit. stdout-drain, stderr-drain, and exit-wait always run as
// three concurrent tasks joined by Run; reading them sequentially, or
// only after exit, is the classic pipe-buffer deadlock this package
// exists to prevent.
package stream

import (
	"bufio"
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/execd/execd/process"
)

const (
	// DefaultChunkSize is the read size for each pipe read.
	DefaultChunkSize = 8 * 1024

	// maxLineBytes caps accumulation of a single logical line. A line
	// this long is almost certainly binary or a protocol error; it is
	// flushed in segments rather than grown without bound.
	maxLineBytes = 16 * 1024 * 1024

	DefaultMaxBufferBytes  = 1 * 1024 * 1024
	DefaultMaxBufferChunks = 1000
)

type Config struct {
	ChunkSize       int
	MaxBufferBytes  int
	MaxBufferChunks int
}

// Sink receives each logical line as it is read, tagged with the stream
// name ("stdout" or "stderr"). It is called from the drain goroutines;
// per-stream ordering matches read order, cross-stream ordering is
// unspecified. The data slice must not be retained.
type Sink func(stream string, data []byte)

type Handler struct {
	log *zap.SugaredLogger
	cfg Config
}

func NewHandler(log *zap.SugaredLogger, cfg Config) *Handler {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if cfg.MaxBufferChunks <= 0 {
		cfg.MaxBufferChunks = DefaultMaxBufferChunks
	}
	return &Handler{log: log.Named("stream_handler"), cfg: cfg}
}

// Result carries whatever output was captured, regardless of how the
// execution ended. Partial output on timeout or cancellation is a
// first-class outcome, not discarded.
type Result struct {
	ExitCode int
	TimedOut bool
	Stdout   *Buffer
	Stderr   *Buffer
}

func (r *Result) Dropped() int { return r.Stdout.Dropped() + r.Stderr.Dropped() }

// Run drains both output streams of handle concurrently with awaiting
// its exit, bounded by timeout. On deadline expiry, and on ctx
// cancellation, cancel is invoked (the graceful-then-forced termination
// path) and the drains are then allowed to finish whatever is left in
// the pipes, so no already-produced output is lost. Run returns once
// the process has exited and both drains have observed EOF.
func (h *Handler) Run(ctx context.Context, handle *process.Handle, timeout time.Duration, cancel func(), sink Sink) *Result {
	stdoutBuf := NewBuffer(h.cfg.MaxBufferBytes, h.cfg.MaxBufferChunks)
	stderrBuf := NewBuffer(h.cfg.MaxBufferBytes, h.cfg.MaxBufferChunks)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sub := make(chan struct{})
		go func() {
			defer close(sub)
			h.drain(handle.Stderr(), "stderr", stderrBuf, sink)
		}()
		h.drain(handle.Stdout(), "stdout", stdoutBuf, sink)
		<-sub
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-handle.Done():
	case <-timer.C:
		timedOut = true
		h.log.Warnf("process %d exceeded %s deadline, terminating", handle.PID(), timeout)
		cancel()
		<-handle.Done()
	case <-ctx.Done():
		h.log.Debugf("context done while process %d running, terminating", handle.PID())
		cancel()
		<-handle.Done()
	}

	// The child is gone; the drains observe EOF naturally once the pipe
	// buffers are empty.
	<-drained

	return &Result{
		ExitCode: handle.ExitCode(),
		TimedOut: timedOut,
		Stdout:   stdoutBuf,
		Stderr:   stderrBuf,
	}
}

// drain reads r in fixed-size chunks, reassembling logical lines that
// span chunk boundaries: a chunk ending mid-line is held until a
// newline or EOF arrives, so output is never truncated mid-line. Each
// completed line is appended to buf and forwarded to sink.
func (h *Handler) drain(r io.Reader, name string, buf *Buffer, sink Sink) {
	defer func() {
		if c, ok := r.(io.Closer); ok {
			c.Close()
		}
	}()

	br := bufio.NewReaderSize(r, h.cfg.ChunkSize)
	var line []byte
	emit := func() {
		if len(line) == 0 {
			return
		}
		buf.Append(line)
		if sink != nil {
			sink(name, line)
		}
		line = line[:0]
	}

	for {
		frag, err := br.ReadSlice('\n')
		line = append(line, frag...)
		if err == bufio.ErrBufferFull {
			// Mid-line chunk boundary; keep accumulating, but flush
			// pathological never-ending lines in segments.
			if len(line) >= maxLineBytes {
				h.log.Warnf("%s line exceeded %d bytes without newline, flushing segment", name, maxLineBytes)
				emit()
			}
			continue
		}
		emit()
		if err != nil {
			if err != io.EOF {
				h.log.Debugf("%s drain ended: %s", name, err)
			}
			return
		}
	}
}
