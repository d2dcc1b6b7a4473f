package stream

import (
	"sync"

	"github.com/eapache/queue"
)

// Buffer is the bounded holding area for one output stream of one
// process. Chunks are kept in arrival order; when appending a chunk
// would exceed the byte or chunk limit, the oldest chunks are evicted
// and counted, so data is never lost without being accounted for.
type Buffer struct {
	mu        sync.Mutex
	chunks    *queue.Queue
	bytes     int
	dropped   int
	maxBytes  int
	maxChunks int
}

func NewBuffer(maxBytes, maxChunks int) *Buffer {
	return &Buffer{
		chunks:    queue.New(),
		maxBytes:  maxBytes,
		maxChunks: maxChunks,
	}
}

// Append stores a copy of p, evicting oldest-first as needed. A single
// chunk larger than the byte limit is tail-trimmed and counted as one
// drop, keeping the most recent output.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	c := make([]byte, len(p))
	copy(c, p)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxBytes > 0 && len(c) > b.maxBytes {
		c = c[len(c)-b.maxBytes:]
		b.dropped++
	}
	b.chunks.Add(c)
	b.bytes += len(c)

	for b.chunks.Length() > 1 &&
		((b.maxBytes > 0 && b.bytes > b.maxBytes) ||
			(b.maxChunks > 0 && b.chunks.Length() > b.maxChunks)) {
		old := b.chunks.Remove().([]byte)
		b.bytes -= len(old)
		b.dropped++
	}
}

// Bytes returns the buffered output joined in arrival order.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.bytes)
	for i := 0; i < b.chunks.Length(); i++ {
		out = append(out, b.chunks.Get(i).([]byte)...)
	}
	return out
}

func (b *Buffer) String() string { return string(b.Bytes()) }

// Len reports the buffered byte count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Chunks reports the buffered chunk count.
func (b *Buffer) Chunks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chunks.Length()
}

// Dropped reports how many chunks have been evicted or trimmed.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
