package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferKeepsAllWithinLimits(t *testing.T) {
	b := NewBuffer(100, 10)
	b.Append([]byte("one\n"))
	b.Append([]byte("two\n"))
	assert.Equal(t, "one\ntwo\n", b.String())
	assert.Equal(t, 0, b.Dropped())
}

func TestBufferEvictsOldestByBytes(t *testing.T) {
	b := NewBuffer(10, 0)
	b.Append([]byte("aaaa"))
	b.Append([]byte("bbbb"))
	b.Append([]byte("cccc"))
	// 12 bytes > 10: the oldest chunk goes first.
	assert.Equal(t, "bbbbcccc", b.String())
	assert.Equal(t, 1, b.Dropped())
}

func TestBufferEvictsOldestByChunkCount(t *testing.T) {
	b := NewBuffer(0, 2)
	b.Append([]byte("1"))
	b.Append([]byte("2"))
	b.Append([]byte("3"))
	assert.Equal(t, "23", b.String())
	assert.Equal(t, 2, b.Chunks())
	assert.Equal(t, 1, b.Dropped())
}

func TestBufferTrimsOversizedChunk(t *testing.T) {
	b := NewBuffer(4, 0)
	b.Append([]byte("0123456789"))
	// A single chunk over the byte limit keeps its most recent tail.
	assert.Equal(t, "6789", b.String())
	assert.Equal(t, 1, b.Dropped())
}

func TestBufferAlwaysRetainsNewestChunk(t *testing.T) {
	b := NewBuffer(8, 0)
	b.Append([]byte("aaaa"))
	b.Append([]byte("bbbbbb"))
	assert.Equal(t, "bbbbbb", b.String())
	assert.Equal(t, 1, b.Chunks())
}

func TestBufferDropCountGrowsUnderPressure(t *testing.T) {
	b := NewBuffer(0, 5)
	for i := 0; i < 100; i++ {
		b.Append([]byte(strings.Repeat("x", 10)))
	}
	assert.Equal(t, 5, b.Chunks())
	assert.Equal(t, 95, b.Dropped())
}
