package console

import "sync"

// DefaultMaxLines is the ring capacity used when none is configured.
const DefaultMaxLines = 100

// RingBuffer is a bounded FIFO of console lines. The oldest line is dropped
// once capacity is reached.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string
	start int
	n     int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultMaxLines
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

func (b *RingBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := len(b.lines)
	if b.n < c {
		b.lines[(b.start+b.n)%c] = line
		b.n++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % c
}

// Lines returns a copy ordered oldest to newest.
func (b *RingBuffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

func (b *RingBuffer) Cap() int { return len(b.lines) }

func (b *RingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start, b.n = 0, 0
	clear(b.lines)
}
