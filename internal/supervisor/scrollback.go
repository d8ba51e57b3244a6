package supervisor

import (
	"strings"
	"sync"
)

// Scrollback keeps the most recent terminal output lines so late subscribers
// can be brought up to date. Old lines are overwritten once capacity is reached.
type Scrollback struct {
	mu      sync.RWMutex
	lines   []string
	head    int
	size    int
	pending strings.Builder
}

// NewScrollback creates a buffer holding up to capacity lines. A capacity
// <= 0 defaults to 2000.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Scrollback{lines: make([]string, capacity)}
}

// Write appends a raw output chunk. Complete lines keep their trailing
// newline; a trailing partial line is held until the next chunk completes it.
func (b *Scrollback) Write(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending.Len() > 0 {
		chunk = b.pending.String() + chunk
		b.pending.Reset()
	}
	for {
		idx := strings.IndexByte(chunk, '\n')
		if idx == -1 {
			b.pending.WriteString(chunk)
			return
		}
		b.push(chunk[:idx+1])
		chunk = chunk[idx+1:]
	}
}

func (b *Scrollback) push(line string) {
	b.lines[b.head] = line
	b.head = (b.head + 1) % len(b.lines)
	if b.size < len(b.lines) {
		b.size++
	}
}

// Lines returns the complete lines, oldest first.
func (b *Scrollback) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.linesLocked()
}

func (b *Scrollback) linesLocked() []string {
	out := make([]string, b.size)
	start := 0
	if b.size == len(b.lines) {
		start = b.head
	}
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(start+i)%len(b.lines)]
	}
	return out
}

// String returns everything buffered, including the partial last line, as
// one replayable chunk.
func (b *Scrollback) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sb strings.Builder
	for _, line := range b.linesLocked() {
		sb.WriteString(line)
	}
	sb.WriteString(b.pending.String())
	return sb.String()
}

// Reset drops all buffered output.
func (b *Scrollback) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.size = 0, 0
	b.pending.Reset()
}
