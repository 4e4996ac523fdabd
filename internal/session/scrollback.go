package session

import (
	"bytes"
	"sync"
)

// DefaultScrollbackLines caps the per-handle scrollback buffer.
const DefaultScrollbackLines = 5000

// maxPartialBytes bounds the held-back incomplete line. Output that never
// carries a terminator (long escape streams) is flushed in fixed-size slices
// so the line cap still applies to it.
const maxPartialBytes = 4096

// Scrollback is a fixed-capacity line buffer over a raw byte stream. Chunks
// are split on line terminators (\n, \r, or a \r\n pair); an incomplete
// trailing line is held back until its terminator arrives, so a snapshot
// never tears a line in half (the pending partial is appended last so
// prompts stay visible). Once the cap is reached the oldest lines are
// evicted first.
type Scrollback struct {
	mu       sync.RWMutex
	lines    []string
	capacity int
	pos      int // next write position
	full     bool
	partial  []byte
}

// NewScrollback creates a scrollback buffer holding at most capacity lines.
func NewScrollback(capacity int) *Scrollback {
	if capacity <= 0 {
		capacity = DefaultScrollbackLines
	}
	return &Scrollback{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Append feeds one raw output chunk into the buffer.
func (sb *Scrollback) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	data := append(sb.partial, chunk...)
	for {
		idx := bytes.IndexAny(data, "\r\n")
		if idx < 0 {
			break
		}
		// A trailing \r may be the first half of a \r\n pair split across
		// chunks; hold it back until the next byte arrives.
		if data[idx] == '\r' && idx == len(data)-1 {
			break
		}
		next := idx + 1
		if data[idx] == '\r' && data[next] == '\n' {
			next++
		}
		sb.writeLine(string(data[:idx]))
		data = data[next:]
	}
	// Terminator-free output (progress spinners, escape streams) must still
	// rotate through the line cap rather than growing the partial forever.
	for len(data) > maxPartialBytes {
		sb.writeLine(string(data[:maxPartialBytes]))
		data = data[maxPartialBytes:]
	}
	sb.partial = append(sb.partial[:0], data...)
}

func (sb *Scrollback) writeLine(line string) {
	sb.lines[sb.pos] = line
	sb.pos = (sb.pos + 1) % sb.capacity
	if sb.pos == 0 {
		sb.full = true
	}
}

// Snapshot returns the buffered lines in chronological order, including any
// pending partial line. The result is a copy, never a live reference.
func (sb *Scrollback) Snapshot() []string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	var result []string
	if !sb.full {
		result = make([]string, sb.pos, sb.pos+1)
		copy(result, sb.lines[:sb.pos])
	} else {
		result = make([]string, sb.capacity, sb.capacity+1)
		copy(result, sb.lines[sb.pos:])
		copy(result[sb.capacity-sb.pos:], sb.lines[:sb.pos])
	}

	if len(sb.partial) > 0 {
		result = append(result, string(sb.partial))
	}
	return result
}

// Len returns the number of complete lines currently buffered.
func (sb *Scrollback) Len() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	if sb.full {
		return sb.capacity
	}
	return sb.pos
}
