package builder

import (
	"strings"
	"sync"
)

const truncationMarker = "\n... [build log truncated]\n"

const defaultLogCap = 64 * 1024

// LogBuffer accumulates build output up to a fixed byte cap. Once full it
// drops further input, keeping the head of the log, which is where build
// failures almost always explain themselves. The cap bounds the final size
// including the truncation marker.
type LogBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	budget    int
	truncated bool
}

// NewLogBuffer caps the buffer at max bytes. A max that cannot hold the
// truncation marker falls back to 64 KiB.
func NewLogBuffer(max int) *LogBuffer {
	if max <= len(truncationMarker) {
		max = defaultLogCap
	}
	return &LogBuffer{budget: max - len(truncationMarker)}
}

// WriteLine appends one output line, adding a trailing newline if missing.
func (b *LogBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	remaining := b.budget - b.buf.Len()
	if len(line) > remaining {
		if remaining > 0 {
			b.buf.WriteString(line[:remaining])
		}
		b.buf.WriteString(truncationMarker)
		b.truncated = true
		return
	}
	b.buf.WriteString(line)
}

// String returns the accumulated log.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Truncated reports whether input was dropped.
func (b *LogBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
