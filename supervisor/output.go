package supervisor

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// maxOutputLines bounds the retained worker output.
const maxOutputLines = 50

// outputBuffer receives the worker's stdout and stderr. Each complete line is
// logged at debug level and the most recent lines are kept for diagnostics.
type outputBuffer struct {
	log *slog.Logger

	mu      sync.Mutex
	partial []byte
	lines   []string
}

func newOutputBuffer(log *slog.Logger) *outputBuffer {
	return &outputBuffer{log: log}
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		b.addLocked(string(bytes.TrimRight(b.partial[:i], "\r")))
		b.partial = b.partial[i+1:]
	}
	// A worker that never writes a newline must not grow the buffer without bound.
	if len(b.partial) > 4096 {
		b.addLocked(string(b.partial))
		b.partial = nil
	}
	return len(p), nil
}

func (b *outputBuffer) addLocked(line string) {
	b.log.Debug("worker output", "line", line)
	if len(b.lines) == maxOutputLines {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:maxOutputLines-1]
	}
	b.lines = append(b.lines, line)
}

// String returns the retained lines, including any unterminated tail.
func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := b.lines
	if len(b.partial) > 0 {
		lines = append(lines[:len(lines):len(lines)], string(b.partial))
	}
	return strings.Join(lines, "\n")
}
