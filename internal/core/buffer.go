package core

import (
	"strings"
	"sync"
)

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	buf     []byte
	dropped int64
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; b.max > 0 && over > 0 {
		copy(b.buf, b.buf[over:])
		b.buf = b.buf[:b.max]
		b.dropped += int64(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Lines returns at most n trailing non-empty lines.
func (b *tailBuffer) Lines(n int) []string {
	return lastLines(b.String(), n)
}

func lastLines(s string, n int) []string {
	if n <= 0 {
		return nil
	}
	raw := strings.Split(strings.TrimRight(s, "\n"), "\n")
	var out []string
	for i := len(raw) - 1; i >= 0 && len(out) < n; i-- {
		if line := strings.TrimRight(raw[i], "\r"); strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
