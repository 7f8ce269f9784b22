package pty

import "sync"

// DefaultTailSize bounds the output kept for diagnostics.
const DefaultTailSize = 4096

// TailBuffer keeps the last size bytes written to it. It is an io.Writer and
// is safe for concurrent use.
type TailBuffer struct {
	mu    sync.Mutex
	data  []byte
	size  int
	total int64
}

func NewTailBuffer(size int) *TailBuffer {
	if size <= 0 {
		size = DefaultTailSize
	}
	return &TailBuffer{size: size}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	if len(p) >= b.size {
		b.data = append(b.data[:0], p[len(p)-b.size:]...)
		return len(p), nil
	}
	if overflow := len(b.data) + len(p) - b.size; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Bytes returns a copy of the retained output, oldest first.
func (b *TailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *TailBuffer) String() string {
	return string(b.Bytes())
}

// Total is the number of bytes ever written, including discarded ones.
func (b *TailBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
