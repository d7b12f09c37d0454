package runner

import "sync"

// tailBuffer is a bounded io.Writer that keeps the most recent bytes of a
// child process's stderr.
type tailBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	dropped int64
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{data: make([]byte, 0, min(maxBytes, 4096)), max: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if over := len(b.data) - b.max; over > 0 {
		b.data = b.data[over:]
		b.dropped += int64(over)
	}
	return len(p), nil
}

// String returns the retained tail, prefixed with an ellipsis when earlier
// output was dropped.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return "..." + string(b.data)
	}
	return string(b.data)
}
