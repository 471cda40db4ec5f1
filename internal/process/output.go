package process

import "sync"

// tailBuffer keeps the last max bytes written to it. Helper output beyond
// that is dropped from the front.
type tailBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{data: make([]byte, 0, min(max, 4096)), max: max}
}

// Write implements io.Writer.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	b.written += int64(len(p))
	if over := len(b.data) - b.max; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Written is the total byte count ever written, dropped bytes included.
func (b *tailBuffer) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Since returns what was written after the absolute offset. An offset that
// points into dropped data yields the whole retained tail.
func (b *tailBuffer) Since(offset int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	local := offset - (b.written - int64(len(b.data)))
	if local < 0 {
		local = 0
	}
	if local >= int64(len(b.data)) {
		return ""
	}
	return string(b.data[local:])
}
