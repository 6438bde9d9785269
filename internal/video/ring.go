package video

import "sync"

// FrameBuffer is a fixed-capacity ring of the most recent encoded frames.
// Inserting past capacity overwrites the oldest entry.
type FrameBuffer struct {
	mu    sync.Mutex
	buf   [][]byte
	next  int
	count int
}

// NewFrameBuffer creates a buffer holding at most capacity frames.
// Capacity must be positive.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameBuffer{buf: make([][]byte, capacity)}
}

// Insert stores an encoded frame, overwriting the oldest when full.
func (b *FrameBuffer) Insert(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf[b.next] = frame
	b.next = (b.next + 1) % len(b.buf)
	if b.count < len(b.buf) {
		b.count++
	}
}

// Recent returns the most recent k frames in capture order, oldest first.
// Returns fewer than k when fewer have been inserted. The buffer is not
// mutated.
func (b *FrameBuffer) Recent(k int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if k > b.count {
		k = b.count
	}
	if k <= 0 {
		return nil
	}
	out := make([][]byte, 0, k)
	start := b.next - k
	if start < 0 {
		start += len(b.buf)
	}
	for i := range k {
		out = append(out, b.buf[(start+i)%len(b.buf)])
	}
	return out
}

// Len returns the number of frames currently held.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
