package buffer

import (
	"math"
	"time"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

// RecordingBuffer accumulates the frames of one recording episode.
// Semantics:
//   - Push appends until Capacity is reached, then becomes a no-op.
//   - Drain hands every buffered frame to the caller and empties the buffer.
//
// It is owned by a single state machine and is not safe for concurrent use.
type RecordingBuffer struct {
	frames   []*framestream.Frame
	capacity int

	// Metrics
	pushed   uint64
	rejected uint64
	drains   uint64
}

// CapacityFor returns round(fps × duration), never less than 1.
func CapacityFor(fps float64, duration time.Duration) int {
	n := int(math.Round(fps * duration.Seconds()))
	if n < 1 {
		return 1
	}
	return n
}

// NewRecordingBuffer creates a buffer holding at most capacity frames.
func NewRecordingBuffer(capacity int) *RecordingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RecordingBuffer{
		frames:   make([]*framestream.Frame, 0, capacity),
		capacity: capacity,
	}
}

// Push appends f. It reports false and stores nothing when the buffer is
// already full.
func (b *RecordingBuffer) Push(f *framestream.Frame) bool {
	if len(b.frames) >= b.capacity {
		b.rejected++
		return false
	}
	b.frames = append(b.frames, f)
	b.pushed++
	return true
}

func (b *RecordingBuffer) IsFull() bool { return len(b.frames) >= b.capacity }
func (b *RecordingBuffer) Len() int     { return len(b.frames) }
func (b *RecordingBuffer) Capacity() int { return b.capacity }

// Drain returns the buffered frames in push order and leaves the buffer
// empty. The returned slice is no longer referenced by the buffer.
func (b *RecordingBuffer) Drain() []*framestream.Frame {
	out := b.frames
	b.frames = make([]*framestream.Frame, 0, b.capacity)
	b.drains++
	return out
}

// Reset drops any buffered frames without handing them out.
func (b *RecordingBuffer) Reset() {
	clear(b.frames)
	b.frames = b.frames[:0]
}

// Metrics returns buffer counters.
func (b *RecordingBuffer) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"capacity": b.capacity,
		"size":     len(b.frames),
		"pushed":   b.pushed,
		"rejected": b.rejected,
		"drains":   b.drains,
	}
}
