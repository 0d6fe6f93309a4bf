package buffer

import (
	"testing"
	"time"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

func TestCapacityFor(t *testing.T) {
	tests := []struct {
		fps      float64
		duration time.Duration
		want     int
	}{
		{20, 10 * time.Second, 200},
		{29.97, 10 * time.Second, 300},
		{15, 2500 * time.Millisecond, 38},
		{0.01, time.Second, 1},
		{0, time.Second, 1},
	}
	for _, tt := range tests {
		if got := CapacityFor(tt.fps, tt.duration); got != tt.want {
			t.Errorf("CapacityFor(%v, %s) = %d, want %d", tt.fps, tt.duration, got, tt.want)
		}
	}
}

func TestRecordingBufferPushNoOpWhenFull(t *testing.T) {
	b := NewRecordingBuffer(3)
	for i := 0; i < 3; i++ {
		if !b.Push(&framestream.Frame{Sequence: uint64(i)}) {
			t.Fatalf("push %d rejected before full", i)
		}
	}
	if !b.IsFull() {
		t.Fatal("buffer should be full")
	}
	if b.Push(&framestream.Frame{Sequence: 99}) {
		t.Fatal("push accepted past capacity")
	}
	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
}

func TestRecordingBufferDrain(t *testing.T) {
	b := NewRecordingBuffer(4)
	for i := 0; i < 4; i++ {
		b.Push(&framestream.Frame{Sequence: uint64(i)})
	}

	frames := b.Drain()
	if len(frames) != 4 {
		t.Fatalf("drained %d frames, want 4", len(frames))
	}
	for i, f := range frames {
		if f.Sequence != uint64(i) {
			t.Fatalf("frame %d out of order: %d", i, f.Sequence)
		}
	}
	if b.Len() != 0 || b.IsFull() {
		t.Fatal("buffer not empty after drain")
	}

	// The drained slice must not be reused by later pushes.
	b.Push(&framestream.Frame{Sequence: 42})
	if frames[0].Sequence != 0 {
		t.Fatal("drained slice was overwritten")
	}
}

func TestRecordingBufferReset(t *testing.T) {
	b := NewRecordingBuffer(2)
	b.Push(&framestream.Frame{})
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("len after reset = %d", b.Len())
	}
	if b.Capacity() != 2 {
		t.Fatalf("capacity changed to %d", b.Capacity())
	}
}
