package encoder

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

func TestClipName(t *testing.T) {
	ts := time.Date(2025, 7, 4, 9, 5, 3, 0, time.UTC)
	if got := ClipName("fire-smoke", ts, "mp4"); got != "fire-smoke_20250704_090503.mp4" {
		t.Fatalf("ClipName = %q", got)
	}
	if got := ClipPath("/srv/clips", "ppe", ts, "mkv"); got != "/srv/clips/ppe_20250704_090503.mkv" {
		t.Fatalf("ClipPath = %q", got)
	}
}

func solidFrames(n, w, h int, start time.Time) []*framestream.Frame {
	out := make([]*framestream.Frame, n)
	for i := range out {
		out[i] = &framestream.Frame{
			Data:      bytes.Repeat([]byte{byte(i * 10), 40, 200}, w*h),
			Width:     w,
			Height:    h,
			Channels:  3,
			Timestamp: start.Add(time.Duration(i) * 50 * time.Millisecond),
			Sequence:  uint64(i + 1),
		}
	}
	return out
}

func TestMKVWriterWritesClip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "clips")
	w := NewMKVWriter(Config{FPS: 20}, nil)
	path := ClipPath(dir, "ppe", time.Now(), w.Ext())

	got, err := w.Encode(context.Background(), solidFrames(10, 16, 8, time.Now()), path)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got != path {
		t.Fatalf("returned path %q, want %q", got, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read clip: %v", err)
	}
	// EBML magic
	if len(data) < 4 || !bytes.Equal(data[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		t.Fatalf("clip does not start with an EBML header")
	}
	// every frame is stored as a JPEG; count SOI markers
	if n := bytes.Count(data, []byte{0xFF, 0xD8, 0xFF}); n != 10 {
		t.Fatalf("found %d JPEG frames, want 10", n)
	}
}

func TestMKVWriterRejectsBadInput(t *testing.T) {
	w := NewMKVWriter(Config{FPS: 20}, nil)
	dir := t.TempDir()

	tests := []struct {
		name   string
		frames []*framestream.Frame
	}{
		{"empty", nil},
		{"mixed sizes", append(solidFrames(2, 8, 8, time.Now()), solidFrames(1, 4, 4, time.Now())...)},
		{"short buffer", []*framestream.Frame{{Data: []byte{1}, Width: 2, Height: 2, Channels: 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".mkv")
			_, err := w.Encode(context.Background(), tt.frames, path)
			var ee *EncodeError
			if !errors.As(err, &ee) {
				t.Fatalf("expected *EncodeError, got %v", err)
			}
			if ee.Stage != "prepare" {
				t.Fatalf("stage = %q, want prepare", ee.Stage)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Fatal("no file should be left behind")
			}
		})
	}
}

func TestMKVWriterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "c.mkv")

	_, err := NewMKVWriter(Config{FPS: 10}, nil).Encode(ctx, solidFrames(3, 4, 4, time.Now()), path)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("partial clip should be removed")
	}
}

func TestCheckDiskSpace(t *testing.T) {
	if err := CheckDiskSpace(t.TempDir(), 0); err != nil {
		t.Fatalf("0 MB requirement failed: %v", err)
	}
	if err := CheckDiskSpace(t.TempDir(), 1<<62); err == nil {
		t.Fatal("expected insufficient space error")
	}
}
