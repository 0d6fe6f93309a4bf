package imgconv

import (
	"bytes"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

func TestToMatBGR(t *testing.T) {
	f := &framestream.Frame{Data: bytes.Repeat([]byte{1, 2, 3}, 4*2), Width: 4, Height: 2, Channels: 3}
	mat, err := ToMat(f)
	if err != nil {
		t.Fatalf("ToMat: %v", err)
	}
	defer mat.Close()
	if mat.Cols() != 4 || mat.Rows() != 2 || mat.Channels() != 3 {
		t.Fatalf("mat is %dx%dx%d", mat.Cols(), mat.Rows(), mat.Channels())
	}
	if !bytes.Equal(mat.ToBytes(), f.Data) {
		t.Fatal("pixels changed")
	}
}

func TestToMatExpandsGray(t *testing.T) {
	f := &framestream.Frame{Data: []byte{10, 20, 30, 40}, Width: 2, Height: 2, Channels: 1}
	mat, err := ToMat(f)
	if err != nil {
		t.Fatalf("ToMat: %v", err)
	}
	defer mat.Close()
	if mat.Channels() != 3 {
		t.Fatalf("channels = %d, want 3", mat.Channels())
	}
	if got := mat.ToBytes()[3:6]; !bytes.Equal(got, []byte{20, 20, 20}) {
		t.Fatalf("second pixel = %v", got)
	}
}

func TestToMatRejectsBadFrame(t *testing.T) {
	f := &framestream.Frame{Data: []byte{1, 2}, Width: 2, Height: 2, Channels: 3}
	mat, err := ToMat(f)
	defer mat.Close()
	if err == nil {
		t.Fatal("expected an error for a short buffer")
	}
}

func TestFromMatDropsAlpha(t *testing.T) {
	bgra, err := gocv.NewMatFromBytes(1, 2, gocv.MatTypeCV8UC4, []byte{1, 2, 3, 255, 4, 5, 6, 128})
	if err != nil {
		t.Fatalf("NewMatFromBytes: %v", err)
	}
	defer bgra.Close()

	c := NewConverter()
	defer c.Close()
	ts := time.Unix(1700000000, 0)
	f, err := c.FromMat(bgra, ts)
	if err != nil {
		t.Fatalf("FromMat: %v", err)
	}
	if f.Channels != 3 || f.Width != 2 || f.Height != 1 || !f.Timestamp.Equal(ts) {
		t.Fatalf("unexpected frame %+v", f)
	}
	if !bytes.Equal(f.Data, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("data = %v", f.Data)
	}
}
