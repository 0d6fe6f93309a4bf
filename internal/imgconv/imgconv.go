// Package imgconv converts between framestream frames and OpenCV Mats.
// Every Mat returned is owned by the caller, who must Close() it.
package imgconv

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

// ToMat converts f into a 3-channel BGR Mat. Gray frames are expanded.
func ToMat(f *framestream.Frame) (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: %w", err)
	}

	if f.Channels == 3 {
		// NewMatFromBytes copies, so the Mat never aliases the frame.
		mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("imgconv: failed to create Mat from BGR frame: %v", err)
		}
		return mat, nil
	}

	gray, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC1, f.Data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: failed to create Mat from gray frame: %v", err)
	}
	defer gray.Close()

	bgr := gocv.NewMat()
	if err := gocv.CvtColor(gray, &bgr, gocv.ColorGrayToBGR); err != nil {
		bgr.Close()
		return gocv.NewMat(), fmt.Errorf("imgconv: gray to BGR: %v", err)
	}
	return bgr, nil
}

// Converter turns captured Mats into frames. It keeps one scratch Mat for
// BGRA input, so a Converter must not be shared between goroutines.
type Converter struct {
	scratch gocv.Mat
}

func NewConverter() *Converter {
	return &Converter{scratch: gocv.NewMat()}
}

// FromMat copies mat into a new frame. 1- and 3-channel Mats are taken as
// gray and BGR; 4-channel Mats are treated as BGRA and lose the alpha.
func (c *Converter) FromMat(mat gocv.Mat, ts time.Time) (*framestream.Frame, error) {
	if mat.Empty() {
		return nil, fmt.Errorf("imgconv: empty Mat")
	}
	src := mat
	switch mat.Channels() {
	case 1, 3:
	case 4:
		if err := gocv.CvtColor(mat, &c.scratch, gocv.ColorBGRAToBGR); err != nil {
			return nil, fmt.Errorf("imgconv: BGRA to BGR: %v", err)
		}
		src = c.scratch
	default:
		return nil, fmt.Errorf("imgconv: unsupported channel count %d", mat.Channels())
	}
	if src.Type() != gocv.MatTypeCV8UC1 && src.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("imgconv: unsupported Mat type %v", src.Type())
	}

	// ToBytes copies, so the frame does not alias the reused Mat.
	return &framestream.Frame{
		Data:      src.ToBytes(),
		Width:     src.Cols(),
		Height:    src.Rows(),
		Channels:  src.Channels(),
		Timestamp: ts,
	}, nil
}

func (c *Converter) Close() error {
	return c.scratch.Close()
}
