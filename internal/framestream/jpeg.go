package framestream

import (
	"bytes"
	"fmt"
	"image/jpeg"
)

// EncodeJPEG compresses the frame at the given quality (1-100).
func EncodeJPEG(f *Frame, quality int) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	buf.Grow(f.Width * f.Height / 4)
	if err := jpeg.Encode(&buf, f.Image(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("framestream: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
