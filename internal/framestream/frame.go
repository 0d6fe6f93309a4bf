package framestream

import (
	"fmt"
	"image"
	"image/color"
	"time"
)

// Frame is one captured image. Pixels are interleaved BGR (Channels == 3)
// or 8-bit gray (Channels == 1), row-major with no padding.
// A Frame is never modified after it leaves its source, so stages may hold
// references to the same Frame without copying.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Channels  int
	Timestamp time.Time
	Sequence  uint64
}

// Validate checks that the pixel buffer matches the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("framestream: nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("framestream: invalid dimensions %dx%d", f.Width, f.Height)
	}
	if f.Channels != 1 && f.Channels != 3 {
		return fmt.Errorf("framestream: unsupported channel count %d", f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Data) != want {
		return fmt.Errorf("framestream: buffer is %d bytes, want %d", len(f.Data), want)
	}
	return nil
}

// Size returns the pixel buffer length in bytes.
func (f *Frame) Size() int { return len(f.Data) }

// Image returns an RGBA (or Gray) view converted from the frame's pixels.
// The result does not alias Data.
func (f *Frame) Image() image.Image {
	if f.Channels == 1 {
		g := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		copy(g.Pix, f.Data)
		return g
	}
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	src, dst := 0, 0
	for i := 0; i < f.Width*f.Height; i++ {
		img.Pix[dst] = f.Data[src+2]
		img.Pix[dst+1] = f.Data[src+1]
		img.Pix[dst+2] = f.Data[src]
		img.Pix[dst+3] = 0xff
		src += 3
		dst += 4
	}
	return img
}

// FromImage converts img into a BGR frame. Fast paths cover the types
// camera drivers hand out; anything else goes through the color model.
func FromImage(img image.Image, ts time.Time, seq uint64) (*Frame, error) {
	if img == nil {
		return nil, fmt.Errorf("framestream: nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("framestream: empty image bounds")
	}
	w, h := b.Dx(), b.Dy()
	data := make([]byte, w*h*3)

	switch im := img.(type) {
	case *image.RGBA:
		dst := 0
		for y := 0; y < h; y++ {
			row := (y+b.Min.Y-im.Rect.Min.Y)*im.Stride + (b.Min.X-im.Rect.Min.X)*4
			for x := 0; x < w; x++ {
				p := row + x*4
				r, g, bl, a := im.Pix[p], im.Pix[p+1], im.Pix[p+2], im.Pix[p+3]
				// unpremultiply so translucent edges don't darken
				if a > 0 && a < 255 {
					r = uint8(uint32(r) * 255 / uint32(a))
					g = uint8(uint32(g) * 255 / uint32(a))
					bl = uint8(uint32(bl) * 255 / uint32(a))
				}
				data[dst], data[dst+1], data[dst+2] = bl, g, r
				dst += 3
			}
		}
	case *image.YCbCr:
		dst := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				yi := im.YOffset(x, y)
				ci := im.COffset(x, y)
				r, g, bl := color.YCbCrToRGB(im.Y[yi], im.Cb[ci], im.Cr[ci])
				data[dst], data[dst+1], data[dst+2] = bl, g, r
				dst += 3
			}
		}
	case *image.Gray:
		dst := 0
		for y := 0; y < h; y++ {
			row := (y+b.Min.Y-im.Rect.Min.Y)*im.Stride + (b.Min.X - im.Rect.Min.X)
			for x := 0; x < w; x++ {
				v := im.Pix[row+x]
				data[dst], data[dst+1], data[dst+2] = v, v, v
				dst += 3
			}
		}
	default:
		dst := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				data[dst], data[dst+1], data[dst+2] = c.B, c.G, c.R
				dst += 3
			}
		}
	}

	return &Frame{
		Data:      data,
		Width:     w,
		Height:    h,
		Channels:  3,
		Timestamp: ts,
		Sequence:  seq,
	}, nil
}
