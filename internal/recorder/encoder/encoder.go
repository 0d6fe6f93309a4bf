// encoder/encoder.go
package encoder

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

// ClipWriter turns an ordered run of frames into a video file.
type ClipWriter interface {
	// Encode writes frames, in order, to outputPath and returns the path
	// actually written. Failures are *EncodeError.
	Encode(ctx context.Context, frames []*framestream.Frame, outputPath string) (string, error)
	// Ext is the file extension the writer produces, without the dot.
	Ext() string
}

// EncodeError is non-retryable at this layer: the caller files the
// incident without a clip.
type EncodeError struct {
	Path  string
	Stage string // prepare, open, write, finalize
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s (%s): %v", e.Path, e.Stage, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// ClipName returns "{type}_{YYYYMMDD_HHMMSS}.{ext}" in t's location.
func ClipName(incidentType string, t time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", incidentType, t.Format("20060102_150405"), ext)
}

// ClipPath joins dir and ClipName.
func ClipPath(dir, incidentType string, t time.Time, ext string) string {
	return filepath.Join(dir, ClipName(incidentType, t, ext))
}

// Config is shared by the clip writers.
type Config struct {
	FPS       float64
	MinFreeMB uint64 // refuse to start a clip below this much free space
}

// checkFrames rejects empty input and frames whose geometry changes
// mid-clip.
func checkFrames(path string, frames []*framestream.Frame) error {
	if len(frames) == 0 {
		return &EncodeError{Path: path, Stage: "prepare", Err: fmt.Errorf("no frames")}
	}
	first := frames[0]
	for i, f := range frames {
		if err := f.Validate(); err != nil {
			return &EncodeError{Path: path, Stage: "prepare", Err: fmt.Errorf("frame %d: %w", i, err)}
		}
		if f.Width != first.Width || f.Height != first.Height {
			return &EncodeError{Path: path, Stage: "prepare",
				Err: fmt.Errorf("frame %d is %dx%d, clip is %dx%d", i, f.Width, f.Height, first.Width, first.Height)}
		}
	}
	return nil
}

// Prepare validates frames, creates the output directory and checks free
// space. Writers call it before opening the file.
func Prepare(path string, frames []*framestream.Frame, minFreeMB uint64) error {
	if err := checkFrames(path, frames); err != nil {
		return err
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return &EncodeError{Path: path, Stage: "prepare", Err: err}
	}
	if minFreeMB > 0 {
		if err := CheckDiskSpace(filepath.Dir(path), minFreeMB); err != nil {
			return &EncodeError{Path: path, Stage: "prepare", Err: err}
		}
	}
	return nil
}
