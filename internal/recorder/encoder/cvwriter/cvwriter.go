// Package cvwriter writes MP4 clips through OpenCV's VideoWriter.
package cvwriter

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/GuruMachanica/KavachG/internal/framestream"
	"github.com/GuruMachanica/KavachG/internal/imgconv"
	"github.com/GuruMachanica/KavachG/internal/recorder/encoder"
)

// Writer encodes clips with the mp4v FourCC.
type Writer struct {
	cfg    encoder.Config
	fourcc string
	logger *zap.Logger
}

func New(cfg encoder.Config, logger *zap.Logger) *Writer {
	if cfg.FPS <= 0 {
		cfg.FPS = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{cfg: cfg, fourcc: "mp4v", logger: logger.Named("mp4-writer")}
}

func (w *Writer) Ext() string { return "mp4" }

func (w *Writer) Encode(ctx context.Context, frames []*framestream.Frame, outputPath string) (string, error) {
	if err := encoder.Prepare(outputPath, frames, w.cfg.MinFreeMB); err != nil {
		return "", err
	}

	first := frames[0]
	vw, err := gocv.VideoWriterFile(outputPath, w.fourcc, w.cfg.FPS, first.Width, first.Height, true)
	if err != nil {
		return "", &encoder.EncodeError{Path: outputPath, Stage: "open", Err: err}
	}
	if !vw.IsOpened() {
		vw.Close()
		return "", &encoder.EncodeError{Path: outputPath, Stage: "open", Err: fmt.Errorf("video writer did not open (codec %s)", w.fourcc)}
	}

	fail := func(stage string, err error) (string, error) {
		vw.Close()
		os.Remove(outputPath)
		return "", &encoder.EncodeError{Path: outputPath, Stage: stage, Err: err}
	}

	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return fail("write", err)
		}
		if err := writeFrame(vw, f); err != nil {
			return fail("write", fmt.Errorf("frame %d: %w", i, err))
		}
	}

	if err := vw.Close(); err != nil {
		os.Remove(outputPath)
		return "", &encoder.EncodeError{Path: outputPath, Stage: "finalize", Err: err}
	}

	w.logger.Debug("clip written", zap.String("path", outputPath), zap.Int("frames", len(frames)))
	return outputPath, nil
}

func writeFrame(vw *gocv.VideoWriter, f *framestream.Frame) error {
	mat, err := imgconv.ToMat(f)
	if err != nil {
		return err
	}
	defer mat.Close()
	return vw.Write(mat)
}
