package encoder

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"go.uber.org/zap"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

// MKVWriter stores clips as Motion-JPEG inside a Matroska/EBML container.
// It needs no native codec libraries, which makes it the fallback when
// OpenCV is built without a video backend.
type MKVWriter struct {
	cfg     Config
	quality int
	logger  *zap.Logger
}

func NewMKVWriter(cfg Config, logger *zap.Logger) *MKVWriter {
	if cfg.FPS <= 0 {
		cfg.FPS = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MKVWriter{cfg: cfg, quality: 85, logger: logger.Named("mkv-writer")}
}

func (w *MKVWriter) Ext() string { return "mkv" }

func (w *MKVWriter) Encode(ctx context.Context, frames []*framestream.Frame, outputPath string) (string, error) {
	if err := Prepare(outputPath, frames, w.cfg.MinFreeMB); err != nil {
		return "", err
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return "", &EncodeError{Path: outputPath, Stage: "open", Err: err}
	}

	frameDur := time.Duration(float64(time.Second) / w.cfg.FPS)
	first := frames[0]
	tracks, err := webm.NewSimpleBlockWriter(file,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        1,
				CodecID:         "V_MJPEG",
				TrackType:       1,
				DefaultDuration: uint64(frameDur.Nanoseconds()),
				Video: &webm.Video{
					PixelWidth:  uint64(first.Width),
					PixelHeight: uint64(first.Height),
				},
			},
		},
	)
	if err != nil {
		file.Close()
		os.Remove(outputPath)
		return "", &EncodeError{Path: outputPath, Stage: "open", Err: fmt.Errorf("create matroska writer: %w", err)}
	}
	track := tracks[0]

	fail := func(stage string, err error) (string, error) {
		track.Close()
		os.Remove(outputPath)
		return "", &EncodeError{Path: outputPath, Stage: stage, Err: err}
	}

	var lastTS int64 = -1
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return fail("write", err)
		}
		jpg, err := framestream.EncodeJPEG(f, w.quality)
		if err != nil {
			return fail("write", fmt.Errorf("frame %d: %w", i, err))
		}
		// block timestamps are milliseconds from the first frame; fall back
		// to the nominal rate when capture times do not advance
		ts := f.Timestamp.Sub(first.Timestamp).Milliseconds()
		if ts <= lastTS {
			ts = int64(time.Duration(i) * frameDur / time.Millisecond)
			if ts <= lastTS {
				ts = lastTS + 1
			}
		}
		lastTS = ts
		if _, err := track.Write(true, ts, jpg); err != nil {
			return fail("write", fmt.Errorf("frame %d: %w", i, err))
		}
	}

	if err := track.Close(); err != nil {
		os.Remove(outputPath)
		return "", &EncodeError{Path: outputPath, Stage: "finalize", Err: err}
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return "", &EncodeError{Path: outputPath, Stage: "finalize", Err: err}
	}
	if info.Size() == 0 {
		os.Remove(outputPath)
		return "", &EncodeError{Path: outputPath, Stage: "finalize", Err: fmt.Errorf("output file is empty")}
	}

	w.logger.Debug("clip written",
		zap.String("path", outputPath),
		zap.Int("frames", len(frames)),
		zap.Int64("bytes", info.Size()))
	return outputPath, nil
}
