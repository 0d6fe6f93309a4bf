// Package capture reads frames from cameras, video files and network
// streams through OpenCV.
package capture

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/GuruMachanica/KavachG/internal/framestream"
	"github.com/GuruMachanica/KavachG/internal/imgconv"
)

// maxConsecutiveMisses bounds how long a live device may return empty
// reads before it is declared failed.
const maxConsecutiveMisses = 30

// Source is a framestream.Source backed by gocv.VideoCapture.
type Source struct {
	name    string
	target  string
	live    bool
	vc      *gocv.VideoCapture
	mat     gocv.Mat
	conv    *imgconv.Converter
	fps     float64
	opened  time.Time

	mu     sync.Mutex
	closed bool
}

// Options tune the capture device. Zero values keep the driver defaults.
type Options struct {
	Width  int
	Height int
}

// Open opens target, which may be a device index ("0"), a file path or a
// URL (rtsp://, http://).
func Open(name, target string, opts Options) (*Source, error) {
	var (
		vc   *gocv.VideoCapture
		err  error
		live bool
	)
	if idx, convErr := strconv.Atoi(target); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
		live = true
	} else {
		vc, err = gocv.OpenVideoCapture(target)
		live = strings.Contains(target, "://")
	}
	if err != nil {
		return nil, &framestream.SourceError{Source: name, Op: "open", Err: err}
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, &framestream.SourceError{Source: name, Op: "open", Err: fmt.Errorf("cannot open %q", target)}
	}
	if opts.Width > 0 && opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
	}

	return &Source{
		name:    name,
		target:  target,
		live:    live,
		vc:      vc,
		mat:     gocv.NewMat(),
		conv:    imgconv.NewConverter(),
		fps:     vc.Get(gocv.VideoCaptureFPS),
		opened:  time.Now(),
	}, nil
}

// FPS reports the rate the driver advertises, or 0 when it reports none.
func (s *Source) FPS() float64 {
	if s.fps <= 0 || s.fps > 240 {
		return 0
	}
	return s.fps
}

func (s *Source) Read(ctx context.Context) (*framestream.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &framestream.SourceError{Source: s.name, Op: "read", Err: fmt.Errorf("capture closed")}
	}

	misses := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ok := s.vc.Read(&s.mat); ok && !s.mat.Empty() {
			break
		}
		if !s.live {
			return nil, framestream.ErrEndOfStream
		}
		misses++
		if misses >= maxConsecutiveMisses {
			return nil, &framestream.SourceError{
				Source: s.name,
				Op:     "read",
				Err:    fmt.Errorf("%d consecutive empty reads from %s", misses, s.target),
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	ts := time.Now()
	if !s.live {
		// files replay on their own clock
		ts = s.opened.Add(time.Duration(s.vc.Get(gocv.VideoCapturePosMsec) * float64(time.Millisecond)))
	}
	return s.toFrame(ts)
}

func (s *Source) toFrame(ts time.Time) (*framestream.Frame, error) {
	f, err := s.conv.FromMat(s.mat, ts)
	if err != nil {
		return nil, &framestream.SourceError{Source: s.name, Op: "decode", Err: err}
	}
	return f, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	s.conv.Close()
	return s.vc.Close()
}
