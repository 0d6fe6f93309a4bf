package framestream

import (
	"context"
	"sync"
	"time"
)

// SyntheticSource generates solid gray frames at a fixed nominal rate with
// timestamps derived from the frame index rather than the wall clock.
// It is used for replay, smoke tests and benchmarks.
type SyntheticSource struct {
	Width, Height int
	Rate          float64
	Start         time.Time
	Limit         int // 0 means unbounded
	// FailAt, when > 0, makes the Nth read fail with a SourceError.
	FailAt int

	mu     sync.Mutex
	next   int
	closed bool
}

// NewSyntheticSource returns a finite source of n frames.
func NewSyntheticSource(n int, fps float64, start time.Time) *SyntheticSource {
	return &SyntheticSource{Width: 4, Height: 4, Rate: fps, Start: start, Limit: n}
}

func (s *SyntheticSource) Read(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &SourceError{Source: "synthetic", Op: "read", Err: errClosed}
	}
	if s.Limit > 0 && s.next >= s.Limit {
		return nil, ErrEndOfStream
	}
	if s.FailAt > 0 && s.next+1 == s.FailAt {
		return nil, &SourceError{Source: "synthetic", Op: "read", Err: errInjected}
	}
	i := s.next
	s.next++

	step := time.Duration(float64(time.Second) / s.Rate)
	data := make([]byte, s.Width*s.Height)
	for p := range data {
		data[p] = byte(i)
	}
	return &Frame{
		Data:      data,
		Width:     s.Width,
		Height:    s.Height,
		Channels:  1,
		Timestamp: s.Start.Add(time.Duration(i) * step),
	}, nil
}

func (s *SyntheticSource) FPS() float64 { return s.Rate }

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (s *SyntheticSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type sourceErr string

func (e sourceErr) Error() string { return string(e) }

const (
	errClosed   = sourceErr("source closed")
	errInjected = sourceErr("injected failure")
)
