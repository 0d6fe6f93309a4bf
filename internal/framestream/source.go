package framestream

import (
	"context"
	"errors"
	"fmt"
)

// ErrEndOfStream is returned by Read once a finite source is exhausted.
var ErrEndOfStream = errors.New("framestream: end of stream")

// ErrSource matches every SourceError via errors.Is.
var ErrSource = errors.New("framestream: source failure")

// Source produces frames in capture order.
type Source interface {
	// Read blocks until the next frame is available. It returns
	// ErrEndOfStream when a finite source is exhausted.
	Read(ctx context.Context) (*Frame, error)
	// FPS reports the nominal rate, or 0 when unknown.
	FPS() float64
	Close() error
}

// SourceError is a fatal acquisition failure.
type SourceError struct {
	Source string
	Op     string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == ErrSource }
