package framestream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
//  FRAME DISTRIBUTOR
// ============================================================================

// Distributor owns one Source and pumps its frames into a bounded channel
// from a dedicated goroutine. A full channel blocks acquisition rather than
// dropping frames, so downstream latency shows up as capture backpressure.
type Distributor struct {
	name   string
	src    Source
	depth  int
	logger *zap.Logger

	out       chan *Frame
	isRunning atomic.Bool
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error

	stats distributorStats
}

type distributorStats struct {
	totalFrames   atomic.Uint64
	blockedSends  atomic.Uint64
	lastFrameTime atomic.Value // time.Time
}

// DistributorStats is a snapshot of acquisition counters.
type DistributorStats struct {
	TotalFrames   uint64
	BlockedSends  uint64
	LastFrameTime time.Time
}

// NewDistributor wraps src. depth is the channel capacity (minimum 1).
func NewDistributor(name string, src Source, depth int, logger *zap.Logger) *Distributor {
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Distributor{
		name:   name,
		src:    src,
		depth:  depth,
		logger: logger.Named("distributor").With(zap.String("camera", name)),
		out:    make(chan *Frame, depth),
	}
	d.stats.lastFrameTime.Store(time.Time{})
	return d
}

// Start launches the acquisition goroutine and returns the frame channel.
// The channel is closed when the source ends, fails or ctx is cancelled;
// the source is closed before that happens. Calling Start twice returns
// the same channel.
func (d *Distributor) Start(ctx context.Context) <-chan *Frame {
	if !d.isRunning.CompareAndSwap(false, true) {
		return d.out
	}
	d.wg.Add(1)
	go d.distributeFrames(ctx)
	return d.out
}

// Wait blocks until the acquisition goroutine has exited.
func (d *Distributor) Wait() { d.wg.Wait() }

// Err reports why acquisition stopped: nil for end of stream or
// cancellation, a *SourceError otherwise. Valid after the channel closes.
func (d *Distributor) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// Stats returns a snapshot of the counters.
func (d *Distributor) Stats() DistributorStats {
	last, _ := d.stats.lastFrameTime.Load().(time.Time)
	return DistributorStats{
		TotalFrames:   d.stats.totalFrames.Load(),
		BlockedSends:  d.stats.blockedSends.Load(),
		LastFrameTime: last,
	}
}

func (d *Distributor) distributeFrames(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.out)
	defer func() {
		if err := d.src.Close(); err != nil {
			d.logger.Warn("source close failed", zap.Error(err))
		}
	}()

	var (
		seq  uint64
		last time.Time
	)
	for {
		frame, err := d.src.Read(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrEndOfStream):
				d.logger.Info("end of stream", zap.Uint64("frames", seq))
			case ctx.Err() != nil:
				d.logger.Debug("acquisition cancelled")
			default:
				var se *SourceError
				if !errors.As(err, &se) {
					se = &SourceError{Source: d.name, Op: "read", Err: err}
				}
				d.setErr(se)
				d.logger.Error("frame acquisition failed", zap.Error(se))
			}
			return
		}

		seq++
		frame.Sequence = seq
		// capture timestamps must never go backwards
		if !last.IsZero() && frame.Timestamp.Before(last) {
			frame.Timestamp = last
		}
		last = frame.Timestamp

		d.stats.totalFrames.Add(1)
		d.stats.lastFrameTime.Store(frame.Timestamp)

		select {
		case d.out <- frame:
			continue
		default:
			d.stats.blockedSends.Add(1)
		}
		select {
		case d.out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Distributor) setErr(err error) {
	d.errMu.Lock()
	d.err = err
	d.errMu.Unlock()
}
