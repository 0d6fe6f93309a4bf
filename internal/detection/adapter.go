package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

// AdapterConfig bounds one kind's detector calls.
type AdapterConfig struct {
	Kind         Kind
	MinScore     float64
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Evaluation is the normalized outcome of one frame for one kind.
type Evaluation struct {
	Kind       Kind
	Detections []Detection // after confidence filtering
	Anomaly    bool
	Confidence float64 // highest confidence among violating detections
}

// Adapter turns raw detector output into an anomaly signal. A call never
// outlives Timeout, even when the detector ignores its context, and is
// retried at most MaxAttempts times. ErrUnavailable is never retried.
type Adapter struct {
	cfg    AdapterConfig
	det    Detector
	pred   Predicate
	logger *zap.Logger
}

func NewAdapter(det Detector, cfg AdapterConfig, logger *zap.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		cfg:    cfg,
		det:    det,
		pred:   PredicateFor(cfg.Kind),
		logger: logger.Named("detector").With(zap.String("kind", string(cfg.Kind))),
	}
}

func (a *Adapter) Kind() Kind { return a.cfg.Kind }

// Evaluate runs the detector on frame and applies the kind's predicate.
func (a *Adapter) Evaluate(ctx context.Context, frame *framestream.Frame) (Evaluation, error) {
	ev := Evaluation{Kind: a.cfg.Kind}
	if a.det == nil {
		return ev, ErrUnavailable
	}

	var (
		raw      []Detection
		attempts int
	)
	op := func() error {
		attempts++
		dets, err := a.detectOnce(ctx, frame)
		switch {
		case err == nil:
			raw = dets
			return nil
		case errors.Is(err, ErrUnavailable), ctx.Err() != nil:
			return backoff.Permanent(err)
		default:
			a.logger.Debug("detect attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.RetryBackoff
	b.MaxInterval = 4 * a.cfg.RetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return ev, fmt.Errorf("detect %s (%d attempts): %w", a.cfg.Kind, attempts, err)
	}

	for _, d := range raw {
		if !d.Box.Valid() || d.Confidence < 0 || d.Confidence > 1 || d.Confidence < a.cfg.MinScore {
			continue
		}
		ev.Detections = append(ev.Detections, d)
		if a.pred(d) {
			ev.Anomaly = true
			if d.Confidence > ev.Confidence {
				ev.Confidence = d.Confidence
			}
		}
	}
	return ev, nil
}

type detectResult struct {
	dets []Detection
	err  error
}

func (a *Adapter) detectOnce(ctx context.Context, frame *framestream.Frame) ([]Detection, error) {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	ch := make(chan detectResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- detectResult{err: fmt.Errorf("detector panic: %v", r)}
			}
		}()
		dets, err := a.det.Detect(cctx, frame)
		ch <- detectResult{dets: dets, err: err}
	}()

	select {
	case r := <-ch:
		return r.dets, r.err
	case <-cctx.Done():
		return nil, fmt.Errorf("detect timed out after %s: %w", a.cfg.Timeout, cctx.Err())
	}
}

// Close releases the wrapped detector.
func (a *Adapter) Close() error {
	if a.det == nil {
		return nil
	}
	return a.det.Close()
}
