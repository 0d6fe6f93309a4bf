package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
)

// Config bounds delivery attempts.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttemptTimeout bounds one sink write. The write is detached from the
	// caller's cancellation so a statement is never cut off halfway.
	AttemptTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
}

// Dispatcher delivers requests to the sink at least once, dead-letters
// what it cannot deliver and broadcasts what it did.
type Dispatcher struct {
	sink       Sink
	deadLetter *DeadLetterLog // nil disables dead-lettering
	cfg        Config
	logger     *zap.Logger

	mu          sync.RWMutex
	subscribers map[int]Subscriber
	nextSubID   int

	delivered    atomic.Uint64
	failed       atomic.Uint64
	retries      atomic.Uint64
	deadLettered atomic.Uint64
}

func NewDispatcher(sink Sink, deadLetter *DeadLetterLog, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sink:        sink,
		deadLetter:  deadLetter,
		cfg:         cfg,
		logger:      logger.Named("dispatcher"),
		subscribers: make(map[int]Subscriber),
	}
}

// Subscribe registers s and returns a function that removes it.
func (d *Dispatcher) Subscribe(s Subscriber) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subscribers[id] = s
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
}

// Submit files req. On success the stored incident is returned and
// broadcast. When every attempt fails the request is dead-lettered and a
// *DispatchError is returned. A request without an EpisodeID gets one, so
// retries and replays of it are filed once.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*storage.Incident, error) {
	if req.EpisodeID == "" {
		req.EpisodeID = uuid.NewString()
	}
	log := d.logger.With(
		zap.String("type", req.Type),
		zap.String("camera", req.Camera),
		zap.String("episode", req.EpisodeID))

	inc, attempts, err := d.deliver(ctx, req, log)
	if err != nil {
		d.failed.Add(1)
		derr := &DispatchError{Attempts: attempts, Err: err}
		log.Error("Incident delivery failed", zap.Int("attempts", attempts), zap.Error(err))
		derr.DeadLettered = d.deadLetterRequest(req, log)
		return nil, derr
	}

	d.delivered.Add(1)
	log.Info("Incident filed", zap.Int64("id", inc.ID), zap.Int("attempts", attempts))
	d.broadcast(inc)
	return inc, nil
}

func (d *Dispatcher) deliver(ctx context.Context, req Request, log *zap.Logger) (*storage.Incident, int, error) {
	if d.sink == nil {
		return nil, 0, errors.New("no incident sink configured")
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = d.cfg.InitialBackoff
	ebo.MaxInterval = d.cfg.MaxBackoff
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(d.cfg.MaxAttempts-1)), ctx)

	var (
		inc      *storage.Incident
		attempts int
		lastErr  error
	)
	op := func() error {
		attempts++
		if attempts > 1 {
			d.retries.Add(1)
		}
		candidate := req.Incident()

		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AttemptTimeout)
		defer cancel()
		if err := d.sink.CreateIncident(attemptCtx, candidate); err != nil {
			lastErr = err
			log.Warn("Incident delivery attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		inc = candidate
		return nil
	}

	err := backoff.Retry(op, b)
	if err != nil {
		// Retry reports ctx.Err() when cancelled between attempts
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = fmt.Errorf("%w (last attempt: %v)", err, lastErr)
		}
		return nil, attempts, err
	}
	return inc, attempts, nil
}

func (d *Dispatcher) deadLetterRequest(req Request, log *zap.Logger) bool {
	if d.deadLetter == nil {
		log.Error("Incident dropped, no dead-letter log configured")
		return false
	}
	if err := d.deadLetter.Append(req); err != nil {
		log.Error("Failed to dead-letter incident", zap.Error(err))
		return false
	}
	d.deadLettered.Add(1)
	log.Warn("Incident dead-lettered", zap.String("path", d.deadLetter.Path()))
	return true
}

func (d *Dispatcher) broadcast(inc *storage.Incident) {
	d.mu.RLock()
	subs := make([]Subscriber, 0, len(d.subscribers))
	for _, s := range d.subscribers {
		subs = append(subs, s)
	}
	d.mu.RUnlock()

	for _, s := range subs {
		d.notify(s, inc)
	}
}

func (d *Dispatcher) notify(s Subscriber, inc *storage.Incident) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Incident subscriber panicked",
				zap.Int64("id", inc.ID),
				zap.Any("panic", r))
		}
	}()
	s.Notify(inc)
}

// ReplayResult summarizes a Replay run.
type ReplayResult struct {
	Delivered int
	Remaining int
}

// Replay redelivers dead-lettered requests. The log is only rewritten
// after delivery, dropping what went through, so an interrupted replay
// leaves every request in place. Redelivering one that did reach the sink
// returns the stored incident rather than filing it again.
func (d *Dispatcher) Replay(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	if d.deadLetter == nil {
		return res, nil
	}

	reqs, err := d.deadLetter.ReadAll()
	if err != nil {
		return res, err
	}
	if len(reqs) == 0 {
		return res, nil
	}
	d.logger.Info("Replaying dead-lettered incidents", zap.Int("count", len(reqs)))

	var delivered []Request
	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		log := d.logger.With(zap.String("type", req.Type), zap.String("episode", req.EpisodeID))
		inc, _, err := d.deliver(ctx, req, log)
		if err != nil {
			log.Warn("Replay delivery failed", zap.Error(err))
			continue
		}
		delivered = append(delivered, req)
		d.delivered.Add(1)
		d.broadcast(inc)
	}

	res.Delivered = len(delivered)
	res.Remaining = len(reqs) - len(delivered)
	if err := d.deadLetter.Remove(delivered); err != nil {
		return res, fmt.Errorf("failed to drop replayed incidents from the dead-letter log: %w", err)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

// GetMetrics returns dispatcher counters.
func (d *Dispatcher) GetMetrics() map[string]interface{} {
	d.mu.RLock()
	subs := len(d.subscribers)
	d.mu.RUnlock()
	return map[string]interface{}{
		"delivered":     d.delivered.Load(),
		"failed":        d.failed.Load(),
		"retries":       d.retries.Load(),
		"dead_lettered": d.deadLettered.Load(),
		"subscribers":   subs,
	}
}
