// internal/recorder/recorder.go
package recorder

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GuruMachanica/KavachG/internal/detection"
	"github.com/GuruMachanica/KavachG/internal/framestream"
	"github.com/GuruMachanica/KavachG/internal/incident"
	"github.com/GuruMachanica/KavachG/internal/live"
	"github.com/GuruMachanica/KavachG/internal/recorder/encoder"
	"github.com/GuruMachanica/KavachG/internal/recorder/persistence"
	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
)

// Submitter files incidents. *incident.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, req incident.Request) (*storage.Incident, error)
}

// Options wires one Monitor.
type Options struct {
	Camera   string
	Source   framestream.Source
	Adapters []*detection.Adapter

	Persistence persistence.Config // FPS 0 means the source's rate
	DefaultFPS  float64            // used when the source reports no rate
	Workers     int
	QueueDepth  int // 0 means 2 × fps

	ClipWriter  encoder.ClipWriter
	ClipDir     string
	ClipsPrefix string             // public URL prefix stored as clip_path
	Mirror      storage.ClipMirror // optional

	Dispatcher Submitter
	Live       *live.Publisher // optional

	ShutdownGrace   time.Duration
	MetricsInterval time.Duration
	Logger          *zap.Logger
}

// Monitor runs the incident pipeline for one camera: acquisition,
// detection, one persistence machine per kind and episode finalization.
type Monitor struct {
	opts    Options
	logger  *zap.Logger
	metrics *Metrics

	kinds    []*kindState
	running  atomic.Bool
	stateMu  sync.RWMutex
	states   map[string]string
	fps      float64
	finalize sync.WaitGroup
}

// kindState is owned by the applier goroutine.
type kindState struct {
	adapter     *detection.Adapter
	machine     *persistence.Machine
	kind        detection.Kind
	peak        float64
	unavailable bool
}

// Metrics tracks one stream
type Metrics struct {
	FramesProcessed  atomic.Uint64
	Detections       atomic.Uint64
	Anomalies        atomic.Uint64
	DetectorErrors   atomic.Uint64
	UnavailableTicks atomic.Uint64
	Episodes         atomic.Uint64
	ClipFailures     atomic.Uint64
	ClipsMirrored    atomic.Uint64
	IncidentsFiled   atomic.Uint64
	DispatchFailures atomic.Uint64
}

// Stats is a snapshot served by /api/streams.
type Stats struct {
	Camera           string            `json:"camera"`
	Running          bool              `json:"running"`
	FPS              float64           `json:"fps"`
	FramesProcessed  uint64            `json:"frames_processed"`
	Detections       uint64            `json:"detections"`
	Anomalies        uint64            `json:"anomalies"`
	DetectorErrors   uint64            `json:"detector_errors"`
	UnavailableTicks uint64            `json:"unavailable_ticks"`
	Episodes         uint64            `json:"episodes"`
	ClipFailures     uint64            `json:"clip_failures"`
	ClipsMirrored    uint64            `json:"clips_mirrored"`
	IncidentsFiled   uint64            `json:"incidents_filed"`
	DispatchFailures uint64            `json:"dispatch_failures"`
	States           map[string]string `json:"states"`
}

func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Source == nil {
		return nil, errors.New("recorder: source is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, errors.New("recorder: at least one detector adapter is required")
	}
	if opts.ClipWriter == nil {
		return nil, errors.New("recorder: clip writer is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("recorder: dispatcher is required")
	}
	if opts.DefaultFPS <= 0 {
		opts.DefaultFPS = 20
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Monitor{
		opts:    opts,
		logger:  opts.Logger.Named("monitor").With(zap.String("camera", opts.Camera)),
		metrics: &Metrics{},
		states:  make(map[string]string),
	}
	for _, a := range opts.Adapters {
		m.kinds = append(m.kinds, &kindState{adapter: a, kind: a.Kind()})
		m.states[string(a.Kind())] = persistence.Idle.String()
	}
	return m, nil
}

func (m *Monitor) Camera() string { return m.opts.Camera }

// Run processes the stream until it ends, fails or ctx is cancelled.
// It returns the *framestream.SourceError of a failed source and nil
// otherwise. In-flight recordings are discarded; episodes already
// completed get ShutdownGrace to finish filing.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor %s already running", m.opts.Camera)
	}
	defer m.running.Store(false)

	fps := m.opts.Persistence.FPS
	if fps <= 0 {
		fps = m.opts.Source.FPS()
	}
	if fps <= 0 {
		fps = m.opts.DefaultFPS
	}
	m.stateMu.Lock()
	m.fps = fps
	m.stateMu.Unlock()
	pcfg := m.opts.Persistence
	pcfg.FPS = fps
	for _, ks := range m.kinds {
		ks.machine = persistence.New(pcfg)
	}

	depth := m.opts.QueueDepth
	if depth <= 0 {
		depth = int(fps * 2)
	}

	m.logger.Info("Starting monitor",
		zap.Float64("fps", fps),
		zap.Int("workers", m.opts.Workers),
		zap.Int("episode_frames", m.kinds[0].machine.Capacity()),
		zap.Duration("threshold", pcfg.Threshold),
		zap.Duration("cooldown", pcfg.Cooldown))

	// finalizers outlive ctx by up to ShutdownGrace
	finalCtx, finalCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer finalCancel()

	dist := framestream.NewDistributor(m.opts.Camera, m.opts.Source, depth, m.logger)
	frames := dist.Start(ctx)

	var aux sync.WaitGroup
	reportCtx, stopReport := context.WithCancel(ctx)
	if m.opts.MetricsInterval > 0 {
		aux.Add(1)
		go m.metricsReporter(reportCtx, &aux)
	}

	m.process(ctx, finalCtx, frames, depth)
	dist.Wait()
	stopReport()
	aux.Wait()

	for _, ks := range m.kinds {
		if ks.machine.State() == persistence.Recording {
			m.logger.Info("Discarding partial recording",
				zap.String("kind", string(ks.kind)),
				zap.Int("frames", ks.machine.Buffered()))
		}
		ks.machine.Reset()
		m.setState(ks.kind, persistence.Idle)
	}

	m.waitFinalizers(finalCancel)
	m.reportMetrics()

	if err := dist.Err(); err != nil {
		return err
	}
	return nil
}

type evalResult struct {
	ev  detection.Evaluation
	err error
}

type job struct {
	frame *framestream.Frame
	done  chan []evalResult
}

// process fans frames out to detection workers and applies their results
// in capture order on the calling goroutine.
func (m *Monitor) process(ctx, finalCtx context.Context, frames <-chan *framestream.Frame, depth int) {
	work := make(chan *job, depth)
	ordered := make(chan *job, depth)

	var workers sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range work {
				j.done <- m.evaluate(ctx, j.frame)
			}
		}()
	}

	go func() {
		defer close(ordered)
		defer close(work)
		for f := range frames {
			j := &job{frame: f, done: make(chan []evalResult, 1)}
			ordered <- j
			work <- j
		}
	}()

	for j := range ordered {
		results := <-j.done
		if ctx.Err() != nil {
			// drain without applying; partial state is reset by Run
			continue
		}
		m.apply(finalCtx, j.frame, results)
	}
	workers.Wait()
}

func (m *Monitor) evaluate(ctx context.Context, f *framestream.Frame) []evalResult {
	out := make([]evalResult, len(m.kinds))
	for i, ks := range m.kinds {
		ev, err := ks.adapter.Evaluate(ctx, f)
		out[i] = evalResult{ev: ev, err: err}
	}
	return out
}

func (m *Monitor) apply(finalCtx context.Context, f *framestream.Frame, results []evalResult) {
	m.metrics.FramesProcessed.Add(1)

	var overlays []live.Overlay
	for i, ks := range m.kinds {
		r := results[i]
		anomaly := false
		switch {
		case r.err == nil:
			if ks.unavailable {
				ks.unavailable = false
				m.logger.Info("Detector available again", zap.String("kind", string(ks.kind)))
			}
			anomaly = r.ev.Anomaly
			m.metrics.Detections.Add(uint64(len(r.ev.Detections)))
			if m.opts.Live != nil {
				pred := detection.PredicateFor(ks.kind)
				for _, d := range r.ev.Detections {
					overlays = append(overlays, live.Overlay{Box: d.Box, Anomaly: pred(d)})
				}
			}
		case errors.Is(r.err, detection.ErrUnavailable):
			m.metrics.UnavailableTicks.Add(1)
			if !ks.unavailable {
				ks.unavailable = true
				m.logger.Warn("Detector unavailable, treating frames as normal",
					zap.String("kind", string(ks.kind)), zap.Error(r.err))
			}
		default:
			m.metrics.DetectorErrors.Add(1)
			m.logger.Debug("Detection failed",
				zap.String("kind", string(ks.kind)),
				zap.Uint64("seq", f.Sequence),
				zap.Error(r.err))
		}
		if anomaly {
			m.metrics.Anomalies.Add(1)
		}

		res := ks.machine.Tick(f.Timestamp, anomaly, f)
		if res.To == persistence.Pending && res.From != persistence.Pending {
			ks.peak = 0
		}
		if anomaly && r.ev.Confidence > ks.peak && (res.To == persistence.Pending || res.To == persistence.Recording || res.Episode != nil) {
			ks.peak = r.ev.Confidence
		}
		if res.Changed() {
			m.logger.Debug("State change",
				zap.String("kind", string(ks.kind)),
				zap.Stringer("from", res.From),
				zap.Stringer("to", res.To),
				zap.Time("at", f.Timestamp))
			m.setState(ks.kind, res.To)
			if res.To == persistence.Recording {
				m.logger.Info("Anomaly persisted, recording",
					zap.String("kind", string(ks.kind)),
					zap.Time("at", f.Timestamp),
					zap.Int("frames", ks.machine.Capacity()))
			}
		}
		if res.Episode != nil {
			m.metrics.Episodes.Add(1)
			peak := ks.peak
			ks.peak = 0
			m.finalize.Add(1)
			go m.finalizeEpisode(finalCtx, ks.kind, res.Episode, peak)
		}
	}

	if m.opts.Live != nil {
		m.opts.Live.Publish(f, overlays)
	}
}

// finalizeEpisode encodes the clip, files the incident and then mirrors
// the clip. A clip failure still files the incident, without a clip. The
// mirror never holds back the incident record.
func (m *Monitor) finalizeEpisode(ctx context.Context, kind detection.Kind, ep *persistence.Episode, peak float64) {
	defer m.finalize.Done()
	log := m.logger.With(zap.String("kind", string(kind)), zap.String("episode", ep.ID))

	clipRef := ""
	clipPath := encoder.ClipPath(m.opts.ClipDir, string(kind), ep.CompletedAt, m.opts.ClipWriter.Ext())
	written, err := m.opts.ClipWriter.Encode(ctx, ep.Frames, clipPath)
	if err != nil {
		m.metrics.ClipFailures.Add(1)
		log.Warn("Clip encoding failed, filing without clip", zap.Error(err))
	} else {
		clipRef = path.Join("/", m.opts.ClipsPrefix, filepath.Base(written))
		log.Info("Clip saved", zap.String("path", written), zap.Int("frames", len(ep.Frames)))
	}

	req := incident.Request{
		Type:        string(kind),
		Description: incident.Description(kind.Title(), m.opts.Persistence.Threshold, clipRef != ""),
		ClipPath:    clipRef,
		Camera:      m.opts.Camera,
		Severity:    string(detection.SeverityFor(kind, peak)),
		EpisodeID:   ep.ID,
		OccurredAt:  ep.CompletedAt,
	}
	inc, err := m.opts.Dispatcher.Submit(ctx, req)
	if err != nil {
		// the dispatcher has already logged and dead-lettered it
		m.metrics.DispatchFailures.Add(1)
	} else {
		m.metrics.IncidentsFiled.Add(1)
		log.Info("Incident filed", zap.Int64("id", inc.ID), zap.String("severity", req.Severity))
	}

	if clipRef != "" && m.opts.Mirror != nil {
		if key, err := m.opts.Mirror.UploadClip(ctx, written); err != nil {
			log.Warn("Clip mirror upload failed", zap.Error(err))
		} else {
			m.metrics.ClipsMirrored.Add(1)
			log.Debug("Clip mirrored", zap.String("key", key))
		}
	}
}

// finalizeDrain bounds the wait for finalizers once they are cancelled,
// long enough for an in-flight sink attempt and the dead-letter append.
var finalizeDrain = 10 * time.Second

func (m *Monitor) waitFinalizers(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		m.finalize.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(m.opts.ShutdownGrace):
	}

	m.logger.Warn("Episode finalization timed out, cancelling",
		zap.Duration("grace", m.opts.ShutdownGrace))
	cancel()

	select {
	case <-done:
	case <-time.After(finalizeDrain):
		m.logger.Error("Episode finalizers still running, abandoning",
			zap.Duration("drain", finalizeDrain))
	}
}

func (m *Monitor) setState(kind detection.Kind, s persistence.State) {
	m.stateMu.Lock()
	m.states[string(kind)] = s.String()
	m.stateMu.Unlock()
}

// Stats returns a snapshot of the stream's counters and machine states.
func (m *Monitor) Stats() Stats {
	m.stateMu.RLock()
	states := make(map[string]string, len(m.states))
	for k, v := range m.states {
		states[k] = v
	}
	fps := m.fps
	m.stateMu.RUnlock()

	return Stats{
		Camera:           m.opts.Camera,
		Running:          m.running.Load(),
		FPS:              fps,
		FramesProcessed:  m.metrics.FramesProcessed.Load(),
		Detections:       m.metrics.Detections.Load(),
		Anomalies:        m.metrics.Anomalies.Load(),
		DetectorErrors:   m.metrics.DetectorErrors.Load(),
		UnavailableTicks: m.metrics.UnavailableTicks.Load(),
		Episodes:         m.metrics.Episodes.Load(),
		ClipFailures:     m.metrics.ClipFailures.Load(),
		ClipsMirrored:    m.metrics.ClipsMirrored.Load(),
		IncidentsFiled:   m.metrics.IncidentsFiled.Load(),
		DispatchFailures: m.metrics.DispatchFailures.Load(),
		States:           states,
	}
}

// metricsReporter periodically logs metrics
func (m *Monitor) metricsReporter(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(m.opts.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reportMetrics()
		}
	}
}

func (m *Monitor) reportMetrics() {
	m.logger.Info("Stream metrics",
		zap.Uint64("frames_processed", m.metrics.FramesProcessed.Load()),
		zap.Uint64("detections", m.metrics.Detections.Load()),
		zap.Uint64("anomalies", m.metrics.Anomalies.Load()),
		zap.Uint64("detector_errors", m.metrics.DetectorErrors.Load()),
		zap.Uint64("unavailable_ticks", m.metrics.UnavailableTicks.Load()),
		zap.Uint64("episodes", m.metrics.Episodes.Load()),
		zap.Uint64("clip_failures", m.metrics.ClipFailures.Load()),
		zap.Uint64("incidents_filed", m.metrics.IncidentsFiled.Load()),
		zap.Uint64("dispatch_failures", m.metrics.DispatchFailures.Load()),
	)
}
