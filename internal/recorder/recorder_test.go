package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GuruMachanica/KavachG/internal/detection"
	"github.com/GuruMachanica/KavachG/internal/framestream"
	"github.com/GuruMachanica/KavachG/internal/incident"
	"github.com/GuruMachanica/KavachG/internal/live"
	"github.com/GuruMachanica/KavachG/internal/recorder/encoder"
	"github.com/GuruMachanica/KavachG/internal/recorder/persistence"
	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// seqDetector reports a missing hardhat whenever anomalous(seq) holds.
type seqDetector struct {
	anomalous func(seq uint64) bool
	err       error
	onCall    func(seq uint64)
}

func (d *seqDetector) Detect(ctx context.Context, f *framestream.Frame) ([]detection.Detection, error) {
	if d.onCall != nil {
		d.onCall(f.Sequence)
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.anomalous(f.Sequence) {
		return []detection.Detection{{
			Box:        detection.BoundingBox{X1: 0, Y1: 0, X2: 2, Y2: 2},
			Confidence: 0.9,
			Label:      "NO-Hardhat",
		}}, nil
	}
	return nil, nil
}

func (d *seqDetector) Close() error { return nil }

type fakeWriter struct {
	mu     sync.Mutex
	clips  [][]*framestream.Frame
	paths  []string
	failed bool
}

func (w *fakeWriter) Ext() string { return "mp4" }

func (w *fakeWriter) Encode(ctx context.Context, frames []*framestream.Frame, p string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return "", &encoder.EncodeError{Path: p, Stage: "open", Err: errors.New("no codec")}
	}
	w.clips = append(w.clips, frames)
	w.paths = append(w.paths, p)
	return p, nil
}

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []incident.Request
}

func (s *fakeSubmitter) Submit(ctx context.Context, req incident.Request) (*storage.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	inc := req.Incident()
	inc.ID = int64(len(s.reqs))
	return inc, nil
}

func (s *fakeSubmitter) requests() []incident.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]incident.Request(nil), s.reqs...)
}

func newTestMonitor(t *testing.T, src framestream.Source, det detection.Detector, w encoder.ClipWriter, sub Submitter, workers int) *Monitor {
	t.Helper()
	adapter := detection.NewAdapter(det, detection.AdapterConfig{
		Kind:        detection.KindPPE,
		MinScore:    0.5,
		Timeout:     time.Second,
		MaxAttempts: 1,
	}, nil)
	m, err := NewMonitor(Options{
		Camera:   "gate",
		Source:   src,
		Adapters: []*detection.Adapter{adapter},
		Persistence: persistence.Config{
			Threshold:      5 * time.Second,
			RecordDuration: 10 * time.Second,
			Cooldown:       15 * time.Second,
		},
		Workers:       workers,
		ClipWriter:    w,
		ClipDir:       filepath.Join(t.TempDir(), "clips"),
		ClipsPrefix:   "/clips/",
		Dispatcher:    sub,
		ShutdownGrace: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return m
}

// frame index i carries sequence i+1
func anomalousBelow(n int) func(uint64) bool {
	return func(seq uint64) bool { return int(seq) <= n }
}

func TestMonitorSustainedAnomalyFilesOneIncident(t *testing.T) {
	src := framestream.NewSyntheticSource(400, 20, epoch)
	w := &fakeWriter{}
	sub := &fakeSubmitter{}
	m := newTestMonitor(t, src, &seqDetector{anomalous: anomalousBelow(300)}, w, sub, 4)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := sub.requests()
	if len(reqs) != 1 {
		t.Fatalf("filed %d incidents, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Type != "ppe" || req.Camera != "gate" || req.Severity != "high" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Description != "Ppe anomaly detected and persisted for 5s. Clip saved." {
		t.Fatalf("description = %q", req.Description)
	}
	if req.ClipPath != "/clips/ppe_20250301_080015.mp4" {
		t.Fatalf("clip_path = %q", req.ClipPath)
	}
	if !req.OccurredAt.Equal(epoch.Add(15 * time.Second)) {
		t.Fatalf("occurred_at = %v", req.OccurredAt)
	}

	if len(w.clips) != 1 {
		t.Fatalf("encoded %d clips, want 1", len(w.clips))
	}
	clip := w.clips[0]
	if len(clip) != 200 {
		t.Fatalf("clip has %d frames, want 200", len(clip))
	}
	// recording starts on the tick after the threshold is crossed
	for i, f := range clip {
		if want := uint64(102 + i); f.Sequence != want {
			t.Fatalf("clip frame %d has seq %d, want %d", i, f.Sequence, want)
		}
	}

	st := m.Stats()
	if st.FramesProcessed != 400 || st.Episodes != 1 || st.IncidentsFiled != 1 {
		t.Fatalf("stats %+v", st)
	}
	if st.States["ppe"] != "idle" {
		t.Fatalf("final state %q, want idle", st.States["ppe"])
	}
	if !src.Closed() {
		t.Fatal("source should be closed")
	}
}

func TestMonitorShortAnomalyFilesNothing(t *testing.T) {
	src := framestream.NewSyntheticSource(400, 20, epoch)
	w := &fakeWriter{}
	sub := &fakeSubmitter{}
	m := newTestMonitor(t, src, &seqDetector{anomalous: anomalousBelow(80)}, w, sub, 2)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(sub.requests()); n != 0 {
		t.Fatalf("filed %d incidents, want 0", n)
	}
	if len(w.clips) != 0 {
		t.Fatal("no clip should be encoded")
	}
}

func TestMonitorEncodeFailureStillFiles(t *testing.T) {
	src := framestream.NewSyntheticSource(400, 20, epoch)
	sub := &fakeSubmitter{}
	m := newTestMonitor(t, src, &seqDetector{anomalous: anomalousBelow(300)}, &fakeWriter{failed: true}, sub, 2)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reqs := sub.requests()
	if len(reqs) != 1 {
		t.Fatalf("filed %d incidents, want 1", len(reqs))
	}
	if reqs[0].ClipPath != "" {
		t.Fatalf("clip_path = %q, want none", reqs[0].ClipPath)
	}
	if reqs[0].Description != "Ppe anomaly detected and persisted for 5s. Clip unavailable." {
		t.Fatalf("description = %q", reqs[0].Description)
	}
	if m.Stats().ClipFailures != 1 {
		t.Fatal("clip failure not counted")
	}
}

type downSink struct{}

func (downSink) CreateIncident(context.Context, *storage.Incident) error {
	return errors.New("connection refused")
}

func TestMonitorKeepsRunningWhenSinkIsDown(t *testing.T) {
	dl, err := incident.NewDeadLetterLog(filepath.Join(t.TempDir(), "dead-letter.wal"), nil)
	if err != nil {
		t.Fatal(err)
	}
	disp := incident.NewDispatcher(downSink{}, dl, incident.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		AttemptTimeout: time.Second,
	}, nil)

	// two separate anomaly runs, each long enough to record
	det := &seqDetector{anomalous: func(seq uint64) bool {
		return seq <= 300 || (seq > 700 && seq <= 1000)
	}}
	src := framestream.NewSyntheticSource(1100, 20, epoch)
	m := newTestMonitor(t, src, det, &fakeWriter{}, disp, 3)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := m.Stats()
	if st.FramesProcessed != 1100 {
		t.Fatalf("processed %d frames, want 1100", st.FramesProcessed)
	}
	if st.Episodes != 2 || st.DispatchFailures != 2 || st.IncidentsFiled != 0 {
		t.Fatalf("stats %+v", st)
	}
	if dl.Len() != 2 {
		t.Fatalf("dead letter holds %d, want 2", dl.Len())
	}
}

// blockingMirror holds every upload until its context is cancelled.
type blockingMirror struct {
	called   atomic.Int32
	returned atomic.Int32
}

func (b *blockingMirror) UploadClip(ctx context.Context, localPath string) (string, error) {
	b.called.Add(1)
	<-ctx.Done()
	b.returned.Add(1)
	return "", ctx.Err()
}

func TestMonitorFilesBeforeMirroring(t *testing.T) {
	src := framestream.NewSyntheticSource(400, 20, epoch)
	sub := &fakeSubmitter{}
	mirror := &blockingMirror{}
	m := newTestMonitor(t, src, &seqDetector{anomalous: anomalousBelow(300)}, &fakeWriter{}, sub, 2)
	m.opts.Mirror = mirror
	m.opts.ShutdownGrace = 100 * time.Millisecond

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reqs := sub.requests()
	if len(reqs) != 1 || reqs[0].ClipPath != "/clips/ppe_20250301_080015.mp4" {
		t.Fatalf("filed %+v, want one incident with its local clip", reqs)
	}
	st := m.Stats()
	if st.IncidentsFiled != 1 || st.ClipsMirrored != 0 {
		t.Fatalf("stats %+v", st)
	}
	if mirror.called.Load() != 1 || mirror.returned.Load() != 1 {
		t.Fatalf("mirror called %d returned %d, want 1 and 1", mirror.called.Load(), mirror.returned.Load())
	}
}

// slowSubmitter blocks until cancelled, then takes a moment to record the
// request the way a dead-letter append would.
type slowSubmitter struct {
	recorded atomic.Int32
}

func (s *slowSubmitter) Submit(ctx context.Context, req incident.Request) (*storage.Incident, error) {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	s.recorded.Add(1)
	return nil, &incident.DispatchError{Attempts: 1, Err: ctx.Err()}
}

func TestMonitorWaitsForCancelledFinalizers(t *testing.T) {
	src := framestream.NewSyntheticSource(400, 20, epoch)
	sub := &slowSubmitter{}
	m := newTestMonitor(t, src, &seqDetector{anomalous: anomalousBelow(300)}, &fakeWriter{}, sub, 2)
	m.opts.ShutdownGrace = 50 * time.Millisecond

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sub.recorded.Load() != 1 {
		t.Fatal("Run returned before the cancelled finalizer finished")
	}
	if m.Stats().DispatchFailures != 1 {
		t.Fatalf("stats %+v", m.Stats())
	}
}

func TestMonitorCancelDiscardsPartialRecording(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &framestream.SyntheticSource{Width: 4, Height: 4, Rate: 20, Start: epoch}
	det := &seqDetector{
		anomalous: func(uint64) bool { return true },
		onCall: func(seq uint64) {
			if seq == 150 {
				cancel()
			}
		},
	}
	w := &fakeWriter{}
	sub := &fakeSubmitter{}
	m := newTestMonitor(t, src, det, w, sub, 2)

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
	if len(w.clips) != 0 || len(sub.requests()) != 0 {
		t.Fatal("a partial recording must not be encoded or filed")
	}
	if m.Stats().States["ppe"] != "idle" {
		t.Fatal("machine should be reset to idle")
	}
	if !src.Closed() {
		t.Fatal("source should be closed")
	}
}

func TestMonitorSourceFailure(t *testing.T) {
	src := framestream.NewSyntheticSource(400, 20, epoch)
	src.FailAt = 50
	m := newTestMonitor(t, src, &seqDetector{anomalous: anomalousBelow(0)}, &fakeWriter{}, &fakeSubmitter{}, 1)

	err := m.Run(context.Background())
	if !errors.Is(err, framestream.ErrSource) {
		t.Fatalf("expected a source error, got %v", err)
	}
	if got := m.Stats().FramesProcessed; got != 49 {
		t.Fatalf("processed %d frames, want 49", got)
	}
}

func TestMonitorDetectorUnavailable(t *testing.T) {
	src := framestream.NewSyntheticSource(300, 20, epoch)
	sub := &fakeSubmitter{}
	det := &seqDetector{err: detection.ErrUnavailable}
	m := newTestMonitor(t, src, det, &fakeWriter{}, sub, 2)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := m.Stats()
	if st.UnavailableTicks != 300 || st.Anomalies != 0 {
		t.Fatalf("stats %+v", st)
	}
	if len(sub.requests()) != 0 {
		t.Fatal("an unavailable detector must never file incidents")
	}
}

func TestMonitorPublishesLiveFrames(t *testing.T) {
	src := framestream.NewSyntheticSource(10, 20, epoch)
	pub := live.NewRegistry(75, 1, nil).Publisher("gate")
	m := newTestMonitor(t, src, &seqDetector{anomalous: anomalousBelow(5)}, &fakeWriter{}, &fakeSubmitter{}, 1)
	m.opts.Live = pub

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pub.Published() != 10 {
		t.Fatalf("published %d live frames, want 10", pub.Published())
	}
}

func TestNewMonitorValidation(t *testing.T) {
	if _, err := NewMonitor(Options{}); err == nil {
		t.Fatal("expected error without a source")
	}
	src := framestream.NewSyntheticSource(1, 20, epoch)
	if _, err := NewMonitor(Options{Source: src}); err == nil {
		t.Fatal("expected error without adapters")
	}
}
