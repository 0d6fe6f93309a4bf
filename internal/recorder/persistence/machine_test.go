package persistence

import (
	"math/rand"
	"testing"
	"time"

	"github.com/GuruMachanica/KavachG/internal/framestream"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func scenarioConfig() Config {
	return Config{
		Threshold:      5 * time.Second,
		RecordDuration: 10 * time.Second,
		Cooldown:       15 * time.Second,
		FPS:            20,
	}
}

// tickTime is the capture time of tick i at 20 fps.
func tickTime(i int) time.Time { return epoch.Add(time.Duration(i) * 50 * time.Millisecond) }

func frameAt(i int) *framestream.Frame {
	return &framestream.Frame{Sequence: uint64(i), Timestamp: tickTime(i)}
}

func TestScenarioSustainedAnomalyFilesOneIncident(t *testing.T) {
	m := New(scenarioConfig())
	if m.Capacity() != 200 {
		t.Fatalf("capacity = %d, want 200", m.Capacity())
	}

	var episodes []*Episode
	var episodeTick int
	for i := 0; i < 400; i++ {
		res := m.Tick(tickTime(i), i < 300, frameAt(i))

		switch i {
		case 0:
			if res.To != Pending {
				t.Fatalf("tick 0: state %s, want pending", res.To)
			}
		case 99:
			if res.To != Pending {
				t.Fatalf("tick 99: state %s, want pending", res.To)
			}
		case 100:
			if res.From != Pending || res.To != Recording {
				t.Fatalf("tick 100: %s -> %s, want pending -> recording", res.From, res.To)
			}
		case 299:
			if res.To != Recording || m.Buffered() != 199 {
				t.Fatalf("tick 299: state %s with %d frames", res.To, m.Buffered())
			}
		case 300:
			if res.To != Cooldown {
				t.Fatalf("tick 300: state %s, want cooldown", res.To)
			}
			if want := tickTime(600); !m.CooldownUntil().Equal(want) {
				t.Fatalf("cooldown until %v, want %v (tick 600)", m.CooldownUntil(), want)
			}
		}
		if res.Episode != nil {
			episodes = append(episodes, res.Episode)
			episodeTick = i
		}
	}

	if len(episodes) != 1 {
		t.Fatalf("got %d episodes, want 1", len(episodes))
	}
	ep := episodes[0]
	if episodeTick != 300 {
		t.Fatalf("buffer filled at tick %d, want 300", episodeTick)
	}
	if len(ep.Frames) != 200 {
		t.Fatalf("episode has %d frames, want 200", len(ep.Frames))
	}
	for j, f := range ep.Frames {
		if f.Sequence != uint64(101+j) {
			t.Fatalf("frame %d is tick %d, want %d", j, f.Sequence, 101+j)
		}
	}
	if !ep.PendingSince.Equal(tickTime(0)) || !ep.RecordingStarted.Equal(tickTime(100)) {
		t.Fatalf("episode timing pending=%v recording=%v", ep.PendingSince, ep.RecordingStarted)
	}
	if ep.ID == "" {
		t.Fatal("episode id not set")
	}
	if m.State() != Cooldown {
		t.Fatalf("state after 400 ticks = %s, want cooldown", m.State())
	}

	// cooldown ends exactly at tick 600
	if res := m.Tick(tickTime(599), false, nil); res.To != Cooldown {
		t.Fatalf("tick 599: state %s, want cooldown", res.To)
	}
	if res := m.Tick(tickTime(600), false, nil); res.To != Idle {
		t.Fatalf("tick 600: state %s, want idle", res.To)
	}
}

func TestScenarioShortAnomalyFilesNothing(t *testing.T) {
	m := New(scenarioConfig())
	for i := 0; i < 400; i++ {
		res := m.Tick(tickTime(i), i <= 80, frameAt(i))
		if res.Episode != nil {
			t.Fatalf("unexpected episode at tick %d", i)
		}
		if res.To == Recording {
			t.Fatalf("entered recording at tick %d", i)
		}
	}
	if m.State() != Idle {
		t.Fatalf("final state %s, want idle", m.State())
	}
}

func TestSingleFalseTickResetsPersistence(t *testing.T) {
	m := New(scenarioConfig())
	// 99 ticks of anomaly (4.95s), one false reading, then anomaly again.
	for i := 0; i < 99; i++ {
		m.Tick(tickTime(i), true, frameAt(i))
	}
	if res := m.Tick(tickTime(99), false, frameAt(99)); res.To != Idle {
		t.Fatalf("false tick left state %s, want idle", res.To)
	}

	// Without the reset, tick 100 would already be past the threshold.
	for i := 100; i < 200; i++ {
		res := m.Tick(tickTime(i), true, frameAt(i))
		if res.To == Recording {
			t.Fatalf("recording started at tick %d, before 5s of continuous anomaly", i)
		}
	}
	if res := m.Tick(tickTime(200), true, frameAt(200)); res.To != Recording {
		t.Fatalf("tick 200: state %s, want recording", res.To)
	}
}

func TestRecordingIgnoresSignalAndCooldownIgnoresAnomaly(t *testing.T) {
	cfg := Config{Threshold: 0, RecordDuration: time.Second, Cooldown: 2 * time.Second, FPS: 4}
	m := New(cfg)
	step := 250 * time.Millisecond
	at := func(i int) time.Time { return epoch.Add(time.Duration(i) * step) }

	m.Tick(at(0), true, nil) // idle -> pending
	if res := m.Tick(at(1), true, nil); res.To != Recording {
		t.Fatalf("want recording, got %s", res.To)
	}
	// flicker off during recording: must keep buffering
	var ep *Episode
	for i := 2; i < 6; i++ {
		res := m.Tick(at(i), i%2 == 0, &framestream.Frame{Sequence: uint64(i)})
		if res.Episode != nil {
			ep = res.Episode
		}
	}
	if ep == nil || len(ep.Frames) != 4 {
		t.Fatalf("expected a 4-frame episode, got %+v", ep)
	}
	if m.State() != Cooldown {
		t.Fatalf("state %s, want cooldown", m.State())
	}

	// anomalies inside the 2s window are ignored
	for i := 6; i < 13; i++ {
		if res := m.Tick(at(i), true, nil); res.To != Cooldown {
			t.Fatalf("tick %d left cooldown early (%s)", i, res.To)
		}
	}
}

func TestContinuousRunFilesOnlyOnce(t *testing.T) {
	cfg := Config{Threshold: time.Second, RecordDuration: time.Second, Cooldown: time.Second, FPS: 10}
	m := New(cfg)
	step := 100 * time.Millisecond

	episodes := 0
	for i := 0; i < 200; i++ {
		if res := m.Tick(epoch.Add(time.Duration(i)*step), true, &framestream.Frame{}); res.Episode != nil {
			episodes++
		}
	}
	if episodes != 1 {
		t.Fatalf("continuous run filed %d incidents, want 1", episodes)
	}

	// a gap ends the run, and the next run may file again
	m.Tick(epoch.Add(200*step), false, nil)
	for i := 201; i < 260; i++ {
		if res := m.Tick(epoch.Add(time.Duration(i)*step), true, &framestream.Frame{}); res.Episode != nil {
			episodes++
		}
	}
	if episodes != 2 {
		t.Fatalf("second run: %d incidents total, want 2", episodes)
	}
}

func TestResetDiscardsPartialRecording(t *testing.T) {
	cfg := Config{Threshold: 0, RecordDuration: 10 * time.Second, Cooldown: time.Second, FPS: 10}
	m := New(cfg)
	m.Tick(epoch, true, nil)
	m.Tick(epoch.Add(time.Millisecond), true, nil)
	for i := 0; i < 50; i++ {
		m.Tick(epoch.Add(time.Duration(i+2)*time.Millisecond), true, &framestream.Frame{})
	}
	if m.State() != Recording || m.Buffered() != 50 {
		t.Fatalf("state %s with %d frames", m.State(), m.Buffered())
	}

	m.Reset()
	if m.State() != Idle || m.Buffered() != 0 {
		t.Fatalf("after reset: state %s with %d frames", m.State(), m.Buffered())
	}
}

// Randomized sequences: recording never starts before the threshold of
// continuous anomaly, buffers never exceed capacity and incidents are at
// least a cooldown apart.
func TestRandomSequencesHoldInvariants(t *testing.T) {
	cfg := Config{Threshold: 2 * time.Second, RecordDuration: 3 * time.Second, Cooldown: 4 * time.Second, FPS: 10}
	step := 100 * time.Millisecond
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 200; run++ {
		m := New(cfg)
		var (
			runStart     = -1
			lastIncident time.Time
			haveIncident bool
		)
		// long runs of a sticky signal, occasionally flipping
		anomaly := false
		for i := 0; i < 2000; i++ {
			if rng.Float64() < 0.03 {
				anomaly = !anomaly
			}
			now := epoch.Add(time.Duration(i) * step)
			if anomaly && runStart < 0 {
				runStart = i
			} else if !anomaly {
				runStart = -1
			}

			res := m.Tick(now, anomaly, &framestream.Frame{Sequence: uint64(i)})

			if res.From == Pending && res.To == Recording {
				if runStart < 0 || now.Sub(epoch.Add(time.Duration(runStart)*step)) < cfg.Threshold {
					t.Fatalf("run %d tick %d: recording after %d continuous ticks", run, i, i-runStart)
				}
			}
			if m.Buffered() > m.Capacity() {
				t.Fatalf("run %d tick %d: %d buffered > capacity %d", run, i, m.Buffered(), m.Capacity())
			}
			if res.Episode != nil {
				if len(res.Episode.Frames) != m.Capacity() {
					t.Fatalf("episode with %d frames, want %d", len(res.Episode.Frames), m.Capacity())
				}
				if haveIncident && now.Sub(lastIncident) < cfg.Cooldown {
					t.Fatalf("run %d: incidents %s apart, cooldown %s", run, now.Sub(lastIncident), cfg.Cooldown)
				}
				lastIncident, haveIncident = now, true
			}
		}
	}
}
