// Package persistence decides when a per-frame anomaly signal has held long
// enough to record an incident clip, and suppresses duplicates afterwards.
package persistence

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GuruMachanica/KavachG/internal/framestream"
	"github.com/GuruMachanica/KavachG/internal/recorder/buffer"
)

// State of a Machine.
type State int

const (
	Idle State = iota
	Pending
	Recording
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Recording:
		return "recording"
	case Cooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config parameterizes a Machine.
type Config struct {
	Threshold      time.Duration // continuous anomaly required before recording
	RecordDuration time.Duration
	Cooldown       time.Duration
	FPS            float64 // sizes the buffer
}

// Episode is one completed recording, handed out when the buffer fills.
type Episode struct {
	ID               string
	PendingSince     time.Time
	RecordingStarted time.Time
	CompletedAt      time.Time
	Frames           []*framestream.Frame
}

// Result describes what one Tick did. Episode is non-nil only on the tick
// that filled the buffer.
type Result struct {
	From, To State
	Episode  *Episode
}

// Changed reports whether the tick moved the machine to another state.
func (r Result) Changed() bool { return r.From != r.To }

// Machine is a Mealy machine over (now, anomaly) ticks. It owns the
// recording buffer; side effects beyond buffering (encoding, dispatch) are
// the caller's, driven by the returned Result. Not safe for concurrent use.
type Machine struct {
	cfg Config
	buf *buffer.RecordingBuffer

	state         State
	pendingSince  time.Time
	recordStart   time.Time
	frameCount    int
	cooldownUntil time.Time
	episodeID     string

	// recorded is set when an episode completes and cleared by the next
	// false reading, so one continuous anomaly run files at most one incident.
	recorded bool
}

// New builds an idle machine with a buffer of round(FPS × RecordDuration).
func New(cfg Config) *Machine {
	return &Machine{
		cfg: cfg,
		buf: buffer.NewRecordingBuffer(buffer.CapacityFor(cfg.FPS, cfg.RecordDuration)),
	}
}

func (m *Machine) State() State { return m.state }

// Capacity is the number of frames an episode records.
func (m *Machine) Capacity() int { return m.buf.Capacity() }

// Buffered is the number of frames recorded so far in the current episode.
func (m *Machine) Buffered() int { return m.frameCount }

// PendingSince is the onset of the current anomaly run (zero unless Pending).
func (m *Machine) PendingSince() time.Time {
	if m.state != Pending {
		return time.Time{}
	}
	return m.pendingSince
}

// CooldownUntil is the end of the suppression window (zero unless Cooldown).
func (m *Machine) CooldownUntil() time.Time {
	if m.state != Cooldown {
		return time.Time{}
	}
	return m.cooldownUntil
}

// Tick advances the machine by one frame. frame is buffered only while
// Recording; a nil frame there is skipped and does not count.
func (m *Machine) Tick(now time.Time, anomaly bool, frame *framestream.Frame) Result {
	res := Result{From: m.state}
	if !anomaly {
		m.recorded = false
	}

	switch m.state {
	case Cooldown:
		if now.Before(m.cooldownUntil) {
			break
		}
		m.state = Idle
		m.cooldownUntil = time.Time{}
		m.tickIdle(now, anomaly)

	case Idle:
		m.tickIdle(now, anomaly)

	case Pending:
		if !anomaly {
			m.toIdle()
			break
		}
		if !m.recorded && now.Sub(m.pendingSince) >= m.cfg.Threshold {
			m.state = Recording
			m.recordStart = now
			m.frameCount = 0
			m.buf.Reset()
		}

	case Recording:
		// recording runs to completion regardless of the signal
		if frame != nil && m.buf.Push(frame) {
			m.frameCount++
		}
		if m.buf.IsFull() {
			res.Episode = &Episode{
				ID:               m.episodeID,
				PendingSince:     m.pendingSince,
				RecordingStarted: m.recordStart,
				CompletedAt:      now,
				Frames:           m.buf.Drain(),
			}
			m.recorded = anomaly
			m.state = Cooldown
			m.cooldownUntil = now.Add(m.cfg.Cooldown)
			m.pendingSince = time.Time{}
			m.recordStart = time.Time{}
			m.frameCount = 0
		}
	}

	res.To = m.state
	return res
}

func (m *Machine) tickIdle(now time.Time, anomaly bool) {
	if !anomaly {
		return
	}
	m.state = Pending
	m.pendingSince = now
	m.episodeID = uuid.NewString()
}

func (m *Machine) toIdle() {
	m.state = Idle
	m.pendingSince = time.Time{}
	m.episodeID = ""
}

// Reset discards any in-flight recording and returns to Idle without
// producing an episode.
func (m *Machine) Reset() {
	m.buf.Reset()
	m.toIdle()
	m.recordStart = time.Time{}
	m.frameCount = 0
	m.cooldownUntil = time.Time{}
	m.recorded = false
}
