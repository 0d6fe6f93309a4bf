// Package incident files finished episodes with the incident sink and
// fans new incidents out to live subscribers.
package incident

import (
	"context"
	"fmt"
	"time"

	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
)

// Request is everything needed to file one incident.
type Request struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	ClipPath    string    `json:"clip_path,omitempty"`
	Camera      string    `json:"camera,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	EpisodeID   string    `json:"episode_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Incident builds the record handed to the sink.
func (r Request) Incident() *storage.Incident {
	inc := storage.NewIncident(r.Type, r.Description, r.ClipPath)
	inc.Camera = r.Camera
	inc.Severity = r.Severity
	if r.EpisodeID != "" {
		episode := r.EpisodeID
		inc.EpisodeID = &episode
	}
	if !r.OccurredAt.IsZero() {
		inc.CreatedAt = r.OccurredAt.UTC()
	}
	return inc
}

// Sink accepts incidents and assigns their ids. CreateIncident must be
// idempotent on EpisodeID: a write that reports failure may still have
// committed, and the retry has to return that row.
type Sink interface {
	CreateIncident(ctx context.Context, inc *storage.Incident) error
}

// Subscriber is told about every incident the sink accepted. Notify must
// not block.
type Subscriber interface {
	Notify(inc *storage.Incident)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(inc *storage.Incident)

func (f SubscriberFunc) Notify(inc *storage.Incident) { f(inc) }

// DispatchError is returned once every delivery attempt has failed.
// DeadLettered reports whether the request reached the dead-letter log.
type DispatchError struct {
	Attempts     int
	DeadLettered bool
	Err          error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("incident dispatch failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Description is the text filed for an automatically detected episode.
func Description(title string, threshold time.Duration, clipSaved bool) string {
	suffix := "Clip saved."
	if !clipSaved {
		suffix = "Clip unavailable."
	}
	return fmt.Sprintf("%s anomaly detected and persisted for %s. %s", title, formatSeconds(threshold), suffix)
}

func formatSeconds(d time.Duration) string {
	s := d.Seconds()
	if s == float64(int64(s)) {
		return fmt.Sprintf("%ds", int64(s))
	}
	return fmt.Sprintf("%.1fs", s)
}
