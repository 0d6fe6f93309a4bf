// storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"
)

// StatusOpen is the status every incident starts with.
const StatusOpen = "Open"

// ErrNotFound is returned for unknown incident ids.
var ErrNotFound = errors.New("storage: not found")

// Incident is one filed anomaly episode.
type Incident struct {
	ID          int64     `json:"id" db:"id"`
	Type        string    `json:"type" db:"type"`
	Description string    `json:"description" db:"description"`
	Status      string    `json:"status" db:"status"`
	Camera      string    `json:"camera,omitempty" db:"camera"`
	Severity    string    `json:"severity,omitempty" db:"severity"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ClipPath    *string   `json:"clip_path" db:"clip_path"`
	// EpisodeID keys the incident; filing the same episode twice yields
	// the first record.
	EpisodeID *string `json:"episode_id,omitempty" db:"episode_id"`
}

// NewIncident fills in the defaults a freshly filed incident carries.
func NewIncident(incidentType, description, clipPath string) *Incident {
	inc := &Incident{
		Type:        incidentType,
		Description: description,
		Status:      StatusOpen,
		CreatedAt:   time.Now().UTC(),
	}
	if clipPath != "" {
		inc.ClipPath = &clipPath
	}
	return inc
}

// Clip returns the clip reference or "" when the incident has none.
func (i *Incident) Clip() string {
	if i.ClipPath == nil {
		return ""
	}
	return *i.ClipPath
}

// AuditEntry records one status change. Entries are never modified.
type AuditEntry struct {
	ID         int64     `json:"id" db:"id"`
	IncidentID int64     `json:"incident_id" db:"incident_id"`
	Status     string    `json:"status" db:"status"`
	ChangedAt  time.Time `json:"changed_at" db:"changed_at"`
}

// Feedback is an operator comment on an incident.
type Feedback struct {
	ID         int64     `json:"id" db:"id"`
	IncidentID int64     `json:"incident_id" db:"incident_id"`
	Comment    string    `json:"comment" db:"comment"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// IncidentQuery filters ListIncidents. Empty fields match everything.
type IncidentQuery struct {
	Status string
	Type   string
	Camera string
	Limit  int
	Offset int
}

// Store is the durable incident sink.
type Store interface {
	// CreateIncident inserts inc and sets its ID (and CreatedAt when zero).
	// When an incident with the same EpisodeID exists, inc is replaced by
	// it and nothing is inserted.
	CreateIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	// ListIncidents returns matches newest first.
	ListIncidents(ctx context.Context, q IncidentQuery) ([]*Incident, error)
	// UpdateStatus sets any status string and appends an audit entry.
	UpdateStatus(ctx context.Context, id int64, status string) (*Incident, error)
	// AuditTrail returns the incident's status history, newest first.
	AuditTrail(ctx context.Context, id int64) ([]AuditEntry, error)
	AddFeedback(ctx context.Context, id int64, comment string) (*Feedback, error)
	ListFeedback(ctx context.Context, id int64) ([]Feedback, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// StorageError carries the failed operation.
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist reports whether err means the record or object is missing.
func IsNotExist(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 404
	}
	return false
}
