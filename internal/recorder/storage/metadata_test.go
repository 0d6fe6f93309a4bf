package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "kavach.db"), nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetIncident(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc := NewIncident("ppe", "Ppe anomaly detected", "/clips/ppe_20250101_000000.mp4")
	inc.Camera = "gate"
	inc.Severity = "high"
	if err := s.CreateIncident(ctx, inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if inc.ID == 0 {
		t.Fatal("expected an assigned id")
	}

	got, err := s.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if got.Type != "ppe" || got.Status != StatusOpen || got.Camera != "gate" || got.Severity != "high" {
		t.Fatalf("unexpected incident %+v", got)
	}
	if got.Clip() != "/clips/ppe_20250101_000000.mp4" {
		t.Fatalf("clip = %q", got.Clip())
	}
	if !got.CreatedAt.Equal(inc.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, inc.CreatedAt)
	}
}

func TestIncidentWithoutClip(t *testing.T) {
	s := openTestStore(t)
	inc := NewIncident("fall", "no clip", "")
	if err := s.CreateIncident(context.Background(), inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	got, err := s.GetIncident(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if got.ClipPath != nil {
		t.Fatalf("clip_path = %q, want NULL", *got.ClipPath)
	}
}

func TestGetIncidentNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetIncident(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !IsNotExist(err) {
		t.Fatal("IsNotExist should report true")
	}
}

func TestListIncidentsFilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	seed := []struct {
		kind, status string
	}{
		{"ppe", "Open"},
		{"fire-smoke", "Open"},
		{"ppe", "Resolved"},
		{"ppe", "Open"},
	}
	for i, sd := range seed {
		inc := NewIncident(sd.kind, "d", "")
		inc.Status = sd.status
		inc.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateIncident(ctx, inc); err != nil {
			t.Fatalf("CreateIncident: %v", err)
		}
	}

	tests := []struct {
		name    string
		q       IncidentQuery
		wantIDs []int64
	}{
		{"all newest first", IncidentQuery{}, []int64{4, 3, 2, 1}},
		{"by type", IncidentQuery{Type: "ppe"}, []int64{4, 3, 1}},
		{"by status", IncidentQuery{Status: "Open"}, []int64{4, 2, 1}},
		{"both", IncidentQuery{Type: "ppe", Status: "Resolved"}, []int64{3}},
		{"limit", IncidentQuery{Limit: 2}, []int64{4, 3}},
		{"no match", IncidentQuery{Type: "fall"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListIncidents(ctx, tt.q)
			if err != nil {
				t.Fatalf("ListIncidents: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d incidents, want %d", len(got), len(tt.wantIDs))
			}
			for i, inc := range got {
				if inc.ID != tt.wantIDs[i] {
					t.Errorf("position %d: id %d, want %d", i, inc.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestUpdateStatusAppendsAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc := NewIncident("ppe", "d", "")
	if err := s.CreateIncident(ctx, inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}

	for _, status := range []string{"Acknowledged", "anything goes", "Resolved"} {
		updated, err := s.UpdateStatus(ctx, inc.ID, status)
		if err != nil {
			t.Fatalf("UpdateStatus(%q): %v", status, err)
		}
		if updated.Status != status {
			t.Fatalf("status = %q, want %q", updated.Status, status)
		}
	}

	trail, err := s.AuditTrail(ctx, inc.ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("got %d audit entries, want 3", len(trail))
	}
	if trail[0].Status != "Resolved" || trail[2].Status != "Acknowledged" {
		t.Fatalf("audit not newest first: %+v", trail)
	}
	for _, e := range trail {
		if e.IncidentID != inc.ID || e.ChangedAt.IsZero() {
			t.Fatalf("bad audit entry %+v", e)
		}
	}
}

func TestUpdateStatusUnknownIncident(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpdateStatus(ctx, 7, "Resolved"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.AuditTrail(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from AuditTrail, got %v", err)
	}
}

func TestFeedback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc := NewIncident("fall", "d", "")
	if err := s.CreateIncident(ctx, inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if _, err := s.AddFeedback(ctx, inc.ID, "false alarm, worker was kneeling"); err != nil {
		t.Fatalf("AddFeedback: %v", err)
	}
	if _, err := s.AddFeedback(ctx, inc.ID, "confirmed on second review"); err != nil {
		t.Fatalf("AddFeedback: %v", err)
	}

	fb, err := s.ListFeedback(ctx, inc.ID)
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(fb) != 2 || fb[0].Comment != "false alarm, worker was kneeling" {
		t.Fatalf("unexpected feedback %+v", fb)
	}

	if _, err := s.AddFeedback(ctx, 999, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kavach.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	inc := NewIncident("ppe", "d", "")
	if err := s.CreateIncident(ctx, inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	s.Close()

	s2, err := OpenSQL(ctx, SQLConfig{Driver: "sqlite", SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetIncident(ctx, inc.ID); err != nil {
		t.Fatalf("GetIncident after reopen: %v", err)
	}
	if err := s2.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOpenSQLUnknownDriver(t *testing.T) {
	if _, err := OpenSQL(context.Background(), SQLConfig{Driver: "oracle"}, nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestClipKey(t *testing.T) {
	if got := ClipKey("clips", "/var/kavach/incident_clips/ppe_1.mp4"); got != "clips/ppe_1.mp4" {
		t.Fatalf("ClipKey = %q", got)
	}
	if got := ClipKey("", "a/b.mkv"); got != "b.mkv" {
		t.Fatalf("ClipKey = %q", got)
	}
}

func TestCreateIncidentSameEpisodeOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	episode := "ep-7"

	first := NewIncident("fire-smoke", "smoke", "/clips/a.mp4")
	first.EpisodeID = &episode
	if err := s.CreateIncident(ctx, first); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}

	again := NewIncident("fire-smoke", "smoke, retried", "/clips/a.mp4")
	again.EpisodeID = &episode
	if err := s.CreateIncident(ctx, again); err != nil {
		t.Fatalf("CreateIncident retry: %v", err)
	}
	if again.ID != first.ID || again.Description != "smoke" {
		t.Fatalf("retry returned %+v, want the stored incident %d", again, first.ID)
	}

	// unkeyed incidents never conflict
	for i := 0; i < 2; i++ {
		if err := s.CreateIncident(ctx, NewIncident("ppe", "manual", "")); err != nil {
			t.Fatalf("CreateIncident unkeyed: %v", err)
		}
	}

	all, err := s.ListIncidents(ctx, IncidentQuery{})
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("stored %d incidents, want 3", len(all))
	}
}
