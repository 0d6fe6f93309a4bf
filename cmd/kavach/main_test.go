package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--env", ""}, args...))
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("kavach %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestIncidentCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "kavach.db")
	t.Setenv("KAVACH_DB_DRIVER", "sqlite")
	t.Setenv("KAVACH_SQLITE_PATH", dbPath)
	t.Setenv("KAVACH_DEAD_LETTER_PATH", filepath.Join(dir, "dead.log"))
	t.Setenv("KAVACH_LOG_OUTPUT", filepath.Join(dir, "kavach.log"))

	store, err := storage.OpenSQLite(context.Background(), dbPath, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	inc := storage.NewIncident("fall", "Fall anomaly detected", "")
	inc.Camera = "stairs"
	if err := store.CreateIncident(context.Background(), inc); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	store.Close()

	out := execute(t, "incidents", "list")
	if !strings.Contains(out, "fall") || !strings.Contains(out, "stairs") {
		t.Fatalf("list output missing incident:\n%s", out)
	}

	out = execute(t, "incidents", "status", "1", "Resolved")
	if !strings.Contains(out, `"Resolved"`) {
		t.Fatalf("status output: %s", out)
	}

	out = execute(t, "incidents", "audit", "1", "--json")
	var audit []storage.AuditEntry
	if err := json.Unmarshal([]byte(out), &audit); err != nil {
		t.Fatalf("audit json: %v\n%s", err, out)
	}
	if len(audit) != 1 || audit[0].Status != "Resolved" {
		t.Fatalf("audit = %+v", audit)
	}
	jsonOutput = false

	out = execute(t, "replay")
	if !strings.Contains(out, "delivered 0, still pending 0") {
		t.Fatalf("replay output: %s", out)
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"7", 7, true},
		{"0", 0, false},
		{"-1", 0, false},
		{"seven", 0, false},
	}
	for _, tt := range tests {
		got, err := parseID(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseID(%q) = %d, %v", tt.in, got, err)
		}
	}
}
