package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestParseStreams(t *testing.T) {
	got, err := ParseStreams("dock=rtsp://10.0.0.5/live#fire-smoke,fall; lobby@mediadevices=video0 ;gate=1")
	if err != nil {
		t.Fatalf("ParseStreams: %v", err)
	}
	want := []StreamConfig{
		{Name: "dock", Source: "rtsp://10.0.0.5/live", Driver: "opencv", Kinds: []string{KindFireSmoke, KindFall}},
		{Name: "lobby", Source: "video0", Driver: "mediadevices", Kinds: []string{KindPPE}},
		{Name: "gate", Source: "1", Driver: "opencv", Kinds: []string{KindPPE}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseStreams mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestParseStreamsErrors(t *testing.T) {
	for _, raw := range []string{"", ";", "noequals", "cam=", "cam=#ppe"} {
		t.Run(raw, func(t *testing.T) {
			if _, err := ParseStreams(raw); err == nil {
				t.Fatalf("expected error for %q", raw)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KAVACH_PERSISTENCE_THRESHOLD_SECONDS", "2.5")
	t.Setenv("KAVACH_RECORD_DURATION_SECONDS", "4")
	t.Setenv("KAVACH_INCIDENT_COOLDOWN_SECONDS", "30")
	t.Setenv("KAVACH_FPS", "25")
	t.Setenv("KAVACH_MIN_SCORE_FIRE_SMOKE", "0.4")
	t.Setenv("KAVACH_DB_DRIVER", "postgres")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Persistence.Threshold != 2500*time.Millisecond {
		t.Errorf("threshold = %s, want 2.5s", cfg.Persistence.Threshold)
	}
	if cfg.Persistence.RecordDuration != 4*time.Second {
		t.Errorf("record duration = %s, want 4s", cfg.Persistence.RecordDuration)
	}
	if cfg.Persistence.Cooldown != 30*time.Second {
		t.Errorf("cooldown = %s, want 30s", cfg.Persistence.Cooldown)
	}
	if cfg.Persistence.DefaultFPS != 25 {
		t.Errorf("fps = %v, want 25", cfg.Persistence.DefaultFPS)
	}
	if got := cfg.Detection.MinScore(KindFireSmoke); got != 0.4 {
		t.Errorf("fire-smoke min score = %v, want 0.4", got)
	}
	if got := cfg.Detection.MinScore(KindFall); got != cfg.Detection.DefaultMinScore {
		t.Errorf("fall min score = %v, want default", got)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("driver = %q, want postgres", cfg.Storage.Driver)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("KAVACH_CLIP_DIR=/srv/clips\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("KAVACH_CLIP_DIR") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Recording.ClipDir != "/srv/clips" {
		t.Fatalf("clip dir = %q, want /srv/clips", cfg.Recording.ClipDir)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
