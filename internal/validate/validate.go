package validate

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/GuruMachanica/KavachG/internal/config"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateHTTPConfig(v, &cfg.HTTP)
	validateStreams(v, cfg.Streams)
	validateDetectionConfig(v, &cfg.Detection)
	validatePersistenceConfig(v, &cfg.Persistence)
	validateRecordingConfig(v, &cfg.Recording)
	validateStorageConfig(v, &cfg.Storage)
	validateDispatchConfig(v, &cfg.Dispatch)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// ValidateStorageConfig is exported for CLI commands that only touch the incident store.
func ValidateStorageConfig(cfg *config.StorageConfig) error {
	v := &Validator{}
	validateStorageConfig(v, cfg)
	if v.HasErrors() {
		return fmt.Errorf("storage configuration invalid:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateHTTPConfig(v *Validator, cfg *config.HTTPConfig) {
	if cfg.Addr == "" {
		v.AddError("HTTP address cannot be empty")
		return
	}
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		v.AddError("HTTP address must be host:port: %v", err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in HTTP address: %s", host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in HTTP address: %s", portStr)
	}
	if !strings.HasPrefix(cfg.ClipsPrefix, "/") || !strings.HasSuffix(cfg.ClipsPrefix, "/") {
		v.AddError("clips prefix must start and end with '/': %q", cfg.ClipsPrefix)
	}
	if cfg.LiveJPEGQuality < 1 || cfg.LiveJPEGQuality > 100 {
		v.AddError("live JPEG quality must be 1..100")
	}
	if cfg.LiveFrameSkip < 1 {
		v.AddError("live frame skip must be >= 1")
	}
	if cfg.RateLimitPerMinute < 0 {
		v.AddError("rate limit cannot be negative")
	}
}

var knownKinds = map[string]bool{
	config.KindPPE:        true,
	config.KindFireSmoke:  true,
	config.KindFall:       true,
	config.KindRestricted: true,
}

func validateStreams(v *Validator, streams []config.StreamConfig) {
	if len(streams) == 0 {
		v.AddError("at least one stream must be configured")
		return
	}
	seen := make(map[string]bool, len(streams))
	for _, s := range streams {
		if !isAlphanumericWithDashes(s.Name) {
			v.AddError("invalid stream name %q (letters, digits, '-' and '_' only)", s.Name)
		}
		if seen[s.Name] {
			v.AddError("duplicate stream name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Source == "" {
			v.AddError("stream %s: source is required", s.Name)
		}
		switch s.Driver {
		case "opencv", "mediadevices":
		default:
			v.AddError("stream %s: unknown driver %q (opencv or mediadevices)", s.Name, s.Driver)
		}
		if len(s.Kinds) == 0 {
			v.AddError("stream %s: no detector kinds", s.Name)
		}
		for _, k := range s.Kinds {
			if !knownKinds[k] {
				v.AddError("stream %s: unknown detector kind %q", s.Name, k)
			}
		}
		if s.Width < 0 || s.Height < 0 || s.Width > 4096 || s.Height > 4096 {
			v.AddError("stream %s: invalid dimensions %dx%d", s.Name, s.Width, s.Height)
		}
	}
}

func validateDetectionConfig(v *Validator, cfg *config.DetectionConfig) {
	switch cfg.Backend {
	case "http":
		if !isValidURL(cfg.Endpoint) {
			v.AddError("invalid detector endpoint: %s", cfg.Endpoint)
		}
	case "dnn":
		if !isValidDirectoryPath(cfg.ModelDir) {
			v.AddError("invalid model directory: %s", cfg.ModelDir)
		}
		if cfg.InputSize < 32 || cfg.InputSize%32 != 0 {
			v.AddError("model input size must be a positive multiple of 32")
		}
	default:
		v.AddError("unknown detector backend %q (http or dnn)", cfg.Backend)
	}
	if cfg.Timeout <= 0 {
		v.AddError("detector timeout must be positive")
	}
	if cfg.MaxAttempts < 1 {
		v.AddError("detector max attempts must be >= 1")
	}
	if cfg.Workers < 1 || cfg.Workers > 64 {
		v.AddError("detector workers must be 1..64")
	}
	if cfg.DefaultMinScore < 0 || cfg.DefaultMinScore > 1 {
		v.AddError("default confidence threshold must be 0..1")
	}
	for kind, s := range cfg.MinScores {
		if s < 0 || s > 1 {
			v.AddError("confidence threshold for %s must be 0..1", kind)
		}
	}
}

func validatePersistenceConfig(v *Validator, cfg *config.PersistenceConfig) {
	if cfg.Threshold < 0 {
		v.AddError("persistence threshold cannot be negative")
	}
	if cfg.RecordDuration <= 0 {
		v.AddError("record duration must be positive")
	}
	if cfg.Cooldown < 0 {
		v.AddError("incident cooldown cannot be negative")
	}
	if cfg.DefaultFPS <= 0 || cfg.DefaultFPS > 120 {
		v.AddError("default fps must be in (0, 120]")
	}
	if cfg.RecordDuration > 10*time.Minute {
		v.AddError("record duration too long: %s (max 10m)", cfg.RecordDuration)
	}
}

func validateRecordingConfig(v *Validator, cfg *config.RecordingConfig) {
	if !isValidDirectoryPath(cfg.ClipDir) {
		v.AddError("invalid clip directory: %s", cfg.ClipDir)
	}
	switch cfg.ClipFormat {
	case "mp4", "mkv":
	default:
		v.AddError("unknown clip format %q (mp4 or mkv)", cfg.ClipFormat)
	}
	if cfg.DeadLetterPath != "" && !isValidFilePath(cfg.DeadLetterPath) {
		v.AddError("invalid dead-letter path: %s", cfg.DeadLetterPath)
	}
	if cfg.QueueFrames < 0 {
		v.AddError("queue frames cannot be negative")
	}
	if cfg.MetricsInterval < time.Second {
		v.AddError("metrics interval too short (min 1s)")
	}
}

func validateStorageConfig(v *Validator, cfg *config.StorageConfig) {
	switch cfg.Driver {
	case "sqlite":
		if !isValidFilePath(cfg.SQLitePath) {
			v.AddError("invalid sqlite path: %s", cfg.SQLitePath)
		}
	case "postgres":
		pg := cfg.Postgres
		if pg.Host == "" {
			v.AddError("postgres host is required")
		}
		if pg.Database == "" {
			v.AddError("postgres database is required")
		}
		if pg.Port < 1 || pg.Port > 65535 {
			v.AddError("invalid postgres port: %d", pg.Port)
		}
	default:
		v.AddError("unknown database driver %q (sqlite or postgres)", cfg.Driver)
	}
	if cfg.MinIO.Enabled {
		if cfg.MinIO.Endpoint == "" {
			v.AddError("minio endpoint is required when minio is enabled")
		}
		if cfg.MinIO.Bucket == "" {
			v.AddError("minio bucket is required when minio is enabled")
		}
	}
}

func validateDispatchConfig(v *Validator, cfg *config.DispatchConfig) {
	if cfg.MaxAttempts < 1 || cfg.MaxAttempts > 10 {
		v.AddError("dispatch attempts must be 1..10")
	}
	if cfg.InitialBackoff <= 0 {
		v.AddError("dispatch backoff must be positive")
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		v.AddError("dispatch max backoff must be >= initial backoff")
	}
	if cfg.AttemptTimeout <= 0 {
		v.AddError("dispatch attempt timeout must be positive")
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var (
	hostnameLabel    = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	alnumDashPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
)

func isValidURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidFilePath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00")
}

func isValidDirectoryPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00") && !strings.HasPrefix(clean, "..")
}

func isAlphanumericWithDashes(s string) bool {
	return s != "" && alnumDashPattern.MatchString(s)
}
