package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "KAVACH_"

// Load builds a Config from defaults, an optional .env file and KAVACH_*
// environment variables, in that order of precedence (env wins).
// A missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := NewDefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.OutputPaths = getEnvList("LOG_OUTPUT", ",", cfg.Log.OutputPaths)
	cfg.Log.Development = getEnvBool("LOG_DEVELOPMENT", cfg.Log.Development)

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.ClipsPrefix = getEnv("CLIPS_PREFIX", cfg.HTTP.ClipsPrefix)
	cfg.HTTP.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", ",", cfg.HTTP.AllowedOrigins)
	cfg.HTTP.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", cfg.HTTP.RateLimitPerMinute)
	cfg.HTTP.LiveJPEGQuality = getEnvInt("LIVE_JPEG_QUALITY", cfg.HTTP.LiveJPEGQuality)
	cfg.HTTP.LiveFrameSkip = getEnvInt("LIVE_FRAME_SKIP", cfg.HTTP.LiveFrameSkip)

	if raw := os.Getenv(envPrefix + "STREAMS"); raw != "" {
		streams, err := ParseStreams(raw)
		if err != nil {
			return err
		}
		cfg.Streams = streams
	}

	cfg.Detection.Backend = getEnv("DETECTOR_BACKEND", cfg.Detection.Backend)
	cfg.Detection.Endpoint = getEnv("DETECTOR_ENDPOINT", cfg.Detection.Endpoint)
	cfg.Detection.ModelDir = getEnv("MODEL_DIR", cfg.Detection.ModelDir)
	cfg.Detection.InputSize = getEnvInt("MODEL_INPUT_SIZE", cfg.Detection.InputSize)
	cfg.Detection.Timeout = getEnvDuration("DETECTOR_TIMEOUT", cfg.Detection.Timeout)
	cfg.Detection.MaxAttempts = getEnvInt("DETECTOR_MAX_ATTEMPTS", cfg.Detection.MaxAttempts)
	cfg.Detection.Workers = getEnvInt("DETECTOR_WORKERS", cfg.Detection.Workers)
	cfg.Detection.DefaultMinScore = getEnvFloat("MIN_SCORE", cfg.Detection.DefaultMinScore)
	for _, kind := range []string{KindPPE, KindFireSmoke, KindFall, KindRestricted} {
		key := "MIN_SCORE_" + strings.ToUpper(strings.ReplaceAll(kind, "-", "_"))
		if _, ok := os.LookupEnv(envPrefix + key); ok {
			cfg.Detection.MinScores[kind] = getEnvFloat(key, cfg.Detection.DefaultMinScore)
		}
	}

	cfg.Persistence.Threshold = getEnvSeconds("PERSISTENCE_THRESHOLD_SECONDS", cfg.Persistence.Threshold)
	cfg.Persistence.RecordDuration = getEnvSeconds("RECORD_DURATION_SECONDS", cfg.Persistence.RecordDuration)
	cfg.Persistence.Cooldown = getEnvSeconds("INCIDENT_COOLDOWN_SECONDS", cfg.Persistence.Cooldown)
	cfg.Persistence.DefaultFPS = getEnvFloat("FPS", cfg.Persistence.DefaultFPS)

	cfg.Recording.ClipDir = getEnv("CLIP_DIR", cfg.Recording.ClipDir)
	cfg.Recording.ClipFormat = getEnv("CLIP_FORMAT", cfg.Recording.ClipFormat)
	cfg.Recording.MinFreeMB = uint64(getEnvInt("MIN_FREE_MB", int(cfg.Recording.MinFreeMB)))
	cfg.Recording.DeadLetterPath = getEnv("DEAD_LETTER_PATH", cfg.Recording.DeadLetterPath)
	cfg.Recording.QueueFrames = getEnvInt("QUEUE_FRAMES", cfg.Recording.QueueFrames)
	cfg.Recording.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.Recording.ShutdownGrace)
	cfg.Recording.MetricsInterval = getEnvDuration("METRICS_INTERVAL", cfg.Recording.MetricsInterval)

	cfg.Storage.Driver = getEnv("DB_DRIVER", cfg.Storage.Driver)
	cfg.Storage.SQLitePath = getEnv("SQLITE_PATH", cfg.Storage.SQLitePath)
	pg := &cfg.Storage.Postgres
	pg.Host = getEnv("PG_HOST", pg.Host)
	pg.Port = getEnvInt("PG_PORT", pg.Port)
	pg.Database = getEnv("PG_DATABASE", pg.Database)
	pg.Username = getEnv("PG_USER", pg.Username)
	pg.Password = getEnv("PG_PASSWORD", pg.Password)
	pg.SSLMode = getEnv("PG_SSLMODE", pg.SSLMode)
	pg.MaxConnections = getEnvInt("PG_MAX_CONNECTIONS", pg.MaxConnections)

	mc := &cfg.Storage.MinIO
	mc.Enabled = getEnvBool("MINIO_ENABLED", mc.Enabled)
	mc.Endpoint = getEnv("MINIO_ENDPOINT", mc.Endpoint)
	mc.AccessKeyID = getEnv("MINIO_ACCESS_KEY", mc.AccessKeyID)
	mc.SecretAccessKey = getEnv("MINIO_SECRET_KEY", mc.SecretAccessKey)
	mc.UseSSL = getEnvBool("MINIO_USE_SSL", mc.UseSSL)
	mc.Bucket = getEnv("MINIO_BUCKET", mc.Bucket)
	mc.Region = getEnv("MINIO_REGION", mc.Region)
	mc.Prefix = getEnv("MINIO_PREFIX", mc.Prefix)

	cfg.Dispatch.MaxAttempts = getEnvInt("DISPATCH_MAX_ATTEMPTS", cfg.Dispatch.MaxAttempts)
	cfg.Dispatch.InitialBackoff = getEnvDuration("DISPATCH_BACKOFF", cfg.Dispatch.InitialBackoff)
	cfg.Dispatch.MaxBackoff = getEnvDuration("DISPATCH_MAX_BACKOFF", cfg.Dispatch.MaxBackoff)
	cfg.Dispatch.AttemptTimeout = getEnvDuration("DISPATCH_ATTEMPT_TIMEOUT", cfg.Dispatch.AttemptTimeout)
	return nil
}

// ParseStreams parses "name[@driver]=source#kind1,kind2;..." declarations.
// The driver defaults to opencv and the kind list to ppe.
func ParseStreams(raw string) ([]StreamConfig, error) {
	var out []StreamConfig
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, "=")
		if !ok || name == "" || rest == "" {
			return nil, fmt.Errorf("stream %q: expected name=source", entry)
		}
		sc := StreamConfig{Driver: "opencv", Kinds: []string{KindPPE}}
		sc.Name, sc.Driver = splitDriver(strings.TrimSpace(name), sc.Driver)

		source, kinds, hasKinds := strings.Cut(rest, "#")
		sc.Source = strings.TrimSpace(source)
		if sc.Source == "" {
			return nil, fmt.Errorf("stream %q: empty source", sc.Name)
		}
		if hasKinds {
			sc.Kinds = nil
			for _, k := range strings.Split(kinds, ",") {
				if k = strings.TrimSpace(k); k != "" {
					sc.Kinds = append(sc.Kinds, k)
				}
			}
		}
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, errors.New("no streams declared")
	}
	return out, nil
}

func splitDriver(name, def string) (string, string) {
	if n, d, ok := strings.Cut(name, "@"); ok && d != "" {
		return n, d
	}
	return name, def
}

// ---- env helpers ----

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := getEnv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := getEnv(key, ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := getEnv(key, ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := getEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvSeconds reads a (possibly fractional) number of seconds.
func getEnvSeconds(key string, def time.Duration) time.Duration {
	if v := getEnv(key, ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func getEnvList(key, sep string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
