package config

import "time"

// Detector kinds understood by the pipeline. Kept as plain strings here so
// the config package stays free of domain imports.
const (
	KindPPE        = "ppe"
	KindFireSmoke  = "fire-smoke"
	KindFall       = "fall"
	KindRestricted = "restricted-area"
)

// Config holds all application configuration
type Config struct {
	Log         LogConfig
	HTTP        HTTPConfig
	Streams     []StreamConfig
	Detection   DetectionConfig
	Persistence PersistenceConfig
	Recording   RecordingConfig
	Storage     StorageConfig
	Dispatch    DispatchConfig
}

type LogConfig struct {
	Level       string
	Format      string // json or console
	OutputPaths []string
	Development bool
}

type HTTPConfig struct {
	Addr               string
	ClipsPrefix        string // URL prefix clip files are served under
	AllowedOrigins     []string
	RateLimitPerMinute int // incident creation requests per client IP
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	LiveJPEGQuality    int
	LiveFrameSkip      int // publish every Nth processed frame to live viewers
}

// StreamConfig describes one monitored camera.
type StreamConfig struct {
	Name   string
	Source string   // device index, file path or URL
	Driver string   // opencv or mediadevices
	Kinds  []string // detector kinds evaluated on this stream
	Width  int
	Height int
}

type DetectionConfig struct {
	Backend         string // http or dnn
	Endpoint        string // base URL for the http backend
	ModelDir        string // dnn backend: <kind>.onnx and <kind>.names per kind
	InputSize       int
	Timeout         time.Duration
	MaxAttempts     int
	Workers         int
	DefaultMinScore float64
	MinScores       map[string]float64 // per-kind confidence threshold
}

// MinScore returns the confidence threshold for kind.
func (d DetectionConfig) MinScore(kind string) float64 {
	if v, ok := d.MinScores[kind]; ok {
		return v
	}
	return d.DefaultMinScore
}

type PersistenceConfig struct {
	Threshold      time.Duration
	RecordDuration time.Duration
	Cooldown       time.Duration
	DefaultFPS     float64 // used when the source does not report a rate
}

type RecordingConfig struct {
	ClipDir         string
	ClipFormat      string // mp4 or mkv
	MinFreeMB       uint64
	DeadLetterPath  string
	QueueFrames     int // acquisition channel depth; 0 means 2x fps
	ShutdownGrace   time.Duration
	MetricsInterval time.Duration
}

type StorageConfig struct {
	Driver     string // sqlite or postgres
	SQLitePath string
	Postgres   PostgresConfig
	MinIO      MinIOConfig
}

type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type MinIOConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string
	MaxUploads      int
	RequestTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

type DispatchConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Addr:               ":8000",
			ClipsPrefix:        "/clips/",
			AllowedOrigins:     []string{"*"},
			RateLimitPerMinute: 60,
			ReadTimeout:        15 * time.Second,
			WriteTimeout:       0, // MJPEG and websocket responses are long-lived
			LiveJPEGQuality:    75,
			LiveFrameSkip:      1,
		},
		Streams: []StreamConfig{
			{Name: "cam0", Source: "0", Driver: "opencv", Kinds: []string{KindPPE}},
		},
		Detection: DetectionConfig{
			Backend:         "http",
			Endpoint:        "http://127.0.0.1:8500/detect",
			ModelDir:        "models",
			InputSize:       640,
			Timeout:         2 * time.Second,
			MaxAttempts:     2,
			Workers:         2,
			DefaultMinScore: 0.5,
			MinScores:       map[string]float64{},
		},
		Persistence: PersistenceConfig{
			Threshold:      5 * time.Second,
			RecordDuration: 10 * time.Second,
			Cooldown:       15 * time.Second,
			DefaultFPS:     20,
		},
		Recording: RecordingConfig{
			ClipDir:         "incident_clips",
			ClipFormat:      "mp4",
			MinFreeMB:       500,
			DeadLetterPath:  "data/dead-letter.wal",
			ShutdownGrace:   30 * time.Second,
			MetricsInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "data/kavach.db",
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "kavach",
				Username:        "kavach",
				SSLMode:         "disable",
				MaxConnections:  10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
			MinIO: MinIOConfig{
				Endpoint:       "localhost:9000",
				Bucket:         "incident-clips",
				Region:         "us-east-1",
				Prefix:         "clips",
				MaxUploads:     2,
				RequestTimeout: 60 * time.Second,
				MaxRetries:     3,
				RetryBackoff:   time.Second,
			},
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			AttemptTimeout: 5 * time.Second,
		},
	}
}
