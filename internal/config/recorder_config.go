// Helpers that map the general config onto the types the recording,
// storage and dispatch packages take, and prepare the directories they
// write to.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/GuruMachanica/KavachG/internal/detection"
	"github.com/GuruMachanica/KavachG/internal/incident"
	"github.com/GuruMachanica/KavachG/internal/recorder/encoder"
	"github.com/GuruMachanica/KavachG/internal/recorder/persistence"
	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
)

// CreateStorageConfigs maps main config to storage-package-specific types.
// The MinIO config is returned even when the mirror is disabled; callers
// check cfg.Storage.MinIO.Enabled.
func CreateStorageConfigs(cfg *Config) (storage.SQLConfig, storage.MinIOConfig) {
	sqlCfg := storage.SQLConfig{
		Driver:     cfg.Storage.Driver,
		SQLitePath: cfg.Storage.SQLitePath,
		Postgres: storage.PostgresConfig{
			Host:            cfg.Storage.Postgres.Host,
			Port:            cfg.Storage.Postgres.Port,
			Database:        cfg.Storage.Postgres.Database,
			Username:        cfg.Storage.Postgres.Username,
			Password:        cfg.Storage.Postgres.Password,
			SSLMode:         cfg.Storage.Postgres.SSLMode,
			MaxConnections:  cfg.Storage.Postgres.MaxConnections,
			MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		},
	}

	minioCfg := storage.MinIOConfig{
		Endpoint:        cfg.Storage.MinIO.Endpoint,
		AccessKeyID:     cfg.Storage.MinIO.AccessKeyID,
		SecretAccessKey: cfg.Storage.MinIO.SecretAccessKey,
		UseSSL:          cfg.Storage.MinIO.UseSSL,
		Bucket:          cfg.Storage.MinIO.Bucket,
		Region:          cfg.Storage.MinIO.Region,
		Prefix:          cfg.Storage.MinIO.Prefix,
		MaxUploads:      cfg.Storage.MinIO.MaxUploads,
		RequestTimeout:  cfg.Storage.MinIO.RequestTimeout,
		MaxRetries:      cfg.Storage.MinIO.MaxRetries,
		RetryBackoff:    cfg.Storage.MinIO.RetryBackoff,
	}

	return sqlCfg, minioCfg
}

// DispatcherConfig maps the dispatch section.
func DispatcherConfig(cfg *Config) incident.Config {
	return incident.Config{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		InitialBackoff: cfg.Dispatch.InitialBackoff,
		MaxBackoff:     cfg.Dispatch.MaxBackoff,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
	}
}

// MachineConfig maps the persistence section. FPS is left to the
// monitor, which knows the source rate.
func (p PersistenceConfig) MachineConfig() persistence.Config {
	return persistence.Config{
		Threshold:      p.Threshold,
		RecordDuration: p.RecordDuration,
		Cooldown:       p.Cooldown,
	}
}

// EncoderConfig returns the clip writer settings for a stream running at fps.
func EncoderConfig(cfg *Config, fps float64) encoder.Config {
	if fps <= 0 {
		fps = cfg.Persistence.DefaultFPS
	}
	return encoder.Config{FPS: fps, MinFreeMB: cfg.Recording.MinFreeMB}
}

// AdapterConfig returns the detector adapter settings for kind.
func AdapterConfig(cfg *Config, kind detection.Kind) detection.AdapterConfig {
	return detection.AdapterConfig{
		Kind:        kind,
		MinScore:    cfg.Detection.MinScore(string(kind)),
		Timeout:     cfg.Detection.Timeout,
		MaxAttempts: cfg.Detection.MaxAttempts,
	}
}

// PrepareDirs creates the directories the recorder writes to.
func PrepareDirs(cfg *Config) error {
	dirs := []string{cfg.Recording.ClipDir, filepath.Dir(cfg.Recording.DeadLetterPath)}
	if cfg.Storage.Driver == "sqlite" {
		dirs = append(dirs, filepath.Dir(cfg.Storage.SQLitePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
