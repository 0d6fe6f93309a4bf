// storage/metadata.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// SQLConfig selects and configures the relational backend.
type SQLConfig struct {
	Driver     string // sqlite or postgres
	SQLitePath string
	Postgres   PostgresConfig
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string // disable, require, verify-ca, verify-full
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}

// OpenSQL connects to the configured backend and creates the schema.
func OpenSQL(ctx context.Context, cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	case "postgres":
		return OpenPostgres(ctx, cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time; sqlite serializes anyway
	db.SetMaxOpenConns(1)

	return newSQLStore(ctx, db, "sqlite", logger)
}

// OpenPostgres connects to PostgreSQL.
func OpenPostgres(ctx context.Context, config PostgresConfig, logger *zap.Logger) (*SQLStore, error) {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	return newSQLStore(ctx, db, "postgres", logger)
}

func newSQLStore(ctx context.Context, db *sqlx.DB, driver string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLStore{
		db:     db,
		driver: driver,
		logger: logger.Named("sql-store").With(zap.String("driver", driver)),
	}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'Open',
	camera TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	clip_path TEXT,
	episode_id TEXT
);
CREATE TABLE IF NOT EXISTS incident_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id INTEGER NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	changed_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id INTEGER NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	comment TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_status_type ON incidents(status, type);
CREATE INDEX IF NOT EXISTS idx_audit_incident ON incident_audit(incident_id);
CREATE INDEX IF NOT EXISTS idx_feedback_incident ON feedback(incident_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS incidents (
	id BIGSERIAL PRIMARY KEY,
	type VARCHAR(64) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status VARCHAR(64) NOT NULL DEFAULT 'Open',
	camera VARCHAR(255) NOT NULL DEFAULT '',
	severity VARCHAR(16) NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	clip_path TEXT,
	episode_id TEXT
);
CREATE TABLE IF NOT EXISTS incident_audit (
	id BIGSERIAL PRIMARY KEY,
	incident_id BIGINT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	status VARCHAR(64) NOT NULL,
	changed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback (
	id BIGSERIAL PRIMARY KEY,
	incident_id BIGINT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
	comment TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_status_type ON incidents(status, type);
CREATE INDEX IF NOT EXISTS idx_audit_incident ON incident_audit(incident_id);
CREATE INDEX IF NOT EXISTS idx_feedback_incident ON feedback(incident_id);
`

// initSchema creates the database schema if it doesn't exist
func (s *SQLStore) initSchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return s.migrateEpisodeKey(ctx)
}

// migrateEpisodeKey adds episode_id to databases created without it and
// makes it unique. NULLs never conflict, so unkeyed rows are unaffected.
func (s *SQLStore) migrateEpisodeKey(ctx context.Context) error {
	if s.driver == "postgres" {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE incidents ADD COLUMN IF NOT EXISTS episode_id TEXT`); err != nil {
			return err
		}
	} else {
		var n int
		if err := s.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM pragma_table_info('incidents') WHERE name = 'episode_id'`); err != nil {
			return err
		}
		if n == 0 {
			if _, err := s.db.ExecContext(ctx, `ALTER TABLE incidents ADD COLUMN episode_id TEXT`); err != nil {
				return err
			}
		}
	}
	_, err := s.db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_episode ON incidents(episode_id)`)
	return err
}

const incidentColumns = `id, type, description, status, camera, severity, created_at, clip_path, episode_id`

// CreateIncident inserts a new incident. A retried write for an episode
// that is already stored returns the stored row instead.
func (s *SQLStore) CreateIncident(ctx context.Context, inc *Incident) error {
	if inc.Status == "" {
		inc.Status = StatusOpen
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}

	query := s.db.Rebind(`
		INSERT INTO incidents (type, description, status, camera, severity, created_at, clip_path, episode_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (episode_id) DO NOTHING
		RETURNING id`)

	err := s.db.QueryRowxContext(ctx, query,
		inc.Type, inc.Description, inc.Status, inc.Camera, inc.Severity, inc.CreatedAt, inc.ClipPath, inc.EpisodeID,
	).Scan(&inc.ID)
	if errors.Is(err, sql.ErrNoRows) && inc.EpisodeID != nil {
		existing, gerr := s.incidentByEpisode(ctx, *inc.EpisodeID)
		if gerr != nil {
			return &StorageError{Op: "create_incident", Key: *inc.EpisodeID, Err: gerr, Retryable: true}
		}
		*inc = *existing
		s.logger.Info("Incident already filed for episode",
			zap.Int64("id", inc.ID),
			zap.String("episode", *inc.EpisodeID))
		return nil
	}
	if err != nil {
		return &StorageError{Op: "create_incident", Err: err, Retryable: true}
	}

	s.logger.Info("Incident saved",
		zap.Int64("id", inc.ID),
		zap.String("type", inc.Type),
		zap.String("camera", inc.Camera))
	return nil
}

func (s *SQLStore) incidentByEpisode(ctx context.Context, episodeID string) (*Incident, error) {
	var inc Incident
	err := s.db.GetContext(ctx, &inc,
		s.db.Rebind(`SELECT `+incidentColumns+` FROM incidents WHERE episode_id = ?`), episodeID)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// GetIncident retrieves an incident by ID
func (s *SQLStore) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	var inc Incident
	err := s.db.GetContext(ctx, &inc,
		s.db.Rebind(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "get_incident", Key: fmt.Sprint(id), Err: err}
	}
	return &inc, nil
}

// ListIncidents queries incidents based on criteria
func (s *SQLStore) ListIncidents(ctx context.Context, q IncidentQuery) ([]*Incident, error) {
	whereClauses := []string{}
	args := []interface{}{}

	if q.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		args = append(args, q.Status)
	}
	if q.Type != "" {
		whereClauses = append(whereClauses, "type = ?")
		args = append(args, q.Type)
	}
	if q.Camera != "" {
		whereClauses = append(whereClauses, "camera = ?")
		args = append(args, q.Camera)
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	incidents := make([]*Incident, 0)
	if err := s.db.SelectContext(ctx, &incidents, s.db.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "list_incidents", Err: err}
	}
	return incidents, nil
}

// UpdateStatus changes the status and records the change in the audit trail.
func (s *SQLStore) UpdateStatus(ctx context.Context, id int64, status string) (*Incident, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "update_status", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE incidents SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return nil, &StorageError{Op: "update_status", Key: fmt.Sprint(id), Err: err}
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, &StorageError{Op: "update_status", Key: fmt.Sprint(id), Err: err}
	}
	if rows == 0 {
		return nil, fmt.Errorf("incident %d: %w", id, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO incident_audit (incident_id, status, changed_at) VALUES (?, ?, ?)`),
		id, status, time.Now().UTC())
	if err != nil {
		return nil, &StorageError{Op: "update_status", Key: fmt.Sprint(id), Err: err}
	}

	var inc Incident
	if err := tx.GetContext(ctx, &inc, tx.Rebind(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`), id); err != nil {
		return nil, &StorageError{Op: "update_status", Key: fmt.Sprint(id), Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "update_status", Key: fmt.Sprint(id), Err: err}
	}

	s.logger.Info("Incident status changed", zap.Int64("id", id), zap.String("status", status))
	return &inc, nil
}

func (s *SQLStore) exists(ctx context.Context, id int64) error {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM incidents WHERE id = ?`), id)
	if err != nil {
		return &StorageError{Op: "lookup", Key: fmt.Sprint(id), Err: err}
	}
	if n == 0 {
		return fmt.Errorf("incident %d: %w", id, ErrNotFound)
	}
	return nil
}

// AuditTrail returns status changes newest first.
func (s *SQLStore) AuditTrail(ctx context.Context, id int64) ([]AuditEntry, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0)
	err := s.db.SelectContext(ctx, &entries, s.db.Rebind(`
		SELECT id, incident_id, status, changed_at
		FROM incident_audit
		WHERE incident_id = ?
		ORDER BY changed_at DESC, id DESC`), id)
	if err != nil {
		return nil, &StorageError{Op: "audit_trail", Key: fmt.Sprint(id), Err: err}
	}
	return entries, nil
}

// AddFeedback attaches an operator comment.
func (s *SQLStore) AddFeedback(ctx context.Context, id int64, comment string) (*Feedback, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	fb := &Feedback{IncidentID: id, Comment: comment, CreatedAt: time.Now().UTC()}
	err := s.db.QueryRowxContext(ctx,
		s.db.Rebind(`INSERT INTO feedback (incident_id, comment, created_at) VALUES (?, ?, ?) RETURNING id`),
		fb.IncidentID, fb.Comment, fb.CreatedAt,
	).Scan(&fb.ID)
	if err != nil {
		return nil, &StorageError{Op: "add_feedback", Key: fmt.Sprint(id), Err: err}
	}
	return fb, nil
}

// ListFeedback returns comments oldest first.
func (s *SQLStore) ListFeedback(ctx context.Context, id int64) ([]Feedback, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	out := make([]Feedback, 0)
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT id, incident_id, comment, created_at
		FROM feedback
		WHERE incident_id = ?
		ORDER BY created_at, id`), id)
	if err != nil {
		return nil, &StorageError{Op: "list_feedback", Key: fmt.Sprint(id), Err: err}
	}
	return out, nil
}

// HealthCheck verifies database connectivity
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
