package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no execution has the requested id.
var ErrNotFound = errors.New("execution not found")

// Options sizes the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = 2
	if opts.MinConns > 0 && opts.MinConns <= config.MaxConns {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = 5 * time.Minute
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id             TEXT PRIMARY KEY,
	session        TEXT NOT NULL,
	file_name      TEXT NOT NULL,
	language       TEXT NOT NULL,
	container_name TEXT NOT NULL DEFAULT '',
	code_hash      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	exit_code      INTEGER,
	output         TEXT NOT NULL DEFAULT '',
	diagnostic     TEXT NOT NULL DEFAULT '',
	signature      TEXT NOT NULL DEFAULT '',
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	partial        BOOLEAN NOT NULL DEFAULT FALSE,
	killed         BOOLEAN NOT NULL DEFAULT FALSE,
	findings       INTEGER NOT NULL DEFAULT 0,
	request_ip     TEXT NOT NULL DEFAULT '',
	api_key_hash   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS executions_session_idx ON executions (session, created_at DESC);
CREATE TABLE IF NOT EXISTS execution_findings (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	pattern      TEXT NOT NULL,
	severity     TEXT NOT NULL,
	source       TEXT NOT NULL,
	line         INTEGER NOT NULL DEFAULT 0,
	detail       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);`

// EnsureSchema creates the audit tables when missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution record into the audit log. Re-logging
// the same id overwrites the earlier row.
func (db *DB) LogExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, session, file_name, language, container_name, code_hash,
			status, exit_code, output, diagnostic, signature, duration_ms, partial, killed,
			findings, request_ip, api_key_hash, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, exit_code = EXCLUDED.exit_code,
			output = EXCLUDED.output, diagnostic = EXCLUDED.diagnostic,
			signature = EXCLUDED.signature, duration_ms = EXCLUDED.duration_ms,
			partial = EXCLUDED.partial, killed = EXCLUDED.killed,
			findings = EXCLUDED.findings, completed_at = EXCLUDED.completed_at`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.Session, exec.Filename, exec.Language, exec.ContainerName, exec.CodeHash,
		exec.Status, exec.ExitCode,
		truncateForDB(exec.Output, 65535),
		truncateForDB(exec.Diagnostic, 65535),
		exec.Signature, exec.DurationMS, exec.Partial, exec.Killed,
		exec.Findings, exec.RequestIP, exec.APIKeyHash,
		exec.CreatedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// LogFinding inserts one finding.
func (db *DB) LogFinding(ctx context.Context, f *FindingRecord) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO execution_findings (id, execution_id, pattern, severity, source, line, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.pool.Exec(ctx, query,
		f.ID, f.ExecutionID, f.Pattern, f.Severity, f.Source, f.Line, f.Detail, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting finding: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, session, file_name, language, container_name, code_hash, status, exit_code,
			output, diagnostic, signature, duration_ms, partial, killed, findings,
			request_ip, api_key_hash, created_at, completed_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.Session, &exec.Filename, &exec.Language, &exec.ContainerName,
		&exec.CodeHash, &exec.Status, &exec.ExitCode,
		&exec.Output, &exec.Diagnostic, &exec.Signature, &exec.DurationMS,
		&exec.Partial, &exec.Killed, &exec.Findings,
		&exec.RequestIP, &exec.APIKeyHash,
		&exec.CreatedAt, &exec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, session, file_name, language, status, exit_code, duration_ms,
			partial, killed, findings, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR session = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Session, filter.Language, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.Session, &exec.Filename, &exec.Language, &exec.Status,
			&exec.ExitCode, &exec.DurationMS, &exec.Partial, &exec.Killed, &exec.Findings,
			&exec.CreatedAt, &exec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
