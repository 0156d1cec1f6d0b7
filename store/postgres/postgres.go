package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smallnest/ragbuild/store"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresReportStore implements store.ReportStore using PostgreSQL
type PostgresReportStore struct {
	pool      DBPool
	tableName string
}

var _ store.ReportStore = (*PostgresReportStore)(nil)

// PostgresOptions configuration for Postgres connection
type PostgresOptions struct {
	ConnString string
	TableName  string // Default "build_reports"
}

// NewPostgresReportStore creates a new Postgres report store
func NewPostgresReportStore(ctx context.Context, opts PostgresOptions) (*PostgresReportStore, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewPostgresReportStoreWithPool(pool, opts.TableName), nil
}

// NewPostgresReportStoreWithPool creates a new Postgres report store with an existing pool
// Useful for testing with mocks
func NewPostgresReportStoreWithPool(pool DBPool, tableName string) *PostgresReportStore {
	if tableName == "" {
		tableName = "build_reports"
	}
	return &PostgresReportStore{
		pool:      pool,
		tableName: tableName,
	}
}

// InitSchema creates the necessary table if it doesn't exist
func (s *PostgresReportStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			data JSONB,
			PRIMARY KEY (run_id, seq)
		);
	`, s.tableName)

	_, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresReportStore) Close() error {
	s.pool.Close()
	return nil
}

// Append implements store.ReportStore. The sequence number is assigned by
// the insert itself; concurrent appends to one run conflict on the primary
// key rather than reuse a number.
func (s *PostgresReportStore) Append(ctx context.Context, entry *store.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (run_id, seq, type, step_id, status, message, timestamp, data)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7
		FROM %[1]s WHERE run_id = $1
		RETURNING seq
	`, s.tableName)

	var data []byte
	if len(entry.Data) > 0 {
		data = entry.Data
	}
	var seq int64
	err := s.pool.QueryRow(ctx, query,
		entry.RunID,
		string(entry.Type),
		entry.StepID,
		entry.Status,
		entry.Message,
		entry.Timestamp,
		data,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to append report entry: %w", err)
	}
	entry.Seq = seq
	return nil
}

// Load implements store.ReportStore
func (s *PostgresReportStore) Load(ctx context.Context, runID string) ([]store.Entry, error) {
	query := fmt.Sprintf(`
		SELECT run_id, seq, type, step_id, status, message, timestamp, data
		FROM %s
		WHERE run_id = $1
		ORDER BY seq ASC
	`, s.tableName)

	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		var typ string
		var data []byte
		err := rows.Scan(&e.RunID, &e.Seq, &typ, &e.StepID, &e.Status, &e.Message, &e.Timestamp, &data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		e.Type = store.EntryType(typ)
		if len(data) > 0 {
			e.Data = data
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating report rows: %w", err)
	}
	if len(entries) == 0 {
		return nil, store.ErrRunNotFound
	}
	return entries, nil
}

// Runs implements store.ReportStore
func (s *PostgresReportStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT DISTINCT run_id FROM %s ORDER BY run_id", s.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return ids, nil
}
