package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/smallnest/ragbuild/store"
)

// SqliteReportStore implements store.ReportStore using SQLite
type SqliteReportStore struct {
	db        *sql.DB
	tableName string
	// serializes sequence assignment
	mu sync.Mutex
}

var _ store.ReportStore = (*SqliteReportStore)(nil)

// SqliteOptions configuration for SQLite connection
type SqliteOptions struct {
	Path      string
	TableName string // Default "build_reports"
}

// NewSqliteReportStore creates a new SQLite report store
func NewSqliteReportStore(opts SqliteOptions) (*SqliteReportStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	tableName := opts.TableName
	if tableName == "" {
		tableName = "build_reports"
	}

	s := &SqliteReportStore{
		db:        db,
		tableName: tableName,
	}

	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// InitSchema creates the necessary table if it doesn't exist
func (s *SqliteReportStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			step_id TEXT,
			status TEXT,
			message TEXT,
			timestamp DATETIME NOT NULL,
			data TEXT,
			PRIMARY KEY (run_id, seq)
		);
	`, s.tableName)

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SqliteReportStore) Close() error {
	return s.db.Close()
}

// Append implements store.ReportStore
func (s *SqliteReportStore) Append(ctx context.Context, entry *store.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) + 1 FROM %s WHERE run_id = ?", s.tableName),
		entry.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to assign sequence: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, seq, type, step_id, status, message, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.tableName)
	_, err = tx.ExecContext(ctx, query,
		entry.RunID,
		seq,
		string(entry.Type),
		entry.StepID,
		entry.Status,
		entry.Message,
		entry.Timestamp.UTC(),
		string(entry.Data),
	)
	if err != nil {
		return fmt.Errorf("failed to append report entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to append report entry: %w", err)
	}
	entry.Seq = seq
	return nil
}

// Load implements store.ReportStore
func (s *SqliteReportStore) Load(ctx context.Context, runID string) ([]store.Entry, error) {
	query := fmt.Sprintf(`
		SELECT run_id, seq, type, step_id, status, message, timestamp, data
		FROM %s
		WHERE run_id = ?
		ORDER BY seq ASC
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		var typ string
		var stepID, status, msg, data sql.NullString
		var ts time.Time
		if err := rows.Scan(&e.RunID, &e.Seq, &typ, &stepID, &status, &msg, &ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		e.Type = store.EntryType(typ)
		e.StepID, e.Status, e.Message = stepID.String, status.String, msg.String
		e.Timestamp = ts
		if data.String != "" {
			e.Data = []byte(data.String)
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
func (s *SqliteReportStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT DISTINCT run_id FROM %s ORDER BY run_id", s.tableName))
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
	return ids, rows.Err()
}
