// This file implements the SQLite-backed history recorder, selected when a
// database DSN is configured instead of the default CSV file.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteRecorder stores history rows in an embedded SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	dsn string
}

var _ Recorder = (*SQLiteRecorder)(nil)

// NewSQLiteRecorder opens the SQLite database at dsn (a file path), creating
// the parent directory and running migrations as needed.
func NewSQLiteRecorder(dsn string) (*SQLiteRecorder, error) {
	if dsn == "" {
		return nil, fmt.Errorf("history database DSN not set")
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history database ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run history migrations: %w", err)
	}
	slog.Debug("SQLite history recorder ready", "dsn", dsn)
	return &SQLiteRecorder{db: db, dsn: dsn}, nil
}

// Record inserts one history row.
func (r *SQLiteRecorder) Record(rec models.PrintRecord) error {
	if !models.IsValidStatus(rec.Status) {
		return fmt.Errorf("invalid history status %q", rec.Status)
	}
	_, err := r.db.Exec(
		`INSERT INTO print_history (timestamp, source_id, artifact_name, reference, size_bytes, job_id, status, error_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339), rec.SourceID, rec.ArtifactName, rec.Reference,
		rec.SizeBytes, rec.JobID, string(rec.Status), rec.ErrorText,
	)
	if err != nil {
		return &models.PersistenceError{Path: r.dsn, Err: err}
	}
	return nil
}

// Query returns matching rows most-recent-first.
func (r *SQLiteRecorder) Query(filter models.HistoryFilter) ([]models.PrintRecord, error) {
	query := `SELECT timestamp, source_id, artifact_name, reference, size_bytes, job_id, status, error_text
	          FROM print_history`
	var args []interface{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, &models.PersistenceError{Path: r.dsn, Err: err}
	}
	defer rows.Close()

	var records []models.PrintRecord
	for rows.Next() {
		var rec models.PrintRecord
		var ts, status string
		if err := rows.Scan(&ts, &rec.SourceID, &rec.ArtifactName, &rec.Reference,
			&rec.SizeBytes, &rec.JobID, &status, &rec.ErrorText); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			slog.Warn("Skipping history row with bad timestamp", "timestamp", ts, "error", err)
			continue
		}
		rec.Timestamp = parsed
		rec.Status = models.PrintStatus(status)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return records, nil
}

// Summarize computes statistics over the full history.
func (r *SQLiteRecorder) Summarize() (models.Statistics, error) {
	records, err := r.Query(models.HistoryFilter{})
	if err != nil {
		return models.Statistics{}, err
	}
	return summarize(records), nil
}

// Export renders the filtered history as CSV.
func (r *SQLiteRecorder) Export(filter models.HistoryFilter) ([]byte, error) {
	records, err := r.Query(filter)
	if err != nil {
		return nil, err
	}
	return exportCSV(records)
}

// Close releases the database handle.
func (r *SQLiteRecorder) Close() error { return r.db.Close() }
