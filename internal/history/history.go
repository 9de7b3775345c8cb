// Package history provides the durable, append-only ledger of dispatch
// attempts used for auditing.
//
// The default backend is a CSV file with a fixed field order, appended and
// flushed one complete line per terminal attempt; an SQLite backend can be
// selected by DSN. The stored records are the sole source of truth for
// statistics and export — they are never recomputed from the mailbox.
package history

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

// exportHeader is the fixed column order of stored rows and exports.
var exportHeader = []string{
	"timestamp", "source_id", "artifact_name", "reference",
	"size_bytes", "job_id", "status", "error_text",
}

// Recorder records and reports dispatch attempts.
type Recorder interface {
	// Record appends one history entry. It returns a *models.PersistenceError
	// on unwritable storage; callers log the failure and continue, since
	// history is advisory.
	Record(rec models.PrintRecord) error

	// Query returns entries most-recent-first, re-read from storage on each
	// call. The filter may narrow by status and bound the result count.
	Query(filter models.HistoryFilter) ([]models.PrintRecord, error)

	// Summarize computes aggregate statistics over the full history.
	Summarize() (models.Statistics, error)

	// Export renders the filtered history as CSV with the fixed header order.
	Export(filter models.HistoryFilter) ([]byte, error)
}

// FileRecorder is the file-backed Recorder. The processor is the only
// writer; queries re-read the file and only ever observe complete lines.
type FileRecorder struct {
	path string
	file *os.File
}

var _ Recorder = (*FileRecorder)(nil)

// NewFileRecorder opens (creating if necessary) the history file at path.
func NewFileRecorder(path string) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &models.PersistenceError{Path: path, Err: err}
	}
	return &FileRecorder{path: path, file: file}, nil
}

// Record appends one CSV row and flushes it to disk.
func (r *FileRecorder) Record(rec models.PrintRecord) error {
	if !models.IsValidStatus(rec.Status) {
		return fmt.Errorf("invalid history status %q", rec.Status)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(encodeRow(rec)); err != nil {
		return fmt.Errorf("failed to encode history row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to encode history row: %w", err)
	}

	if _, err := r.file.Write(buf.Bytes()); err != nil {
		return &models.PersistenceError{Path: r.path, Err: err}
	}
	if err := r.file.Sync(); err != nil {
		return &models.PersistenceError{Path: r.path, Err: err}
	}
	slog.Debug("History record appended", "source_id", rec.SourceID, "status", rec.Status, "job_id", rec.JobID)
	return nil
}

// Query re-reads the file and returns matching entries most-recent-first.
func (r *FileRecorder) Query(filter models.HistoryFilter) ([]models.PrintRecord, error) {
	records, err := r.readAll()
	if err != nil {
		return nil, err
	}
	return applyFilter(records, filter), nil
}

// Summarize computes statistics over the full history.
func (r *FileRecorder) Summarize() (models.Statistics, error) {
	records, err := r.readAll()
	if err != nil {
		return models.Statistics{}, err
	}
	return summarize(records), nil
}

// Export renders the filtered history as CSV.
func (r *FileRecorder) Export(filter models.HistoryFilter) ([]byte, error) {
	records, err := r.Query(filter)
	if err != nil {
		return nil, err
	}
	return exportCSV(records)
}

// Close releases the underlying file handle.
func (r *FileRecorder) Close() error { return r.file.Close() }

// readAll parses every complete line of the history file. A damaged trailing
// line (interrupted append) is skipped; so are rows with a wrong field
// count, each with a warning.
func (r *FileRecorder) readAll() ([]models.PrintRecord, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.PersistenceError{Path: r.path, Err: err}
	}

	if len(data) > 0 && data[len(data)-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n')
		slog.Warn("History file has a damaged trailing line, skipping it", "path", r.path)
		data = data[:cut+1]
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, &models.PersistenceError{Path: r.path, Err: err}
	}

	records := make([]models.PrintRecord, 0, len(rows))
	for i, row := range rows {
		rec, err := decodeRow(row)
		if err != nil {
			slog.Warn("Skipping unparseable history row", "path", r.path, "line", i+1, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func encodeRow(rec models.PrintRecord) []string {
	return []string{
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.SourceID,
		rec.ArtifactName,
		rec.Reference,
		strconv.FormatInt(rec.SizeBytes, 10),
		strconv.FormatInt(rec.JobID, 10),
		string(rec.Status),
		rec.ErrorText,
	}
}

func decodeRow(row []string) (models.PrintRecord, error) {
	if len(row) != len(exportHeader) {
		return models.PrintRecord{}, fmt.Errorf("expected %d fields, got %d", len(exportHeader), len(row))
	}
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return models.PrintRecord{}, fmt.Errorf("bad timestamp %q: %w", row[0], err)
	}
	size, err := strconv.ParseInt(row[4], 10, 64)
	if err != nil {
		return models.PrintRecord{}, fmt.Errorf("bad size %q: %w", row[4], err)
	}
	jobID, err := strconv.ParseInt(row[5], 10, 64)
	if err != nil {
		return models.PrintRecord{}, fmt.Errorf("bad job id %q: %w", row[5], err)
	}
	return models.PrintRecord{
		Timestamp:    ts,
		SourceID:     row[1],
		ArtifactName: row[2],
		Reference:    row[3],
		SizeBytes:    size,
		JobID:        jobID,
		Status:       models.PrintStatus(row[6]),
		ErrorText:    row[7],
	}, nil
}

// applyFilter narrows, orders (most-recent-first) and bounds the records.
func applyFilter(records []models.PrintRecord, filter models.HistoryFilter) []models.PrintRecord {
	out := make([]models.PrintRecord, 0, len(records))
	for _, rec := range records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func summarize(records []models.PrintRecord) models.Statistics {
	var stats models.Statistics
	for _, rec := range records {
		stats.Total++
		switch rec.Status {
		case models.StatusSuccess:
			stats.SuccessCount++
		case models.StatusFailed:
			stats.FailureCount++
		}
		stats.TotalBytes += rec.SizeBytes
		if stats.EarliestTS.IsZero() || rec.Timestamp.Before(stats.EarliestTS) {
			stats.EarliestTS = rec.Timestamp
		}
		if rec.Timestamp.After(stats.LatestTS) {
			stats.LatestTS = rec.Timestamp
		}
	}
	return stats
}

func exportCSV(records []models.PrintRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, fmt.Errorf("failed to write export header: %w", err)
	}
	for _, rec := range records {
		if err := w.Write(encodeRow(rec)); err != nil {
			return nil, fmt.Errorf("failed to write export row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to render export: %w", err)
	}
	return buf.Bytes(), nil
}
