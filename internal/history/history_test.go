package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

func newFileRecorder(t *testing.T) *FileRecorder {
	t.Helper()
	r, err := NewFileRecorder(filepath.Join(t.TempDir(), "print_history.csv"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func sampleRecord(id string, ts time.Time, status models.PrintStatus) models.PrintRecord {
	rec := models.PrintRecord{
		Timestamp:    ts,
		SourceID:     id,
		ArtifactName: "shipment.csv",
		Reference:    "https://x.test/a.pdf",
		SizeBytes:    1234,
		JobID:        99,
		Status:       status,
	}
	if status == models.StatusFailed {
		rec.JobID = 0
		rec.ErrorText = "dispatch rejected: status 403: forbidden"
	}
	return rec
}

func TestRecordAndQuery(t *testing.T) {
	r := newFileRecorder(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i, status := range []models.PrintStatus{models.StatusSuccess, models.StatusFailed, models.StatusSuccess} {
		rec := sampleRecord("msg-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), status)
		if err := r.Record(rec); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	all, err := r.Query(models.HistoryFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	// Most-recent-first ordering.
	if all[0].SourceID != "msg-c" || all[2].SourceID != "msg-a" {
		t.Errorf("wrong ordering: %q first, %q last", all[0].SourceID, all[2].SourceID)
	}

	failed, err := r.Query(models.HistoryFilter{Status: models.StatusFailed})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 1 || failed[0].SourceID != "msg-b" {
		t.Errorf("status filter broken: %+v", failed)
	}
	if failed[0].ErrorText == "" {
		t.Error("failed record lost its error text")
	}

	limited, err := r.Query(models.HistoryFilter{Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored, got %d records", len(limited))
	}
}

func TestQuerySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "print_history.csv")
	r, err := NewFileRecorder(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := sampleRecord("msg-1", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), models.StatusSuccess)
	if err := r.Record(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Close()

	reopened, err := NewFileRecorder(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reopened.Close()
	records, err := reopened.Query(models.HistoryFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record after restart, got %d", len(records))
	}
	got := records[0]
	if got.SourceID != "msg-1" || got.Reference != "https://x.test/a.pdf" ||
		got.SizeBytes != 1234 || got.JobID != 99 || got.Status != models.StatusSuccess {
		t.Errorf("record did not round-trip: %+v", got)
	}
}

func TestDamagedTrailingLineSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "print_history.csv")
	r, err := NewFileRecorder(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Close()

	if err := r.Record(sampleRecord("msg-1", time.Now().UTC(), models.StatusSuccess)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Simulate an interrupted append on the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.WriteString("2025-06-01T10:00:00Z,msg-2,partial")
	f.Close()

	records, err := r.Query(models.HistoryFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].SourceID != "msg-1" {
		t.Errorf("expected only the complete record, got %+v", records)
	}
}

func TestSummarize(t *testing.T) {
	r := newFileRecorder(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if err := r.Record(sampleRecord("a", base, models.StatusSuccess)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Record(sampleRecord("b", base.Add(time.Hour), models.StatusFailed)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := r.Summarize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 2 || stats.SuccessCount != 1 || stats.FailureCount != 1 {
		t.Errorf("wrong counts: %+v", stats)
	}
	if stats.TotalBytes != 2468 {
		t.Errorf("wrong total bytes: %d", stats.TotalBytes)
	}
	if !stats.EarliestTS.Equal(base) || !stats.LatestTS.Equal(base.Add(time.Hour)) {
		t.Errorf("wrong time range: %v .. %v", stats.EarliestTS, stats.LatestTS)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	r := newFileRecorder(t)
	stats, err := r.Summarize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 0 || !stats.EarliestTS.IsZero() {
		t.Errorf("expected zero statistics, got %+v", stats)
	}
}

func TestExport(t *testing.T) {
	r := newFileRecorder(t)
	if err := r.Record(sampleRecord("msg-1", time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), models.StatusSuccess)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := r.Export(models.HistoryFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if lines[0] != "timestamp,source_id,artifact_name,reference,size_bytes,job_id,status,error_text" {
		t.Errorf("wrong header order: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2025-06-01T10:00:00Z,msg-1,shipment.csv,https://x.test/a.pdf,1234,99,success,") {
		t.Errorf("wrong row: %q", lines[1])
	}
}
