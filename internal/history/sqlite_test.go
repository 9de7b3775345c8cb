package history

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

func newSQLiteRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "printpipe.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLiteRecordAndQuery(t *testing.T) {
	r := newSQLiteRecorder(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if err := r.Record(sampleRecord("msg-a", base, models.StatusSuccess)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Record(sampleRecord("msg-b", base.Add(time.Minute), models.StatusFailed)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := r.Query(models.HistoryFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 || all[0].SourceID != "msg-b" {
		t.Errorf("expected most-recent-first, got %+v", all)
	}

	failed, err := r.Query(models.HistoryFilter{Status: models.StatusFailed, Limit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 1 || failed[0].SourceID != "msg-b" {
		t.Errorf("status filter broken: %+v", failed)
	}
}

func TestSQLiteSummarizeAndExport(t *testing.T) {
	r := newSQLiteRecorder(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if err := r.Record(sampleRecord("msg-a", base, models.StatusSuccess)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := r.Summarize()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Total != 1 || stats.SuccessCount != 1 {
		t.Errorf("wrong statistics: %+v", stats)
	}

	out, err := r.Export(models.HistoryFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(string(out), "timestamp,source_id,") {
		t.Errorf("export missing fixed header: %q", out)
	}
	if !strings.Contains(string(out), "msg-a") {
		t.Error("export missing the record")
	}
}

func TestSQLiteRecorderRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteRecorder(""); err == nil {
		t.Error("expected error for empty DSN")
	}
}
