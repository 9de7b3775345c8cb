package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

func TestAddAndContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.txt")
	l, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	if l.Contains("msg-1") {
		t.Error("empty ledger should not contain msg-1")
	}
	if err := l.Add("msg-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !l.Contains("msg-1") {
		t.Error("ledger should contain msg-1 after Add")
	}

	// Idempotent insertion must not duplicate the entry on disk.
	if err := l.Add("msg-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "msg-1\n" {
		t.Errorf("unexpected file content: %q", data)
	}
}

func TestAddEmptyID(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "ledger.txt"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	if err := l.Add(""); !errors.Is(err, models.ErrEmptyMessageID) {
		t.Errorf("expected ErrEmptyMessageID, got %v", err)
	}
}

func TestSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.txt")
	l, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := l.Add(id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	l.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reopened.Close()
	for _, id := range []string{"a", "b", "c"} {
		if !reopened.Contains(id) {
			t.Errorf("reopened ledger missing %q", id)
		}
	}
	if reopened.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", reopened.Len())
	}
}

func TestDamagedTrailingEntryDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.txt")
	// Simulate a crash mid-append: the last line has no terminating newline.
	if err := os.WriteFile(path, []byte("a\nb\npartial-i"), 0644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	if !l.Contains("a") || !l.Contains("b") {
		t.Error("complete entries must survive damaged-tail recovery")
	}
	if l.Contains("partial-i") {
		t.Error("damaged trailing entry must be discarded")
	}

	// A subsequent Add must append cleanly after the damaged fragment.
	if err := l.Add("c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reopened, err := New(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer reopened.Close()
	if !reopened.Contains("c") {
		t.Error("entry added after recovery should persist")
	}
}
