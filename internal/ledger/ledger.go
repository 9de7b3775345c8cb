// Package ledger provides the durable idempotency set of already-handled
// message ids.
//
// The ledger is a plain text file with one message id per line, appended and
// flushed after each terminal message so the set survives process restarts.
// The processor is the only writer; no internal locking is needed beyond the
// process-level lockfile.
package ledger

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

// Ledger is a file-backed set of handled message ids.
type Ledger struct {
	path    string
	file    *os.File
	entries map[string]struct{}
}

// New opens (creating if necessary) the ledger file at path and loads the
// full set of handled ids. A trailing line without a terminating newline is
// the mark of an interrupted write; it is discarded alone and the rest of
// the ledger is kept.
func New(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	entries, damaged, validLen, err := load(path)
	if err != nil {
		return nil, err
	}
	if damaged != "" {
		// Drop the fragment on disk too, so the next append starts a fresh line.
		if err := os.Truncate(path, validLen); err != nil {
			return nil, &models.PersistenceError{Path: path, Err: err}
		}
		slog.Warn("Ledger discarded damaged trailing entry", "path", path, "entry", damaged)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &models.PersistenceError{Path: path, Err: err}
	}

	slog.Debug("Ledger loaded", "path", path, "entries", len(entries))
	return &Ledger{path: path, file: file, entries: entries}, nil
}

// load reads all complete lines of the ledger file. It returns the parsed
// set, the damaged trailing fragment (if any), and the byte length of the
// valid prefix.
func load(path string) (map[string]struct{}, string, int64, error) {
	entries := make(map[string]struct{})

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return entries, "", 0, nil
	}
	if err != nil {
		return nil, "", 0, &models.PersistenceError{Path: path, Err: err}
	}

	damaged := ""
	if len(data) > 0 && data[len(data)-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n')
		damaged = string(data[cut+1:])
		data = data[:cut+1]
	}

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		id := string(bytes.TrimSpace(line))
		if id == "" {
			continue
		}
		entries[id] = struct{}{}
	}
	return entries, damaged, int64(len(data)), nil
}

// Contains reports whether the message id has already been handled.
func (l *Ledger) Contains(id string) bool {
	_, ok := l.entries[id]
	return ok
}

// Add durably records a handled message id. Insertion is idempotent. The
// append is flushed before the in-memory set is updated; on write failure the
// caller must not mark the message consumed at the source.
func (l *Ledger) Add(id string) error {
	if id == "" {
		return models.ErrEmptyMessageID
	}
	if l.Contains(id) {
		return nil
	}

	if _, err := l.file.WriteString(id + "\n"); err != nil {
		return &models.PersistenceError{Path: l.path, Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return &models.PersistenceError{Path: l.path, Err: err}
	}

	l.entries[id] = struct{}{}
	slog.Debug("Ledger entry added", "id", id, "entries", len(l.entries))
	return nil
}

// Len returns the number of handled message ids.
func (l *Ledger) Len() int { return len(l.entries) }

// Close releases the underlying file handle.
func (l *Ledger) Close() error { return l.file.Close() }
