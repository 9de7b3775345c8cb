// Package models defines the core data structures for PrintPipe.
//
// It includes types for candidate messages, extraction and dispatch results,
// and the print history records shared across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// PrintStatus describes the terminal outcome of one dispatch attempt.
type PrintStatus string

const (
	// StatusSuccess marks a record whose document was submitted to the queue.
	StatusSuccess PrintStatus = "success"
	// StatusFailed marks a record whose processing ended in a permanent failure.
	StatusFailed PrintStatus = "failed"
)

// ExtractionReason classifies why a reference could not be extracted.
type ExtractionReason string

const (
	// ExtractEmptyOrMissing indicates a missing column, empty table, or empty cell.
	ExtractEmptyOrMissing ExtractionReason = "empty_or_missing"
	// ExtractInvalidFormat indicates a cell value that is not an accepted URL.
	ExtractInvalidFormat ExtractionReason = "invalid_format"
	// ExtractDecodeError indicates an unreadable or malformed table.
	ExtractDecodeError ExtractionReason = "decode_error"
	// ExtractNoAttachment indicates the message carried no tabular attachment.
	ExtractNoAttachment ExtractionReason = "no_attachment"
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessageID   = errors.New("message id cannot be empty")
	ErrNoRecipients     = errors.New("no notification recipients configured")
	ErrMissingReference = errors.New("document reference cannot be empty")
)

// AttachmentInfo identifies an attachment on a candidate message before its
// bytes have been downloaded.
type AttachmentInfo struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// CandidateMessage is an inbox item matching the subject/attachment filter,
// not yet known to be processed. It is immutable once fetched; the core only
// marks it consumed at the source after terminal handling.
type CandidateMessage struct {
	SourceID      string           `json:"source_id"`
	Subject       string           `json:"subject"`
	HasAttachment bool             `json:"has_attachment"`
	Attachments   []AttachmentInfo `json:"attachments"`
	Consumed      bool             `json:"consumed"`
}

// Attachment holds the downloaded bytes of one message attachment. It is
// owned by the processing of a single candidate message and discarded after
// extraction, except when forwarded as evidence on a failure notification.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DispatchOutcome reports a successful submission to the remote print queue.
type DispatchOutcome struct {
	JobID     int64
	SizeBytes int64
}

// PrintRecord is one entry in the append-only print history.
// JobID is 0 when no job was created. ErrorText is set iff Status is failed.
type PrintRecord struct {
	Timestamp    time.Time   `json:"timestamp"`
	SourceID     string      `json:"source_id"`
	ArtifactName string      `json:"artifact_name"`
	Reference    string      `json:"reference"`
	SizeBytes    int64       `json:"size_bytes"`
	JobID        int64       `json:"job_id"`
	Status       PrintStatus `json:"status"`
	ErrorText    string      `json:"error_text,omitempty"`
}

// HistoryFilter narrows history queries. A zero value selects everything.
type HistoryFilter struct {
	Status PrintStatus // empty selects all statuses
	Limit  int         // 0 means no limit
}

// Statistics summarizes the print history.
type Statistics struct {
	Total        int       `json:"total"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	TotalBytes   int64     `json:"total_bytes"`
	EarliestTS   time.Time `json:"earliest_ts"`
	LatestTS     time.Time `json:"latest_ts"`
}

// ExtractionError reports why a document reference could not be resolved
// from a tabular attachment.
type ExtractionError struct {
	Reason ExtractionReason
	Detail string
}

func (e *ExtractionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("extraction failed: %s", e.Reason)
	}
	return fmt.Sprintf("extraction failed: %s: %s", e.Reason, e.Detail)
}

// RejectionError reports a refused dispatch. Code is the provider HTTP status
// (0 when the request never reached the provider) and Message preserves the
// provider's own status/message verbatim.
type RejectionError struct {
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("dispatch rejected: %s", e.Message)
	}
	return fmt.Sprintf("dispatch rejected: status %d: %s", e.Code, e.Message)
}

// PersistenceError reports an unwritable or unreadable backing store.
// Ledger persistence failures are fatal to the affected message's completion;
// history persistence failures are logged and advisory.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure on %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidStatus checks if the given print status is supported.
func IsValidStatus(s PrintStatus) bool {
	switch s {
	case StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}
