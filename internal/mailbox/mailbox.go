// Package mailbox provides the message source the processor polls.
//
// The Source interface is the collaborator boundary to the mailbox provider;
// the IMAP implementation below is the production source. Authentication
// flows beyond IMAP credentials are out of scope.
package mailbox

import (
	"context"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

// Source lists candidate messages and manages their consumed marker.
type Source interface {
	// Search returns unread messages matching the configured subject filter
	// that carry at least one attachment.
	Search(ctx context.Context) ([]models.CandidateMessage, error)

	// DownloadAttachment fetches the raw bytes of one attachment.
	DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)

	// MarkConsumed flags the message as handled at the source.
	MarkConsumed(ctx context.Context, messageID string) error
}
