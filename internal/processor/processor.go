// Package processor drives candidate messages through the processing state
// machine: fetch, filter, extract, dispatch, record, notify, consume.
//
// The policy is at-most-once: every message that enters the state machine
// reaches a terminal state in the same pass, is recorded in the history and
// the idempotency ledger exactly once, and is never retried. No failure of
// one message may prevent the rest of the batch from being attempted.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PrintPipe/internal/extract"
	"github.com/BTreeMap/PrintPipe/internal/history"
	"github.com/BTreeMap/PrintPipe/internal/mailbox"
	"github.com/BTreeMap/PrintPipe/internal/models"
)

const (
	// DefaultAttachmentExt selects the tabular attachment on a candidate.
	DefaultAttachmentExt = ".csv"
	// DefaultTitlePrefix prefixes print job titles.
	DefaultTitlePrefix = "Batch Order Report"
)

// Dispatcher submits a resolved reference to the remote print queue.
type Dispatcher interface {
	SubmitURL(ctx context.Context, reference, title string) (models.DispatchOutcome, error)
}

// SetupVerifier is implemented by dispatchers that can check their account
// and printer configuration up front.
type SetupVerifier interface {
	Whoami(ctx context.Context) (string, error)
	VerifyPrinter(ctx context.Context) error
}

// Notifier is the rate-limited alerting channel consulted on failures.
type Notifier interface {
	Notify(errMsg, sourceID string, evidence *models.Attachment) bool
}

// Ledger is the idempotency set of handled message ids.
type Ledger interface {
	Contains(id string) bool
	Add(id string) error
}

// Opts holds configuration options for the processor.
type Opts struct {
	Column        string
	AttachmentExt string
	TitlePrefix   string
	Now           func() time.Time
}

// Option defines a configuration option for the processor.
type Option func(*Opts)

// WithColumn sets the extraction column letter.
func WithColumn(column string) Option {
	return func(o *Opts) { o.Column = column }
}

// WithAttachmentExt sets the attachment filename extension to select.
func WithAttachmentExt(ext string) Option {
	return func(o *Opts) { o.AttachmentExt = ext }
}

// WithTitlePrefix sets the print job title prefix.
func WithTitlePrefix(prefix string) Option {
	return func(o *Opts) { o.TitlePrefix = prefix }
}

// WithNow injects the clock used for history timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Processor coordinates the mailbox source, ledger, extractor, dispatcher,
// history recorder and notification gate for one batch at a time.
type Processor struct {
	source     mailbox.Source
	ledger     Ledger
	dispatcher Dispatcher
	recorder   history.Recorder
	notifier   Notifier

	column        string
	attachmentExt string
	titlePrefix   string
	now           func() time.Time
}

// New creates a processor over the given collaborators.
func New(source mailbox.Source, ledger Ledger, dispatcher Dispatcher, recorder history.Recorder, notifier Notifier, opts ...Option) *Processor {
	cfg := Opts{
		Column:        extract.DefaultColumn,
		AttachmentExt: DefaultAttachmentExt,
		TitlePrefix:   DefaultTitlePrefix,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Processor{
		source:        source,
		ledger:        ledger,
		dispatcher:    dispatcher,
		recorder:      recorder,
		notifier:      notifier,
		column:        cfg.Column,
		attachmentExt: strings.ToLower(cfg.AttachmentExt),
		titlePrefix:   cfg.TitlePrefix,
		now:           cfg.Now,
	}
}

// VerifySetup confirms the print queue credentials and printer before the
// first cycle, when the dispatcher supports it.
func (p *Processor) VerifySetup(ctx context.Context) error {
	verifier, ok := p.dispatcher.(SetupVerifier)
	if !ok {
		return nil
	}
	account, err := verifier.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("print queue account check failed: %w", err)
	}
	if err := verifier.VerifyPrinter(ctx); err != nil {
		return fmt.Errorf("printer verification failed: %w", err)
	}
	slog.Info("Print queue verified", "account", account)
	return nil
}

// RunOnce executes a single processing cycle over the current candidate
// batch. A mailbox search failure aborts the cycle with an error; the caller
// logs it and retries on the next tick. Failures of individual messages are
// terminal for those messages and never abort the batch.
func (p *Processor) RunOnce(ctx context.Context) error {
	candidates, err := p.source.Search(ctx)
	if err != nil {
		return fmt.Errorf("mailbox search failed: %w", err)
	}
	if len(candidates) == 0 {
		slog.Info("No new messages found")
		return nil
	}

	processed := 0
	printed := 0
	for _, candidate := range candidates {
		if p.ledger.Contains(candidate.SourceID) {
			slog.Debug("Message already processed, skipping", "source_id", candidate.SourceID)
			continue
		}
		if candidate.Consumed {
			slog.Debug("Message already consumed at source, skipping", "source_id", candidate.SourceID)
			continue
		}

		slog.Info("Processing message", "source_id", candidate.SourceID, "subject", candidate.Subject)
		if p.process(ctx, candidate) {
			printed++
		}
		processed++
	}

	slog.Info("Processing cycle complete", "candidates", len(candidates), "processed", processed, "printed", printed)
	return nil
}

// process drives one candidate to a terminal state. Panics are contained
// here and routed through the generic failure path, so a single malformed
// message can never halt the polling loop.
func (p *Processor) process(ctx context.Context, msg models.CandidateMessage) (success bool) {
	var artifactName string
	var evidence *models.Attachment

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered from panic while processing message", "source_id", msg.SourceID, "panic", r)
			p.finishFailed(ctx, msg, artifactName, "", evidence, fmt.Sprintf("unexpected error: %v", r))
			success = false
		}
	}()

	info, ok := p.selectAttachment(msg)
	if !ok {
		err := &models.ExtractionError{
			Reason: models.ExtractNoAttachment,
			Detail: fmt.Sprintf("no %s attachment found", p.attachmentExt),
		}
		p.finishFailed(ctx, msg, "", "", nil, err.Error())
		return false
	}
	artifactName = info.Filename

	data, err := p.source.DownloadAttachment(ctx, msg.SourceID, info.ID)
	if err != nil {
		p.finishFailed(ctx, msg, artifactName, "", nil, fmt.Sprintf("failed to download attachment: %v", err))
		return false
	}
	evidence = &models.Attachment{Filename: info.Filename, ContentType: info.ContentType, Data: data}

	reference, err := extract.Extract(data, p.column)
	if err != nil {
		p.finishFailed(ctx, msg, artifactName, "", evidence, err.Error())
		return false
	}

	title := p.titlePrefix + " - " + info.Filename
	outcome, err := p.dispatcher.SubmitURL(ctx, reference, title)
	if err != nil {
		p.finishFailed(ctx, msg, artifactName, reference, evidence, err.Error())
		return false
	}

	p.record(models.PrintRecord{
		Timestamp:    p.now(),
		SourceID:     msg.SourceID,
		ArtifactName: artifactName,
		Reference:    reference,
		SizeBytes:    outcome.SizeBytes,
		JobID:        outcome.JobID,
		Status:       models.StatusSuccess,
	})
	p.complete(ctx, msg)
	slog.Info("Message processed successfully", "source_id", msg.SourceID, "job_id", outcome.JobID)
	return true
}

// selectAttachment picks the first attachment carrying the expected tabular
// extension.
func (p *Processor) selectAttachment(msg models.CandidateMessage) (models.AttachmentInfo, bool) {
	for _, att := range msg.Attachments {
		if strings.HasSuffix(strings.ToLower(att.Filename), p.attachmentExt) {
			return att, true
		}
	}
	return models.AttachmentInfo{}, false
}

// finishFailed runs the failure path: notify (rate-limit permitting), write
// the failed history record, then complete the message. Notification and
// history failures are logged and never block completion.
func (p *Processor) finishFailed(ctx context.Context, msg models.CandidateMessage, artifactName, reference string, evidence *models.Attachment, errText string) {
	slog.Error("Message processing failed", "source_id", msg.SourceID, "error", errText)

	p.notifier.Notify(errText, msg.SourceID, evidence)

	p.record(models.PrintRecord{
		Timestamp:    p.now(),
		SourceID:     msg.SourceID,
		ArtifactName: artifactName,
		Reference:    reference,
		JobID:        0,
		Status:       models.StatusFailed,
		ErrorText:    errText,
	})
	p.complete(ctx, msg)
}

// record appends a history entry. History is advisory: persistence failures
// are logged, never fatal to the message.
func (p *Processor) record(rec models.PrintRecord) {
	if err := p.recorder.Record(rec); err != nil {
		slog.Error("Failed to write history record", "error", err, "source_id", rec.SourceID)
	}
}

// complete durably adds the ledger entry, then marks the message consumed at
// the source. If the ledger write fails the message is left unconsumed so it
// is reattempted next cycle; marking consumed without a durable ledger entry
// would risk a silent permanent skip.
func (p *Processor) complete(ctx context.Context, msg models.CandidateMessage) {
	if err := p.ledger.Add(msg.SourceID); err != nil {
		slog.Error("Ledger write failed, leaving message unconsumed for reprocessing", "error", err, "source_id", msg.SourceID)
		return
	}
	if err := p.source.MarkConsumed(ctx, msg.SourceID); err != nil {
		// The ledger entry already filters this message from future batches.
		slog.Error("Failed to mark message consumed at source", "error", err, "source_id", msg.SourceID)
	}
}
