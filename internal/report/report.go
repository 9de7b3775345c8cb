// Package report builds the daily statistics summary from the print history
// and delivers it through a notification transport.
package report

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PrintPipe/internal/history"
	"github.com/BTreeMap/PrintPipe/internal/models"
	"github.com/BTreeMap/PrintPipe/internal/notify"
)

// DefaultSubjectPrefix prefixes the report email subject.
const DefaultSubjectPrefix = "Daily Print Report"

// failedDetailLimit caps the number of failed job lines in the report.
const failedDetailLimit = 20

// Opts holds configuration options for the reporter.
type Opts struct {
	Recipients    []string
	SubjectPrefix string
	Now           func() time.Time
}

// Option defines a configuration option for the reporter.
type Option func(*Opts)

// WithRecipients sets the report recipients.
func WithRecipients(recipients []string) Option {
	return func(o *Opts) { o.Recipients = recipients }
}

// WithSubjectPrefix sets the report subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(o *Opts) { o.SubjectPrefix = prefix }
}

// WithNow injects the clock used to determine the report day.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Reporter composes and sends the daily statistics summary.
type Reporter struct {
	recorder  history.Recorder
	transport notify.Transport

	recipients    []string
	subjectPrefix string
	now           func() time.Time
}

// New creates a reporter over the given history recorder and transport.
func New(recorder history.Recorder, transport notify.Transport, opts ...Option) *Reporter {
	cfg := Opts{
		SubjectPrefix: DefaultSubjectPrefix,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Reporter{
		recorder:      recorder,
		transport:     transport,
		recipients:    cfg.Recipients,
		subjectPrefix: cfg.SubjectPrefix,
		now:           cfg.Now,
	}
}

// Send builds today's report and delivers it to the configured recipients.
func (r *Reporter) Send() error {
	if len(r.recipients) == 0 {
		slog.Warn("No report recipients configured, skipping daily report")
		return nil
	}

	now := r.now().UTC()
	all, err := r.recorder.Query(models.HistoryFilter{})
	if err != nil {
		return fmt.Errorf("failed to read print history: %w", err)
	}
	overall, err := r.recorder.Summarize()
	if err != nil {
		return fmt.Errorf("failed to summarize print history: %w", err)
	}

	today := recordsOn(all, now)
	body := render(today, overall, now)
	subject := fmt.Sprintf("%s - %s", r.subjectPrefix, now.Format("January 2, 2006"))

	if err := r.transport.Send(r.recipients, subject, body, nil); err != nil {
		return fmt.Errorf("failed to send daily report: %w", err)
	}
	slog.Info("Daily report sent", "recipients", len(r.recipients), "today_total", len(today))
	return nil
}

// recordsOn filters records whose timestamp falls on the same UTC day as ref.
func recordsOn(records []models.PrintRecord, ref time.Time) []models.PrintRecord {
	year, month, day := ref.Date()
	var out []models.PrintRecord
	for _, rec := range records {
		ry, rm, rd := rec.Timestamp.UTC().Date()
		if ry == year && rm == month && rd == day {
			out = append(out, rec)
		}
	}
	return out
}

func render(today []models.PrintRecord, overall models.Statistics, now time.Time) string {
	success := 0
	failed := 0
	var bytes int64
	var failures []models.PrintRecord
	for _, rec := range today {
		switch rec.Status {
		case models.StatusSuccess:
			success++
		case models.StatusFailed:
			failed++
			failures = append(failures, rec)
		}
		bytes += rec.SizeBytes
	}

	rate := 0.0
	if len(today) > 0 {
		rate = float64(success) / float64(len(today)) * 100
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily print report for %s\n\n", now.Format("Monday, January 2, 2006"))

	b.WriteString("Today's summary\n")
	fmt.Fprintf(&b, "  Total jobs:   %d\n", len(today))
	fmt.Fprintf(&b, "  Successful:   %d (%.1f%% success rate)\n", success, rate)
	fmt.Fprintf(&b, "  Failed:       %d\n", failed)
	fmt.Fprintf(&b, "  Total size:   %.2f MB\n", float64(bytes)/(1024*1024))

	if len(today) == 0 {
		b.WriteString("\nNo print jobs today.\n")
	}

	if len(failures) > 0 {
		b.WriteString("\nFailed jobs\n")
		shown := failures
		if len(shown) > failedDetailLimit {
			shown = shown[:failedDetailLimit]
		}
		for _, rec := range shown {
			name := rec.ArtifactName
			if name == "" {
				name = "(no attachment)"
			}
			fmt.Fprintf(&b, "  %s  %s: %s\n", rec.Timestamp.UTC().Format("15:04:05"), name, rec.ErrorText)
		}
		if len(failures) > failedDetailLimit {
			fmt.Fprintf(&b, "  ... and %d more\n", len(failures)-failedDetailLimit)
		}
	}

	b.WriteString("\nOverall statistics\n")
	fmt.Fprintf(&b, "  Total jobs:   %d\n", overall.Total)
	fmt.Fprintf(&b, "  Successful:   %d\n", overall.SuccessCount)
	fmt.Fprintf(&b, "  Failed:       %d\n", overall.FailureCount)
	fmt.Fprintf(&b, "  Total size:   %.2f MB\n", float64(overall.TotalBytes)/(1024*1024))

	return b.String()
}
