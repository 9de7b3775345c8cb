package notify

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

const (
	// DefaultThreshold is the maximum number of alerts emitted per window.
	DefaultThreshold = 5
	// DefaultWindow is the sliding rate-limit window.
	DefaultWindow = 5 * time.Minute

	// DefaultSubjectTemplate renders the alert subject line.
	DefaultSubjectTemplate = "PrintPipe Service Error - Message ID: {source_id}"
	// DefaultBodyTemplate renders the alert body.
	DefaultBodyTemplate = `An error occurred while processing a message in the PrintPipe service.

Error Details:
--------------
{error_message}

Message ID: {source_id}

The problematic attachment is included with this notification (if available).

---
This is an automated notification from PrintPipe.`
)

// Opts holds configuration options for the notification gate.
type Opts struct {
	Recipients      []string
	Threshold       int
	Window          time.Duration
	SubjectTemplate string
	BodyTemplate    string
	Now             func() time.Time
}

// Option defines a configuration option for the notification gate.
type Option func(*Opts)

// WithRecipients sets the alert recipient list.
func WithRecipients(to []string) Option {
	return func(o *Opts) { o.Recipients = to }
}

// WithThreshold sets the maximum number of alerts per window.
func WithThreshold(n int) Option {
	return func(o *Opts) { o.Threshold = n }
}

// WithWindow sets the sliding rate-limit window.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) { o.Window = d }
}

// WithTemplates overrides the subject and body templates. Templates may use
// the {error_message} and {source_id} substitution points.
func WithTemplates(subject, body string) Option {
	return func(o *Opts) {
		if subject != "" {
			o.SubjectTemplate = subject
		}
		if body != "" {
			o.BodyTemplate = body
		}
	}
}

// WithNow injects the clock, enabling deterministic rate-limit tests.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Gate is a rate-limited alerting channel. It keeps a bounded history of
// emission timestamps; once the threshold is reached within the window,
// further alerts are suppressed until the oldest emission slides out.
type Gate struct {
	transport       Transport
	recipients      []string
	threshold       int
	window          time.Duration
	subjectTemplate string
	bodyTemplate    string
	now             func() time.Time

	// emissions holds the timestamps of successful sends inside the current
	// window, oldest first. Capacity never exceeds threshold.
	emissions []time.Time
}

// NewGate creates a notification gate delivering through the given transport.
func NewGate(transport Transport, opts ...Option) *Gate {
	cfg := Opts{
		Threshold:       DefaultThreshold,
		Window:          DefaultWindow,
		SubjectTemplate: DefaultSubjectTemplate,
		BodyTemplate:    DefaultBodyTemplate,
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Gate{
		transport:       transport,
		recipients:      cfg.Recipients,
		threshold:       cfg.Threshold,
		window:          cfg.Window,
		subjectTemplate: cfg.SubjectTemplate,
		bodyTemplate:    cfg.BodyTemplate,
		now:             cfg.Now,
	}
}

// Notify emits an alert for the given error unless the rate limit is
// exhausted. It returns whether an alert was actually delivered. Transport
// failures are logged and swallowed; a failed send is never counted against
// the window and never escalates to the caller.
func (g *Gate) Notify(errMsg, sourceID string, evidence *models.Attachment) bool {
	if len(g.recipients) == 0 {
		slog.Warn("No notification recipients configured, skipping alert", "source_id", sourceID)
		return false
	}

	now := g.now()
	g.purge(now)
	if len(g.emissions) >= g.threshold {
		slog.Warn("Notification suppressed by rate limit",
			"source_id", sourceID, "sent_in_window", len(g.emissions), "threshold", g.threshold, "window", g.window)
		return false
	}

	subject := g.render(g.subjectTemplate, errMsg, sourceID)
	body := g.render(g.bodyTemplate, errMsg, sourceID)

	if evidence != nil {
		clean := *evidence
		clean.Filename = SanitizeFilename(evidence.Filename)
		evidence = &clean
	}

	if err := g.transport.Send(g.recipients, subject, body, evidence); err != nil {
		slog.Error("Failed to send notification", "error", err, "source_id", sourceID)
		return false
	}

	g.emissions = append(g.emissions, now)
	slog.Info("Notification sent", "source_id", sourceID, "recipients", len(g.recipients), "sent_in_window", len(g.emissions))
	return true
}

// purge evicts emission timestamps that slid outside the window. Oldest
// entries leave before the threshold check.
func (g *Gate) purge(now time.Time) {
	cutoff := now.Add(-g.window)
	kept := g.emissions[:0]
	for _, ts := range g.emissions {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.emissions = kept
}

func (g *Gate) render(template, errMsg, sourceID string) string {
	return strings.NewReplacer(
		"{error_message}", errMsg,
		"{source_id}", sourceID,
	).Replace(template)
}

// SanitizeFilename strips carriage returns, line feeds, double quotes and
// other control characters from an attachment filename so it can be placed
// in a message header without enabling header injection. The remainder of
// the name is preserved.
func SanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
}
