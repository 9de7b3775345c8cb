package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

// DefaultMailboxName is the folder polled when none is configured.
const DefaultMailboxName = "INBOX"

// Opts holds configuration options for the IMAP source.
type Opts struct {
	Host          string
	Port          string
	Username      string
	Password      string
	TLS           bool
	Mailbox       string
	SubjectFilter string
	MaxResults    int
}

// Option defines a configuration option for the IMAP source.
type Option func(*Opts)

// WithServer sets the IMAP host and port.
func WithServer(host, port string) Option {
	return func(o *Opts) { o.Host, o.Port = host, port }
}

// WithCredentials sets the IMAP login.
func WithCredentials(username, password string) Option {
	return func(o *Opts) { o.Username, o.Password = username, password }
}

// WithTLS selects implicit TLS instead of STARTTLS.
func WithTLS(tls bool) Option {
	return func(o *Opts) { o.TLS = tls }
}

// WithMailbox overrides the polled folder.
func WithMailbox(name string) Option {
	return func(o *Opts) { o.Mailbox = name }
}

// WithSubjectFilter sets the subject substring candidates must match.
func WithSubjectFilter(filter string) Option {
	return func(o *Opts) { o.SubjectFilter = filter }
}

// WithMaxResults bounds the number of candidates per search.
func WithMaxResults(n int) Option {
	return func(o *Opts) { o.MaxResults = n }
}

// IMAPSource implements Source against an IMAP server. Each operation opens
// its own short-lived connection, the simplest arrangement for a poller that
// runs once a minute.
type IMAPSource struct {
	host          string
	port          string
	username      string
	password      string
	tls           bool
	mailbox       string
	subjectFilter string
	maxResults    int
}

var _ Source = (*IMAPSource)(nil)

// NewIMAPSource creates an IMAP source. Options missing from the argument
// list fall back to the IMAP_HOST, IMAP_PORT, IMAP_USERNAME and
// IMAP_PASSWORD environment variables.
func NewIMAPSource(opts ...Option) (*IMAPSource, error) {
	cfg := Opts{TLS: true, Mailbox: DefaultMailboxName, MaxResults: 20}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		cfg.Host = os.Getenv("IMAP_HOST")
	}
	if cfg.Port == "" {
		cfg.Port = os.Getenv("IMAP_PORT")
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("IMAP_USERNAME")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("IMAP_PASSWORD")
	}
	if cfg.Port == "" {
		cfg.Port = "993"
	}
	slog.Debug("IMAP source config loaded",
		"host", cfg.Host, "port", cfg.Port, "username_set", cfg.Username != "",
		"mailbox", cfg.Mailbox, "subject_filter", cfg.SubjectFilter)

	if cfg.Host == "" {
		return nil, fmt.Errorf("IMAP host must be provided")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("IMAP credentials must be provided")
	}

	return &IMAPSource{
		host:          cfg.Host,
		port:          cfg.Port,
		username:      cfg.Username,
		password:      cfg.Password,
		tls:           cfg.TLS,
		mailbox:       cfg.Mailbox,
		subjectFilter: cfg.SubjectFilter,
		maxResults:    cfg.MaxResults,
	}, nil
}

// connect dials, authenticates and selects the polled mailbox. The caller
// must Logout the returned client.
func (s *IMAPSource) connect(_ context.Context) (*imapclient.Client, error) {
	addr := s.host + ":" + s.port

	var client *imapclient.Client
	var err error
	if s.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(s.username, s.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authentication failed for %s: %w", s.username, err)
	}
	if _, err := client.Select(s.mailbox, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", s.mailbox, err)
	}
	return client, nil
}

// Search returns unseen messages matching the subject filter that carry at
// least one attachment.
func (s *IMAPSource) Search(ctx context.Context) ([]models.CandidateMessage, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	if s.subjectFilter != "" {
		criteria.Header = []imap.SearchCriteriaHeaderField{
			{Key: "Subject", Value: s.subjectFilter},
		}
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if s.maxResults > 0 && len(uids) > s.maxResults {
		uids = uids[len(uids)-s.maxResults:]
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	var candidates []models.CandidateMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			slog.Warn("Failed to collect message during search, skipping", "error", err)
			continue
		}

		candidate := candidateFromBuffer(buf, bodySection)
		if !candidate.HasAttachment {
			slog.Debug("Skipping candidate without attachments", "source_id", candidate.SourceID)
			continue
		}
		candidates = append(candidates, candidate)
	}
	if err := fetchCmd.Close(); err != nil {
		return candidates, fmt.Errorf("fetching candidates: %w", err)
	}

	slog.Info("Mailbox search complete", "candidates", len(candidates), "subject_filter", s.subjectFilter)
	return candidates, nil
}

// DownloadAttachment fetches one attachment's bytes. The attachment id is
// its filename within the message.
func (s *IMAPSource) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	uid, err := parseUID(messageID)
	if err != nil {
		return nil, err
	}

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uid), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message %s: %w", messageID, err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, fmt.Errorf("message %s has no body", messageID)
	}
	for _, att := range parseAttachments(raw) {
		if att.Filename == attachmentID {
			return att.Data, nil
		}
	}
	return nil, fmt.Errorf("attachment %q not found in message %s", attachmentID, messageID)
}

// MarkConsumed adds the \Seen flag so the message never matches the unseen
// search again.
func (s *IMAPSource) MarkConsumed(ctx context.Context, messageID string) error {
	uid, err := parseUID(messageID)
	if err != nil {
		return err
	}

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	storeCmd := client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("marking %s consumed: %w", messageID, err)
	}
	return nil
}

func parseUID(messageID string) (imap.UID, error) {
	n, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	return imap.UID(n), nil
}

// candidateFromBuffer maps a fetched message to a candidate, parsing the
// MIME body for attachment metadata.
func candidateFromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) models.CandidateMessage {
	candidate := models.CandidateMessage{
		SourceID: strconv.FormatUint(uint64(buf.UID), 10),
	}
	if buf.Envelope != nil {
		candidate.Subject = buf.Envelope.Subject
	}
	for _, flag := range buf.Flags {
		if flag == imap.FlagSeen {
			candidate.Consumed = true
		}
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return candidate
	}
	for _, att := range parseAttachments(raw) {
		candidate.Attachments = append(candidate.Attachments, models.AttachmentInfo{
			ID:          att.Filename,
			Filename:    att.Filename,
			ContentType: att.ContentType,
		})
	}
	candidate.HasAttachment = len(candidate.Attachments) > 0
	return candidate
}

// parseAttachments walks a raw RFC 2822 body and returns its attachments.
func parseAttachments(raw []byte) []models.Attachment {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		slog.Debug("Failed to parse MIME body", "error", err)
		return nil
	}
	defer mr.Close()

	var attachments []models.Attachment
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, _ := header.Filename()
		contentType, _, _ := header.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			slog.Warn("Failed to read attachment body", "filename", filename, "error", err)
			continue
		}
		attachments = append(attachments, models.Attachment{
			Filename:    strings.TrimSpace(filename),
			ContentType: contentType,
			Data:        data,
		})
	}
	return attachments
}
