// Package printnode wraps the PrintNode REST API for remote print dispatch.
//
// The client performs a single boundary call per document: it fetches the
// referenced document fully into memory (bounded by a configured maximum
// size), base64-encodes it, and submits it to the print queue. It carries no
// retry logic; retry policy is the processor's concern.
package printnode

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

const (
	// DefaultBaseURL is the production PrintNode API endpoint.
	DefaultBaseURL = "https://api.printnode.com"
	// DefaultMaxArtifactSize bounds the in-memory document fetch (50 MiB).
	DefaultMaxArtifactSize = 50 << 20
	// DefaultTimeout is the HTTP client timeout when none is injected.
	DefaultTimeout = 60 * time.Second
	// jobSource identifies submitted jobs in the PrintNode dashboard.
	jobSource = "PrintPipe"
)

// Opts holds configuration options for the PrintNode client.
type Opts struct {
	APIKey          string
	PrinterID       int64
	BaseURL         string
	MaxArtifactSize int64
	HTTPClient      *http.Client
}

// Option defines a configuration option for the PrintNode client.
type Option func(*Opts)

// WithAPIKey sets the PrintNode API key used as the basic auth username.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithPrinterID sets the target printer.
func WithPrinterID(id int64) Option {
	return func(o *Opts) { o.PrinterID = id }
}

// WithBaseURL overrides the API endpoint (used by tests and proxies).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(url, "/") }
}

// WithMaxArtifactSize bounds the size of a fetched document in bytes.
func WithMaxArtifactSize(n int64) Option {
	return func(o *Opts) { o.MaxArtifactSize = n }
}

// WithHTTPClient injects the HTTP client used for both the document fetch
// and the queue submission.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client submits documents to a PrintNode-compatible print queue.
type Client struct {
	apiKey    string
	printerID int64
	baseURL   string
	maxSize   int64
	http      *http.Client
}

// NewClient creates a PrintNode client. Options missing from the argument
// list fall back to the PRINTNODE_API_KEY and PRINTNODE_PRINTER_ID
// environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("PRINTNODE_API_KEY")
	}
	if cfg.PrinterID == 0 {
		if v := os.Getenv("PRINTNODE_PRINTER_ID"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid PRINTNODE_PRINTER_ID %q: %w", v, err)
			}
			cfg.PrinterID = id
		}
	}
	slog.Debug("PrintNode client config loaded",
		"APIKey_set", cfg.APIKey != "",
		"PrinterID", cfg.PrinterID,
		"BaseURL", cfg.BaseURL)

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("PrintNode API key must be provided")
	}
	if cfg.PrinterID == 0 {
		return nil, fmt.Errorf("PrintNode printer id must be provided")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxArtifactSize <= 0 {
		cfg.MaxArtifactSize = DefaultMaxArtifactSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}

	return &Client{
		apiKey:    cfg.APIKey,
		printerID: cfg.PrinterID,
		baseURL:   cfg.BaseURL,
		maxSize:   cfg.MaxArtifactSize,
		http:      cfg.HTTPClient,
	}, nil
}

// printJob is the PrintNode job submission payload.
type printJob struct {
	PrinterID   int64  `json:"printerId"`
	Title       string `json:"title"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	Source      string `json:"source"`
}

// Printer describes one printer attached to the PrintNode account.
type Printer struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// whoami is the subset of the /whoami response the client cares about.
type whoami struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
}

// SubmitURL fetches the referenced document and submits it to the queue.
// Any failure surfaces as a *models.RejectionError carrying the provider's
// status and message verbatim; the call is never retried here.
func (c *Client) SubmitURL(ctx context.Context, reference, title string) (models.DispatchOutcome, error) {
	if reference == "" {
		return models.DispatchOutcome{}, models.ErrMissingReference
	}

	content, err := c.fetchDocument(ctx, reference)
	if err != nil {
		return models.DispatchOutcome{}, err
	}
	slog.Info("Downloaded document", "reference", reference, "size_bytes", len(content))

	job := printJob{
		PrinterID:   c.printerID,
		Title:       title,
		ContentType: "pdf_base64",
		Content:     base64.StdEncoding.EncodeToString(content),
		Source:      jobSource,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return models.DispatchOutcome{}, fmt.Errorf("failed to encode print job: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/printjobs", bytes.NewReader(body))
	if err != nil {
		return models.DispatchOutcome{}, &models.RejectionError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.DispatchOutcome{}, &models.RejectionError{
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(string(respBody)),
		}
	}

	// A successful submission returns the bare job id as a JSON number.
	var jobID int64
	if err := json.Unmarshal(bytes.TrimSpace(respBody), &jobID); err != nil {
		return models.DispatchOutcome{}, &models.RejectionError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("unparseable job id in response %q", respBody),
		}
	}

	slog.Info("Print job submitted", "job_id", jobID, "printer_id", c.printerID, "title", title)
	return models.DispatchOutcome{JobID: jobID, SizeBytes: int64(len(content))}, nil
}

// fetchDocument downloads the referenced document, enforcing the artifact
// size cap.
func (c *Client) fetchDocument(ctx context.Context, reference string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reference, nil)
	if err != nil {
		return nil, &models.RejectionError{Message: fmt.Sprintf("invalid document reference: %v", err)}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.RejectionError{Message: fmt.Sprintf("failed to fetch document: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &models.RejectionError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("document fetch failed: %s", strings.TrimSpace(string(body))),
		}
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, &models.RejectionError{Message: fmt.Sprintf("failed to read document: %v", err)}
	}
	if int64(len(content)) > c.maxSize {
		return nil, &models.RejectionError{
			Message: fmt.Sprintf("document exceeds maximum artifact size of %d bytes", c.maxSize),
		}
	}
	return content, nil
}

// Whoami checks API connectivity and credentials, returning the account
// holder's name.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/whoami", nil)
	if err != nil {
		return "", fmt.Errorf("PrintNode connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("PrintNode whoami returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var who whoami
	if err := json.NewDecoder(resp.Body).Decode(&who); err != nil {
		return "", fmt.Errorf("failed to decode whoami response: %w", err)
	}
	return strings.TrimSpace(who.Firstname + " " + who.Lastname), nil
}

// Printers lists the printers attached to the account.
func (c *Client) Printers(ctx context.Context) ([]Printer, error) {
	resp, err := c.do(ctx, http.MethodGet, "/printers", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch printers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("PrintNode printers returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var printers []Printer
	if err := json.NewDecoder(resp.Body).Decode(&printers); err != nil {
		return nil, fmt.Errorf("failed to decode printers response: %w", err)
	}
	return printers, nil
}

// VerifyPrinter checks that the configured printer exists on the account.
func (c *Client) VerifyPrinter(ctx context.Context) error {
	printers, err := c.Printers(ctx)
	if err != nil {
		return err
	}
	for _, p := range printers {
		if p.ID == c.printerID {
			slog.Info("Printer is available", "printer_id", p.ID, "name", p.Name, "state", p.State)
			return nil
		}
	}
	return fmt.Errorf("printer id %d not found among %d printers", c.printerID, len(printers))
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.apiKey, "")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}
