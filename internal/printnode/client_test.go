package printnode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

func newTestClient(t *testing.T, apiURL string, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithAPIKey("test-key"),
		WithPrinterID(42),
		WithBaseURL(apiURL),
	}
	c, err := NewClient(append(base, opts...)...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func TestSubmitURL(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("%PDF-1.4 fake"))
	}))
	defer docs.Close()

	var got printJob
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/printjobs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, _, ok := r.BasicAuth()
		if !ok || user != "test-key" {
			t.Errorf("expected basic auth with API key as username")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode job payload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("473"))
	}))
	defer api.Close()

	c := newTestClient(t, api.URL)
	outcome, err := c.SubmitURL(context.Background(), docs.URL+"/a.pdf", "Batch Order Report - a.csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.JobID != 473 {
		t.Errorf("expected job id 473, got %d", outcome.JobID)
	}
	if outcome.SizeBytes != int64(len("%PDF-1.4 fake")) {
		t.Errorf("unexpected artifact size %d", outcome.SizeBytes)
	}

	if got.PrinterID != 42 {
		t.Errorf("expected printer id 42, got %d", got.PrinterID)
	}
	if got.ContentType != "pdf_base64" {
		t.Errorf("expected pdf_base64 content type, got %q", got.ContentType)
	}
	decoded, err := base64.StdEncoding.DecodeString(got.Content)
	if err != nil || string(decoded) != "%PDF-1.4 fake" {
		t.Errorf("content not base64 of the fetched document: %v", err)
	}
}

func TestSubmitURLProviderRejection(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("doc"))
	}))
	defer docs.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":"Forbidden","message":"API Key not valid"}`))
	}))
	defer api.Close()

	c := newTestClient(t, api.URL)
	_, err := c.SubmitURL(context.Background(), docs.URL, "title")
	var rej *models.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *models.RejectionError, got %v", err)
	}
	if rej.Code != http.StatusForbidden {
		t.Errorf("expected provider status 403, got %d", rej.Code)
	}
	// Provider detail must be preserved verbatim, never summarized away.
	if !strings.Contains(rej.Message, "API Key not valid") {
		t.Errorf("provider message lost: %q", rej.Message)
	}
}

func TestSubmitURLTooLarge(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer docs.Close()

	c := newTestClient(t, "http://unused.invalid", WithMaxArtifactSize(1024))
	_, err := c.SubmitURL(context.Background(), docs.URL, "title")
	var rej *models.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *models.RejectionError, got %v", err)
	}
	if !strings.Contains(rej.Message, "maximum artifact size") {
		t.Errorf("expected size-cap rejection, got %q", rej.Message)
	}
}

func TestSubmitURLFetchFailure(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer docs.Close()

	c := newTestClient(t, "http://unused.invalid")
	_, err := c.SubmitURL(context.Background(), docs.URL, "title")
	var rej *models.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected *models.RejectionError, got %v", err)
	}
	if rej.Code != http.StatusNotFound {
		t.Errorf("expected fetch status 404, got %d", rej.Code)
	}
}

func TestSubmitURLEmptyReference(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")
	_, err := c.SubmitURL(context.Background(), "", "title")
	if !errors.Is(err, models.ErrMissingReference) {
		t.Errorf("expected ErrMissingReference, got %v", err)
	}
}

func TestWhoamiAndVerifyPrinter(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/whoami":
			json.NewEncoder(w).Encode(whoami{Firstname: "Pat", Lastname: "Ops"})
		case "/printers":
			json.NewEncoder(w).Encode([]Printer{{ID: 42, Name: "Warehouse", State: "online"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer api.Close()

	c := newTestClient(t, api.URL)
	name, err := c.Whoami(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "Pat Ops" {
		t.Errorf("unexpected account name %q", name)
	}
	if err := c.VerifyPrinter(context.Background()); err != nil {
		t.Errorf("expected configured printer to verify: %v", err)
	}
}

func TestVerifyPrinterMissing(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Printer{{ID: 7, Name: "Other"}})
	}))
	defer api.Close()

	c := newTestClient(t, api.URL)
	if err := c.VerifyPrinter(context.Background()); err == nil {
		t.Error("expected missing printer to fail verification")
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Setenv("PRINTNODE_API_KEY", "")
	t.Setenv("PRINTNODE_PRINTER_ID", "")
	if _, err := NewClient(WithPrinterID(1)); err == nil {
		t.Error("expected error when API key is missing")
	}
	if _, err := NewClient(WithAPIKey("k")); err == nil {
		t.Error("expected error when printer id is missing")
	}
}
