package notify

import (
	"errors"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

type fakeSMS struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeSMS) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.params = append(f.params, params)
	return &twilioApi.ApiV2010Message{}, nil
}

func TestTwilioSend(t *testing.T) {
	sms := &fakeSMS{}
	tr := &TwilioTransport{api: sms, from: "+15550100"}

	evidence := &models.Attachment{Filename: "report.csv", Data: []byte("x")}
	err := tr.Send([]string{"+15550111", "+15550122"}, "PrintPipe Error", "details", evidence)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sms.params) != 2 {
		t.Fatalf("expected one SMS per recipient, got %d", len(sms.params))
	}
	if got := *sms.params[0].To; got != "+15550111" {
		t.Errorf("unexpected recipient %q", got)
	}
	if got := *sms.params[0].From; got != "+15550100" {
		t.Errorf("unexpected sender %q", got)
	}
	if got := *sms.params[0].Body; got != "PrintPipe Error\n\ndetails" {
		t.Errorf("unexpected body %q", got)
	}
}

func TestTwilioSendFixedNumbersOverrideRecipients(t *testing.T) {
	sms := &fakeSMS{}
	tr := &TwilioTransport{api: sms, from: "+15550100", to: []string{"+15550133"}}

	// The passed list holds email addresses when the transport runs beside
	// an email channel; the configured numbers take precedence.
	if err := tr.Send([]string{"ops@example.com"}, "s", "b", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sms.params) != 1 {
		t.Fatalf("expected 1 SMS, got %d", len(sms.params))
	}
	if got := *sms.params[0].To; got != "+15550133" {
		t.Errorf("unexpected recipient %q", got)
	}
}

func TestTwilioSendFailure(t *testing.T) {
	sms := &fakeSMS{err: errors.New("unreachable")}
	tr := &TwilioTransport{api: sms, from: "+15550100"}
	if err := tr.Send([]string{"+15550111"}, "s", "b", nil); err == nil {
		t.Error("expected send failure to propagate")
	}
}

func TestNewTwilioTransportValidation(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioTransport(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioTransport(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	tr, err := NewTwilioTransport(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.from != "+15550100" {
		t.Errorf("unexpected from number %q", tr.from)
	}
}
