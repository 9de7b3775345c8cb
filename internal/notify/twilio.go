package notify

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

// smsSender is the slice of the Twilio REST client the transport uses,
// extracted so tests can substitute a fake.
type smsSender interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioOpts holds configuration options for the Twilio SMS transport.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	ToNumbers  []string
}

// TwilioOption defines a configuration option for the Twilio SMS transport.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// WithToNumbers sets fixed destination phone numbers. When set they replace
// the recipient list passed to Send, which otherwise holds email addresses
// when the transport runs alongside an email channel.
func WithToNumbers(numbers []string) TwilioOption {
	return func(o *TwilioOpts) { o.ToNumbers = numbers }
}

// TwilioTransport delivers alerts as SMS messages. SMS cannot carry the
// evidence attachment; it is dropped with a debug log.
type TwilioTransport struct {
	api  smsSender
	from string
	to   []string
}

// NewTwilioTransport creates an SMS transport. Options missing from the
// argument list fall back to the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and
// TWILIO_FROM_NUMBER environment variables.
func NewTwilioTransport(opts ...TwilioOption) (*TwilioTransport, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio transport config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioTransport{api: client.Api, from: cfg.FromNumber, to: cfg.ToNumbers}, nil
}

// Send delivers the alert to each recipient phone number.
func (t *TwilioTransport) Send(to []string, subject, body string, evidence *models.Attachment) error {
	if len(t.to) > 0 {
		to = t.to
	}
	if len(to) == 0 {
		return models.ErrNoRecipients
	}
	if evidence != nil {
		slog.Debug("SMS transport dropping evidence attachment", "filename", evidence.Filename)
	}

	text := subject + "\n\n" + body
	for _, recipient := range to {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(recipient)
		params.SetFrom(t.from)
		params.SetBody(text)

		if _, err := t.api.CreateMessage(params); err != nil {
			return fmt.Errorf("failed to send SMS to %s: %w", recipient, err)
		}
		slog.Debug("SMS alert sent", "to", recipient)
	}
	return nil
}
