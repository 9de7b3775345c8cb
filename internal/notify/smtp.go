package notify

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

// sendFunc matches smtp.SendMail, allowing tests to record outgoing mail
// instead of opening a connection.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPTransport delivers alerts as MIME mail over SMTP, attaching the
// evidence file when one is present.
type SMTPTransport struct {
	addr     string
	from     string
	username string
	password string
	send     sendFunc
}

// NewSMTPTransport creates an SMTP transport. addr is host:port; username
// may be empty for unauthenticated relays.
func NewSMTPTransport(addr, from, username, password string) *SMTPTransport {
	return &SMTPTransport{
		addr:     addr,
		from:     from,
		username: username,
		password: password,
		send:     smtp.SendMail,
	}
}

// Send builds a multipart message with the alert body and optional evidence
// attachment and submits it to the configured relay.
func (t *SMTPTransport) Send(to []string, subject, body string, evidence *models.Attachment) error {
	if len(to) == 0 {
		return models.ErrNoRecipients
	}

	msg, err := t.compose(to, subject, body, evidence)
	if err != nil {
		return fmt.Errorf("failed to compose notification mail: %w", err)
	}

	var auth smtp.Auth
	if t.username != "" {
		host, _, err := net.SplitHostPort(t.addr)
		if err != nil {
			return fmt.Errorf("failed to split host port for smtp auth: %w", err)
		}
		auth = smtp.PlainAuth("", t.username, t.password, host)
	}
	if err := t.send(t.addr, auth, t.from, to, msg); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

func (t *SMTPTransport) compose(to []string, subject, body string, evidence *models.Attachment) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: t.from}})
	toList := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		toList = append(toList, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", toList)
	h.SetSubject(subject)
	h.Set("Message-Id", fmt.Sprintf("<%s@printpipe>", uuid.New().String()))

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, body); err != nil {
		tw.Close()
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	if evidence != nil {
		var ah mail.AttachmentHeader
		contentType := evidence.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		ah.SetFilename(evidence.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(evidence.Data); err != nil {
			aw.Close()
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
