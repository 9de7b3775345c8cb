package notify

import (
	"errors"

	"github.com/BTreeMap/PrintPipe/internal/models"
)

// MultiTransport fans one alert out to several transports. Every transport
// is attempted; their errors are joined so one failing channel never
// silences the others.
type MultiTransport struct {
	transports []Transport
}

var _ Transport = (*MultiTransport)(nil)

// Multi combines transports into one.
func Multi(transports ...Transport) *MultiTransport {
	return &MultiTransport{transports: transports}
}

// Send delivers the alert on every channel.
func (m *MultiTransport) Send(to []string, subject, body string, evidence *models.Attachment) error {
	var errs []error
	for _, t := range m.transports {
		if err := t.Send(to, subject, body, evidence); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
