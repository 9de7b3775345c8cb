// Package notify provides rate-limited failure alerting.
//
// A Gate wraps a delivery Transport with a sliding-window rate limit and the
// subject/body templating used for error alerts. Transports are pluggable:
// SMTP mail (with the offending attachment as evidence) and Twilio SMS are
// provided.
package notify

import "github.com/BTreeMap/PrintPipe/internal/models"

// Transport delivers a rendered alert to its recipients. Evidence may be nil
// when the failure produced no attachment; transports that cannot carry an
// attachment drop it.
type Transport interface {
	Send(to []string, subject, body string, evidence *models.Attachment) error
}
