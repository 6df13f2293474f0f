/*
Package channel abstracts the delivery providers (SMS and email).

PURPOSE:
  A Sender pushes one reward message to a recipient and returns the
  provider's message id. Failures are classified transient or permanent at
  this boundary so the dispatcher can decide between retrying and
  short-circuiting without inspecting provider internals.

CLASSIFICATION:
  Transient - rate limits (429), timeouts (408), 5xx, connection errors
  Permanent - any other 4xx (invalid phone number, provider hard-reject)

SEE ALSO:
  - sms.go, email.go: HTTP provider clients
  - engine/dispatch.go: Retry policy consuming this classification
*/
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Message is one reward delivery to a recipient.
type Message struct {
	Destination  string // phone number or email address
	BrandID      string
	Denomination decimal.Decimal
	CardCode     string
}

// SendError is a classified provider failure.
type SendError struct {
	Transient  bool
	StatusCode int
	Message    string
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s send failure (status %d): %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s send failure: %s", kind, e.Message)
}

// IsTransient reports whether the failure may succeed on retry. Unclassified
// errors are treated as permanent so the retry budget is never wasted on
// defects.
func IsTransient(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Transient
}

// Sender delivers one message, returning the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (providerMessageID string, err error)
}

// transientStatus classifies an HTTP status from a delivery provider.
func transientStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}
