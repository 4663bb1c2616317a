// Package webhook implements the outbound delivery queue: registration of
// webhook targets, HMAC-signed dispatch, exponential-backoff retries, and a
// dead-letter store for exhausted deliveries.
package webhook

import "time"

// Status is a delivery's position in its lifecycle. Transitions are
// monotonic except for the explicit dead-letter retry, which re-enters
// PENDING with the attempt counter reset.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRetrying   Status = "RETRYING"
	StatusDelivered  Status = "DELIVERED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// RetryPolicy controls retry pacing for one webhook. Delay after attempt n
// is min(MaxDelay, InitialDelay * BackoffMultiplier^(n-1)).
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`

	// DeadLetterOnTimeout dead-letters a delivery on its first timed-out
	// attempt instead of retrying it. The zero value keeps timeouts
	// retryable like any other failure.
	DeadLetterOnTimeout bool `json:"dead_letter_on_timeout"`
}

// DefaultRetryPolicy is applied to registrations that leave the policy empty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// DefaultSignatureHeader carries the HMAC signature unless the
// configuration names another header.
const DefaultSignatureHeader = "X-DataHub-Signature"

// Config is a registered webhook target.
type Config struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Method string `json:"method"`

	// Secret, when set, enables HMAC-SHA256 signing of the payload.
	Secret          string `json:"secret"`
	SignatureHeader string `json:"signature_header"`

	Retry   RetryPolicy `json:"retry"`
	Enabled bool        `json:"enabled"`

	// LastUsedAt orders configs for least-recently-used eviction.
	LastUsedAt time.Time `json:"last_used_at"`
}

// Delivery is one webhook send and its attempt history.
type Delivery struct {
	ID        string            `json:"id"`
	WebhookID string            `json:"webhook_id"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Payload   []byte            `json:"payload"`

	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`

	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`

	ResponseStatus int    `json:"response_status,omitempty"`
	ResponseBody   string `json:"response_body,omitempty"`
	Error          string `json:"error,omitempty"`

	// retry is the policy snapshot taken at send time, so a later config
	// eviction cannot change an in-flight delivery's pacing.
	retry RetryPolicy
}

// clone returns a copy safe to hand to callers while the queue keeps
// mutating the original.
func (d *Delivery) clone() *Delivery {
	copied := *d
	if d.Headers != nil {
		copied.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			copied.Headers[k] = v
		}
	}
	if d.Payload != nil {
		copied.Payload = append([]byte(nil), d.Payload...)
	}
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		copied.DeliveredAt = &t
	}
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		copied.NextRetryAt = &t
	}
	return &copied
}
