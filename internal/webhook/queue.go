package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"outbound-gateway/internal/common/errors"
	commonhttp "outbound-gateway/internal/common/http"
	"outbound-gateway/internal/common/logging"
	"outbound-gateway/internal/common/utils"
	"outbound-gateway/internal/urlsafety"
)

// Default queue timings.
const (
	DefaultTimeout            = 30 * time.Second
	DefaultSweepInterval      = time.Minute
	DefaultDeadRetention      = 7 * 24 * time.Hour
	DefaultDeliveredRetention = 24 * time.Hour
)

// Options tunes a Queue. Zero values select the defaults.
type Options struct {
	MaxConfigs    int
	MaxDeliveries int

	// Timeout bounds each delivery attempt.
	Timeout time.Duration

	// SweepInterval paces the combined retry and retention sweep.
	SweepInterval time.Duration

	// DeadLetterRetention and DeliveredRetention bound how long terminal
	// records are kept before the sweep purges them.
	DeadLetterRetention time.Duration
	DeliveredRetention  time.Duration

	Client *http.Client
	Logger logging.Logger
}

// Queue delivers webhook notifications with retries and dead-lettering.
//
// The first attempt of every send is synchronous, so the caller sees its
// outcome. Later attempts run in the background, driven by a per-delivery
// timer and backstopped by a periodic sweep that re-scans RETRYING
// deliveries whose retry time has passed. Both paths funnel through the
// same status-checked transition, so a duplicated signal results in at
// most a benign no-op, never a retry past the attempt limit.
type Queue struct {
	validator *urlsafety.Validator
	client    *http.Client
	logger    logging.Logger

	configs    *configStore
	deliveries *deliveryStore

	timeout            time.Duration
	deadRetention      time.Duration
	deliveredRetention time.Duration

	scheduler *cron.Cron

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	stopped  bool

	stopOnce sync.Once

	now func() time.Time
}

// NewQueue creates a queue and starts its background sweep.
func NewQueue(validator *urlsafety.Validator, opts Options) (*Queue, error) {
	if validator == nil {
		return nil, errors.ConfigError("url validator is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.DeadLetterRetention <= 0 {
		opts.DeadLetterRetention = DefaultDeadRetention
	}
	if opts.DeliveredRetention <= 0 {
		opts.DeliveredRetention = DefaultDeliveredRetention
	}
	if opts.Client == nil {
		opts.Client = commonhttp.NewHTTPClient()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDefaultLogger()
	}

	q := &Queue{
		validator:          validator,
		client:             opts.Client,
		logger:             opts.Logger,
		configs:            newConfigStore(opts.MaxConfigs, opts.Logger),
		deliveries:         newDeliveryStore(opts.MaxDeliveries, opts.Logger),
		timeout:            opts.Timeout,
		deadRetention:      opts.DeadLetterRetention,
		deliveredRetention: opts.DeliveredRetention,
		timers:             make(map[string]*time.Timer),
		now:                time.Now,
	}

	q.scheduler = cron.New()
	if _, err := q.scheduler.AddFunc("@every "+opts.SweepInterval.String(), q.sweep); err != nil {
		return nil, errors.InternalError("failed to schedule delivery sweep", err)
	}
	q.scheduler.Start()

	return q, nil
}

// Register stores a webhook config after validating its target URL. The
// check runs again before every dispatch; this one rejects obviously
// unsafe targets at the door.
func (q *Queue) Register(ctx context.Context, cfg *Config) error {
	if cfg == nil || cfg.ID == "" {
		return errors.ValidationError("webhook id is required")
	}
	if cfg.URL == "" {
		return errors.ValidationError("webhook url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Secret != "" && cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}

	defaults := DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = defaults.InitialDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = defaults.MaxDelay
	}
	if cfg.Retry.BackoffMultiplier <= 0 {
		cfg.Retry.BackoffMultiplier = defaults.BackoffMultiplier
	}

	if result := q.validator.Validate(ctx, cfg.URL); !result.Safe {
		return errors.SecurityError(
			fmt.Sprintf("unsafe webhook URL rejected: %s", result.Reason))
	}

	cfg.LastUsedAt = q.now()
	stored := *cfg
	q.configs.put(&stored)
	return nil
}

// Unregister removes a webhook config. In-flight deliveries keep their
// snapshot of the retry policy and finish on their own.
func (q *Queue) Unregister(id string) {
	q.configs.remove(id)
}

// SendOption adjusts a single delivery without touching the stored config.
type SendOption func(*sendOptions)

type sendOptions struct {
	headers     map[string]string
	maxAttempts int
}

// WithHeader adds a header to this delivery only. The signature header
// cannot be overridden.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithMaxAttempts overrides the config's attempt limit for this delivery.
func WithMaxAttempts(n int) SendOption {
	return func(o *sendOptions) {
		o.maxAttempts = n
	}
}

// Send creates a delivery for the given webhook and attempts it once
// synchronously. The returned record reflects that first attempt; retries
// continue in the background.
func (q *Queue) Send(ctx context.Context, webhookID string, payload interface{}, opts ...SendOption) (*Delivery, error) {
	cfg, ok := q.configs.get(webhookID, q.now())
	if !ok {
		return nil, errors.NotFoundError("webhook " + webhookID)
	}
	if !cfg.Enabled {
		return nil, errors.ValidationError("webhook " + webhookID + " is disabled")
	}

	var options sendOptions
	for _, opt := range opts {
		opt(&options)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.InternalError("failed to marshal webhook payload", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	for key, value := range options.headers {
		headers[key] = value
	}
	if cfg.Secret != "" {
		headers[cfg.SignatureHeader] = Sign(cfg.Secret, data)
	}

	retry := cfg.Retry
	if options.maxAttempts > 0 {
		retry.MaxAttempts = options.maxAttempts
	}

	delivery := &Delivery{
		ID:          uuid.NewString(),
		WebhookID:   webhookID,
		URL:         cfg.URL,
		Method:      cfg.Method,
		Headers:     headers,
		Payload:     data,
		Status:      StatusPending,
		MaxAttempts: retry.MaxAttempts,
		CreatedAt:   q.now(),
		retry:       retry,
	}
	q.deliveries.put(delivery)

	q.attempt(ctx, delivery.ID)

	result, _ := q.deliveries.get(delivery.ID)
	return result, nil
}

// RetryDeadLetter re-enters a dead-lettered delivery into the normal flow
// with its attempt counter reset, then attempts it once synchronously.
func (q *Queue) RetryDeadLetter(ctx context.Context, deliveryID string) (*Delivery, error) {
	var reset bool
	ok := q.deliveries.mutate(deliveryID, func(d *Delivery) {
		if d.Status != StatusDeadLetter {
			return
		}
		d.Status = StatusPending
		d.Attempts = 0
		d.NextRetryAt = nil
		d.Error = ""
		d.ResponseStatus = 0
		d.ResponseBody = ""
		reset = true
	})
	if !ok {
		return nil, errors.NotFoundError("delivery " + deliveryID)
	}
	if !reset {
		return nil, errors.ValidationError("delivery " + deliveryID + " is not dead-lettered")
	}

	q.attempt(ctx, deliveryID)

	result, _ := q.deliveries.get(deliveryID)
	return result, nil
}

// GetDelivery returns a copy of a delivery record.
func (q *Queue) GetDelivery(id string) (*Delivery, bool) {
	return q.deliveries.get(id)
}

// ListDeliveries returns copies of all deliveries with the given status.
func (q *Queue) ListDeliveries(status Status) []*Delivery {
	return q.deliveries.snapshot(func(d *Delivery) bool {
		return d.Status == status
	})
}

// Stats returns queue statistics.
func (q *Queue) Stats() map[string]interface{} {
	counts := make(map[Status]int)
	for _, d := range q.deliveries.snapshot(nil) {
		counts[d.Status]++
	}
	return map[string]interface{}{
		"configs":     q.configs.len(),
		"deliveries":  q.deliveries.len(),
		"pending":     counts[StatusPending],
		"retrying":    counts[StatusRetrying],
		"delivered":   counts[StatusDelivered],
		"dead_letter": counts[StatusDeadLetter],
	}
}

// Stop halts the sweep and cancels pending retry timers. In-flight HTTP
// attempts are not interrupted.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.scheduler.Stop()

		q.timersMu.Lock()
		q.stopped = true
		for _, timer := range q.timers {
			timer.Stop()
		}
		q.timers = nil
		q.timersMu.Unlock()
	})
}

// Sign computes the payload signature: an HMAC-SHA256 over the serialized
// JSON payload, hex-encoded with a scheme prefix.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// attempt performs one delivery attempt if the record is still in an
// attemptable state. Both the synchronous send path, the retry timers, and
// the sweep call this; the status check makes duplicated calls harmless.
func (q *Queue) attempt(ctx context.Context, id string) {
	var snapshot *Delivery
	ok := q.deliveries.mutate(id, func(d *Delivery) {
		if d.Status != StatusPending && d.Status != StatusRetrying {
			return
		}
		d.Attempts++
		d.LastAttemptAt = q.now()
		snapshot = d.clone()
	})
	if !ok || snapshot == nil {
		return
	}

	status, body, err := q.dispatch(ctx, snapshot)
	if err == nil {
		q.deliveries.mutate(id, func(d *Delivery) {
			if d.Status == StatusDelivered {
				return
			}
			d.Status = StatusDelivered
			now := q.now()
			d.DeliveredAt = &now
			d.NextRetryAt = nil
			d.ResponseStatus = status
			d.ResponseBody = body
			d.Error = ""
		})
		return
	}

	q.deliveries.mutate(id, func(d *Delivery) {
		if d.Status != StatusPending && d.Status != StatusRetrying {
			return
		}
		d.ResponseStatus = status
		d.ResponseBody = body
		d.Error = err.Error()

		timedOut := errors.IsType(err, errors.ErrTypeTimeout)
		if d.Attempts >= d.MaxAttempts || (timedOut && d.retry.DeadLetterOnTimeout) {
			d.Status = StatusDeadLetter
			d.NextRetryAt = nil
			q.logger.Warn("webhook delivery dead-lettered",
				logging.String("delivery_id", d.ID),
				logging.String("webhook_id", d.WebhookID),
				logging.Int("attempts", d.Attempts),
				logging.String("error", d.Error),
			)
			return
		}

		delay := q.backoffDelay(d.retry, d.Attempts)
		next := q.now().Add(delay)
		d.Status = StatusRetrying
		d.NextRetryAt = &next
		q.scheduleRetry(d.ID, delay)
	})
}

// dispatch re-validates the target URL and performs the HTTP call. The
// re-validation guards against DNS answers changing between registration
// and send, and between retries.
func (q *Queue) dispatch(ctx context.Context, d *Delivery) (int, string, error) {
	if result := q.validator.Validate(ctx, d.URL); !result.Safe {
		return 0, "", errors.SecurityError(
			fmt.Sprintf("unsafe webhook URL rejected: %s", result.Reason))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, d.Method, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", errors.ValidationError("failed to build webhook request: " + err.Error())
	}
	for key, value := range d.Headers {
		req.Header.Set(key, value)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return 0, "", errors.TimeoutError("webhook delivery to " + d.URL)
		}
		return 0, "", errors.ConnectionError("webhook delivery failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, string(body), nil
	}
	return resp.StatusCode, string(body), errors.InternalError(
		fmt.Sprintf("HTTP %d from webhook endpoint", resp.StatusCode), nil)
}

func (q *Queue) backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	cfg := utils.RetryConfig{
		InitialDelay:  policy.InitialDelay,
		MaxDelay:      policy.MaxDelay,
		BackoffFactor: policy.BackoffMultiplier,
	}
	return cfg.BackoffDelay(attempt)
}

// scheduleRetry arms a one-shot timer for the delivery. The sweep is the
// backstop if the timer is lost.
func (q *Queue) scheduleRetry(id string, delay time.Duration) {
	q.timersMu.Lock()
	defer q.timersMu.Unlock()
	if q.stopped {
		return
	}

	if existing, ok := q.timers[id]; ok {
		existing.Stop()
	}
	q.timers[id] = time.AfterFunc(delay, func() {
		q.timersMu.Lock()
		stopped := q.stopped
		if q.timers != nil {
			delete(q.timers, id)
		}
		q.timersMu.Unlock()
		if stopped {
			return
		}
		q.attempt(context.Background(), id)
	})
}

// sweep re-attempts due retries and purges terminal records past their
// retention windows. Runs on the scheduler tick.
func (q *Queue) sweep() {
	now := q.now()

	due := q.deliveries.snapshot(func(d *Delivery) bool {
		return d.Status == StatusRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now)
	})
	for _, d := range due {
		q.attempt(context.Background(), d.ID)
	}

	purged := q.deliveries.purge(func(d *Delivery) bool {
		switch d.Status {
		case StatusDeadLetter:
			return now.Sub(d.CreatedAt) > q.deadRetention
		case StatusDelivered:
			ref := d.CreatedAt
			if d.DeliveredAt != nil {
				ref = *d.DeliveredAt
			}
			return now.Sub(ref) > q.deliveredRetention
		}
		return false
	})
	if purged > 0 {
		q.logger.Debug("purged expired delivery records", logging.Int("purged", purged))
	}
}
