// Package lookup implements the per-record HTTP enrichment pipeline and its
// bounded-concurrency batch driver. Every outbound call passes through the
// URL safety validator, the per-origin circuit breaker, the per-domain rate
// limiter, and the response cache before it reaches the network.
package lookup

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"outbound-gateway/internal/cache"
	"outbound-gateway/internal/circuitbreaker"
	"outbound-gateway/internal/common/errors"
	commonhttp "outbound-gateway/internal/common/http"
	"outbound-gateway/internal/common/logging"
	"outbound-gateway/internal/common/utils"
	"outbound-gateway/internal/ratelimit"
	"outbound-gateway/internal/secrets"
	"outbound-gateway/internal/urlsafety"
)

// Outcome classifies how a single record's lookup ended.
type Outcome int

const (
	// OutcomeNoop means the config named no URL or target; the record
	// passed through untouched.
	OutcomeNoop Outcome = iota
	// OutcomeApplied means the fetched (or cached) value was written to
	// the target path.
	OutcomeApplied
	// OutcomeDefaulted means the lookup failed and the default value was
	// written instead. The returned error carries the cause.
	OutcomeDefaulted
	// OutcomeSkipped means the endpoint returned 404 and the config asked
	// for the record to be dropped from the batch output.
	OutcomeSkipped
	// OutcomeFailed means the lookup failed and fail_on_error escalated
	// it to a hard error.
	OutcomeFailed
)

// Dependencies are the collaborators the engine composes. All are required
// except Cache and Secrets, which may be nil when the lookups in use need
// neither caching nor authentication.
type Dependencies struct {
	Validator *urlsafety.Validator
	Breakers  *circuitbreaker.Registry
	Limiters  *ratelimit.Registry
	Cache     cache.Cache
	Secrets   secrets.Resolver
	Client    *http.Client
	Logger    logging.Logger
}

// Engine performs enrichment lookups.
type Engine struct {
	validator *urlsafety.Validator
	breakers  *circuitbreaker.Registry
	limiters  *ratelimit.Registry
	cache     cache.Cache
	secrets   secrets.Resolver
	client    *http.Client
	logger    logging.Logger
}

// NewEngine wires an engine from its dependencies.
func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Validator == nil {
		return nil, errors.ConfigError("url validator is required")
	}
	if deps.Breakers == nil {
		return nil, errors.ConfigError("circuit breaker registry is required")
	}
	if deps.Limiters == nil {
		return nil, errors.ConfigError("rate limiter registry is required")
	}
	if deps.Client == nil {
		// Per-attempt deadlines come from the request context, so the
		// client itself carries no timeout.
		deps.Client = commonhttp.NewHTTPClient()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewDefaultLogger()
	}

	return &Engine{
		validator: deps.Validator,
		breakers:  deps.Breakers,
		limiters:  deps.Limiters,
		cache:     deps.Cache,
		secrets:   deps.Secrets,
		client:    deps.Client,
		logger:    deps.Logger,
	}, nil
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Lookup runs the full pipeline for one record, mutating it in place at the
// target path. The record is untouched on OutcomeNoop and OutcomeSkipped.
// On OutcomeDefaulted the returned error is informational: the record
// already absorbed the default value and the batch may continue.
func (e *Engine) Lookup(ctx context.Context, cfg *Config, record map[string]interface{}) (Outcome, error) {
	if cfg.URL == "" || cfg.Target == "" {
		return OutcomeNoop, nil
	}

	requestURL := e.buildURL(cfg.URL, record)

	if result := e.validator.Validate(ctx, requestURL); !result.Safe {
		return e.fail(cfg, record, errors.SecurityError(
			fmt.Sprintf("unsafe lookup URL rejected: %s", result.Reason)))
	}

	parsed, err := url.Parse(requestURL)
	if err != nil {
		return e.fail(cfg, record, errors.ValidationError("invalid lookup URL"))
	}
	origin := parsed.Scheme + "://" + parsed.Host

	breaker := e.breakers.For(origin)
	if breaker.IsOpen() {
		return e.fail(cfg, record, errors.CircuitOpenError(origin))
	}

	cacheKey := e.cacheKey(cfg, record, requestURL)
	if e.cache != nil && cfg.CacheTTL > 0 {
		if value, ok := e.cache.Get(cacheKey); ok {
			utils.SetFieldValue(record, cfg.Target, value)
			return OutcomeApplied, nil
		}
	}

	limiter := e.limiters.For(parsed.Hostname(), cfg.RateLimitPerSecond)
	if err := limiter.Wait(ctx); err != nil {
		return e.fail(cfg, record, errors.RateLimitError(parsed.Hostname()).WithContext("cause", err.Error()))
	}

	headers, err := e.buildHeaders(ctx, cfg)
	if err != nil {
		return e.fail(cfg, record, err)
	}

	value, notFound, err := e.execute(ctx, cfg, record, requestURL, headers, breaker)
	if err != nil {
		breaker.RecordFailure()
		return e.fail(cfg, record, err)
	}

	if notFound {
		if cfg.SkipOn404 {
			return OutcomeSkipped, nil
		}
		utils.SetFieldValue(record, cfg.Target, cfg.DefaultValue)
		return OutcomeApplied, nil
	}

	if cfg.ResponsePath != "" {
		if m, ok := value.(map[string]interface{}); ok {
			value = utils.GetFieldValue(m, cfg.ResponsePath)
		} else {
			value = nil
		}
	}

	if e.cache != nil && cfg.CacheTTL > 0 {
		e.cache.Set(cacheKey, value, cfg.CacheTTL)
	}

	utils.SetFieldValue(record, cfg.Target, value)
	return OutcomeApplied, nil
}

// buildURL substitutes {{field.path}} placeholders with URL-encoded record
// values. Missing fields substitute as the empty string.
func (e *Engine) buildURL(template string, record map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		return url.QueryEscape(utils.Stringify(utils.GetFieldValue(record, path)))
	})
}

// cacheKey is "template:keyFieldValue" when a key field is configured,
// otherwise the built request URL.
func (e *Engine) cacheKey(cfg *Config, record map[string]interface{}, requestURL string) string {
	if cfg.CacheKeyField == "" {
		return requestURL
	}
	return cfg.URL + ":" + utils.Stringify(utils.GetFieldValue(record, cfg.CacheKeyField))
}

// buildHeaders merges static headers with resolved authentication.
func (e *Engine) buildHeaders(ctx context.Context, cfg *Config) (map[string]string, error) {
	headers := make(map[string]string, len(cfg.Headers)+2)
	for key, value := range cfg.Headers {
		headers[key] = value
	}

	if cfg.Auth == nil {
		return headers, nil
	}
	if e.secrets == nil {
		return nil, errors.ConfigError("auth configured but no secret resolver available")
	}

	secret, err := e.secrets.Get(ctx, cfg.Auth.SecretCode)
	if err != nil {
		return nil, err
	}

	switch cfg.Auth.Type {
	case "bearer":
		headers["Authorization"] = "Bearer " + secret
	case "api_key":
		headerName := cfg.Auth.HeaderName
		if headerName == "" {
			headerName = "X-API-Key"
		}
		headers[headerName] = secret
	case "basic":
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(secret))
	}

	return headers, nil
}

// buildBody produces the request body for non-GET/HEAD methods.
func (e *Engine) buildBody(cfg *Config, record map[string]interface{}) ([]byte, error) {
	if cfg.Method == http.MethodGet || cfg.Method == http.MethodHead {
		return nil, nil
	}

	if cfg.BodyField != "" {
		value := utils.GetFieldValue(record, cfg.BodyField)
		data, err := json.Marshal(value)
		if err != nil {
			return nil, errors.InternalError("failed to marshal request body", err)
		}
		return data, nil
	}

	if cfg.BodyTemplate != "" {
		body := placeholderPattern.ReplaceAllStringFunc(cfg.BodyTemplate, func(match string) string {
			path := placeholderPattern.FindStringSubmatch(match)[1]
			return utils.Stringify(utils.GetFieldValue(record, path))
		})
		return []byte(body), nil
	}

	return nil, nil
}

// execute performs the request through the retry executor. Each attempt has
// its own hard timeout. A 404 ends the loop as a non-failing response. A
// timeout is not retried. Breaker successes are recorded per response; a
// single breaker failure for the whole operation is recorded by the caller
// once retries are exhausted.
func (e *Engine) execute(ctx context.Context, cfg *Config, record map[string]interface{}, requestURL string, headers map[string]string, breaker *circuitbreaker.Breaker) (value interface{}, notFound bool, err error) {
	body, err := e.buildBody(cfg, record)
	if err != nil {
		return nil, false, err
	}

	retryCfg := utils.RetryConfig{
		MaxAttempts:   cfg.MaxRetries + 1,
		InitialDelay:  retryInitialDelay,
		MaxDelay:      retryMaxDelay,
		BackoffFactor: retryFactor,
		RetryableErrors: func(err error) bool {
			// Timeouts stop immediately; security and config problems
			// will not improve on retry.
			return errors.IsType(err, errors.ErrTypeConnection) ||
				errors.IsType(err, errors.ErrTypeInternal)
		},
	}

	err = utils.RetryWithBackoff(ctx, retryCfg, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, reqErr := http.NewRequestWithContext(attemptCtx, cfg.Method, requestURL, reader)
		if reqErr != nil {
			return errors.ValidationError("failed to build request: " + reqErr.Error())
		}
		for key, val := range headers {
			req.Header.Set(key, val)
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, doErr := e.client.Do(req)
		if doErr != nil {
			if attemptCtx.Err() == context.DeadlineExceeded {
				return errors.TimeoutError("lookup request to " + requestURL)
			}
			return errors.ConnectionError("lookup request failed", doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			// Endpoint is reachable and functioning.
			breaker.RecordSuccess()
			notFound = true
			return nil
		}

		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return errors.ConnectionError("failed to read response", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			breaker.RecordSuccess()
			value = parseResponse(respBody)
			return nil
		}

		return errors.InternalError(
			fmt.Sprintf("HTTP %d from %s", resp.StatusCode, requestURL), nil)
	})

	if err != nil {
		return nil, false, err
	}
	return value, notFound, nil
}

// parseResponse decodes JSON when possible, falling back to the raw text.
func parseResponse(body []byte) interface{} {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	var value interface{}
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		return value
	}
	return trimmed
}

// fail resolves the per-record failure policy: hard error under
// fail_on_error, otherwise the default value with the cause attached.
func (e *Engine) fail(cfg *Config, record map[string]interface{}, cause error) (Outcome, error) {
	if cfg.FailOnError {
		return OutcomeFailed, cause
	}

	e.logger.Warn("lookup failed, applying default value",
		logging.String("target", cfg.Target),
		logging.String("error", cause.Error()),
	)
	utils.SetFieldValue(record, cfg.Target, cfg.DefaultValue)
	return OutcomeDefaulted, cause
}

// RecordError annotates a per-record failure with its batch position and
// the target field it was enriching.
type RecordError struct {
	Index int
	Field string
	Err   error
}

// BatchResult is the outcome of a batch lookup. Records may be shorter than
// the input when records were skipped; surviving records keep input order.
type BatchResult struct {
	Records []map[string]interface{}
	Errors  []RecordError
}

// LookupBatch enriches a record set. Records are processed in chunks of the
// configured batch size; lookups within a chunk run concurrently and land
// in pre-sized slots so output order matches input order. One record's
// failure never aborts the batch unless fail_on_error is set, in which case
// the first failing chunk ends the batch and its errors are aggregated.
func (e *Engine) LookupBatch(ctx context.Context, cfg *Config, records []map[string]interface{}) (*BatchResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	type slot struct {
		record  map[string]interface{}
		skipped bool
	}

	slots := make([]slot, len(records))
	result := &BatchResult{}
	var resultMu sync.Mutex

	for chunkStart := 0; chunkStart < len(records); chunkStart += cfg.BatchSize {
		chunkEnd := chunkStart + cfg.BatchSize
		if chunkEnd > len(records) {
			chunkEnd = len(records)
		}

		var wg sync.WaitGroup
		var chunkErr *multierror.Error
		var chunkMu sync.Mutex

		for i := chunkStart; i < chunkEnd; i++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()

				record := records[index]
				outcome, err := e.Lookup(ctx, cfg, record)

				switch outcome {
				case OutcomeSkipped:
					slots[index] = slot{skipped: true}
				case OutcomeFailed:
					chunkMu.Lock()
					chunkErr = multierror.Append(chunkErr,
						fmt.Errorf("record %d (field %s): %w", index, cfg.Target, err))
					chunkMu.Unlock()
					slots[index] = slot{skipped: true}
				default:
					slots[index] = slot{record: record}
					if err != nil {
						resultMu.Lock()
						result.Errors = append(result.Errors, RecordError{
							Index: index,
							Field: cfg.Target,
							Err:   err,
						})
						resultMu.Unlock()
					}
				}
			}(i)
		}

		wg.Wait()

		if err := chunkErr.ErrorOrNil(); err != nil {
			return nil, err
		}
	}

	result.Records = make([]map[string]interface{}, 0, len(records))
	for _, s := range slots {
		if !s.skipped {
			result.Records = append(result.Records, s.record)
		}
	}
	return result, nil
}
