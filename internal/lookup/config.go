package lookup

import (
	"net/http"
	"time"

	"outbound-gateway/internal/common/errors"
)

// Default knobs applied by Config.Validate when a field is unset.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultBatchSize = 50
)

// Retry pacing for failed attempts. Backoff is plain exponential without
// jitter so observed timing matches configuration.
const (
	retryInitialDelay = 500 * time.Millisecond
	retryMaxDelay     = 5 * time.Second
	retryFactor       = 2.0
)

// AuthConfig describes how to authenticate the outbound request. The
// credential itself is never stored here: SecretCode is resolved through
// the injected secret resolver at dispatch time.
type AuthConfig struct {
	// Type is one of "bearer", "api_key", or "basic".
	Type string `json:"type"`

	// SecretCode identifies the credential in the secret store. For basic
	// auth the stored value must be "username:password".
	SecretCode string `json:"secret_code"`

	// HeaderName overrides the header used for api_key auth.
	// Defaults to X-API-Key.
	HeaderName string `json:"header_name"`
}

// Config describes one enrichment lookup as supplied by the pipeline caller.
//
// URL is a template: {{field.path}} placeholders are substituted from the
// record and URL-encoded. Target is the record path that receives the
// fetched value. An empty URL or Target makes the lookup a pass-through
// no-op rather than an error.
type Config struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	Target string `json:"target"`

	// ResponsePath optionally projects into the parsed response body
	// before the value is written to Target.
	ResponsePath string `json:"response_path"`

	// CacheKeyField names a record field whose value keys the cache
	// entry. When empty, the built request URL is the key.
	CacheKeyField string `json:"cache_key_field"`

	// DefaultValue is written to Target when the lookup fails or the
	// endpoint returns 404 without SkipOn404.
	DefaultValue interface{} `json:"default_value"`

	Timeout  time.Duration `json:"timeout"`
	CacheTTL time.Duration `json:"cache_ttl"`

	Headers map[string]string `json:"headers"`
	Auth    *AuthConfig       `json:"auth"`

	// BodyField names a record field sent as the JSON request body.
	// BodyTemplate is a literal body with {{field.path}} substitution.
	// BodyField wins when both are set. Ignored for GET and HEAD.
	BodyField    string `json:"body_field"`
	BodyTemplate string `json:"body_template"`

	// SkipOn404 drops the record from the batch output on a 404 instead
	// of applying the default value.
	SkipOn404 bool `json:"skip_on_404"`

	// FailOnError escalates any record failure to a batch abort.
	FailOnError bool `json:"fail_on_error"`

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `json:"max_retries"`

	// BatchSize bounds how many records are looked up concurrently.
	BatchSize int `json:"batch_size"`

	// RateLimitPerSecond sets the token-bucket rate for this lookup's
	// domain. The first configuration to reference a domain pins it.
	RateLimitPerSecond float64 `json:"rate_limit_per_second"`
}

// Validate normalizes defaults and rejects unusable values. It must be
// called before the config is handed to the engine.
func (c *Config) Validate() error {
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	switch c.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return errors.ConfigError("unsupported HTTP method: " + c.Method)
	}

	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRetries < 0 {
		return errors.ConfigError("max_retries must not be negative")
	}

	if c.Auth != nil {
		switch c.Auth.Type {
		case "bearer", "api_key", "basic":
		default:
			return errors.ConfigError("unsupported auth type: " + c.Auth.Type)
		}
		if c.Auth.SecretCode == "" {
			return errors.ConfigError("auth secret_code is required")
		}
	}

	return nil
}
