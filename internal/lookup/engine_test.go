package lookup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-gateway/internal/cache"
	"outbound-gateway/internal/circuitbreaker"
	"outbound-gateway/internal/common/errors"
	"outbound-gateway/internal/common/logging"
	"outbound-gateway/internal/ratelimit"
	"outbound-gateway/internal/secrets"
	"outbound-gateway/internal/urlsafety"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	// Local test servers bind to loopback, which the validator blocks by
	// default; allow it explicitly like a known-good internal endpoint.
	validator, err := urlsafety.New(urlsafety.Config{
		AllowedHostnames: []string{"127.0.0.1"},
	})
	require.NoError(t, err)

	c := cache.NewMemoryCache(100, time.Hour)
	t.Cleanup(c.Stop)

	engine, err := NewEngine(Dependencies{
		Validator: validator,
		Breakers:  circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 3, ResetTimeout: time.Minute}, 100, logging.NewNopLogger()),
		Limiters:  ratelimit.NewRegistry(100, logging.NewNopLogger()),
		Cache:     c,
		Secrets:   secrets.NewStaticResolver(map[string]string{"crm_token": "tok-123", "basic_cred": "user:pass"}),
		Client:    &http.Client{},
		Logger:    logging.NewNopLogger(),
	})
	require.NoError(t, err)
	return engine
}

func validatedConfig(t *testing.T, cfg *Config) *Config {
	t.Helper()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestLookup_AppliesFetchedValue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/u/42", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"name": "Ann", "tier": "gold"})
	}))
	defer server.Close()

	engine := newTestEngine(t)
	cfg := validatedConfig(t, &Config{
		URL:          server.URL + "/u/{{id}}",
		Target:       "user",
		ResponsePath: "name",
	})
	record := map[string]interface{}{"id": float64(42)}

	outcome, err := engine.Lookup(context.Background(), cfg, record)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "Ann", record["user"])
}

func TestLookup_URLEncodesSubstitutedValues(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	engine := newTestEngine(t)
	cfg := validatedConfig(t, &Config{
		URL:    server.URL + "/search?q={{query}}",
		Target: "result",
	})

	_, err := engine.Lookup(context.Background(), cfg, map[string]interface{}{"query": "a b&c"})
	require.NoError(t, err)
	assert.Equal(t, "q=a+b%26c", gotQuery)
}

func TestLookup_MissingURLOrTargetIsNoop(t *testing.T) {
	engine := newTestEngine(t)
	record := map[string]interface{}{"id": "1"}

	outcome, err := engine.Lookup(context.Background(), validatedConfig(t, &Config{Target: "x"}), record)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)

	outcome, err = engine.Lookup(context.Background(), validatedConfig(t, &Config{URL: "https://example.com"}), record)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, outcome)
	assert.Equal(t, map[string]interface{}{"id": "1"}, record)
}

func TestLookup_UnsafeURLFallsBackToDefault(t *testing.T) {
	engine := newTestEngine(t)
	cfg := validatedConfig(t, &Config{
		URL:          "http://169.254.169.254/latest/meta-data",
		Target:       "meta",
		DefaultValue: "unavailable",
	})
	record := map[string]interface{}{}

	outcome, err := engine.Lookup(context.Background(), cfg, record)
	assert.Equal(t, OutcomeDefaulted, outcome)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeSecurity))
	assert.Equal(t, "unavailable", record["meta"])
}

func TestLookup_UnsafeURLFailsHardWithFailOnError(t *testing.T) {
	engine := newTestEngine(t)
	cfg := validatedConfig(t, &Config{
		URL:         "http://10.0.0.5/internal",
		Target:      "x",
		FailOnError: true,
	})

	outcome, err := engine.Lookup(context.Background(), cfg, map[string]interface{}{})
	assert.Equal(t, OutcomeFailed, outcome)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeSecurity))
}

func TestLookup_OpenBreakerSkipsNetworkCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	engine := newTestEngine(t)
	cfg := validatedConfig(t, &Config{
		URL:          server.URL + "/x",
		Target:       "x",
		DefaultValue: "fallback",
	})

	// Trip the breaker for this origin directly.
	breaker := engine.breakers.For("http://" + server.Listener.Addr().String())
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}

	record := map[string]interface{}{}
	outcome, err := engine.Lookup(context.Background(), cfg, record)
	assert.Equal(t, OutcomeDefaulted, outcome)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeCircuitOpen))
	assert.Equal(t, "fallback", record["x"])
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestLookup_SecondCallServedFromCache(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"name":"Ann"}`))
	}))
	defer server.Close()

	engine := newTestEngine(t)
	cfg := validatedConfig(t, &Config{
		URL:           server.URL + "/u/{{id}}",
		Target:        "user",
		CacheKeyField: "id",
		CacheTTL:      300 * time.Second,
	})

	first := map[string]interface{}{"id": "42"}
	outcome, err := engine.Lookup(context.Background(), cfg, first)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	second := map[string]interface{}{"id": "42"}
	outcome, err = engine.Lookup(context.Background(), cfg, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, map[string]interface{}{"name": "Ann"}, second["user"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLookup_NotFoundSkipsOrDefaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	engine := newTestEngine(t)

	t.Run("skip on 404", func(t *testing.T) {
		cfg := validatedConfig(t, &Config{
			URL:       server.URL + "/u/1",
			Target:    "user",
			SkipOn404: true,
		})
		record := map[string]interface{}{}
		outcome, err := engine.Lookup(context.Background(), cfg, record)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, outcome)
		assert.NotContains(t, record, "user")
	})

	t.Run("default on 404", func(t *testing.T) {
		cfg := validatedConfig(t, &Config{
			URL:          server.URL + "/u/1",
			Target:       "user",
			DefaultValue: "anonymous",
		})
		record := map[string]interface{}{}
		outcome, err := engine.Lookup(context.Background(), cfg, record)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.Equal(t, "anonymous", record["user"])
	})

	// Reachable endpoints keep the breaker closed even on repeated 404s.
	breaker := engine.breakers.For("http://" + server.Listener.Addr().String())
	assert.False(t, breaker.IsOpen())
}

func TestLookup_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	engine := newTestEngine(t)
	cfg := validatedConfig(t, &Config{
		URL:        server.URL + "/x",
		Target:     "x",
		MaxRetries: 2,
	})

	record := map[string]interface{}{}
	outcome, err := engine.Lookup(context.Background(), cfg, record)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestLookup_TimeoutIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	engine := newTestEngine(t)
	cfg := validatedConfig(t, &Config{
		URL:          server.URL + "/slow",
		Target:       "x",
		Timeout:      50 * time.Millisecond,
		MaxRetries:   3,
		DefaultValue: nil,
	})

	record := map[string]interface{}{}
	outcome, err := engine.Lookup(context.Background(), cfg, record)
	assert.Equal(t, OutcomeDefaulted, outcome)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeTimeout))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLookup_AuthHeaders(t *testing.T) {
	var gotAuth, gotAPIKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("X-API-Key")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	engine := newTestEngine(t)

	t.Run("bearer", func(t *testing.T) {
		cfg := validatedConfig(t, &Config{
			URL:    server.URL + "/x",
			Target: "x",
			Auth:   &AuthConfig{Type: "bearer", SecretCode: "crm_token"},
		})
		_, err := engine.Lookup(context.Background(), cfg, map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-123", gotAuth)
	})

	t.Run("api key default header", func(t *testing.T) {
		cfg := validatedConfig(t, &Config{
			URL:    server.URL + "/x",
			Target: "x",
			Auth:   &AuthConfig{Type: "api_key", SecretCode: "crm_token"},
		})
		_, err := engine.Lookup(context.Background(), cfg, map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, "tok-123", gotAPIKey)
	})

	t.Run("basic", func(t *testing.T) {
		cfg := validatedConfig(t, &Config{
			URL:    server.URL + "/x",
			Target: "x",
			Auth:   &AuthConfig{Type: "basic", SecretCode: "basic_cred"},
		})
		_, err := engine.Lookup(context.Background(), cfg, map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, "Basic dXNlcjpwYXNz", gotAuth)
	})

	t.Run("missing secret falls back", func(t *testing.T) {
		cfg := validatedConfig(t, &Config{
			URL:          server.URL + "/x",
			Target:       "x",
			DefaultValue: "none",
			Auth:         &AuthConfig{Type: "bearer", SecretCode: "absent"},
		})
		record := map[string]interface{}{}
		outcome, err := engine.Lookup(context.Background(), cfg, record)
		assert.Equal(t, OutcomeDefaulted, outcome)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
		assert.Equal(t, "none", record["x"])
	})
}

func TestLookup_PostBodyFromField(t *testing.T) {
	var gotBody map[string]interface{}
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	engine := newTestEngine(t)
	cfg := validatedConfig(t, &Config{
		URL:       server.URL + "/x",
		Method:    http.MethodPost,
		Target:    "x",
		BodyField: "payload",
	})

	record := map[string]interface{}{
		"payload": map[string]interface{}{"email": "ann@example.com"},
	}
	_, err := engine.Lookup(context.Background(), cfg, record)
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]interface{}{"email": "ann@example.com"}, gotBody)
}

func TestLookupBatch_PreservesOrderAndDropsSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/u/2" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"found":true}`))
	}))
	defer server.Close()

	engine := newTestEngine(t)
	cfg := &Config{
		URL:       server.URL + "/u/{{id}}",
		Target:    "user",
		SkipOn404: true,
		BatchSize: 2,
	}

	records := []map[string]interface{}{
		{"id": "1"}, {"id": "2"}, {"id": "3"}, {"id": "4"},
	}

	result, err := engine.LookupBatch(context.Background(), cfg, records)
	require.NoError(t, err)
	require.Len(t, result.Records, 3)
	assert.Equal(t, "1", result.Records[0]["id"])
	assert.Equal(t, "3", result.Records[1]["id"])
	assert.Equal(t, "4", result.Records[2]["id"])
	assert.Empty(t, result.Errors)
}

func TestLookupBatch_SoftFailuresAnnotated(t *testing.T) {
	engine := newTestEngine(t)
	cfg := &Config{
		URL:          "http://10.0.0.5/{{id}}",
		Target:       "enriched",
		DefaultValue: "n/a",
	}

	records := []map[string]interface{}{{"id": "1"}, {"id": "2"}}
	result, err := engine.LookupBatch(context.Background(), cfg, records)
	require.NoError(t, err)

	require.Len(t, result.Records, 2)
	for _, record := range result.Records {
		assert.Equal(t, "n/a", record["enriched"])
	}
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "enriched", result.Errors[0].Field)
}

func TestLookupBatch_FailOnErrorAborts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	engine := newTestEngine(t)
	cfg := &Config{
		URL:         "http://10.0.0.5/{{id}}",
		Target:      "x",
		FailOnError: true,
		BatchSize:   1,
	}

	records := []map[string]interface{}{{"id": "1"}, {"id": "2"}, {"id": "3"}}
	_, err := engine.LookupBatch(context.Background(), cfg, records)
	require.Error(t, err)
	// The first chunk fails hard; later chunks are never attempted.
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestNewEngine_RequiresCoreDependencies(t *testing.T) {
	_, err := NewEngine(Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{URL: "https://example.com", Target: "x"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, http.MethodGet, cfg.Method)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)

	bad := &Config{URL: "https://example.com", Target: "x", Method: "TRACE"}
	assert.Error(t, bad.Validate())

	badAuth := &Config{URL: "https://example.com", Target: "x", Auth: &AuthConfig{Type: "oauth2", SecretCode: "c"}}
	assert.Error(t, badAuth.Validate())

	missingSecret := &Config{URL: "https://example.com", Target: "x", Auth: &AuthConfig{Type: "bearer"}}
	assert.Error(t, missingSecret.Validate())
}
