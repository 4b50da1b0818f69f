package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"gatekeeper/internal/api"
	"gatekeeper/internal/config"
	"gatekeeper/internal/logger"
	"gatekeeper/internal/models"
	"gatekeeper/internal/observability"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/storage"
	"gatekeeper/internal/version"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests that run the whole service end-to-end

const adminToken = "integration-admin-token"

const configTemplate = `
version: "1.0.0"
server:
  port: 8081
  host: "127.0.0.1"
  read_timeout: 45s
  trusted_proxies: ["127.0.0.1"]
storage:
  type: "json"
  path: %q
  timeout: 2s
security:
  enable_auth: true
  admin_token: %q
logging:
  level: "debug"
  format: "text"
metrics:
  enabled: true
  path: "/metrics"
  port: 9091
rate_limit:
  enabled: true
  default_policy:
    max_requests: 20
    window: 1m
  endpoints:
    - prefix: "/api/auth/login"
      policy:
        max_requests: 3
        window: 15m
  ddos:
    per_second: 1000
    per_minute: 10000
    per_hour: 100000
    max_concurrent: 0
    block_duration: 1h
  reputation:
    block_threshold: 80
    window: 1h
  adaptive:
    enabled: false
  trust:
    allow: ["192.0.2.1"]
    deny: []
  max_age: 1h
  headers:
    enabled: true
`

// stack is one running instance of the service.
type stack struct {
	cfg      *models.Config
	provider *observability.Provider
	limiter  *ratelimit.Limiter
	server   *httptest.Server
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "gatekeeper.yaml")
	content := fmt.Sprintf(configTemplate, filepath.Join(dir, "bans.json"), adminToken)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// startStack wires config, storage, metrics, limiter and routes the way the
// gatekeeper binary does.
func startStack(t *testing.T, configPath string) *stack {
	t.Helper()

	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	provider, err := observability.Setup(cfg.Metrics, cfg.Observability, version.Info{Version: "v0.0.0-test"})
	require.NoError(t, err)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	store, err := storage.NewFactory().Create(cfg.Storage)
	require.NoError(t, err)
	instrumented, err := observability.NewInstrumentedBanStore(store, provider.Meter())
	require.NoError(t, err)
	t.Cleanup(func() { instrumented.Close() })

	var limiter *ratelimit.Limiter
	metrics, err := observability.NewLimiterMetrics(provider.Meter(), observability.StatsFunc(func() models.Stats {
		return limiter.Stats()
	}))
	require.NoError(t, err)
	t.Cleanup(func() { metrics.Close() })

	limiter, err = ratelimit.New(cfg.RateLimit,
		ratelimit.WithLogger(logger.Discard()),
		ratelimit.WithRecorder(metrics),
		ratelimit.WithBanStore(instrumented, cfg.Storage.Timeout),
	)
	require.NoError(t, err)
	t.Cleanup(limiter.Close)

	_, err = limiter.Restore(context.Background())
	require.NoError(t, err)

	proxies, err := cfg.Server.TrustedProxyPrefixes()
	require.NoError(t, err)

	router := api.SetupRoutes(api.NewHandlers(limiter, version.Info{Version: "v0.0.0-test"}), cfg,
		api.WithRateLimiter(ratelimit.Middleware(limiter, cfg.RateLimit.Headers.Enabled, ratelimit.WithTrustedProxies(proxies))))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &stack{cfg: cfg, provider: provider, limiter: limiter, server: server}
}

func (s *stack) check(t *testing.T, req models.Request) (int, models.CheckResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(s.server.URL+"/api/v1/check", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out models.CheckResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (s *stack) admin(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	// The loopback peer is a trusted proxy; the forwarded client is not
	// allow-listed
	req.Header.Set("X-Forwarded-For", "198.51.100.200")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIntegration_ConfigLoading(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeConfig(t, dir))
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", cfg.Version)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, models.StorageTypeJSON, cfg.Storage.Type)
	assert.True(t, cfg.Security.EnableAuth)
	assert.Equal(t, adminToken, cfg.Security.AdminToken)
	assert.Equal(t, 20, cfg.RateLimit.DefaultPolicy.MaxRequests)
	require.Len(t, cfg.RateLimit.Endpoints, 1)
	assert.Equal(t, "/api/auth/login", cfg.RateLimit.Endpoints[0].Prefix)
	assert.Equal(t, []string{"192.0.2.1"}, cfg.RateLimit.Trust.Allow)
	assert.False(t, cfg.RateLimit.Adaptive.Enabled)

	assert.NoError(t, cfg.Validate())
}

func TestIntegration_CheckFlow(t *testing.T) {
	s := startStack(t, writeConfig(t, t.TempDir()))

	login := models.Request{IP: "203.0.113.10", Endpoint: "/api/auth/login"}
	for i := 0; i < 3; i++ {
		code, resp := s.check(t, login)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, 3, resp.Limit)
		assert.Equal(t, 2-i, resp.Remaining)
	}

	code, resp := s.check(t, login)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, models.ReasonRateLimitExceeded, resp.Reason)
	require.NotNil(t, resp.RetryAfterMs)

	// Another endpoint has its own window
	code, resp = s.check(t, models.Request{IP: "203.0.113.10", Endpoint: "/api/orders"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 20, resp.Limit)

	// Configured allow list
	code, resp = s.check(t, models.Request{IP: "192.0.2.1", Endpoint: "/api/auth/login"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.ReasonWhitelisted, resp.Reason)

	rec, found := s.limiter.Reputation("203.0.113.10")
	require.True(t, found)
	assert.Equal(t, 15.0, rec.Score)
}

func TestIntegration_AdminRequiresToken(t *testing.T) {
	s := startStack(t, writeConfig(t, t.TempDir()))

	resp, err := http.Get(s.server.URL + "/api/v1/admin/blacklist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, http.StatusOK, s.admin(t, http.MethodGet, "/api/v1/admin/blacklist", nil).StatusCode)
}

func TestIntegration_BansSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir)

	first := startStack(t, configPath)
	resp := first.admin(t, http.MethodPost, "/api/v1/admin/blacklist", models.TrustChangeRequest{IP: "203.0.113.20", Reason: "scraper"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = first.admin(t, http.MethodPost, "/api/v1/admin/blocks", models.TrustChangeRequest{IP: "203.0.113.21", Duration: "1h"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = first.admin(t, http.MethodPost, "/api/v1/admin/blocks", models.TrustChangeRequest{IP: "203.0.113.22", Duration: "1h"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = first.admin(t, http.MethodDelete, "/api/v1/admin/blocks/203.0.113.22", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	second := startStack(t, configPath)
	assert.Len(t, second.limiter.Blacklist(), 1)
	assert.Len(t, second.limiter.Blocks(), 1)

	for _, ip := range []string{"203.0.113.20", "203.0.113.21"} {
		code, out := second.check(t, models.Request{IP: ip, Endpoint: "/api/orders"})
		assert.Equal(t, http.StatusTooManyRequests, code, ip)
		assert.Equal(t, models.ReasonIPBlacklisted, out.Reason, ip)
	}

	code, _ := second.check(t, models.Request{IP: "203.0.113.22", Endpoint: "/api/orders"})
	assert.Equal(t, http.StatusOK, code)
}

func TestIntegration_ConcurrentChecks(t *testing.T) {
	s := startStack(t, writeConfig(t, t.TempDir()))

	const numRequests = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	body, err := json.Marshal(models.Request{IP: "203.0.113.30", Endpoint: "/api/orders"})
	require.NoError(t, err)

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(s.server.URL+"/api/v1/check", "application/json", bytes.NewReader(body))
			if err != nil {
				return
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)

			mu.Lock()
			defer mu.Unlock()
			switch resp.StatusCode {
			case http.StatusOK:
				admitted++
			case http.StatusTooManyRequests:
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, admitted)
	assert.Equal(t, numRequests-20, rejected)
}

func TestIntegration_ServiceAPIIsRateLimited(t *testing.T) {
	s := startStack(t, writeConfig(t, t.TempDir()))

	get := func() *http.Response {
		req, err := http.NewRequest(http.MethodGet, s.server.URL+"/api/v1/stats", nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", "203.0.113.40")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, get().StatusCode)
	}
	resp := get()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "20", resp.Header.Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Health stays reachable for the same client
	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "203.0.113.40")
	health, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestIntegration_MetricsExported(t *testing.T) {
	s := startStack(t, writeConfig(t, t.TempDir()))

	s.check(t, models.Request{IP: "203.0.113.50", Endpoint: "/api/orders"})
	s.admin(t, http.MethodPost, "/api/v1/admin/blacklist", models.TrustChangeRequest{IP: "203.0.113.51"})
	s.check(t, models.Request{IP: "203.0.113.51", Endpoint: "/api/orders"})

	metricsServer := observability.NewMetricsServer(s.cfg.Metrics.Port, s.cfg.Metrics.Path, s.provider)
	rr := httptest.NewRecorder()
	metricsServer.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, "gatekeeper_decisions")
	assert.Contains(t, body, `reason="IP_BLACKLISTED"`)
	assert.Contains(t, body, "gatekeeper_blacklisted_ips")
	assert.Contains(t, body, "gatekeeper_storage_operation_duration")
}

func TestIntegration_ForwardedClientCannotSpoofItsWayPastDenyList(t *testing.T) {
	s := startStack(t, writeConfig(t, t.TempDir()))

	resp := s.admin(t, http.MethodPost, "/api/v1/admin/blacklist", models.TrustChangeRequest{IP: "203.0.113.60"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name           string
		forwardedFor   string
		expectedStatus int
	}{
		{"denied client", "203.0.113.60", http.StatusTooManyRequests},
		{"forged hop left of the client", "192.0.2.1, 203.0.113.60", http.StatusTooManyRequests},
		{"other spelling", "::ffff:203.0.113.60", http.StatusTooManyRequests},
		{"garbage hop", "not-an-ip", http.StatusOK},
		{"unrelated client", "203.0.113.61", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, s.server.URL+"/api/v1/stats", nil)
			require.NoError(t, err)
			req.Header.Set("X-Forwarded-For", tt.forwardedFor)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}
}
