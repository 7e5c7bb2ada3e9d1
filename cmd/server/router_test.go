package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcore/internal/credential/adapters"
	credentialmetrics "trustcore/internal/credential/metrics"
	"trustcore/internal/credential/secrets"
	credentialservice "trustcore/internal/credential/service"
	identitymetrics "trustcore/internal/identity/metrics"
	identityservice "trustcore/internal/identity/service"
	"trustcore/internal/platform/config"
	"trustcore/internal/platform/metrics"
)

func newTestServer(t *testing.T, health func(context.Context) error, mutate ...func(*config.Config)) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{Store: config.StoreMemory}
	for _, m := range mutate {
		m(&cfg)
	}

	b, err := openBackends(context.Background(), cfg, log)
	require.NoError(t, err)
	if health != nil {
		b.health = health
	}
	pub, closeAudit, err := newAuditPublisher(context.Background(), cfg, b.audit, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeAudit(context.Background()) })

	registry := metrics.NewRegistry()
	identities, err := identityservice.New(b.identities,
		identityservice.WithLogger(log),
		identityservice.WithAuditPublisher(pub),
		identityservice.WithMetrics(identitymetrics.New(registry)),
	)
	require.NoError(t, err)
	hasher, err := secrets.NewHasher(4)
	require.NoError(t, err)
	credentials, err := credentialservice.New(b.credentials, adapters.NewIdentityAdapter(b.identities), hasher,
		credentialservice.WithLogger(log),
		credentialservice.WithAuditPublisher(pub),
		credentialservice.WithMetrics(credentialmetrics.New(registry)),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(routerDeps{
		identities:  identities,
		credentials: credentials,
		gatherer:    registry,
		health:      b.health,
		degraded:    pub.Degraded,
		limiter:     newRateLimiter(cfg.RateLimit, b.rateLimits, log),
		global:      globalLimit(cfg.RateLimit),
		corsOrigins: cfg.Server.CORSOrigins,
		proxies:     cfg.Server.TrustedProxies,
		logger:      log,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_RegisterIssueValidate(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/identities", map[string]any{"fingerprint_value": "fp-e2e"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var identity struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&identity))

	resp = postJSON(t, srv.URL+"/identities/"+identity.ID+"/credentials", nil, map[string]string{"X-Fingerprint": "fp-e2e"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var issued struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issued))

	resp = postJSON(t, srv.URL+"/credentials/validate", map[string]string{"secret": issued.Secret}, map[string]string{"Authorization": "Bearer " + issued.Secret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var validation struct {
		Valid      bool   `json:"valid"`
		IdentityID string `json:"identity_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&validation))
	assert.True(t, validation.Valid)
	assert.Equal(t, identity.ID, validation.IdentityID)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	raw, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "go_goroutines"))
}

func TestServer_AnonymousCannotTakeOverCredential(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/identities", map[string]any{"fingerprint_value": "victim-fp"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var identity struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&identity))
	issuePath := srv.URL + "/identities/" + identity.ID + "/credentials"

	resp = postJSON(t, issuePath, nil, map[string]string{"X-Fingerprint": "victim-fp"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var owner struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&owner))

	touch, err := http.Get(srv.URL + "/identities/" + identity.ID)
	require.NoError(t, err)
	defer touch.Body.Close()
	raw, err := io.ReadAll(touch.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, touch.StatusCode)
	assert.NotContains(t, string(raw), "victim-fp")

	resp = postJSON(t, issuePath, nil, map[string]string{"X-Fingerprint": "victim-fp"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var second struct {
		Secret string `json:"secret"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&second)
	assert.Empty(t, second.Secret)

	resp = postJSON(t, srv.URL+"/credentials/validate", map[string]string{"secret": owner.Secret}, map[string]string{"Authorization": "Bearer " + owner.Secret})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RegisterRateLimited(t *testing.T) {
	srv := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Window: time.Minute, Register: 2}
	})

	for range 2 {
		resp := postJSON(t, srv.URL+"/identities", map[string]any{"fingerprint_value": "fp-flood"}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Remaining"))
	}

	resp := postJSON(t, srv.URL+"/identities", map[string]any{"fingerprint_value": "fp-flood"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Other classes have no budget configured and stay open.
	resp = postJSON(t, srv.URL+"/credentials/validate", map[string]string{"secret": "tc_0000000000000000.x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_ForwardedForIgnoredFromUntrustedPeer(t *testing.T) {
	srv := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Window: time.Minute, Register: 2}
	})

	created := 0
	for i := range 10 {
		resp := postJSON(t, srv.URL+"/identities", map[string]any{"fingerprint_value": "fp-spoof"},
			map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1), "X-Real-IP": fmt.Sprintf("203.0.113.%d", i+1)})
		if resp.StatusCode == http.StatusCreated {
			created++
			var identity struct {
				IPProvenance struct {
					PrimaryAddress string `json:"primary_address"`
				} `json:"ip_provenance"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&identity))
			assert.Equal(t, "127.0.0.1", identity.IPProvenance.PrimaryAddress)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		}
	}
	assert.Equal(t, 2, created)
}

func TestServer_ForwardedForHonoredFromTrustedProxy(t *testing.T) {
	srv := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Window: time.Minute, Register: 1}
		cfg.Server.TrustedProxies = []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}
	})

	for _, addr := range []string{"198.51.100.1", "198.51.100.2"} {
		resp := postJSON(t, srv.URL+"/identities", map[string]any{"fingerprint_value": "fp-proxied"},
			map[string]string{"X-Forwarded-For": addr})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var identity struct {
			IPProvenance struct {
				PrimaryAddress string `json:"primary_address"`
			} `json:"ip_provenance"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&identity))
		assert.Equal(t, addr, identity.IPProvenance.PrimaryAddress)
	}

	resp := postJSON(t, srv.URL+"/identities", map[string]any{"fingerprint_value": "fp-proxied"},
		map[string]string{"X-Forwarded-For": "198.51.100.1"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_CORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Server.CORSOrigins = []string{"https://app.example.com"}
	})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/identities", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "X-Fingerprint")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestServer_GlobalLimit(t *testing.T) {
	srv := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Window: time.Minute, Global: 1}
	})

	resp, err := http.Get(srv.URL + "/identities/" + "5b0e6c0a-1c7e-4f7a-9a43-2f1d3c9b8e11")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/identities/" + "5b0e6c0a-1c7e-4f7a-9a43-2f1d3c9b8e11")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Health and metrics sit outside the ceiling.
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["audit"])

	down := newTestServer(t, func(context.Context) error { return errors.New("db down") })
	resp, err = http.Get(down.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOpenBackends_UnknownStore(t *testing.T) {
	_, err := openBackends(context.Background(), config.Config{Store: "mongo"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestBackendsClose_RunsInReverse(t *testing.T) {
	var order []string
	b := &backends{closers: []func() error{
		func() error { order = append(order, "db"); return nil },
		func() error { order = append(order, "cache"); return errors.New("boom") },
	}}
	err := b.Close()
	require.Error(t, err)
	assert.Equal(t, []string{"cache", "db"}, order)
}
