package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware(okHandler)

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/sale/status", nil)
		req.Header.Set("X-Real-IP", ip)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res.Code
	}

	require.Equal(t, http.StatusOK, do("10.0.0.1"))
	require.Equal(t, http.StatusOK, do("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	require.Equal(t, http.StatusOK, do("10.0.0.2"), "clients are limited separately")

	now = now.Add(time.Second)
	require.Equal(t, http.StatusOK, do("10.0.0.1"), "bucket refills over time")
}

func TestRateLimiterDisabled(t *testing.T) {
	handler := NewRateLimiter(RateLimit{}, nil).Middleware(okHandler)
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, res.Code)
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	require.Equal(t, "192.0.2.7", clientID(req))
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	require.Equal(t, "198.51.100.1", clientID(req))
	req.Header.Set("X-Real-IP", "203.0.113.9")
	require.Equal(t, "203.0.113.9", clientID(req))
}

func TestAuthenticator(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecret: "top-secret", Issuer: "tokensale", Audience: "sale"}
	auth := NewAuthenticator(cfg, nil)
	now := time.Unix(1_700_000_000, 0)
	auth.now = func() time.Time { return now }

	var subject string
	handler := auth.Middleware(ScopeBuy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = r.Context().Value(ContextKeySubject).(string)
		w.WriteHeader(http.StatusOK)
	}))
	do := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/sale/buy", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res.Code
	}

	good, err := IssueToken(cfg, "operator", time.Hour, now, ScopeBuy)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, do(good))
	require.Equal(t, "operator", subject)

	require.Equal(t, http.StatusUnauthorized, do(""))

	readOnly, err := IssueToken(cfg, "viewer", time.Hour, now, "sale:read")
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, do(readOnly))

	expired, err := IssueToken(cfg, "operator", time.Minute, now.Add(-time.Hour), ScopeBuy)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, do(expired))

	other := cfg
	other.HMACSecret = "another-secret"
	forged, err := IssueToken(other, "operator", time.Hour, now, ScopeBuy)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, do(forged))

	wrongIssuer := cfg
	wrongIssuer.Issuer = "someone-else"
	foreign, err := IssueToken(wrongIssuer, "operator", time.Hour, now, ScopeBuy)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, do(foreign))
}

func TestAuthenticatorDisabled(t *testing.T) {
	handler := NewAuthenticator(AuthConfig{}, nil).Middleware(ScopeBuy)(okHandler)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusOK, res.Code)
}

func TestObservabilityLabelsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObservability(ObservabilityConfig{Registerer: reg})
	r := chi.NewRouter()
	r.Use(obs.Middleware)
	r.Get("/v1/sale/balance/{address}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/sale/balance/0xabc", nil))
	require.Equal(t, http.StatusTeapot, res.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(obs.Requests().WithLabelValues("/v1/sale/balance/{address}", "GET", "418")))
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(CORSConfig{})(okHandler)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodOptions, "/v1/sale/buy", nil))
	require.Equal(t, http.StatusNoContent, res.Code)
	require.Equal(t, "*", res.Header().Get("Access-Control-Allow-Origin"))
}
