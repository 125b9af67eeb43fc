package capability

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/retry"
)

func securityConfig(t *testing.T, maxRequests uint, domains ...string) core.SecurityConfig {
	t.Helper()
	opts := core.DefaultSecurityOptions()
	opts.MaxRequests = maxRequests
	if len(domains) > 0 {
		opts.AllowedDomains = domains
	}
	cfg, err := core.NewSecurityConfig(opts)
	require.NoError(t, err)
	return cfg
}

func newCall() *core.CallState {
	return core.NewCallState(context.Background(), core.ExecutionCall{ID: 1, Kind: core.CallProcess, Start: time.Now()})
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2, RandomizationFactor: 0.25}
}

func TestHTTPGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.Empty(t, r.Header.Get("X-Forwarded-For"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":42}`))
	}))
	defer srv.Close()

	h := NewHTTP(securityConfig(t, 5), HTTPOptions{AllowPrivateNetworks: true, Retry: fastRetry()})
	resp, err := h.Do(newCall(), Request{
		Method:  "GET",
		URL:     srv.URL,
		Headers: map[string]string{"X-Test": "yes", "X-Forwarded-For": "1.2.3.4"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, `{"price":42}`, resp.Body)
	assert.Equal(t, "application/json", resp.Headers["content-type"])
}

func TestHTTPDomainNotAllowed(t *testing.T) {
	h := NewHTTP(securityConfig(t, 5, "api.example.com"), HTTPOptions{})
	cs := newCall()
	_, err := h.Do(cs, Request{URL: "https://evil.example.org/"})
	assert.ErrorIs(t, err, core.ErrSecurityViolation)
	assert.Equal(t, uint(0), cs.Requests(), "denied requests must not consume budget")
}

func TestHTTPWildcardSubdomain(t *testing.T) {
	cfg := securityConfig(t, 5, "*.example.com")
	assert.True(t, cfg.AllowsDomain("api.example.com"))
	assert.False(t, cfg.AllowsDomain("example.com"))
	assert.False(t, cfg.AllowsDomain("badexample.com"))
}

func TestHTTPSchemeNotAllowed(t *testing.T) {
	h := NewHTTP(securityConfig(t, 5), HTTPOptions{})
	_, err := h.Do(newCall(), Request{URL: "file:///etc/passwd"})
	assert.ErrorIs(t, err, core.ErrSecurityViolation)
}

func TestHTTPPrivateAddressBlocked(t *testing.T) {
	h := NewHTTP(securityConfig(t, 5), HTTPOptions{})
	for _, u := range []string{"http://127.0.0.1:8080/", "http://localhost/", "http://[::1]/", "http://169.254.169.254/latest",
		"http://[::]:8080/", "http://0.0.0.0:8080/", "http://[::ffff:127.0.0.1]/", "http://[ff02::1]/"} {
		_, err := h.Do(newCall(), Request{URL: u})
		assert.ErrorIs(t, err, core.ErrSecurityViolation, u)
	}
}

func TestIsPrivateIPUnspecified(t *testing.T) {
	for _, addr := range []string{"::", "0.0.0.0", "::1", "::ffff:10.0.0.1", "fe80::1", "224.0.0.1"} {
		assert.True(t, IsPrivateIP(net.ParseIP(addr)), addr)
	}
	for _, addr := range []string{"93.184.216.34", "2606:2800:220:1::1"} {
		assert.False(t, IsPrivateIP(net.ParseIP(addr)), addr)
	}
}

func TestHTTPIDNHostNormalised(t *testing.T) {
	host, err := NormalizeHost("BÜCHER.example")
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", host)
}

func TestHTTPRequestBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h := NewHTTP(securityConfig(t, 2), HTTPOptions{AllowPrivateNetworks: true, Retry: fastRetry()})
	cs := newCall()
	for i := 0; i < 2; i++ {
		_, err := h.Do(cs, Request{URL: srv.URL})
		require.NoError(t, err)
	}
	_, err := h.Do(cs, Request{URL: srv.URL})
	assert.ErrorIs(t, err, core.ErrResourceLimitExceeded)
	assert.Equal(t, int32(2), hits.Load())

	// A fresh call starts with a fresh budget.
	next := core.NewCallState(context.Background(), core.ExecutionCall{ID: 2, RequestsAtStart: cs.Requests()})
	_, err = h.Do(next, Request{URL: srv.URL})
	assert.NoError(t, err)
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	h := NewHTTP(securityConfig(t, 5), HTTPOptions{AllowPrivateNetworks: true, Retry: fastRetry()})
	resp, err := h.Do(newCall(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Body)
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPReturnsLastResponseWhenRetriesRunOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := NewHTTP(securityConfig(t, 5), HTTPOptions{AllowPrivateNetworks: true, Retry: fastRetry()})
	resp, err := h.Do(newCall(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
}

func TestHTTPRedirectRechecked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://forbidden.example.net/", http.StatusFound)
	}))
	defer srv.Close()

	h := NewHTTP(securityConfig(t, 5, "127.0.0.1"), HTTPOptions{AllowPrivateNetworks: true, Retry: fastRetry()})
	_, err := h.Do(newCall(), Request{URL: srv.URL})
	assert.ErrorIs(t, err, core.ErrSecurityViolation)
}

func TestHTTPResponseCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	h := NewHTTP(securityConfig(t, 5), HTTPOptions{AllowPrivateNetworks: true, MaxResponseBytes: 4, Retry: fastRetry()})
	resp, err := h.Do(newCall(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "0123", resp.Body)
}
