package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/time/rate"

	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/retry"
)

const (
	defaultHTTPTimeout      = 30 * time.Second
	defaultMaxResponseBytes = 10 * 1024 * 1024
	maxRedirects            = 10
)

// HTTPOptions tunes the outbound HTTP capability.
type HTTPOptions struct {
	// Transport overrides the SSRF-safe transport. Tests point it at httptest.
	Transport http.RoundTripper
	// AllowPrivateNetworks disables the private address checks.
	AllowPrivateNetworks bool
	// RatePerSecond paces requests across all calls of one instance. Zero
	// disables pacing.
	RatePerSecond float64
	Burst         int
	// MaxResponseBytes caps how much of a body is read. Defaults to 10 MB.
	MaxResponseBytes int64
	Timeout          time.Duration
	Retry            retry.Policy
}

// Request is what sandboxed code asks for.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Response is handed back to sandboxed code. Header names are lowercase.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTP is the outbound request capability. One value serves one instance;
// the request budget itself lives on the per-call core.CallState.
type HTTP struct {
	cfg      core.SecurityConfig
	opts     HTTPOptions
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
}

// NewHTTP builds the capability for cfg.
func NewHTTP(cfg core.SecurityConfig, opts HTTPOptions) *HTTP {
	h := &HTTP{cfg: cfg, opts: opts, maxBytes: opts.MaxResponseBytes}
	if h.maxBytes <= 0 {
		h.maxBytes = defaultMaxResponseBytes
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	transport := opts.Transport
	if transport == nil {
		if opts.AllowPrivateNetworks {
			transport = http.DefaultTransport
		} else {
			transport = &http.Transport{DialContext: ssrfSafeDialContext}
		}
	}
	h.client = &http.Client{
		Timeout:       timeout,
		Transport:     transport,
		CheckRedirect: h.checkRedirect,
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return h
}

func errPrivateAddress(host string) error {
	return core.NewViolation(core.ViolationSecurity, "request to private address %q is not allowed", host)
}

// NormalizeHost lowercases host and converts internationalised names to
// their ASCII form so allowlist matching sees one spelling.
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("http: invalid host %q: %w", host, err)
	}
	return ascii, nil
}

// check applies scheme, allowlist and private-address policy to u.
func (h *HTTP) check(u *url.URL) error {
	switch u.Scheme {
	case "http", "https":
	case "":
		return fmt.Errorf("http: url %q has no scheme", u.String())
	default:
		return core.NewViolation(core.ViolationSecurity, "scheme %q is not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("http: url %q has no host", u.String())
	}
	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return err
	}
	if !h.cfg.AllowsDomain(host) {
		return core.NewViolation(core.ViolationSecurity, "domain %q is not in the allowlist", host)
	}
	if !h.opts.AllowPrivateNetworks && IsPrivateHost(host) {
		return errPrivateAddress(host)
	}
	return nil
}

func (h *HTTP) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("http: too many redirects")
	}
	return h.check(req.URL)
}

// statusError marks a retryable response; the response survives so the
// caller still sees it once attempts run out.
type statusError struct {
	resp *Response
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http: transient status %d", e.resp.Status)
}

// Do performs req on behalf of the call tracked by cs. Policy failures are
// returned as *core.ViolationError: security for scheme, domain and
// private-address denials, limit for an exhausted request budget.
func (h *HTTP) Do(cs *core.CallState, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("http: invalid url: %w", err)
	}
	if err := h.check(u); err != nil {
		return nil, err
	}
	if !cs.TakeRequest(h.cfg.MaxRequests()) {
		return nil, core.NewViolation(core.ViolationLimit, "request budget of %d per call exhausted", h.cfg.MaxRequests())
	}
	ctx := cs.Ctx
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("http: rate limit: %w", err)
		}
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	resp, err := retry.Value(ctx, h.opts.Retry, "http."+strings.ToLower(method), func(ctx context.Context) (*Response, error) {
		return h.roundTrip(ctx, method, u.String(), req)
	})
	var se *statusError
	if errors.As(err, &se) {
		return se.resp, nil
	}
	return resp, err
}

func (h *HTTP) roundTrip(ctx context.Context, method, target string, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("http: %w", err))
	}
	for k, v := range req.Headers {
		if forbiddenHeaders[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("http: reading body: %w", err)
	}
	if int64(len(data)) > h.maxBytes {
		data = data[:h.maxBytes]
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	out := &Response{Status: resp.StatusCode, Headers: headers, Body: string(data)}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return out, &statusError{resp: out}
	}
	return out, nil
}
