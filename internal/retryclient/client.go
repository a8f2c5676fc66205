// Package retryclient performs outbound HTTP calls against registered
// endpoints with rate admission, bounded retries, exponential backoff with
// jitter, credential fallback and host fallback.
package retryclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sowbridge/sowbridge/internal/ratelimit"
	"github.com/sowbridge/sowbridge/pkg/clock"
	"github.com/sowbridge/sowbridge/pkg/logger"
	"github.com/sowbridge/sowbridge/pkg/metrics"

	apperrors "github.com/sowbridge/sowbridge/pkg/errors"
)

const maxBodyBytes = 32 << 20

// Client is safe for concurrent use. Rate state is shared by every caller of
// the same endpoint.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	clock      clock.Clock
	jitter     clock.Jitter
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }
func WithLimiter(l *ratelimit.Limiter) Option { return func(c *Client) { c.limiter = l } }
func WithClock(clk clock.Clock) Option        { return func(c *Client) { c.clock = clk } }
func WithJitter(j clock.Jitter) Option        { return func(c *Client) { c.jitter = j } }
func WithMetrics(m *metrics.Metrics) Option   { return func(c *Client) { c.metrics = m } }

// New creates a Client. Without WithLimiter it owns a limiter driven by the
// client's clock.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		clock:      clock.Real{},
		jitter:     clock.UniformJitter{},
		endpoints:  make(map[string]Endpoint),
		logger:     slog.Default().With("component", "retry-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.New(c.clock)
	}
	return c
}

// Register adds or replaces an endpoint and configures its rate interval.
func (c *Client) Register(ep Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.endpoints[ep.Name] = ep
	c.mu.Unlock()
	c.limiter.SetInterval(ep.Name, ep.MinInterval)
	c.logger.Info("endpoint registered",
		"endpoint", ep.Name,
		"min_interval", ep.MinInterval,
		"max_attempts", ep.MaxAttempts,
		"backoff_base", ep.BackoffBase,
		"backoff_cap", ep.BackoffCap,
	)
	return nil
}

// Endpoint returns the registered configuration for name.
func (c *Client) Endpoint(name string) (Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[name]
	return ep, ok
}

// Limiter exposes the limiter so other callers of the same provider can share
// its rate state.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Execute performs spec against endpoint. Rate-limit and server-error
// responses are retried with backoff, consuming the per-URL budget; 401/403
// advances to the next credential without consuming it; a spent budget moves
// on to the next URL. Other 4xx responses fail immediately. If ctx ends while
// waiting for admission or backoff the call returns a deadline error.
func (c *Client) Execute(ctx context.Context, endpoint string, spec RequestSpec) (*Response, error) {
	ep, ok := c.Endpoint(endpoint)
	if !ok {
		return nil, &apperrors.CallError{Kind: apperrors.KindFatal, Endpoint: endpoint, Err: apperrors.ErrUnknownEndpoint}
	}
	if len(spec.URLs) == 0 {
		return nil, &apperrors.CallError{Kind: apperrors.KindFatal, Endpoint: endpoint, Err: fmt.Errorf("%w: no target URL", apperrors.ErrInvalidInput)}
	}
	budget := ep.MaxAttempts
	if spec.MaxAttempts > 0 {
		budget = spec.MaxAttempts
	}
	if spec.MaxAttempts < 0 || budget < 1 {
		return nil, &apperrors.CallError{Kind: apperrors.KindFatal, Endpoint: endpoint, Err: fmt.Errorf("%w: retry budget must be at least 1", apperrors.ErrInvalidInput)}
	}
	if spec.Method == "" {
		spec.Method = http.MethodGet
	}

	start := c.clock.Now()
	k := &call{
		client: c,
		ep:     ep,
		spec:   spec,
		creds:  usableCredentials(spec.Credentials),
		budget: budget,
		log:    logger.FromContext(ctx).With("component", "retry-client", "endpoint", ep.Name),
	}
	resp, err := k.run(ctx)
	c.observeCall(ep.Name, err, c.clock.Now().Sub(start))
	return resp, err
}

// call is the state of one Execute: the sticky credential and the attempt
// count across all URL candidates.
type call struct {
	client   *Client
	ep       Endpoint
	spec     RequestSpec
	creds    []Credential
	credIdx  int
	budget   int
	attempts int
	log      *slog.Logger
}

func (k *call) run(ctx context.Context) (*Response, error) {
	c := k.client
	policy := k.ep.Backoff()
	var last outcome

	for urlIdx, target := range k.spec.URLs {
		if urlIdx > 0 {
			k.log.Warn("falling back to next host", "url", target, "previous_error", last.err)
		}
		remaining := k.budget
		failures := 0
	attempts:
		for remaining > 0 {
			waited, err := c.limiter.Wait(ctx, k.ep.Name)
			if err != nil {
				return nil, k.fail(apperrors.KindDeadline, target, last.status, err)
			}
			c.observeWait(k.ep.Name, waited)

			k.attempts++
			out := c.attempt(ctx, k.ep, k.spec, target, k.credential())
			c.observeAttempt(k.ep.Name, out.class)
			k.log.Debug("attempt finished",
				"attempt", k.attempts,
				"url", target,
				"credential", k.credentialLabel(),
				"status", out.status,
				"result", out.class,
			)

			switch out.class {
			case classSuccess:
				if k.attempts > 1 {
					k.log.Info("succeeded after retry", "attempts", k.attempts, "url", target)
				}
				return &Response{
					StatusCode:      out.status,
					Header:          out.header,
					Body:            out.body,
					Attempts:        k.attempts,
					URL:             target,
					CredentialIndex: k.credIdx,
				}, nil

			case classUnauthorized:
				if k.credIdx+1 < len(k.creds) {
					k.log.Info("credential rejected, trying next",
						"status", out.status,
						"rejected", logger.MaskSecret(k.creds[k.credIdx].Token),
						"next", k.creds[k.credIdx+1].Label,
					)
					k.credIdx++
					continue
				}
				return nil, k.fail(apperrors.KindAuthorization, target, out.status,
					fmt.Errorf("%w: %w", apperrors.ErrCredentialsExhausted, out.err))

			case classDeadline:
				return nil, k.fail(apperrors.KindDeadline, target, out.status,
					fmt.Errorf("%w: %w", apperrors.ErrDeadlineExceeded, out.err))

			case classRejected:
				return nil, k.fail(apperrors.KindFatal, target, out.status, out.err)

			default:
				last = out
				last.url = target
				remaining--
				if remaining == 0 {
					break attempts
				}
				delay := policy.Delay(failures)
				if out.class == classRateLimited && out.hintOK && out.hint > delay {
					delay = out.hint
				}
				delay += policy.Jitter(c.jitter)
				failures++
				k.log.Warn("retryable failure, backing off",
					"attempt", k.attempts,
					"status", out.status,
					"retry_after", out.hint,
					"sleep", delay,
					"remaining", remaining,
					"error", out.err,
				)
				c.observeBackoff(k.ep.Name, out.class, delay)
				if err := c.clock.Sleep(ctx, delay); err != nil {
					return nil, k.fail(apperrors.KindDeadline, target, out.status,
						fmt.Errorf("%w: during backoff: %w", apperrors.ErrDeadlineExceeded, err))
				}
			}
		}
	}

	return nil, k.fail(apperrors.KindTransient, last.url, last.status,
		fmt.Errorf("%w: %w", apperrors.ErrRetriesExhausted, last.err))
}

func (k *call) credential() *Credential {
	if k.credIdx < len(k.creds) {
		return &k.creds[k.credIdx]
	}
	return nil
}

func (k *call) credentialLabel() string {
	if cred := k.credential(); cred != nil {
		return cred.Label
	}
	return "none"
}

func (k *call) fail(kind apperrors.Kind, url string, status int, err error) error {
	callErr := &apperrors.CallError{
		Kind:       kind,
		Endpoint:   k.ep.Name,
		URL:        url,
		Attempts:   k.attempts,
		StatusCode: status,
		Err:        err,
	}
	k.log.Error("outbound call failed",
		"kind", kind,
		"url", url,
		"attempts", k.attempts,
		"status", status,
		"error", err,
	)
	return callErr
}

type attemptClass string

const (
	classSuccess      attemptClass = "ok"
	classRateLimited  attemptClass = "rate_limited"
	classUnauthorized attemptClass = "unauthorized"
	classServerError  attemptClass = "server_error"
	classNetwork      attemptClass = "network_error"
	classRejected     attemptClass = "rejected"
	classDeadline     attemptClass = "deadline"
)

// outcome is the RetryAttempt record of a single try.
type outcome struct {
	class  attemptClass
	status int
	header http.Header
	body   []byte
	hint   time.Duration
	hintOK bool
	url    string
	err    error
}

func (c *Client) attempt(ctx context.Context, ep Endpoint, spec RequestSpec, target string, cred *Credential) outcome {
	var body io.Reader
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, target, body)
	if err != nil {
		return outcome{class: classRejected, err: fmt.Errorf("%w: building request: %v", apperrors.ErrInvalidInput, err)}
	}
	q := req.URL.Query()
	for key, values := range spec.Query {
		q[key] = append([]string(nil), values...)
	}
	for key, values := range spec.Header {
		req.Header[key] = append([]string(nil), values...)
	}
	if cred != nil {
		cred.applyQuery(q)
		cred.applyHeader(req.Header)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return outcome{class: classDeadline, err: ctx.Err()}
		}
		return outcome{class: classNetwork, err: fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return outcome{class: classDeadline, status: resp.StatusCode, err: ctx.Err()}
		}
		return outcome{class: classNetwork, status: resp.StatusCode, err: fmt.Errorf("%w: reading body: %v", apperrors.ErrNetwork, err)}
	}
	c.observeQuota(ep.Name, resp.Header)

	out := outcome{status: resp.StatusCode, header: resp.Header, body: data}
	switch {
	case resp.StatusCode < 400:
		out.class = classSuccess
	case resp.StatusCode == http.StatusTooManyRequests:
		out.class = classRateLimited
		out.hint, out.hintOK = ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now())
		out.err = statusError(apperrors.ErrRateLimited, resp.StatusCode, data)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		out.class = classUnauthorized
		out.err = statusError(apperrors.ErrUnauthorized, resp.StatusCode, data)
	case resp.StatusCode >= 500:
		out.class = classServerError
		out.err = statusError(apperrors.ErrServerError, resp.StatusCode, data)
	case resp.StatusCode == http.StatusNotFound:
		out.class = classRejected
		out.err = statusError(apperrors.ErrNotFound, resp.StatusCode, data)
	default:
		out.class = classRejected
		out.err = statusError(apperrors.ErrUpstreamRejected, resp.StatusCode, data)
	}
	return out
}

func statusError(sentinel error, status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	if snippet == "" {
		return fmt.Errorf("%w (status %d)", sentinel, status)
	}
	return fmt.Errorf("%w (status %d): %s", sentinel, status, snippet)
}

func (c *Client) observeWait(endpoint string, waited time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RateLimitWaitSeconds.WithLabelValues(endpoint).Observe(waited.Seconds())
}

func (c *Client) observeAttempt(endpoint string, class attemptClass) {
	if c.metrics == nil {
		return
	}
	c.metrics.OutboundAttemptsTotal.WithLabelValues(endpoint, string(class)).Inc()
}

func (c *Client) observeBackoff(endpoint string, class attemptClass, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.BackoffSleepSeconds.WithLabelValues(endpoint, string(class)).Observe(d.Seconds())
}

func (c *Client) observeCall(endpoint string, err error, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = apperrors.KindOf(err).String()
	}
	c.metrics.OutboundCallsTotal.WithLabelValues(endpoint, outcome).Inc()
	c.metrics.OutboundCallDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// observeQuota records the provider's X-RateLimit-* headers when present.
func (c *Client) observeQuota(endpoint string, h http.Header) {
	used, remaining := h.Get("X-RateLimit-Used"), h.Get("X-RateLimit-Remaining")
	if used == "" && remaining == "" {
		return
	}
	c.logger.Debug("provider quota", "endpoint", endpoint, "used", used, "remaining", remaining)
	if c.metrics == nil || remaining == "" {
		return
	}
	if n, err := strconv.ParseFloat(remaining, 64); err == nil {
		c.metrics.ProviderQuotaRemaining.WithLabelValues(endpoint).Set(n)
	}
}
