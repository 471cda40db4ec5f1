package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"trustgate/internal/domain"
	"trustgate/internal/metrics"
	"trustgate/internal/sandbox"
	"trustgate/internal/security"
)

// Default network settings.
const (
	defaultRequestTimeout  = 30 * time.Second
	defaultMaxResponseSize = 5 * 1024 * 1024
	defaultCBMaxFailures   = 5
	defaultCBInterval      = 60 * time.Second
	defaultCBTimeout       = 30 * time.Second
)

// NetworkConfig configures the plugin HTTP client.
type NetworkConfig struct {
	RequestTimeout  time.Duration
	MaxResponseSize int64
	AllowedHosts    []string
	RatePerSecond   float64 // 0 disables per-plugin rate limiting
	Burst           int
	MaxFailures     uint32
	BreakerInterval time.Duration
	BreakerTimeout  time.Duration
}

func (c NetworkConfig) withDefaults() NetworkConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = defaultMaxResponseSize
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = defaultCBMaxFailures
	}
	if c.BreakerInterval == 0 {
		c.BreakerInterval = defaultCBInterval
	}
	if c.BreakerTimeout == 0 {
		c.BreakerTimeout = defaultCBTimeout
	}
	return c
}

// Request is an outbound HTTP request made on behalf of a plugin.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response is what the plugin gets back.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// URLValidator approves outbound URLs.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) (*url.URL, error)
}

// Network performs plugin HTTP requests behind the SSRF guard, the network
// quota, a per-plugin rate limiter and a per-host circuit breaker.
type Network struct {
	cfg     NetworkConfig
	guard   URLValidator
	client  *http.Client
	quotas  *sandbox.QuotaManager
	metrics *metrics.Collector
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker[Response]
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithHTTPClient replaces the SSRF-safe client.
func WithHTTPClient(c *http.Client) NetworkOption { return func(n *Network) { n.client = c } }

// WithURLValidator replaces the host allow list guard.
func WithURLValidator(v URLValidator) NetworkOption { return func(n *Network) { n.guard = v } }

// WithMetrics records request traffic.
func WithMetrics(c *metrics.Collector) NetworkOption { return func(n *Network) { n.metrics = c } }

// NewNetwork creates the network service.
func NewNetwork(cfg NetworkConfig, quotas *sandbox.QuotaManager, logger *slog.Logger, opts ...NetworkOption) *Network {
	cfg = cfg.withDefaults()
	n := &Network{
		cfg:      cfg,
		guard:    security.NewURLGuard(cfg.AllowedHosts),
		quotas:   quotas,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker[Response]),
	}
	for _, o := range opts {
		o(n)
	}
	if n.client == nil {
		n.client = &http.Client{
			Transport: security.NewSSRFSafeTransport(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				_, err := n.guard.Validate(req.Context(), req.URL.String())
				return err
			},
		}
	}
	return n
}

// Get fetches rawURL and returns the body of a 2xx response.
func (n *Network) Get(ctx context.Context, pluginID, rawURL string) ([]byte, error) {
	resp, err := n.Do(ctx, pluginID, Request{Method: http.MethodGet, URL: rawURL})
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, domain.NewPluginError(pluginID, "Network.Get", domain.ErrExecutionFailed,
			fmt.Sprintf("GET %s: status %d", rawURL, resp.Status))
	}
	return resp.Body, nil
}

// errUpstream marks a 5xx response so it counts against the breaker while
// still being handed to the plugin.
var errUpstream = errors.New("upstream server error")

// Do performs req for pluginID.
func (n *Network) Do(ctx context.Context, pluginID string, req Request) (Response, error) {
	const op = "Network.Do"

	u, err := n.guard.Validate(ctx, req.URL)
	if err != nil {
		return Response{}, err
	}
	if err := n.quotas.RegisterNetworkRequest(pluginID); err != nil {
		return Response{}, err
	}

	var resp Response
	err = Blocking(ctx, func() error {
		if err := n.limiter(pluginID).Wait(ctx); err != nil {
			return domain.NewSubSystemError("network", op, domain.ErrTimeout, "rate limit wait: "+err.Error())
		}
		var berr error
		resp, berr = n.breaker(u.Host).Execute(func() (Response, error) {
			return n.roundTrip(ctx, pluginID, u, req)
		})
		return berr
	})

	switch {
	case errors.Is(err, errUpstream):
		err = nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Response{}, domain.NewSubSystemError("network", op, domain.ErrCircuitOpen, u.Host)
	}
	if err != nil {
		return Response{}, err
	}
	if n.metrics != nil {
		n.metrics.RecordNetwork(pluginID, uint64(len(req.Body)), uint64(len(resp.Body)))
	}
	return resp, nil
}

func (n *Network) roundTrip(ctx context.Context, pluginID string, u *url.URL, req Request) (Response, error) {
	const op = "Network.Do"
	ctx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout)
	defer cancel()

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return Response{}, domain.NewSubSystemError("network", op, domain.ErrInvalidInput, err.Error())
	}
	for k, v := range req.Headers {
		if !validHeader(k, v) {
			n.logger.Warn("dropping invalid request header", "plugin", pluginID, "header", k)
			continue
		}
		hreq.Header.Set(k, v)
	}

	hresp, err := n.client.Do(hreq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, domain.NewSubSystemError("network", op, domain.ErrExecutionTimeout,
				fmt.Sprintf("%s %s after %s", method, u.Host, n.cfg.RequestTimeout))
		}
		if errors.Is(err, domain.ErrSSRFBlocked) {
			return Response{}, err
		}
		return Response{}, domain.NewPluginError(pluginID, op, domain.ErrExecutionFailed, err.Error())
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, n.cfg.MaxResponseSize+1))
	if err != nil {
		return Response{}, domain.NewPluginError(pluginID, op, domain.ErrExecutionFailed, "read response: "+err.Error())
	}
	if int64(len(data)) > n.cfg.MaxResponseSize {
		return Response{}, domain.NewPluginError(pluginID, op, &domain.LimitError{
			Kind: domain.ErrLimitReached, Used: float64(len(data)), Limit: float64(n.cfg.MaxResponseSize), Unit: "bytes",
		}, "response too large")
	}

	resp := Response{Status: hresp.StatusCode, Body: data, Headers: make(map[string]string, len(hresp.Header))}
	for k := range hresp.Header {
		resp.Headers[k] = hresp.Header.Get(k)
	}
	if hresp.StatusCode >= 500 {
		return resp, errUpstream
	}
	return resp, nil
}

func (n *Network) limiter(pluginID string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[pluginID]
	if !ok {
		limit := rate.Inf
		if n.cfg.RatePerSecond > 0 {
			limit = rate.Limit(n.cfg.RatePerSecond)
		}
		l = rate.NewLimiter(limit, n.cfg.Burst)
		n.limiters[pluginID] = l
	}
	return l
}

func (n *Network) breaker(host string) *gobreaker.CircuitBreaker[Response] {
	n.mu.Lock()
	defer n.mu.Unlock()
	cb, ok := n.breakers[host]
	if !ok {
		maxFailures := n.cfg.MaxFailures
		cb = gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
			Name:        "net:" + host,
			MaxRequests: 1,
			Interval:    n.cfg.BreakerInterval,
			Timeout:     n.cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				n.logger.Warn("circuit breaker state change",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
			IsSuccessful: func(err error) bool {
				// Guard and client-side failures say nothing about the host.
				return err == nil || errors.Is(err, domain.ErrSSRFBlocked) || errors.Is(err, domain.ErrInvalidInput)
			},
		})
		n.breakers[host] = cb
	}
	return cb
}

// BreakerState reports the breaker state for host.
func (n *Network) BreakerState(host string) gobreaker.State {
	return n.breaker(host).State()
}

// Forget drops pluginID's rate limiter.
func (n *Network) Forget(pluginID string) {
	n.mu.Lock()
	delete(n.limiters, pluginID)
	n.mu.Unlock()
}

func validHeader(k, v string) bool {
	if k == "" || strings.ContainsAny(k, " \t\r\n:") || strings.ContainsAny(v, "\r\n") {
		return false
	}
	switch strings.ToLower(k) {
	case "host", "content-length", "transfer-encoding", "connection":
		return false
	}
	return true
}
