// Package upstream calls the downstream microservices on behalf of the gateway.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"villagehub.org/internal/auth"
	"villagehub.org/internal/obs"
)

// Service names a downstream.
type Service string

const (
	ServiceCase    Service = "case"
	ServiceAI      Service = "ai"
	ServiceChannel Service = "channel"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 8 << 20
)

var (
	ErrUnknownService = errors.New("upstream: unknown service")
	// ErrUnavailable matches every *TransportError.
	ErrUnavailable = errors.New("upstream: service unavailable")
	// ErrBadResponse is a 2xx answer whose body is not JSON.
	ErrBadResponse = errors.New("upstream: invalid response")
)

// fallbackErrorBody replaces non-JSON error bodies.
var fallbackErrorBody = json.RawMessage(`{"error":"upstream request failed"}`)

// TransportError is a timeout or connection failure talking to Service.
type TransportError struct {
	Service Service
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream %s: timeout: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Service, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrUnavailable }

// Request is one downstream call. Path is relative to the service base URL.
type Request struct {
	Service Service
	Method  string
	Path    string
	Query   url.Values
	Body    []byte
	// Timeout bounds the whole call including retries. Zero means the client default.
	Timeout time.Duration
}

// Response is a downstream answer. Body is always valid JSON or empty.
type Response struct {
	Status int
	Body   json.RawMessage
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Config is the static downstream configuration.
type Config struct {
	BaseURLs   map[Service]string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	// Transport defaults to http.DefaultTransport. It is always wrapped by otelhttp.
	Transport http.RoundTripper
}

// Client is safe for concurrent use. Its configuration never changes after New.
type Client struct {
	bases      map[Service]*url.URL
	apiKey     string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	http       *http.Client
}

// New validates base URLs and builds a client.
func New(cfg Config) (*Client, error) {
	bases := make(map[Service]*url.URL, len(cfg.BaseURLs))
	for name, raw := range cfg.BaseURLs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(strings.TrimRight(raw, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream: invalid base url for %s: %q", name, raw)
		}
		bases[name] = u
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		bases:      bases,
		apiKey:     auth.NormalizeCredential(cfg.APIKey),
		timeout:    timeout,
		retries:    retries,
		retryDelay: delay,
		http:       &http.Client{Transport: otelhttp.NewTransport(base)},
	}, nil
}

// Call performs req. Transport failures come back as *TransportError; downstream
// error statuses come back as a Response with the body relayed.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	base, ok := c.bases[req.Service]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, req.Service)
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target := resolve(base, req.Path, req.Query)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 1
	if method == http.MethodGet {
		attempts += c.retries
	}

	start := time.Now()
	var (
		resp *Response
		err  error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && !sleep(ctx, c.retryDelay) {
			break
		}
		resp, err = c.do(ctx, req.Service, method, target, req.Body)
		if err == nil && resp.Status < 500 {
			break
		}
		if err != nil && !errors.Is(err, ErrUnavailable) {
			break
		}
	}
	c.observe(ctx, req.Service, method, target, resp, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, svc Service, method, target string, body []byte) (*Response, error) {
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(auth.InternalKeyHeader, c.apiKey)
	}
	if rid := obs.RequestIDFromContext(ctx); rid != "" {
		httpReq.Header.Set(obs.RequestIDHeader, rid)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, svc, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(ctx, svc, err)
	}
	out := &Response{Status: res.StatusCode}
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0:
	case json.Valid(raw):
		out.Body = json.RawMessage(raw)
	case out.OK():
		return nil, fmt.Errorf("%w: status %d with non-JSON body", ErrBadResponse, res.StatusCode)
	default:
		out.Body = fallbackErrorBody
	}
	return out, nil
}

func transportError(ctx context.Context, svc Service, err error) error {
	return &TransportError{Service: svc, Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: err}
}

func (c *Client) observe(ctx context.Context, svc Service, method, target string, resp *Response, err error, d time.Duration) {
	outcome := "ok"
	var te *TransportError
	switch {
	case errors.As(err, &te):
		outcome = "unavailable"
		if te.Timeout {
			outcome = "timeout"
		}
	case err != nil:
		outcome = "bad_response"
	case resp.Status >= 500:
		outcome = "server_error"
	case !resp.OK():
		outcome = "client_error"
	}
	obs.ObserveUpstream(string(svc), outcome, d)
	if err != nil || outcome == "server_error" {
		fields := []zap.Field{
			zap.String("service", string(svc)),
			zap.String("method", method),
			zap.String("url", target),
			zap.String("outcome", outcome),
			zap.Duration("duration", d),
			zap.String("request_id", obs.RequestIDFromContext(ctx)),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		obs.Logger().Warn("upstream call failed", fields...)
	}
}

func resolve(base *url.URL, path string, query url.Values) string {
	u := *base
	path = "/" + strings.TrimLeft(path, "/")
	u.Path = strings.TrimRight(base.Path, "/") + path
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
