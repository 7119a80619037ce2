package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-openbanking/core"
	"github.com/goliatone/go-openbanking/pinning"
	"github.com/goliatone/go-openbanking/ratelimit"
)

const (
	defaultRequestTimeout            = 30 * time.Second
	defaultResponseBodyLimit   int64 = 1 << 20 // 1 MiB
	defaultTLSHandshakeTimeout       = 10 * time.Second
	defaultIdleConnTimeout           = 90 * time.Second
)

// Metadata keys read from core.TransportRequest.Metadata.
const (
	MetadataBankID   = "bank_id"
	MetadataEndpoint = "endpoint"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type PinnedClientConfig struct {
	Timeout time.Duration
	// TLS is cloned; RootCAs and ServerName are kept, VerifyConnection is
	// replaced by the pin check.
	TLS   *tls.Config
	Proxy func(*http.Request) (*url.URL, error)
}

// NewPinnedHTTPClient returns an http.Client whose every TLS handshake is
// checked against the validator's pins. A mismatch aborts the handshake.
func NewPinnedHTTPClient(validator *pinning.Validator, cfg PinnedClientConfig) (*http.Client, error) {
	if validator == nil {
		return nil, core.NewError(core.ErrorKindConfiguration, "transport: certificate validator is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	proxy := cfg.Proxy
	if proxy == nil {
		proxy = http.ProxyFromEnvironment
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	roundTripper := &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       validator.TLSConfig(cfg.TLS),
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		IdleConnTimeout:       defaultIdleConnTimeout,
		MaxIdleConns:          32,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: roundTripper,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// Call carries per-request settings for the JSON and form helpers.
type Call struct {
	BankID   string
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
}

// Client executes bank API calls over an HTTPDoer, normally the pinned
// client, with bounded bodies, per-bank throttling and typed errors.
type Client struct {
	http                 HTTPDoer
	defaultHeaders       map[string]string
	maxResponseBodyBytes int64
	timeout              time.Duration
	throttle             *ratelimit.AdaptivePolicy
	metrics              core.MetricsRecorder
	logger               core.Logger
	now                  func() time.Time
}

type ClientOption func(*Client)

func WithDefaultHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for key, value := range headers {
			if trimmed := strings.TrimSpace(key); trimmed != "" {
				c.defaultHeaders[trimmed] = strings.TrimSpace(value)
			}
		}
	}
}

func WithMaxResponseBodyBytes(limit int64) ClientOption {
	return func(c *Client) {
		if limit > 0 {
			c.maxResponseBodyBytes = limit
		}
	}
}

func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithThrottle(policy *ratelimit.AdaptivePolicy) ClientOption {
	return func(c *Client) {
		c.throttle = policy
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) ClientOption {
	return func(c *Client) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

func WithLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(doer HTTPDoer, opts ...ClientOption) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: defaultRequestTimeout}
	}
	client := &Client{
		http:                 doer,
		defaultHeaders:       map[string]string{},
		maxResponseBodyBytes: defaultResponseBodyLimit,
		timeout:              defaultRequestTimeout,
		metrics:              core.NopMetricsRecorder{},
		logger:               glog.Nop(),
		now:                  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	client.logger = glog.Ensure(client.logger)
	return client
}

// Do sends req and returns the response whatever its status. The error is
// set only when no response could be read.
func (c *Client) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if c == nil || c.http == nil {
		return core.TransportResponse{}, core.NewError(core.ErrorKindConfiguration, "transport: client requires an http doer")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || parsedURL.Host == "" {
		return core.TransportResponse{}, core.NewErrorWithMetadata(
			core.ErrorKindConfiguration,
			err,
			"transport: invalid request url",
			map[string]any{"url": strings.TrimSpace(req.URL)},
		)
	}
	if len(req.Query) > 0 {
		query := parsedURL.Query()
		for key, value := range req.Query {
			if strings.TrimSpace(key) == "" {
				continue
			}
			query.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
		parsedURL.RawQuery = query.Encode()
	}

	key := throttleKey(req.Metadata)
	if c.throttle != nil && key.BankID != "" {
		if err := c.throttle.BeforeCall(ctx, key); err != nil {
			var throttled ratelimit.ThrottledError
			if errors.As(err, &throttled) {
				c.record(ctx, key, method, "throttled", 0)
				return core.TransportResponse{}, throttled.ToServiceError()
			}
			c.logger.Warn("throttle state unavailable", "bank_id", key.BankID, "error", err)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, parsedURL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return core.TransportResponse{}, core.WrapError(core.ErrorKindBadInput, err, "transport: create http request")
	}
	for key, value := range c.defaultHeaders {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if idempotency := strings.TrimSpace(req.Idempotency); idempotency != "" {
		httpReq.Header.Set("x-idempotency-key", idempotency)
	}

	startedAt := c.now()
	httpRes, err := c.http.Do(httpReq)
	if err != nil {
		translated := TranslateTransportError(err)
		c.record(ctx, key, method, string(core.KindOf(translated)), c.now().Sub(startedAt))
		c.logger.Warn("bank request failed",
			"method", method,
			"host", parsedURL.Host,
			"path", parsedURL.Path,
			"error_kind", string(core.KindOf(translated)),
		)
		return core.TransportResponse{}, translated
	}
	defer httpRes.Body.Close()

	limit := c.maxResponseBodyBytes
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, limit+1))
	if err != nil {
		return core.TransportResponse{}, TranslateTransportError(err)
	}
	if int64(len(body)) > limit {
		return core.TransportResponse{}, core.NewErrorWithMetadata(
			core.ErrorKindBankUnavailable,
			nil,
			fmt.Sprintf("transport: response body exceeds limit of %d bytes", limit),
			map[string]any{"status_code": httpRes.StatusCode, "response_limit_b": limit},
		)
	}

	elapsed := c.now().Sub(startedAt)
	response := core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
		Metadata: map[string]any{
			"duration_ms": elapsed.Milliseconds(),
		},
	}
	if c.throttle != nil && key.BankID != "" {
		if err := c.throttle.AfterCall(ctx, key, ratelimit.ResponseMeta{
			StatusCode: response.StatusCode,
			Headers:    response.Headers,
		}); err != nil {
			c.logger.Warn("throttle state update failed", "bank_id", key.BankID, "error", err)
		}
	}
	c.record(ctx, key, method, strconv.Itoa(response.StatusCode), elapsed)
	c.logger.Debug("bank request completed",
		"method", method,
		"host", parsedURL.Host,
		"path", parsedURL.Path,
		"status", response.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return response, nil
}

// PostForm posts an application/x-www-form-urlencoded body and translates
// non-2xx responses into typed errors. The response is returned either way.
func (c *Client) PostForm(ctx context.Context, endpoint string, form url.Values, call Call) (core.TransportResponse, error) {
	headers := mergeHeaders(map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
		"Accept":       "application/json",
	}, call.Headers)
	res, err := c.Do(ctx, core.TransportRequest{
		Method:   http.MethodPost,
		URL:      endpoint,
		Headers:  headers,
		Body:     []byte(form.Encode()),
		Timeout:  call.Timeout,
		Metadata: callMetadata(call),
	})
	if err != nil {
		return core.TransportResponse{}, err
	}
	return res, TranslateHTTPResponse(res)
}

// DoJSON sends in as a JSON body when non-nil and decodes a 2xx body into
// out when non-nil.
func (c *Client) DoJSON(ctx context.Context, method string, endpoint string, in any, out any, call Call) (core.TransportResponse, error) {
	var body []byte
	headers := map[string]string{"Accept": "application/json"}
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return core.TransportResponse{}, core.WrapError(core.ErrorKindBadInput, err, "transport: encode request body")
		}
		body = encoded
		headers["Content-Type"] = "application/json"
	}
	res, err := c.Do(ctx, core.TransportRequest{
		Method:   method,
		URL:      endpoint,
		Headers:  mergeHeaders(headers, call.Headers),
		Body:     body,
		Timeout:  call.Timeout,
		Metadata: callMetadata(call),
	})
	if err != nil {
		return core.TransportResponse{}, err
	}
	if err := TranslateHTTPResponse(res); err != nil {
		return res, err
	}
	if out != nil && len(bytes.TrimSpace(res.Body)) > 0 {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return res, core.NewErrorWithMetadata(
				core.ErrorKindBankUnavailable,
				err,
				"transport: decode response body",
				map[string]any{"status_code": res.StatusCode},
			)
		}
	}
	return res, nil
}

func (c *Client) record(ctx context.Context, key ratelimit.Key, method string, result string, elapsed time.Duration) {
	tags := map[string]string{
		"bank_id":  key.BankID,
		"endpoint": key.Endpoint,
		"method":   method,
		"result":   result,
	}
	c.metrics.IncCounter(ctx, "transport.request.total", 1, tags)
	if elapsed > 0 {
		c.metrics.ObserveHistogram(ctx, "transport.request.duration_ms", float64(elapsed.Milliseconds()), tags)
	}
}

func throttleKey(metadata map[string]any) ratelimit.Key {
	key := ratelimit.Key{}
	if value, ok := metadata[MetadataBankID].(string); ok {
		key.BankID = strings.TrimSpace(value)
	}
	if value, ok := metadata[MetadataEndpoint].(string); ok {
		key.Endpoint = strings.TrimSpace(value)
	}
	return key
}

func callMetadata(call Call) map[string]any {
	metadata := map[string]any{}
	if call.BankID != "" {
		metadata[MetadataBankID] = call.BankID
	}
	if call.Endpoint != "" {
		metadata[MetadataEndpoint] = call.Endpoint
	}
	return metadata
}

func mergeHeaders(base map[string]string, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		if strings.TrimSpace(key) == "" {
			continue
		}
		merged[strings.TrimSpace(key)] = value
	}
	return merged
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			flat[key] = ""
			continue
		}
		flat[key] = strings.Join(values, ",")
	}
	return flat
}
