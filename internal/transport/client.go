package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-orchestrator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-orchestrator/internal/metrics"
)

const (
	DefaultTimeout       = 15 * time.Second
	defaultMaxRetries    = 2
	defaultRetryInterval = 250 * time.Millisecond
)

// ErrorDecoder extracts the provider's error code and user-facing message from a rejection body.
type ErrorDecoder func(status int, body []byte) (code, message string)

type Config struct {
	Provider      string
	BaseURL       string
	Headers       map[string]string
	Timeout       time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
	DecodeError   ErrorDecoder
}

// Client is the HTTP transport shared by gateway drivers. Every attempt is bounded by
// Timeout; network failures, timeouts, 429 and 5xx become GatewayUnavailable and other
// non-2xx answers become GatewayError.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger.With(zap.String("provider", cfg.Provider)),
	}
}

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Idempotent requests are retried on transient failures. Charge creation is only
	// marked idempotent when the provider deduplicates it.
	Idempotent bool
	Headers    map[string]string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	var (
		resp    *Response
		attempt int
	)
	op := func() error {
		attempt++
		r, err := c.attempt(ctx, req, payload)
		if err == nil {
			resp = r
			return nil
		}
		if !req.Idempotent || !apperr.Is(err, apperr.GatewayUnavailable) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Warn("Gateway request failed, retrying",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInterval
	policy.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxRetries), ctx))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, req Request, payload []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := strings.TrimRight(c.cfg.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.GatewayRequestDuration.WithLabelValues(c.cfg.Provider, req.Method, "error").Observe(time.Since(start).Seconds())
		return nil, apperr.UnavailableErr(c.cfg.Provider, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	metrics.GatewayRequestDuration.WithLabelValues(c.cfg.Provider, req.Method, strconv.Itoa(httpResp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, apperr.UnavailableErr(c.cfg.Provider, fmt.Errorf("read response: %w", err))
	}

	if err := c.classify(httpResp.StatusCode, raw); err != nil {
		return nil, err
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: raw}, nil
}

func (c *Client) classify(status int, raw []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.UnavailableErr(c.cfg.Provider, fmt.Errorf("provider answered %d", status))
	}

	var code, message string
	if c.cfg.DecodeError != nil {
		code, message = c.cfg.DecodeError(status, raw)
	}
	e := apperr.GatewayErr(c.cfg.Provider, status, code, message, raw)
	c.logger.Info("Gateway rejected request",
		zap.Int("status", status),
		zap.String("code", code),
		zap.String("message", message),
	)
	return e
}
