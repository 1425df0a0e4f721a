// Package gateway is the typed client of the external bank API. Each call is
// exactly one request/response exchange under a hard timeout; the client
// never retries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/transfer"
)

// Operation names used in logs and metrics.
const (
	OpTransfer = "transfer"
	OpQuery    = "query"
	OpHealth   = "health"
)

// Gateway is what the orchestrator and the operator API need from a bank
// counterpart. *Client implements it and resilience.Gateway decorates it.
type Gateway interface {
	Name() string

	// Send moves money. It is never retried.
	Send(ctx context.Context, req transfer.Request) (*Response, error)

	// QueryTransfer looks up a transfer by the operation key sent as clientReference.
	QueryTransfer(ctx context.Context, operationKey string) (*Response, error)

	// Health checks the bank's health endpoint.
	Health(ctx context.Context) error
}

// ErrNotDispatched marks a Send failure that happened before the transfer
// request left the process, e.g. a failed token refresh. Money cannot have moved.
var ErrNotDispatched = errors.New("gateway: transfer not dispatched")

// Response is the bank's answer to a transfer or a status lookup.
type Response struct {
	RemoteTxID  string
	Status      string
	Amount      int64
	ProcessedAt time.Time
}

// Final reports whether the bank has settled the transfer.
func (r *Response) Final() bool {
	return r.Status == StatusSuccess
}

// Config holds the gateway client configuration.
type Config struct {
	// Name identifies the gateway in logs, metrics and breaker state.
	Name string `mapstructure:"name" yaml:"name"`

	// BaseURL is the bank API root, e.g. https://bank.example.com
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Timeout bounds every call.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// AmountScale is the number of decimal places of the currency on the wire.
	AmountScale int32 `mapstructure:"amount_scale" yaml:"amount_scale"`

	// AppKey and AppSecret enable bearer tokens when set.
	AppKey    string `mapstructure:"app_key" yaml:"app_key"`
	AppSecret string `mapstructure:"app_secret" yaml:"app_secret"`
	TokenPath string `mapstructure:"token_path" yaml:"token_path"`
}

// DefaultConfig returns a configuration for a local bank simulator.
func DefaultConfig() Config {
	return Config{
		Name:        "hana-bank",
		BaseURL:     "http://localhost:8081",
		Timeout:     5 * time.Second,
		AmountScale: 0,
		TokenPath:   "/oauth2/token",
	}
}

// Client is the gateway client for one bank.
type Client struct {
	cfg       Config
	transport Transport
	tokens    *TokenSource
	logger    *logging.Logger
	metrics   metrics.MetricsCollector
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTokenSource sets the bearer token source.
func WithTokenSource(ts *TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// NewClient creates a client. When cfg carries an AppKey and no token source
// is given, one is built on the same transport.
func NewClient(cfg Config, transport Transport, opts ...Option) *Client {
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	c := &Client{
		cfg:       cfg,
		transport: transport,
		logger:    logging.Global(),
		metrics:   metrics.NoOpCollector{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("gateway").With(logging.Gateway(cfg.Name))
	c.metrics = metrics.OrNoOp(c.metrics)

	if c.tokens == nil && cfg.AppKey != "" {
		c.tokens = NewTokenSource(TokenConfig{
			AppKey:    cfg.AppKey,
			AppSecret: cfg.AppSecret,
			Path:      cfg.TokenPath,
			Timeout:   cfg.Timeout,
		}, transport)
	}
	return c
}

// Name returns the gateway name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Timeout returns the per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Tokens returns the token source, or nil when the gateway is unauthenticated.
func (c *Client) Tokens() *TokenSource {
	return c.tokens
}

// Send executes an immediate transfer.
//
// Once the request leaves, the caller's cancellation no longer aborts it: the
// call runs to its own timeout so the outcome is observed rather than lost.
func (c *Client) Send(ctx context.Context, req transfer.Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := encodeTransfer(req, c.cfg.AmountScale)
	if err != nil {
		return nil, fmt.Errorf("%w: encode transfer: %w", ErrNotDispatched, err)
	}
	header, err := c.headers(ctx)
	if err != nil {
		c.record(OpTransfer, err, time.Now())
		return nil, fmt.Errorf("%w: %w", ErrNotDispatched, err)
	}
	header.Set(HeaderIdempotencyKey, req.OperationKey)
	if req.Source.CustomerRef != "" {
		header.Set(HeaderUserCI, req.Source.CustomerRef)
	}

	start := time.Now()
	raw, err := c.transport.Send(context.WithoutCancel(ctx), RawRequest{
		Method: http.MethodPost,
		Path:   pathImmediateTransfer,
		Header: header,
		Body:   body,
	}, c.cfg.Timeout)
	if err == nil {
		c.observeAuth(raw)
		var resp *Response
		resp, err = decodeTransfer(raw, c.cfg.AmountScale)
		if err == nil {
			c.record(OpTransfer, nil, start)
			c.logger.Debug("transfer answered",
				logging.OperationKey(req.OperationKey),
				logging.RemoteTx(resp.RemoteTxID),
				zap.String("status", resp.Status))
			return resp, nil
		}
	}

	c.record(OpTransfer, err, start)
	return nil, err
}

// QueryTransfer looks up a transfer by its client reference.
func (c *Client) QueryTransfer(ctx context.Context, operationKey string) (*Response, error) {
	header, err := c.headers(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := c.transport.Send(ctx, RawRequest{
		Method: http.MethodGet,
		Path:   pathTransferStatus + url.PathEscape(operationKey),
		Header: header,
	}, c.cfg.Timeout)
	if err == nil {
		c.observeAuth(raw)
		var resp *Response
		resp, err = decodeStatus(raw, c.cfg.AmountScale)
		if err == nil {
			c.record(OpQuery, nil, start)
			return resp, nil
		}
	}
	if errors.Is(err, transfer.ErrMalformedResponse) {
		c.logger.Warn("ambiguous status response", logging.OperationKey(operationKey), zap.Error(err))
	}

	c.record(OpQuery, err, start)
	return nil, err
}

// Health calls the bank's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	start := time.Now()
	raw, err := c.transport.Send(ctx, RawRequest{
		Method: http.MethodGet,
		Path:   pathHealth,
	}, c.cfg.Timeout)
	if err == nil {
		err = decodeHealth(raw)
	}
	if errors.Is(err, transfer.ErrMalformedResponse) {
		c.logger.Warn("ambiguous health response", zap.Error(err))
	}
	c.record(OpHealth, err, start)
	return err
}

func (c *Client) headers(ctx context.Context) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", "Bearer "+tok)
	}
	return h, nil
}

// observeAuth drops a cached token the bank no longer accepts.
func (c *Client) observeAuth(raw *RawResponse) {
	if raw.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		c.tokens.Invalidate()
	}
}

func (c *Client) record(op string, err error, start time.Time) {
	class := "ok"
	if err != nil {
		class = transfer.ClassifyError(err)
	}
	c.metrics.RecordGatewayCall(c.cfg.Name, op, class, time.Since(start))
}
