package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"transfer-engine/pkg/transfer"
)

// RetryFunc runs op under a retry policy. It is how read-only calls such as
// token refresh get retried without the gateway package knowing the policy.
type RetryFunc func(ctx context.Context, op func(context.Context) error) error

// TokenConfig configures the OAuth client-credentials exchange.
type TokenConfig struct {
	AppKey    string
	AppSecret string
	Path      string
	Timeout   time.Duration

	// Skew is subtracted from the expiry so a token is never used in its last moments.
	Skew time.Duration
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenSource caches a bearer token and refreshes it on expiry.
// Concurrent refreshes collapse into one request.
type TokenSource struct {
	cfg       TokenConfig
	transport Transport
	retry     RetryFunc
	now       func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time

	group singleflight.Group
}

// NewTokenSource creates a token source using transport for the exchange.
func NewTokenSource(cfg TokenConfig, transport Transport) *TokenSource {
	if cfg.Path == "" {
		cfg.Path = "/oauth2/token"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Skew == 0 {
		cfg.Skew = time.Minute
	}
	return &TokenSource{cfg: cfg, transport: transport, now: time.Now}
}

// WithRetry sets the policy used for refresh calls.
func (ts *TokenSource) WithRetry(retry RetryFunc) *TokenSource {
	ts.retry = retry
	return ts
}

// Token returns a valid access token, refreshing it if needed.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.token != "" && ts.now().Before(ts.expires) {
		tok := ts.token
		ts.mu.Unlock()
		return tok, nil
	}
	ts.mu.Unlock()

	v, err, _ := ts.group.Do("token", func() (any, error) {
		return ts.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, e.g. after the bank answered 401.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
	ts.expires = time.Time{}
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	var tok tokenResponse
	fetch := func(ctx context.Context) error {
		var err error
		tok, err = ts.fetch(ctx)
		return err
	}

	var err error
	if ts.retry != nil {
		err = ts.retry(ctx, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = tok.AccessToken
	ts.expires = ts.now().Add(time.Duration(tok.ExpiresIn)*time.Second - ts.cfg.Skew)
	return ts.token, nil
}

func (ts *TokenSource) fetch(ctx context.Context) (tokenResponse, error) {
	body, err := json.Marshal(tokenRequest{
		GrantType: "client_credentials",
		AppKey:    ts.cfg.AppKey,
		AppSecret: ts.cfg.AppSecret,
	})
	if err != nil {
		return tokenResponse{}, err
	}

	raw, err := ts.transport.Send(ctx, RawRequest{
		Method: http.MethodPost,
		Path:   ts.cfg.Path,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}, ts.cfg.Timeout)
	if err != nil {
		return tokenResponse{}, err
	}
	if raw.StatusCode >= 500 {
		return tokenResponse{}, fmt.Errorf("%w: token HTTP %d", transfer.ErrUnreachable, raw.StatusCode)
	}
	if raw.StatusCode >= 400 {
		return tokenResponse{}, transfer.Reject("AUTH_FAILED", fmt.Sprintf("token HTTP %d", raw.StatusCode))
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw.Body, &tok); err != nil || tok.AccessToken == "" || tok.ExpiresIn <= 0 {
		return tokenResponse{}, fmt.Errorf("%w: token response", transfer.ErrMalformedResponse)
	}
	return tok, nil
}
