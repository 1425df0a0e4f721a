package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"transfer-engine/pkg/transfer"
)

// RawRequest is one HTTP exchange as seen by a Transport.
type RawRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// RawResponse is the undecoded answer of a Transport.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport is the network boundary of a gateway client. Implementations must
// honour timeout and ctx, and report failures that happened before a response
// was read as transfer.ErrUnreachable or transfer.ErrTimeout.
type Transport interface {
	Send(ctx context.Context, req RawRequest, timeout time.Duration) (*RawResponse, error)
}

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// HTTPTransport is a Transport over net/http.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport rooted at baseURL. A nil client uses a
// dedicated http.Client with sane connection pooling.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Send performs the exchange under a per-call deadline derived from ctx.
func (t *HTTPTransport) Send(ctx context.Context, req RawRequest, timeout time.Duration) (*RawResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// The server has seen the request; a broken body read is as ambiguous
		// as a timeout.
		return nil, classifyTransportError(ctx, err)
	}

	return &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", transfer.ErrTimeout, err)
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return fmt.Errorf("%w: %v", transfer.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", transfer.ErrUnreachable, err)
}
