// Package mock provides hand-written gateway doubles with function hooks and
// atomic call counters.
package mock

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"transfer-engine/pkg/gateway"
	"transfer-engine/pkg/transfer"
)

// Transport is a mock gateway.Transport.
type Transport struct {
	// SendFunc customizes behavior; the default answers 200 with an empty body.
	SendFunc func(ctx context.Context, req gateway.RawRequest, timeout time.Duration) (*gateway.RawResponse, error)

	sendCalls int64

	mu       sync.Mutex
	requests []gateway.RawRequest
}

// Send implements gateway.Transport.
func (m *Transport) Send(ctx context.Context, req gateway.RawRequest, timeout time.Duration) (*gateway.RawResponse, error) {
	atomic.AddInt64(&m.sendCalls, 1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.SendFunc != nil {
		return m.SendFunc(ctx, req, timeout)
	}
	return &gateway.RawResponse{StatusCode: http.StatusOK}, nil
}

// SendCalls returns the number of Send calls (thread-safe).
func (m *Transport) SendCalls() int {
	return int(atomic.LoadInt64(&m.sendCalls))
}

// Requests returns a copy of every request seen so far.
func (m *Transport) Requests() []gateway.RawRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.RawRequest(nil), m.requests...)
}

// JSON builds a raw response with v encoded as the body.
func JSON(status int, v any) *gateway.RawResponse {
	body, _ := json.Marshal(v)
	return &gateway.RawResponse{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
	}
}

// TransferOK is the bank's envelope for a settled transfer.
func TransferOK(txID string, amount int64) *gateway.RawResponse {
	return JSON(http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"transactionId": txID,
			"status":        gateway.StatusSuccess,
			"amount":        amount,
		},
	})
}

// TransferRejected is the bank's envelope for a business rejection.
func TransferRejected(code, message string) *gateway.RawResponse {
	return JSON(http.StatusOK, map[string]any{
		"success": false,
		"code":    code,
		"message": message,
	})
}

// Gateway is a mock gateway.Gateway.
type Gateway struct {
	NameValue string

	SendFunc   func(ctx context.Context, req transfer.Request) (*gateway.Response, error)
	QueryFunc  func(ctx context.Context, operationKey string) (*gateway.Response, error)
	HealthFunc func(ctx context.Context) error

	sendCalls   int64
	queryCalls  int64
	healthCalls int64
}

// Name implements gateway.Gateway.
func (m *Gateway) Name() string {
	if m.NameValue != "" {
		return m.NameValue
	}
	return "mock"
}

// Send implements gateway.Gateway. The default settles with a fixed tx id.
func (m *Gateway) Send(ctx context.Context, req transfer.Request) (*gateway.Response, error) {
	atomic.AddInt64(&m.sendCalls, 1)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, req)
	}
	return &gateway.Response{RemoteTxID: "tx-" + req.OperationKey, Status: gateway.StatusSuccess, Amount: req.Amount}, nil
}

// QueryTransfer implements gateway.Gateway. The default reports NOT_FOUND.
func (m *Gateway) QueryTransfer(ctx context.Context, operationKey string) (*gateway.Response, error) {
	atomic.AddInt64(&m.queryCalls, 1)
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, operationKey)
	}
	return nil, transfer.Reject(transfer.CodeNotFound, "")
}

// Health implements gateway.Gateway.
func (m *Gateway) Health(ctx context.Context) error {
	atomic.AddInt64(&m.healthCalls, 1)
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// SendCalls returns the number of Send calls (thread-safe).
func (m *Gateway) SendCalls() int {
	return int(atomic.LoadInt64(&m.sendCalls))
}

// QueryCalls returns the number of QueryTransfer calls (thread-safe).
func (m *Gateway) QueryCalls() int {
	return int(atomic.LoadInt64(&m.queryCalls))
}

// HealthCalls returns the number of Health calls (thread-safe).
func (m *Gateway) HealthCalls() int {
	return int(atomic.LoadInt64(&m.healthCalls))
}
