package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"transfer-engine/pkg/gateway"
	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/transfer"
)

// Gateway wraps a gateway.Gateway with a circuit breaker. Money-moving calls
// get exactly one attempt; read paths go through the retry policy, with each
// attempt passing the breaker.
type Gateway struct {
	inner   gateway.Gateway
	breaker *Breaker
	retry   *RetryPolicy
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewGateway creates a resilient gateway. A nil retry policy disables retries.
func NewGateway(inner gateway.Gateway, breaker *Breaker, retry *RetryPolicy) *Gateway {
	return NewGatewayWithMetrics(inner, breaker, retry, metrics.NoOpCollector{})
}

// NewGatewayWithMetrics creates a resilient gateway with a custom metrics collector.
func NewGatewayWithMetrics(inner gateway.Gateway, breaker *Breaker, retry *RetryPolicy, metricsCollector metrics.MetricsCollector) *Gateway {
	if retry == nil {
		retry = NewRetryPolicy(RetryConfig{MaxAttempts: 1})
	}
	return &Gateway{
		inner:   inner,
		breaker: breaker,
		retry:   retry,
		metrics: metrics.OrNoOp(metricsCollector),
		logger:  logging.Global().Named("resilience").Named(inner.Name()),
	}
}

// Name returns the name of the underlying gateway.
func (g *Gateway) Name() string {
	return g.inner.Name()
}

// Breaker returns the breaker guarding the gateway.
func (g *Gateway) Breaker() *Breaker {
	return g.breaker
}

// Send moves money through the breaker. An open circuit returns an error
// matching transfer.ErrCircuitOpen without invoking the inner gateway.
func (g *Gateway) Send(ctx context.Context, req transfer.Request) (*gateway.Response, error) {
	var resp *gateway.Response
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = g.inner.Send(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// QueryTransfer looks up a transfer with retries.
func (g *Gateway) QueryTransfer(ctx context.Context, operationKey string) (*gateway.Response, error) {
	var resp *gateway.Response
	err := g.retry.do(ctx, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			resp, err = g.inner.QueryTransfer(ctx, operationKey)
			return err
		})
	}, g.notify(gateway.OpQuery, logging.OperationKey(operationKey)))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Health checks the gateway with retries.
func (g *Gateway) Health(ctx context.Context) error {
	return g.retry.do(ctx, func(ctx context.Context) error {
		return g.breaker.Execute(ctx, g.inner.Health)
	}, g.notify(gateway.OpHealth))
}

func (g *Gateway) notify(op string, fields ...zap.Field) notifyFunc {
	return func(attempt int, err error, wait time.Duration) {
		g.metrics.RecordRetry(g.inner.Name(), op, attempt)
		g.logger.Info("retrying gateway read",
			append(fields,
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err),
			)...,
		)
	}
}
