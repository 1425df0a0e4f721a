// Package orchestrator runs one transfer attempt end to end: validate,
// reserve the operation key, dispatch through the breaker-wrapped gateway and
// write the outcome to the ledger. It never retries a money-moving call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"transfer-engine/pkg/gateway"
	"transfer-engine/pkg/idempotency"
	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/transfer"
)

// LedgerWriteTimeout bounds the ledger and contract writes that follow a
// dispatched call. Those writes ignore caller cancellation.
const LedgerWriteTimeout = 10 * time.Second

// Outcome is the result of one Execute call.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeFailed           Outcome = "failed"
	OutcomeUnknown          Outcome = "unknown"
	// OutcomeNotAttempted means nothing reached the gateway and no row was written.
	OutcomeNotAttempted Outcome = "not_attempted"
)

// Phase is how far an attempt got.
type Phase string

const (
	PhaseValidating     Phase = "VALIDATING"
	PhaseDispatching    Phase = "DISPATCHING"
	PhaseAwaitingResult Phase = "AWAITING_RESULT"
)

// Result describes an attempt. Record is the ledger row written by this
// attempt, or the prior SUCCESS row for OutcomeAlreadyCompleted.
type Result struct {
	OperationKey string                    `json:"operation_key"`
	Outcome      Outcome                   `json:"outcome"`
	Phase        Phase                     `json:"phase"`
	Record       *transfer.ExecutionRecord `json:"record,omitempty"`
}

// RemoteTxID returns the bank transaction id, if any.
func (r *Result) RemoteTxID() string {
	if r == nil || r.Record == nil {
		return ""
	}
	return r.Record.RemoteTxID
}

// Orchestrator executes transfers.
type Orchestrator struct {
	gateway   gateway.Gateway
	guard     *idempotency.Guard
	contracts transfer.RecurringContractStore
	accounts  transfer.AccountLinkLookup
	metrics   metrics.MetricsCollector
	logger    *logging.Logger
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithContracts enables last-execution bookkeeping on recurring contracts.
func WithContracts(s transfer.RecurringContractStore) Option {
	return func(o *Orchestrator) { o.contracts = s }
}

// WithAccounts enables Submit.
func WithAccounts(a transfer.AccountLinkLookup) Option {
	return func(o *Orchestrator) { o.accounts = a }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = metrics.OrNoOp(c) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. gw is normally a *resilience.Gateway.
func New(gw gateway.Gateway, guard *idempotency.Guard, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway: gw,
		guard:   guard,
		metrics: metrics.NoOpCollector{},
		logger:  logging.Global(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("orchestrator").With(logging.Gateway(gw.Name()))
	return o
}

// Execute performs one attempt of req.
//
// Errors:
//   - *transfer.ValidationError: nothing written.
//   - ctx.Err(): cancelled before dispatch, nothing written.
//   - transfer.ErrCircuitOpen: FAILED row, gateway not called.
//   - *transfer.RejectedError: FAILED row.
//   - *transfer.UnknownOutcomeError: UNKNOWN row, reconcile before retrying.
//
// A key that already succeeded returns OutcomeAlreadyCompleted and a nil error.
func (o *Orchestrator) Execute(ctx context.Context, req transfer.Request) (*Result, error) {
	return o.execute(ctx, req, nil)
}

// precheck runs under the reservation before dispatch.
type precheck func(ctx context.Context, res *idempotency.Reservation) error

func (o *Orchestrator) execute(ctx context.Context, req transfer.Request, check precheck) (*Result, error) {
	start := time.Now()
	result := &Result{OperationKey: req.OperationKey, Outcome: OutcomeNotAttempted, Phase: PhaseValidating}

	if err := req.Validate(); err != nil {
		o.observe(req, "invalid", start)
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	res, err := o.guard.Reserve(ctx, req.OperationKey)
	if err != nil {
		return result, err
	}
	defer res.Release()

	if res.AlreadySucceeded() {
		result.Outcome = OutcomeAlreadyCompleted
		result.Record = res.Prior()
		o.observe(req, string(OutcomeAlreadyCompleted), start)
		o.logger.Info("transfer already completed",
			logging.OperationKey(req.OperationKey),
			logging.RemoteTx(result.RemoteTxID()))
		return result, nil
	}

	if check != nil {
		if err := check(ctx, res); err != nil {
			return result, err
		}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	result.Phase = PhaseDispatching
	resp, sendErr := o.gateway.Send(ctx, req)
	if isCancelledBeforeDispatch(sendErr) {
		return result, sendErr
	}
	result.Phase = PhaseAwaitingResult

	rec, outErr := o.settle(req, resp, sendErr)
	result.Outcome = outcomeOf(rec.State)

	// The request has left: its outcome is written even if the caller is gone.
	wctx, cancel := persistContext(ctx)
	defer cancel()

	if err := res.Record(wctx, rec); err != nil {
		if rec.State == transfer.StateSuccess {
			o.logger.Error("remote transfer succeeded but ledger write failed",
				logging.OperationKey(req.OperationKey),
				logging.RemoteTx(rec.RemoteTxID),
				logging.Amount(req.Amount),
				zap.Error(err))
			result.Outcome = OutcomeUnknown
			o.observe(req, string(OutcomeUnknown), start)
			return result, &transfer.UnknownOutcomeError{
				OperationKey: req.OperationKey,
				Cause:        fmt.Errorf("ledger write after remote success %s: %w", rec.RemoteTxID, err),
			}
		}
		if outErr == nil {
			outErr = err
		}
		o.observe(req, string(result.Outcome), start)
		return result, outErr
	}
	result.Record = &rec

	o.recordContract(wctx, rec)
	o.observe(req, string(result.Outcome), start)
	o.logAttempt(rec, outErr, start)

	return result, outErr
}

// settle maps the gateway's answer to a ledger row and the caller's error.
func (o *Orchestrator) settle(req transfer.Request, resp *gateway.Response, err error) (transfer.ExecutionRecord, error) {
	at := o.now()

	if err == nil {
		if resp.Final() {
			return transfer.NewRecord(req, transfer.StateSuccess, resp.RemoteTxID, "", at), nil
		}
		rec := transfer.NewRecord(req, transfer.StateUnknown, resp.RemoteTxID, transfer.ReasonPending, at)
		return rec, &transfer.UnknownOutcomeError{
			OperationKey: req.OperationKey,
			Cause:        fmt.Errorf("transfer %s is %s", resp.RemoteTxID, resp.Status),
		}
	}

	reason := transfer.ClassifyError(err)

	switch {
	case transfer.IsCircuitOpen(err):
		return transfer.NewRecord(req, transfer.StateFailed, "", transfer.ReasonCircuitOpen, at), err
	case errors.Is(err, gateway.ErrNotDispatched):
		return transfer.NewRecord(req, transfer.StateFailed, "", reason, at), err
	case transfer.IsRejected(err) && reason != transfer.CodeDuplicateRequest:
		return transfer.NewRecord(req, transfer.StateFailed, "", reason, at), err
	default:
		// Timeouts, unreachable, malformed answers and duplicate-request
		// rejections: the bank may have moved the money.
		return transfer.NewRecord(req, transfer.StateUnknown, "", reason, at),
			&transfer.UnknownOutcomeError{OperationKey: req.OperationKey, Cause: err}
	}
}

func (o *Orchestrator) recordContract(ctx context.Context, rec transfer.ExecutionRecord) {
	if o.contracts == nil || rec.ContractID == "" {
		return
	}
	err := o.contracts.RecordExecution(ctx, rec.ContractID, transfer.Execution{
		At:            rec.AttemptedAt,
		State:         rec.State,
		RemoteTxID:    rec.RemoteTxID,
		FailureReason: rec.FailureReason,
	})
	if err != nil {
		o.logger.Warn("failed to update contract execution metadata",
			logging.Contract(rec.ContractID),
			logging.OperationKey(rec.OperationKey),
			zap.Error(err))
	}
}

func (o *Orchestrator) observe(req transfer.Request, outcome string, start time.Time) {
	o.metrics.RecordTransfer(o.gateway.Name(), string(req.Purpose), outcome, time.Since(start))
}

func (o *Orchestrator) logAttempt(rec transfer.ExecutionRecord, err error, start time.Time) {
	fields := []zap.Field{
		logging.OperationKey(rec.OperationKey),
		logging.State(string(rec.State)),
		logging.Amount(rec.Amount),
		zap.String("purpose", string(rec.Purpose)),
		logging.Elapsed(start),
	}
	if rec.ContractID != "" {
		fields = append(fields, logging.Contract(rec.ContractID))
	}

	switch rec.State {
	case transfer.StateSuccess:
		o.logger.Info("transfer succeeded", append(fields, logging.RemoteTx(rec.RemoteTxID))...)
	case transfer.StateFailed:
		o.logger.Warn("transfer failed", append(fields, logging.Reason(rec.FailureReason), zap.Error(err))...)
	default:
		o.logger.Error("transfer outcome unknown, reconciliation required",
			append(fields, logging.Reason(rec.FailureReason), zap.Error(err))...)
	}
}

// persistContext detaches ctx from cancellation and bounds it by LedgerWriteTimeout.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), LedgerWriteTimeout)
}

func outcomeOf(s transfer.State) Outcome {
	switch s {
	case transfer.StateSuccess:
		return OutcomeSucceeded
	case transfer.StateFailed:
		return OutcomeFailed
	default:
		return OutcomeUnknown
	}
}

// isCancelledBeforeDispatch reports whether Send gave up on the caller's
// context before the request left. In-flight sends ignore caller cancellation,
// so a bare context error can only come from before dispatch.
func isCancelledBeforeDispatch(err error) bool {
	if err == nil || transfer.IsTransport(err) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
