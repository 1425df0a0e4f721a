package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"transfer-engine/pkg/idempotency"
	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/transfer"
)

var (
	// ErrNoAccounts is returned by Submit when no account lookup is configured.
	ErrNoAccounts = errors.New("orchestrator: account link lookup not configured")

	// ErrNothingToReconcile is returned when the latest row of a key is not UNKNOWN.
	ErrNothingToReconcile = errors.New("orchestrator: latest attempt is not UNKNOWN")
)

// SubmitRequest is a one-off transfer debited from a user's linked account.
type SubmitRequest struct {
	OperationKey  string              `json:"operation_key"`
	UserID        string              `json:"user_id"`
	SourceAccount string              `json:"source_account"`
	Destination   transfer.AccountRef `json:"destination"`
	Amount        int64               `json:"amount"`
	Purpose       transfer.Purpose    `json:"purpose"`
	Memo          string              `json:"memo,omitempty"`
}

// Submit resolves the source account link and executes the transfer.
func (o *Orchestrator) Submit(ctx context.Context, sr SubmitRequest) (*Result, error) {
	if o.accounts == nil {
		return nil, ErrNoAccounts
	}
	link, err := o.accounts.Resolve(ctx, sr.UserID, sr.SourceAccount)
	if err != nil {
		return &Result{OperationKey: sr.OperationKey, Outcome: OutcomeNotAttempted, Phase: PhaseValidating},
			fmt.Errorf("resolve source account: %w", err)
	}

	req, err := transfer.NewRequest(sr.OperationKey, link.Account, sr.Destination, sr.Amount, sr.Purpose, sr.Memo)
	if err != nil {
		return &Result{OperationKey: sr.OperationKey, Outcome: OutcomeNotAttempted, Phase: PhaseValidating}, err
	}
	return o.Execute(ctx, req)
}

// Resubmit is the operator's "retry operation key". It rebuilds the request
// from the key's latest ledger row and executes it again. A key whose latest
// attempt is UNKNOWN is refused unless force is set: the bank may already
// have moved the money, so reconcile first.
func (o *Orchestrator) Resubmit(ctx context.Context, key string, force bool) (*Result, error) {
	rows, err := o.guard.History(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("resubmit %s: %w", key, transfer.ErrRecordNotFound)
	}
	req := rows[len(rows)-1].Request()

	o.logger.Info("resubmitting operation key",
		logging.OperationKey(key),
		zap.Bool("force", force))

	if force {
		return o.execute(ctx, req, nil)
	}
	return o.execute(ctx, req, refuseUnknown)
}

// ExecuteUnlessUnknown is Execute for callers that run keys unattended, such
// as the scheduler. A key whose latest attempt is UNKNOWN is not sent again:
// it returns *transfer.UnknownOutcomeError wrapping transfer.ErrUnresolved
// with OutcomeNotAttempted.
func (o *Orchestrator) ExecuteUnlessUnknown(ctx context.Context, req transfer.Request) (*Result, error) {
	return o.execute(ctx, req, refuseUnknown)
}

// refuseUnknown refuses a key whose latest ledger row is UNKNOWN.
func refuseUnknown(ctx context.Context, res *idempotency.Reservation) error {
	latest, err := res.Latest(ctx)
	if errors.Is(err, transfer.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if latest.State != transfer.StateUnknown {
		return nil
	}
	return &transfer.UnknownOutcomeError{
		OperationKey: latest.OperationKey,
		Cause: fmt.Errorf("%w: attempt at %s ended %s (%s)", transfer.ErrUnresolved,
			latest.AttemptedAt.Format(time.RFC3339), latest.State, latest.FailureReason),
	}
}

// Reconcile resolves an UNKNOWN key by asking the bank what happened. The
// status query is a read path and goes through the retry policy.
//
// Remote success attaches the bank's transaction id to the UNKNOWN row and
// appends a SUCCESS row. A remote rejection or NOT_FOUND appends a FAILED
// row. A transfer still pending, or an unanswered query, leaves the key
// UNKNOWN.
func (o *Orchestrator) Reconcile(ctx context.Context, key string) (*Result, error) {
	result := &Result{OperationKey: key, Outcome: OutcomeUnknown, Phase: PhaseValidating}

	res, err := o.guard.Reserve(ctx, key)
	if err != nil {
		return result, err
	}
	defer res.Release()

	if res.AlreadySucceeded() {
		result.Outcome = OutcomeAlreadyCompleted
		result.Record = res.Prior()
		return result, nil
	}

	latest, err := res.Latest(ctx)
	if err != nil {
		return result, fmt.Errorf("reconcile %s: %w", key, err)
	}
	if latest.State != transfer.StateUnknown {
		result.Outcome = outcomeOf(latest.State)
		result.Record = latest
		return result, fmt.Errorf("reconcile %s: %w", key, ErrNothingToReconcile)
	}

	result.Phase = PhaseAwaitingResult
	resp, err := o.gateway.QueryTransfer(ctx, key)
	req := latest.Request()
	log := o.logger.ForOperation(key)

	wctx, cancel := persistContext(ctx)
	defer cancel()

	var rec transfer.ExecutionRecord
	switch {
	case err == nil && resp.Final():
		if attachErr := res.AttachRemoteTxID(wctx, latest.ID, resp.RemoteTxID); attachErr != nil {
			log.Warn("failed to attach remote tx id to unknown attempt",
				logging.RemoteTx(resp.RemoteTxID), zap.Error(attachErr))
		}
		rec = transfer.NewRecord(req, transfer.StateSuccess, resp.RemoteTxID, "", o.now())
	case err == nil:
		log.Info("remote transfer still pending", zap.String("status", resp.Status))
		return result, &transfer.UnknownOutcomeError{
			OperationKey: key,
			Cause:        fmt.Errorf("transfer %s is %s", resp.RemoteTxID, resp.Status),
		}
	case transfer.IsRejected(err):
		rec = transfer.NewRecord(req, transfer.StateFailed, "", transfer.ClassifyError(err), o.now())
	default:
		log.Warn("reconciliation query failed", zap.Error(err))
		return result, &transfer.UnknownOutcomeError{OperationKey: key, Cause: err}
	}

	if err := res.Record(wctx, rec); err != nil {
		return result, fmt.Errorf("reconcile %s: %w", key, err)
	}
	result.Outcome = outcomeOf(rec.State)
	result.Record = &rec
	o.recordContract(wctx, rec)

	log.Info("reconciled unknown transfer",
		logging.State(string(rec.State)),
		logging.RemoteTx(rec.RemoteTxID),
		logging.Reason(rec.FailureReason))
	return result, nil
}

// History returns the ledger rows of key, oldest first.
func (o *Orchestrator) History(ctx context.Context, key string) ([]transfer.ExecutionRecord, error) {
	return o.guard.History(ctx, key)
}

// GatewayName returns the name of the gateway transfers go through.
func (o *Orchestrator) GatewayName() string {
	return o.gateway.Name()
}
