// Package scheduler runs recurring rent auto-debits. Each run lists the
// contracts due on a date and feeds them through the orchestrator with
// bounded concurrency; one contract's failure never stops the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/orchestrator"
	"transfer-engine/pkg/transfer"
)

// Executor runs one transfer attempt, refusing a key whose latest attempt is
// UNKNOWN. *orchestrator.Orchestrator implements it.
type Executor interface {
	ExecuteUnlessUnknown(ctx context.Context, req transfer.Request) (*orchestrator.Result, error)
}

// ItemOutcome is what happened to one contract in a run.
type ItemOutcome string

const (
	ItemSucceeded        ItemOutcome = "succeeded"
	ItemAlreadyCompleted ItemOutcome = "already_completed"
	ItemInvalid          ItemOutcome = "invalid"
	ItemRejected         ItemOutcome = "rejected"
	ItemCircuitOpen      ItemOutcome = "circuit_open"
	ItemUnknown          ItemOutcome = "unknown"
	ItemCancelled        ItemOutcome = "cancelled"
	ItemError            ItemOutcome = "error"
)

// Item is the result for one contract.
type Item struct {
	ContractID   string      `json:"contract_id"`
	OperationKey string      `json:"operation_key"`
	Amount       int64       `json:"amount"`
	Outcome      ItemOutcome `json:"outcome"`
	RemoteTxID   string      `json:"remote_tx_id,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// RunSummary aggregates a run.
type RunSummary struct {
	RunID            string        `json:"run_id"`
	Date             string        `json:"date"`
	Total            int           `json:"total"`
	Succeeded        int           `json:"succeeded"`
	AlreadyCompleted int           `json:"already_completed"`
	Failed           int           `json:"failed"`
	Unknown          int           `json:"unknown"`
	Skipped          int           `json:"skipped"`
	Duration         time.Duration `json:"duration"`
	Items            []Item        `json:"items"`
}

func (s *RunSummary) tally() {
	for _, it := range s.Items {
		switch it.Outcome {
		case ItemSucceeded:
			s.Succeeded++
		case ItemAlreadyCompleted:
			s.AlreadyCompleted++
		case ItemUnknown:
			s.Unknown++
		case ItemCancelled:
			s.Skipped++
		default:
			s.Failed++
		}
	}
}

// Counts converts the summary for the metrics collector.
func (s *RunSummary) Counts() metrics.BatchCounts {
	return metrics.BatchCounts{
		Total:            s.Total,
		Succeeded:        s.Succeeded,
		AlreadyCompleted: s.AlreadyCompleted,
		Failed:           s.Failed,
		Unknown:          s.Unknown,
		Skipped:          s.Skipped,
	}
}

// Runner executes due recurring contracts.
type Runner struct {
	contracts  transfer.RecurringContractStore
	accounts   transfer.AccountLinkLookup
	exec       Executor
	settlement transfer.AccountRef
	config     Config
	metrics    metrics.MetricsCollector
	logger     *logging.Logger

	// one run at a time
	mu sync.Mutex
}

// NewRunner creates a runner. settlement is the account rent is paid into.
// A nil accounts lookup uses each contract's stored source account as is.
func NewRunner(contracts transfer.RecurringContractStore, accounts transfer.AccountLinkLookup, exec Executor, settlement transfer.AccountRef, config Config) *Runner {
	return NewRunnerWithMetrics(contracts, accounts, exec, settlement, config, metrics.NoOpCollector{})
}

// NewRunnerWithMetrics creates a runner with a custom metrics collector.
func NewRunnerWithMetrics(contracts transfer.RecurringContractStore, accounts transfer.AccountLinkLookup, exec Executor, settlement transfer.AccountRef, config Config, metricsCollector metrics.MetricsCollector) *Runner {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	return &Runner{
		contracts:  contracts,
		accounts:   accounts,
		exec:       exec,
		settlement: settlement,
		config:     config,
		metrics:    metrics.OrNoOp(metricsCollector),
		logger:     logging.Global().Named("scheduler"),
	}
}

// WithLogger replaces the runner's logger.
func (r *Runner) WithLogger(l *logging.Logger) *Runner {
	if l != nil {
		r.logger = l.Named("scheduler")
	}
	return r
}

// RunDueTransfers executes every contract due on today. It returns an error
// only if the due contracts cannot be listed; per-contract failures are in
// the summary. Cancelling ctx stops dispatching, and contracts not yet
// dispatched are reported as cancelled.
func (r *Runner) RunDueTransfers(ctx context.Context, today time.Time) (*RunSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	runID := uuid.NewString()
	log := r.logger.With(logging.RunID(runID))

	due, err := r.dueContracts(ctx, today)
	if err != nil {
		log.Error("failed to list due contracts", zap.Time("date", today), zap.Error(err))
		return nil, fmt.Errorf("list due contracts: %w", err)
	}

	summary := &RunSummary{
		RunID: runID,
		Date:  today.Format(time.DateOnly),
		Total: len(due),
		Items: make([]Item, len(due)),
	}
	log.Info("starting recurring transfer run",
		zap.String("date", summary.Date),
		zap.Int("due", len(due)),
		zap.Int("workers", r.config.Workers))

	p := newPool("scheduler", r.config.Workers, r.metrics)
	for i, c := range due {
		summary.Items[i] = Item{
			ContractID:   c.ID,
			OperationKey: transfer.RecurringKey(c.ID, today),
			Amount:       c.Amount,
			Outcome:      ItemCancelled,
		}

		i, c := i, c
		submitted := p.submit(ctx, func() {
			summary.Items[i] = r.runOne(ctx, log, c, today)
		}, func(v any) {
			log.Error("contract execution panicked", logging.Contract(c.ID), zap.Any("panic", v))
			summary.Items[i].Outcome = ItemError
			summary.Items[i].Error = fmt.Sprint(v)
		})
		if !submitted {
			break
		}
	}
	p.close()

	summary.tally()
	summary.Duration = time.Since(start)
	r.metrics.RecordBatchRun(summary.Counts(), summary.Duration)

	log.Info("recurring transfer run finished",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("already_completed", summary.AlreadyCompleted),
		zap.Int("failed", summary.Failed),
		zap.Int("unknown", summary.Unknown),
		zap.Int("skipped", summary.Skipped),
		zap.Int64("dispatched", p.submits()),
		zap.Int64("panicked", p.panics()),
		logging.Elapsed(start))
	if summary.Unknown > 0 {
		log.Warn("run left transfers in UNKNOWN state; reconcile before the next run", zap.Int("unknown", summary.Unknown))
	}

	return summary, nil
}

// dueContracts lists contracts due on today, once each, ordered by id.
func (r *Runner) dueContracts(ctx context.Context, today time.Time) ([]transfer.RecurringContract, error) {
	seen := make(map[string]bool)
	var due []transfer.RecurringContract
	for _, day := range transfer.BillingDaysFor(today) {
		found, err := r.contracts.FindDue(ctx, day)
		if err != nil {
			return nil, err
		}
		for _, c := range found {
			if seen[c.ID] || c.Status != transfer.ContractActive {
				continue
			}
			seen[c.ID] = true
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (r *Runner) runOne(ctx context.Context, log *logging.Logger, c transfer.RecurringContract, today time.Time) Item {
	item := Item{
		ContractID:   c.ID,
		OperationKey: transfer.RecurringKey(c.ID, today),
		Amount:       c.Amount,
	}
	if err := ctx.Err(); err != nil {
		item.Outcome = ItemCancelled
		return item
	}

	source := c.Source
	if r.accounts != nil {
		link, err := r.accounts.Resolve(ctx, c.UserID, c.Source.Number)
		if err != nil {
			return r.finish(log, item, nil, fmt.Errorf("resolve source account: %w", err))
		}
		source = link.Account
	}

	req, err := transfer.NewRequest(item.OperationKey, source, r.settlement, c.Amount, transfer.PurposeRecurringRent, rentMemo(c))
	if err != nil {
		return r.finish(log, item, nil, err)
	}

	result, err := r.exec.ExecuteUnlessUnknown(ctx, req.WithContract(c.ID))
	return r.finish(log, item, result, err)
}

func (r *Runner) finish(log *logging.Logger, item Item, result *orchestrator.Result, err error) Item {
	if result != nil {
		item.RemoteTxID = result.RemoteTxID()
	}
	if err != nil {
		item.Error = err.Error()
		item.Reason = transfer.ClassifyError(err)
	}
	item.Outcome = classify(result, err)

	if item.Outcome != ItemSucceeded && item.Outcome != ItemAlreadyCompleted {
		log.Warn("recurring transfer not completed",
			logging.Contract(item.ContractID),
			logging.OperationKey(item.OperationKey),
			logging.Outcome(string(item.Outcome)),
			logging.Reason(item.Reason))
	}
	return item
}

func classify(result *orchestrator.Result, err error) ItemOutcome {
	switch {
	case err == nil && result != nil && result.Outcome == orchestrator.OutcomeAlreadyCompleted:
		return ItemAlreadyCompleted
	case err == nil:
		return ItemSucceeded
	case transfer.IsValidation(err), errors.Is(err, transfer.ErrAccountNotLinked):
		return ItemInvalid
	case transfer.IsCircuitOpen(err):
		return ItemCircuitOpen
	case transfer.NeedsReconciliation(err):
		return ItemUnknown
	case transfer.IsRejected(err):
		return ItemRejected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ItemCancelled
	default:
		return ItemError
	}
}

// rentMemo builds "rent auto transfer - payer (building unit)".
func rentMemo(c transfer.RecurringContract) string {
	var b strings.Builder
	b.WriteString("rent auto transfer")
	if c.PayerName != "" {
		b.WriteString(" - ")
		b.WriteString(c.PayerName)
	}
	place := strings.TrimSpace(c.BuildingName + " " + c.UnitNumber)
	if place != "" {
		b.WriteString(" (")
		b.WriteString(place)
		b.WriteString(")")
	}
	return truncate(b.String(), transfer.MaxMemoLength)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	for len(string(r)) > max {
		r = r[:len(r)-1]
	}
	return string(r)
}
