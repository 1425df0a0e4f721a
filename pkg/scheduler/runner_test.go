package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-engine/pkg/gateway"
	"transfer-engine/pkg/gateway/mock"
	"transfer-engine/pkg/idempotency"
	"transfer-engine/pkg/metrics/memory"
	"transfer-engine/pkg/orchestrator"
	"transfer-engine/pkg/resilience"
	"transfer-engine/pkg/transfer"
	tmem "transfer-engine/pkg/transfer/memory"
)

var settlement = transfer.AccountRef{Number: "555-000-777", BankCode: "081", HolderName: "Platform Rent"}

func tenant(i int) transfer.AccountRef {
	return transfer.AccountRef{Number: fmt.Sprintf("100-000-%03d", i), BankCode: "081", CustomerRef: fmt.Sprintf("CI-%d", i)}
}

func contract(i, day int, amount int64) transfer.RecurringContract {
	return transfer.RecurringContract{
		ID:           fmt.Sprintf("c-%d", i),
		UserID:       fmt.Sprintf("u-%d", i),
		Source:       tenant(i),
		Amount:       amount,
		BillingDay:   day,
		Status:       transfer.ContractActive,
		PayerName:    fmt.Sprintf("tenant %d", i),
		BuildingName: "Maple",
		UnitNumber:   fmt.Sprintf("%d01", i),
	}
}

func linksFor(contracts ...transfer.RecurringContract) *tmem.AccountLinks {
	links := tmem.NewAccountLinks()
	for _, c := range contracts {
		links.Link(transfer.LinkedAccount{UserID: c.UserID, Account: c.Source, Active: true})
	}
	return links
}

func testConfig(workers int) Config {
	c := DefaultConfig()
	c.Workers = workers
	c.Timezone = "UTC"
	return c
}

// Five contracts due, the third invalid: the other four succeed and all five
// are reported.
func TestRunDueTransfers_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	today := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)

	var seed []transfer.RecurringContract
	for i := 1; i <= 5; i++ {
		amount := int64(650_000)
		if i == 3 {
			amount = 0
		}
		seed = append(seed, contract(i, 5, amount))
	}
	seed = append(seed, contract(6, 6, 650_000))
	contracts := tmem.NewContractStore(seed...)

	gw := &mock.Gateway{NameValue: "bank"}
	ledger := tmem.NewLedger()
	orch := orchestrator.New(
		resilience.NewGateway(gw, resilience.NewBreaker("bank", resilience.DefaultBreakerConfig()), nil),
		idempotency.NewGuard(ledger, nil),
		orchestrator.WithContracts(contracts),
	)
	mc := memory.NewMemoryCollector()
	runner := NewRunnerWithMetrics(contracts, linksFor(seed...), orch, settlement, testConfig(2), mc)

	summary, err := runner.RunDueTransfers(ctx, today)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Items, 5)
	assert.Equal(t, "c-3", summary.Items[2].ContractID)
	assert.Equal(t, ItemInvalid, summary.Items[2].Outcome)
	assert.Equal(t, transfer.ReasonValidation, summary.Items[2].Reason)
	for _, i := range []int{0, 1, 3, 4} {
		assert.Equal(t, ItemSucceeded, summary.Items[i].Outcome, summary.Items[i].ContractID)
		assert.Equal(t, "tx-"+summary.Items[i].OperationKey, summary.Items[i].RemoteTxID)
	}
	assert.Equal(t, 4, gw.SendCalls())
	assert.Equal(t, "c-1:2026-03", summary.Items[0].OperationKey)

	c1, err := contracts.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, transfer.StateSuccess, c1.LastState)

	snap := mc.Snapshot()
	require.Len(t, snap.BatchRuns, 1)
	assert.Equal(t, 4, snap.BatchRuns[0].Succeeded)

	// A second run the same month sends nothing new.
	again, err := runner.RunDueTransfers(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 4, again.AlreadyCompleted)
	assert.Equal(t, 1, again.Failed)
	assert.Equal(t, 4, gw.SendCalls())
}

// A rent debit that timed out is left for reconciliation: the next run does
// not send it again.
func TestRunDueTransfers_DoesNotResendUnknown(t *testing.T) {
	ctx := context.Background()
	today := time.Date(2026, 4, 5, 9, 0, 0, 0, time.UTC)
	c := contract(1, 5, 650_000)
	contracts := tmem.NewContractStore(c)

	gw := &mock.Gateway{
		NameValue: "bank",
		SendFunc: func(ctx context.Context, req transfer.Request) (*gateway.Response, error) {
			return nil, transfer.ErrTimeout
		},
	}
	ledger := tmem.NewLedger()
	orch := orchestrator.New(
		resilience.NewGateway(gw, resilience.NewBreaker("bank", resilience.DefaultBreakerConfig()), nil),
		idempotency.NewGuard(ledger, nil),
		orchestrator.WithContracts(contracts),
	)
	runner := NewRunner(contracts, linksFor(c), orch, settlement, testConfig(1))

	first, err := runner.RunDueTransfers(ctx, today)
	require.NoError(t, err)
	require.Len(t, first.Items, 1)
	assert.Equal(t, ItemUnknown, first.Items[0].Outcome)
	assert.Equal(t, transfer.ReasonTimeout, first.Items[0].Reason)
	assert.Equal(t, 1, gw.SendCalls())

	gw.SendFunc = nil
	second, err := runner.RunDueTransfers(ctx, today)
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, ItemUnknown, second.Items[0].Outcome)
	assert.Equal(t, transfer.ReasonNeedsReconciliation, second.Items[0].Reason)
	assert.Equal(t, 1, second.Unknown)
	assert.Equal(t, 1, gw.SendCalls())

	recs, err := ledger.List(ctx, "c-1:2026-04")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, transfer.StateUnknown, recs[0].State)
}

func TestRunDueTransfers_RequestShape(t *testing.T) {
	c := contract(1, 10, 820_000)
	exec := &fakeExecutor{}
	runner := NewRunner(tmem.NewContractStore(c), linksFor(c), exec, settlement, testConfig(1))

	_, err := runner.RunDueTransfers(context.Background(), time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	reqs := exec.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "c-1:2026-07", req.OperationKey)
	assert.Equal(t, "c-1", req.ContractID)
	assert.Equal(t, transfer.PurposeRecurringRent, req.Purpose)
	assert.Equal(t, settlement, req.Destination)
	assert.Equal(t, "CI-1", req.Source.CustomerRef)
	assert.Equal(t, int64(820_000), req.Amount)
	assert.Equal(t, "rent auto transfer - tenant 1 (Maple 101)", req.Memo)
}

// On the last day of a short month, contracts billing on later days are due too.
func TestRunDueTransfers_MonthEnd(t *testing.T) {
	seed := []transfer.RecurringContract{
		contract(1, 28, 1000),
		contract(2, 30, 1000),
		contract(3, 31, 1000),
		contract(4, 15, 1000),
		contract(5, 27, 1000),
	}
	exec := &fakeExecutor{}
	runner := NewRunner(tmem.NewContractStore(seed...), nil, exec, settlement, testConfig(2))

	summary, err := runner.RunDueTransfers(context.Background(), time.Date(2027, 2, 28, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	var ids []string
	for _, it := range summary.Items {
		ids = append(ids, it.ContractID)
		assert.Equal(t, it.ContractID+":2027-02", it.OperationKey)
	}
	assert.Equal(t, []string{"c-1", "c-2", "c-3"}, ids)
}

func TestRunDueTransfers_OutcomeMapping(t *testing.T) {
	seed := []transfer.RecurringContract{
		contract(1, 5, 1000),
		contract(2, 5, 1000),
		contract(3, 5, 1000),
		contract(4, 5, 1000),
		contract(5, 5, 1000),
		contract(6, 5, 1000),
	}
	errs := map[string]error{
		"c-2": transfer.Reject(transfer.CodeInsufficientFunds, ""),
		"c-3": fmt.Errorf("%w: bank", transfer.ErrCircuitOpen),
		"c-4": &transfer.UnknownOutcomeError{OperationKey: "c-4:2026-03", Cause: transfer.ErrTimeout},
		"c-5": errors.New("ledger unavailable"),
	}
	exec := &fakeExecutor{fn: func(ctx context.Context, req transfer.Request) (*orchestrator.Result, error) {
		if req.ContractID == "c-6" {
			return &orchestrator.Result{Outcome: orchestrator.OutcomeAlreadyCompleted}, nil
		}
		if err := errs[req.ContractID]; err != nil {
			return &orchestrator.Result{}, err
		}
		return &orchestrator.Result{Outcome: orchestrator.OutcomeSucceeded}, nil
	}}
	runner := NewRunner(tmem.NewContractStore(seed...), nil, exec, settlement, testConfig(3))

	summary, err := runner.RunDueTransfers(context.Background(), time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	want := []ItemOutcome{ItemSucceeded, ItemRejected, ItemCircuitOpen, ItemUnknown, ItemError, ItemAlreadyCompleted}
	for i, it := range summary.Items {
		assert.Equal(t, want[i], it.Outcome, it.ContractID)
	}
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.AlreadyCompleted)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 1, summary.Unknown)
	assert.Equal(t, transfer.CodeInsufficientFunds, summary.Items[1].Reason)
}

func TestRunDueTransfers_UnlinkedAccountIsInvalid(t *testing.T) {
	c1, c2 := contract(1, 5, 1000), contract(2, 5, 1000)
	exec := &fakeExecutor{}
	runner := NewRunner(tmem.NewContractStore(c1, c2), linksFor(c1), exec, settlement, testConfig(1))

	summary, err := runner.RunDueTransfers(context.Background(), time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, ItemSucceeded, summary.Items[0].Outcome)
	assert.Equal(t, ItemInvalid, summary.Items[1].Outcome)
	assert.Equal(t, int64(1), exec.callCount())
}

func TestRunDueTransfers_Cancellation(t *testing.T) {
	var seed []transfer.RecurringContract
	for i := 1; i <= 5; i++ {
		seed = append(seed, contract(i, 5, 1000))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &fakeExecutor{fn: func(ctx context.Context, req transfer.Request) (*orchestrator.Result, error) {
		cancel()
		return &orchestrator.Result{Outcome: orchestrator.OutcomeSucceeded}, nil
	}}
	runner := NewRunner(tmem.NewContractStore(seed...), nil, exec, settlement, testConfig(1))

	summary, err := runner.RunDueTransfers(ctx, time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, int64(1), exec.callCount())
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 4, summary.Skipped)
	for _, it := range summary.Items[1:] {
		assert.Equal(t, ItemCancelled, it.Outcome)
	}
}

func TestRunDueTransfers_ListFailure(t *testing.T) {
	runner := NewRunner(failingContracts{tmem.NewContractStore()}, nil, &fakeExecutor{}, settlement, testConfig(1))

	summary, err := runner.RunDueTransfers(context.Background(), time.Now())
	assert.Error(t, err)
	assert.Nil(t, summary)
}

func TestRunDueTransfers_PanicIsIsolated(t *testing.T) {
	seed := []transfer.RecurringContract{contract(1, 5, 1000), contract(2, 5, 1000)}
	exec := &fakeExecutor{fn: func(ctx context.Context, req transfer.Request) (*orchestrator.Result, error) {
		if req.ContractID == "c-1" {
			panic("boom")
		}
		return &orchestrator.Result{Outcome: orchestrator.OutcomeSucceeded}, nil
	}}
	runner := NewRunner(tmem.NewContractStore(seed...), nil, exec, settlement, testConfig(1))

	summary, err := runner.RunDueTransfers(context.Background(), time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, ItemError, summary.Items[0].Outcome)
	assert.Equal(t, "boom", summary.Items[0].Error)
	assert.Equal(t, ItemSucceeded, summary.Items[1].Outcome)
}

func TestRunDueTransfers_BoundedConcurrency(t *testing.T) {
	var seed []transfer.RecurringContract
	for i := 1; i <= 20; i++ {
		seed = append(seed, contract(i, 5, 1000))
	}
	var inFlight, peak int64
	exec := &fakeExecutor{fn: func(ctx context.Context, req transfer.Request) (*orchestrator.Result, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return &orchestrator.Result{Outcome: orchestrator.OutcomeSucceeded}, nil
	}}
	runner := NewRunner(tmem.NewContractStore(seed...), nil, exec, settlement, testConfig(3))

	summary, err := runner.RunDueTransfers(context.Background(), time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, 20, summary.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
}

func TestRentMemo(t *testing.T) {
	c := contract(1, 5, 1000)
	assert.Equal(t, "rent auto transfer - tenant 1 (Maple 101)", rentMemo(c))

	c.PayerName, c.BuildingName, c.UnitNumber = "", "", ""
	assert.Equal(t, "rent auto transfer", rentMemo(c))

	long := contract(1, 5, 1000)
	long.PayerName = string(make([]rune, 300))
	assert.LessOrEqual(t, len(rentMemo(long)), transfer.MaxMemoLength)
}

type failingContracts struct {
	*tmem.ContractStore
}

func (failingContracts) FindDue(ctx context.Context, billingDay int) ([]transfer.RecurringContract, error) {
	return nil, errors.New("db down")
}
