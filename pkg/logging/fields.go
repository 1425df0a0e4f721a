package logging

import (
	"time"

	"go.uber.org/zap"
)

// Field keys shared by every component so log lines can be joined on them.
const (
	KeyOperation = "operation_key"
	KeyGateway   = "gateway"
	KeyContract  = "contract_id"
	KeyOutcome   = "outcome"
	KeyState     = "state"
	KeyReason    = "reason"
	KeyRemoteTx  = "remote_tx_id"
	KeyRunID     = "run_id"
)

// OperationKey tags a log line with the transfer's idempotency key.
func OperationKey(key string) zap.Field { return zap.String(KeyOperation, key) }

// Gateway tags a log line with the gateway name.
func Gateway(name string) zap.Field { return zap.String(KeyGateway, name) }

// Contract tags a log line with a recurring contract id.
func Contract(id string) zap.Field { return zap.String(KeyContract, id) }

// Outcome tags a log line with a per-item or per-call outcome.
func Outcome(o string) zap.Field { return zap.String(KeyOutcome, o) }

// State tags a log line with a ledger state.
func State(s string) zap.Field { return zap.String(KeyState, s) }

// Reason tags a log line with a failure reason code.
func Reason(r string) zap.Field { return zap.String(KeyReason, r) }

// RemoteTx tags a log line with the bank's transaction id.
func RemoteTx(id string) zap.Field { return zap.String(KeyRemoteTx, id) }

// RunID tags a log line with a scheduler run id.
func RunID(id string) zap.Field { return zap.String(KeyRunID, id) }

// Elapsed records a duration since start.
func Elapsed(start time.Time) zap.Field { return zap.Duration("elapsed", time.Since(start)) }

// Amount records a transfer amount in minor units.
func Amount(v int64) zap.Field { return zap.Int64("amount", v) }
