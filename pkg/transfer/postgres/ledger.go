package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"transfer-engine/pkg/transfer"
)

// Ledger is a transfer.LedgerStore on the transfer_executions table.
// The partial unique index on SUCCESS rows enforces one success per key
// across processes.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger on an open database.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

const selectExecution = `
	SELECT id, operation_key, attempted_at, state, remote_tx_id, failure_reason,
		amount, source, destination, purpose, memo, contract_id
	FROM transfer_executions`

// Append inserts a record.
func (l *Ledger) Append(ctx context.Context, rec transfer.ExecutionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	src, err := json.Marshal(rec.Source)
	if err != nil {
		return fmt.Errorf("encode source: %w", err)
	}
	dst, err := json.Marshal(rec.Destination)
	if err != nil {
		return fmt.Errorf("encode destination: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO transfer_executions (id, operation_key, attempted_at, state, remote_tx_id,
			failure_reason, amount, source, destination, purpose, memo, contract_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.OperationKey, rec.AttemptedAt, string(rec.State), rec.RemoteTxID,
		rec.FailureReason, rec.Amount, src, dst, string(rec.Purpose), rec.Memo, rec.ContractID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("append %s: %w", rec.OperationKey, transfer.ErrDuplicateSuccess)
	}
	if err != nil {
		return fmt.Errorf("append %s: %w", rec.OperationKey, err)
	}
	return nil
}

// HasSucceeded reports whether a SUCCESS record exists for the key.
func (l *Ledger) HasSucceeded(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transfer_executions WHERE operation_key = $1 AND state = 'SUCCESS')`,
		key,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query success %s: %w", key, err)
	}
	return ok, nil
}

// Succeeded returns the SUCCESS record for the key.
func (l *Ledger) Succeeded(ctx context.Context, key string) (*transfer.ExecutionRecord, error) {
	row := l.db.QueryRowContext(ctx, selectExecution+` WHERE operation_key = $1 AND state = 'SUCCESS'`, key)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transfer.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query success %s: %w", key, err)
	}
	return rec, nil
}

// List returns every record for the key, oldest first.
func (l *Ledger) List(ctx context.Context, key string) ([]transfer.ExecutionRecord, error) {
	rows, err := l.db.QueryContext(ctx, selectExecution+` WHERE operation_key = $1 ORDER BY attempted_at, id`, key)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	defer rows.Close()

	var out []transfer.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// AttachRemoteTxID sets the remote transaction id of a record that has none.
func (l *Ledger) AttachRemoteTxID(ctx context.Context, id uuid.UUID, remoteTxID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE transfer_executions SET remote_tx_id = $2
		WHERE id = $1 AND (remote_tx_id = '' OR remote_tx_id = $2)`,
		id, remoteTxID,
	)
	if err != nil {
		return fmt.Errorf("attach remote tx to %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach remote tx to %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("attach remote tx to %s: %w", id, transfer.ErrRecordNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*transfer.ExecutionRecord, error) {
	var (
		rec         transfer.ExecutionRecord
		state, purp string
		src, dst    []byte
	)
	err := s.Scan(&rec.ID, &rec.OperationKey, &rec.AttemptedAt, &state, &rec.RemoteTxID,
		&rec.FailureReason, &rec.Amount, &src, &dst, &purp, &rec.Memo, &rec.ContractID)
	if err != nil {
		return nil, err
	}
	rec.State = transfer.State(state)
	rec.Purpose = transfer.Purpose(purp)
	if err := json.Unmarshal(src, &rec.Source); err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	if err := json.Unmarshal(dst, &rec.Destination); err != nil {
		return nil, fmt.Errorf("decode destination: %w", err)
	}
	return &rec, nil
}
