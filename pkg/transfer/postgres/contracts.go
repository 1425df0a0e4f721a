package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"transfer-engine/pkg/transfer"
)

// ContractStore is a transfer.RecurringContractStore on the recurring_contracts table.
type ContractStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewContractStore creates a contract store on an open database.
func NewContractStore(db *sql.DB) *ContractStore {
	return &ContractStore{db: db, now: time.Now}
}

const selectContract = `
	SELECT id, user_id, source, amount, billing_day, status, payer_name, building_name,
		unit_number, last_executed_at, last_state, last_tx_id, last_failure_reason,
		failure_count, created_at, updated_at
	FROM recurring_contracts`

// Create inserts a new contract.
func (s *ContractStore) Create(ctx context.Context, c transfer.RecurringContract) error {
	src, err := json.Marshal(c.Source)
	if err != nil {
		return fmt.Errorf("encode source: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recurring_contracts (id, user_id, source, amount, billing_day, status,
			payer_name, building_name, unit_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		c.ID, c.UserID, src, c.Amount, c.BillingDay, string(c.Status),
		c.PayerName, c.BuildingName, c.UnitNumber, now,
	)
	if err != nil {
		return fmt.Errorf("create contract %s: %w", c.ID, err)
	}
	return nil
}

// FindDue returns ACTIVE contracts billing on billingDay, ordered by id.
func (s *ContractStore) FindDue(ctx context.Context, billingDay int) ([]transfer.RecurringContract, error) {
	rows, err := s.db.QueryContext(ctx,
		selectContract+` WHERE billing_day = $1 AND status = 'ACTIVE' ORDER BY id`, billingDay)
	if err != nil {
		return nil, fmt.Errorf("find due contracts: %w", err)
	}
	defer rows.Close()

	var out []transfer.RecurringContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Get returns a contract by id.
func (s *ContractStore) Get(ctx context.Context, id string) (*transfer.RecurringContract, error) {
	c, err := scanContract(s.db.QueryRowContext(ctx, selectContract+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transfer.ErrContractNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}
	return c, nil
}

// UpdateStatus applies an operator status change inside a transaction.
func (s *ContractStore) UpdateStatus(ctx context.Context, id string, status transfer.ContractStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM recurring_contracts WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.ErrContractNotFound
	}
	if err != nil {
		return fmt.Errorf("lock contract %s: %w", id, err)
	}
	if !transfer.ContractStatus(current).CanTransition(status) {
		return fmt.Errorf("contract %s %s -> %s: %w", id, current, status, transfer.ErrInvalidStatusTransition)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE recurring_contracts SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), s.now(),
	); err != nil {
		return fmt.Errorf("update contract %s: %w", id, err)
	}
	return tx.Commit()
}

// RecordExecution writes last-execution metadata.
func (s *ContractStore) RecordExecution(ctx context.Context, id string, e transfer.Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_contracts SET
			last_executed_at = $2,
			last_state = $3,
			last_tx_id = $4,
			last_failure_reason = $5,
			failure_count = CASE WHEN $3 = 'SUCCESS' THEN 0 ELSE failure_count + 1 END,
			updated_at = $2
		WHERE id = $1`,
		id, e.At, string(e.State), e.RemoteTxID, e.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("record execution %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return transfer.ErrContractNotFound
	}
	return nil
}

func scanContract(s scanner) (*transfer.RecurringContract, error) {
	var (
		c             transfer.RecurringContract
		src           []byte
		status, state string
		lastExecuted  sql.NullTime
	)
	err := s.Scan(&c.ID, &c.UserID, &src, &c.Amount, &c.BillingDay, &status, &c.PayerName,
		&c.BuildingName, &c.UnitNumber, &lastExecuted, &state, &c.LastTxID,
		&c.LastFailureReason, &c.FailureCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(src, &c.Source); err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	c.Status = transfer.ContractStatus(status)
	c.LastState = transfer.State(state)
	if lastExecuted.Valid {
		c.LastExecutedAt = lastExecuted.Time
	}
	return &c, nil
}
