package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"transfer-engine/pkg/transfer"
)

// Ledger is an in-memory implementation of transfer.LedgerStore.
// It is safe for concurrent use and enforces the one-SUCCESS-per-key rule
// under its own lock.
type Ledger struct {
	// records holds every row per operation key, oldest first
	records map[string][]transfer.ExecutionRecord

	// succeeded indexes the SUCCESS row per operation key
	succeeded map[string]uuid.UUID

	// mu protects records and succeeded
	mu sync.RWMutex
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		records:   make(map[string][]transfer.ExecutionRecord),
		succeeded: make(map[string]uuid.UUID),
	}
}

// Append inserts a record. A second SUCCESS for the same key fails with
// transfer.ErrDuplicateSuccess and leaves the ledger unchanged.
func (l *Ledger) Append(ctx context.Context, rec transfer.ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.State == transfer.StateSuccess {
		if _, ok := l.succeeded[rec.OperationKey]; ok {
			return fmt.Errorf("append %s: %w", rec.OperationKey, transfer.ErrDuplicateSuccess)
		}
		l.succeeded[rec.OperationKey] = rec.ID
	}
	l.records[rec.OperationKey] = append(l.records[rec.OperationKey], rec)
	return nil
}

// HasSucceeded reports whether a SUCCESS record exists for the key.
func (l *Ledger) HasSucceeded(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.succeeded[key]
	return ok, nil
}

// Succeeded returns the SUCCESS record for the key.
func (l *Ledger) Succeeded(ctx context.Context, key string) (*transfer.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.succeeded[key]
	if !ok {
		return nil, transfer.ErrRecordNotFound
	}
	for _, rec := range l.records[key] {
		if rec.ID == id {
			out := rec
			return &out, nil
		}
	}
	return nil, transfer.ErrRecordNotFound
}

// List returns a copy of every record for the key, oldest first.
func (l *Ledger) List(ctx context.Context, key string) ([]transfer.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	rows := l.records[key]
	out := make([]transfer.ExecutionRecord, len(rows))
	copy(out, rows)
	return out, nil
}

// AttachRemoteTxID sets the remote transaction id on a record that has none.
func (l *Ledger) AttachRemoteTxID(ctx context.Context, id uuid.UUID, remoteTxID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, rows := range l.records {
		for i := range rows {
			if rows[i].ID != id {
				continue
			}
			if rows[i].RemoteTxID != "" && rows[i].RemoteTxID != remoteTxID {
				return fmt.Errorf("record %s of %s already has remote tx %s", id, key, rows[i].RemoteTxID)
			}
			rows[i].RemoteTxID = remoteTxID
			return nil
		}
	}
	return transfer.ErrRecordNotFound
}

// Len returns the total number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, rows := range l.records {
		n += len(rows)
	}
	return n
}
