package transfer

import (
	"context"

	"github.com/google/uuid"
)

// LedgerStore persists execution records. Rows are append-only; the only
// mutation is attaching a remote transaction id found during reconciliation.
//
// Implementations must reject a second SUCCESS record for the same operation
// key with ErrDuplicateSuccess.
type LedgerStore interface {
	// Append inserts a record.
	Append(ctx context.Context, rec ExecutionRecord) error

	// HasSucceeded reports whether a SUCCESS record exists for the key.
	HasSucceeded(ctx context.Context, key string) (bool, error)

	// Succeeded returns the SUCCESS record for the key, or ErrRecordNotFound.
	Succeeded(ctx context.Context, key string) (*ExecutionRecord, error)

	// List returns every record for the key, oldest first.
	List(ctx context.Context, key string) ([]ExecutionRecord, error)

	// AttachRemoteTxID sets the remote transaction id of a record that has none.
	AttachRemoteTxID(ctx context.Context, id uuid.UUID, remoteTxID string) error
}

// RecurringContractStore reads and updates recurring auto-payment contracts.
type RecurringContractStore interface {
	// FindDue returns ACTIVE contracts whose billing day equals billingDay.
	FindDue(ctx context.Context, billingDay int) ([]RecurringContract, error)

	// Get returns a contract by id, or ErrContractNotFound.
	Get(ctx context.Context, id string) (*RecurringContract, error)

	// UpdateStatus applies an operator status change.
	UpdateStatus(ctx context.Context, id string, status ContractStatus) error

	// RecordExecution writes last-execution metadata.
	RecordExecution(ctx context.Context, id string, e Execution) error
}

// AccountLinkLookup resolves a user's linked bank account.
type AccountLinkLookup interface {
	// Resolve returns the active linked account, or ErrAccountNotLinked.
	Resolve(ctx context.Context, userID, accountNumber string) (LinkedAccount, error)
}
