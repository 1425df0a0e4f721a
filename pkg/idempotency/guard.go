// Package idempotency guarantees that an operation key moves money at most
// once. A Reservation holds the key's lock for the whole dispatch and is the
// only path through which ledger rows are written.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"transfer-engine/pkg/logging"
	"transfer-engine/pkg/metrics"
	"transfer-engine/pkg/transfer"
)

var (
	// ErrReleased is returned when a released reservation is used.
	ErrReleased = errors.New("idempotency: reservation released")

	// ErrKeyMismatch is returned when a record is written for another key.
	ErrKeyMismatch = errors.New("idempotency: record does not belong to the reserved key")
)

// Guard checks the ledger under a per-key lock.
type Guard struct {
	ledger  transfer.LedgerStore
	locker  Locker
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the guard's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the collector that sees ledger writes.
func WithMetrics(c metrics.MetricsCollector) Option {
	return func(g *Guard) {
		g.metrics = metrics.OrNoOp(c)
	}
}

// NewGuard creates a guard. A nil locker defaults to a LocalLocker.
func NewGuard(ledger transfer.LedgerStore, locker Locker, opts ...Option) *Guard {
	if locker == nil {
		locker = NewLocalLocker()
	}
	g := &Guard{
		ledger:  ledger,
		locker:  locker,
		metrics: metrics.NoOpCollector{},
		logger:  logging.Global().Named("idempotency"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reserve locks key and reports whether it already succeeded. The caller must
// Release the reservation.
func (g *Guard) Reserve(ctx context.Context, key string) (*Reservation, error) {
	if err := transfer.ValidateOperationKey(key); err != nil {
		return nil, err
	}

	release, err := g.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency: lock %s: %w", key, err)
	}

	prior, err := g.ledger.Succeeded(ctx, key)
	if err != nil && !errors.Is(err, transfer.ErrRecordNotFound) {
		release()
		return nil, fmt.Errorf("idempotency: check %s: %w", key, err)
	}

	return &Reservation{
		guard:   g,
		key:     key,
		prior:   prior,
		release: release,
	}, nil
}

// AlreadySucceeded checks the ledger without taking the lock.
func (g *Guard) AlreadySucceeded(ctx context.Context, key string) (bool, error) {
	return g.ledger.HasSucceeded(ctx, key)
}

// History returns every ledger row for key, oldest first.
func (g *Guard) History(ctx context.Context, key string) ([]transfer.ExecutionRecord, error) {
	if err := transfer.ValidateOperationKey(key); err != nil {
		return nil, err
	}
	return g.ledger.List(ctx, key)
}

// Reservation is a held per-key lock.
type Reservation struct {
	guard *Guard
	key   string

	mu       sync.Mutex
	prior    *transfer.ExecutionRecord
	released bool

	release func()
	once    sync.Once
}

// Key returns the reserved operation key.
func (r *Reservation) Key() string {
	return r.key
}

// AlreadySucceeded reports whether a SUCCESS row exists for the key.
func (r *Reservation) AlreadySucceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prior != nil
}

// Prior returns the SUCCESS row, or nil.
func (r *Reservation) Prior() *transfer.ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prior == nil {
		return nil
	}
	rec := *r.prior
	return &rec
}

// Latest returns the newest row for the key, or ErrRecordNotFound.
func (r *Reservation) Latest(ctx context.Context) (*transfer.ExecutionRecord, error) {
	rows, err := r.guard.ledger.List(ctx, r.key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, transfer.ErrRecordNotFound
	}
	rec := rows[len(rows)-1]
	return &rec, nil
}

// Record appends the outcome of an attempt.
func (r *Reservation) Record(ctx context.Context, rec transfer.ExecutionRecord) error {
	if rec.OperationKey != r.key {
		return fmt.Errorf("%w: %s != %s", ErrKeyMismatch, rec.OperationKey, r.key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return ErrReleased
	}
	if rec.State == transfer.StateSuccess && r.prior != nil {
		return fmt.Errorf("idempotency: %s: %w", r.key, transfer.ErrDuplicateSuccess)
	}

	err := r.guard.ledger.Append(ctx, rec)
	r.guard.metrics.RecordLedgerWrite(string(rec.State), err == nil)
	if err != nil {
		r.guard.logger.Error("ledger write failed",
			logging.OperationKey(r.key),
			logging.State(string(rec.State)),
			logging.RemoteTx(rec.RemoteTxID),
			zap.Error(err),
		)
		return fmt.Errorf("idempotency: record %s: %w", r.key, err)
	}

	if rec.State == transfer.StateSuccess {
		stored := rec
		r.prior = &stored
	}
	return nil
}

// AttachRemoteTxID sets the remote id of an earlier row of this key.
func (r *Reservation) AttachRemoteTxID(ctx context.Context, id uuid.UUID, remoteTxID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	return r.guard.ledger.AttachRemoteTxID(ctx, id, remoteTxID)
}

// Release unlocks the key. It is safe to call more than once.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.mu.Lock()
		r.released = true
		r.mu.Unlock()
		r.release()
	})
}
