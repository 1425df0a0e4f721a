package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"transfer-engine/pkg/transfer"
)

// ContractStore is an in-memory transfer.RecurringContractStore.
type ContractStore struct {
	contracts map[string]transfer.RecurringContract
	mu        sync.RWMutex
	now       func() time.Time
}

// NewContractStore creates a store seeded with the given contracts.
func NewContractStore(seed ...transfer.RecurringContract) *ContractStore {
	s := &ContractStore{
		contracts: make(map[string]transfer.RecurringContract, len(seed)),
		now:       time.Now,
	}
	for _, c := range seed {
		s.contracts[c.ID] = c
	}
	return s
}

// Put inserts or replaces a contract.
func (s *ContractStore) Put(c transfer.RecurringContract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.ID] = c
}

// FindDue returns ACTIVE contracts billing on billingDay, ordered by id.
func (s *ContractStore) FindDue(ctx context.Context, billingDay int) ([]transfer.RecurringContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []transfer.RecurringContract
	for _, c := range s.contracts {
		if c.Status == transfer.ContractActive && c.BillingDay == billingDay {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// Get returns a copy of the contract.
func (s *ContractStore) Get(ctx context.Context, id string) (*transfer.RecurringContract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, transfer.ErrContractNotFound
	}
	return &c, nil
}

// UpdateStatus applies an operator status change.
func (s *ContractStore) UpdateStatus(ctx context.Context, id string, status transfer.ContractStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return transfer.ErrContractNotFound
	}
	if !c.Status.CanTransition(status) {
		return fmt.Errorf("contract %s %s -> %s: %w", id, c.Status, status, transfer.ErrInvalidStatusTransition)
	}
	c.Status = status
	c.UpdatedAt = s.now()
	s.contracts[id] = c
	return nil
}

// RecordExecution writes last-execution metadata.
func (s *ContractStore) RecordExecution(ctx context.Context, id string, e transfer.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return transfer.ErrContractNotFound
	}
	c.Apply(e)
	s.contracts[id] = c
	return nil
}
