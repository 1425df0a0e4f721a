package memory

import (
	"context"
	"sync"

	"transfer-engine/pkg/transfer"
)

// AccountLinks is an in-memory transfer.AccountLinkLookup.
type AccountLinks struct {
	links map[string]transfer.LinkedAccount
	mu    sync.RWMutex
}

// NewAccountLinks creates a lookup seeded with the given links.
func NewAccountLinks(seed ...transfer.LinkedAccount) *AccountLinks {
	a := &AccountLinks{links: make(map[string]transfer.LinkedAccount, len(seed))}
	for _, l := range seed {
		a.links[linkKey(l.UserID, l.Account.Number)] = l
	}
	return a
}

// Link registers or replaces a link.
func (a *AccountLinks) Link(l transfer.LinkedAccount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links[linkKey(l.UserID, l.Account.Number)] = l
}

// Resolve returns the active link for the user and account number.
func (a *AccountLinks) Resolve(ctx context.Context, userID, accountNumber string) (transfer.LinkedAccount, error) {
	if err := ctx.Err(); err != nil {
		return transfer.LinkedAccount{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	l, ok := a.links[linkKey(userID, accountNumber)]
	if !ok || !l.Active {
		return transfer.LinkedAccount{}, transfer.ErrAccountNotLinked
	}
	return l, nil
}

func linkKey(userID, number string) string {
	return userID + "\x00" + number
}
