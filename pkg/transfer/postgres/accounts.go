package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"transfer-engine/pkg/transfer"
)

// AccountLinks is a transfer.AccountLinkLookup on the linked_accounts table.
type AccountLinks struct {
	db *sql.DB
}

// NewAccountLinks creates a lookup on an open database.
func NewAccountLinks(db *sql.DB) *AccountLinks {
	return &AccountLinks{db: db}
}

// Resolve returns the active link for the user and account number.
func (a *AccountLinks) Resolve(ctx context.Context, userID, accountNumber string) (transfer.LinkedAccount, error) {
	l := transfer.LinkedAccount{UserID: userID}
	err := a.db.QueryRowContext(ctx, `
		SELECT account_number, bank_code, bank_name, holder_name, customer_ref, active
		FROM linked_accounts WHERE user_id = $1 AND account_number = $2`,
		userID, accountNumber,
	).Scan(&l.Account.Number, &l.Account.BankCode, &l.Account.BankName,
		&l.Account.HolderName, &l.Account.CustomerRef, &l.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.LinkedAccount{}, transfer.ErrAccountNotLinked
	}
	if err != nil {
		return transfer.LinkedAccount{}, fmt.Errorf("resolve account link: %w", err)
	}
	if !l.Active {
		return transfer.LinkedAccount{}, transfer.ErrAccountNotLinked
	}
	return l, nil
}

// Link registers or replaces a link.
func (a *AccountLinks) Link(ctx context.Context, l transfer.LinkedAccount) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO linked_accounts (user_id, account_number, bank_code, bank_name, holder_name, customer_ref, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, account_number) DO UPDATE SET
			bank_code = EXCLUDED.bank_code,
			bank_name = EXCLUDED.bank_name,
			holder_name = EXCLUDED.holder_name,
			customer_ref = EXCLUDED.customer_ref,
			active = EXCLUDED.active`,
		l.UserID, l.Account.Number, l.Account.BankCode, l.Account.BankName,
		l.Account.HolderName, l.Account.CustomerRef, l.Active,
	)
	if err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	return nil
}
