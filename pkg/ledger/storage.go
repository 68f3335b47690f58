package ledger

import (
	"context"
	"time"
)

// Storage defines the interface for ledger persistence.
// Grant, Deduct and Refund must each run as one atomic transaction against
// the account row and the ledger entry table. Callers never read-then-write.
type Storage interface {
	// GetAccount retrieves an account by id.
	// Returns ErrAccountNotFound if it does not exist.
	GetAccount(ctx context.Context, accountID string) (*Account, error)

	// GetAccountByShortCode retrieves an account by its unique short code.
	// Returns ErrAccountNotFound if it does not exist.
	GetAccountByShortCode(ctx context.Context, shortCode string) (*Account, error)

	// CreateAccount stores a new account.
	// Returns ErrAccountExists if the id or short code is taken.
	CreateAccount(ctx context.Context, acct *Account) error

	// HasBeenProcessed reports whether a ledger entry exists for externalReference.
	HasBeenProcessed(ctx context.Context, externalReference string) (bool, error)

	// GetLedgerEntry retrieves the entry recorded for externalReference.
	// Returns nil if no entry exists (not an error).
	GetLedgerEntry(ctx context.Context, externalReference string) (*LedgerEntry, error)

	// ListLedgerEntries returns up to limit entries for an account, newest first.
	ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error)

	// Grant applies a package and appends a committed entry atomically.
	// The idempotency check runs inside the same transaction.
	// Returns ErrAlreadyProcessed if ExternalReference was already granted,
	// or ErrAccountNotFound.
	Grant(ctx context.Context, req *GrantRequest) (*Account, *LedgerEntry, error)

	// Deduct consumes credits atomically. Entitled accounts are not charged.
	// Returns *InsufficientBalanceError if the balance is too low.
	Deduct(ctx context.Context, req *DeductRequest) (*DeductResult, error)

	// Refund returns credits atomically. Entitled accounts are not credited.
	Refund(ctx context.Context, req *RefundRequest) (*Account, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// Backends shared by several processes implement it so that entitlement
// expiries are computed against one clock.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}
