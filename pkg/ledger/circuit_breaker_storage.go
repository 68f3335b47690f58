package ledger

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

// Unwrap returns the wrapped storage.
func (s *CircuitBreakerStorage) Unwrap() Storage {
	return s.storage
}

func (s *CircuitBreakerStorage) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var acct *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.GetAccount(ctx, accountID)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) GetAccountByShortCode(ctx context.Context, shortCode string) (*Account, error) {
	var acct *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.GetAccountByShortCode(ctx, shortCode)
		return e
	})
	return acct, err
}

func (s *CircuitBreakerStorage) CreateAccount(ctx context.Context, acct *Account) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.CreateAccount(ctx, acct)
	})
}

func (s *CircuitBreakerStorage) HasBeenProcessed(ctx context.Context, externalReference string) (bool, error) {
	var ok bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		ok, e = s.storage.HasBeenProcessed(ctx, externalReference)
		return e
	})
	return ok, err
}

func (s *CircuitBreakerStorage) GetLedgerEntry(ctx context.Context, externalReference string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := s.cb.Execute(ctx, func() error {
		var e error
		entry, e = s.storage.GetLedgerEntry(ctx, externalReference)
		return e
	})
	return entry, err
}

func (s *CircuitBreakerStorage) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	err := s.cb.Execute(ctx, func() error {
		var e error
		entries, e = s.storage.ListLedgerEntries(ctx, accountID, limit)
		return e
	})
	return entries, err
}

func (s *CircuitBreakerStorage) Grant(ctx context.Context, req *GrantRequest) (*Account, *LedgerEntry, error) {
	var (
		acct  *Account
		entry *LedgerEntry
	)
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, entry, e = s.storage.Grant(ctx, req)
		return e
	})
	return acct, entry, err
}

func (s *CircuitBreakerStorage) Deduct(ctx context.Context, req *DeductRequest) (*DeductResult, error) {
	var res *DeductResult
	err := s.cb.Execute(ctx, func() error {
		var e error
		res, e = s.storage.Deduct(ctx, req)
		return e
	})
	return res, err
}

func (s *CircuitBreakerStorage) Refund(ctx context.Context, req *RefundRequest) (*Account, error) {
	var acct *Account
	err := s.cb.Execute(ctx, func() error {
		var e error
		acct, e = s.storage.Refund(ctx, req)
		return e
	})
	return acct, err
}

// Now forwards to the wrapped storage when it is a TimeSource.
func (s *CircuitBreakerStorage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.storage.(TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}
