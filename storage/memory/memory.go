// Package memory provides an in-memory implementation of the ledger.Storage interface.
// This implementation is primarily intended for testing and development: its
// single mutex only serializes callers inside one process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// Storage implements ledger.Storage using in-memory maps
type Storage struct {
	mu         sync.RWMutex
	accounts   map[string]*ledger.Account
	shortCodes map[string]string // short code -> account id
	entries    map[string]*ledger.LedgerEntry // external reference -> entry
	byAccount  map[string][]*ledger.LedgerEntry
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		accounts:   make(map[string]*ledger.Account),
		shortCodes: make(map[string]string),
		entries:    make(map[string]*ledger.LedgerEntry),
		byAccount:  make(map[string][]*ledger.LedgerEntry),
	}
}

// GetAccount implements ledger.Storage
func (s *Storage) GetAccount(_ context.Context, accountID string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

// GetAccountByShortCode implements ledger.Storage
func (s *Storage) GetAccountByShortCode(_ context.Context, shortCode string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.shortCodes[shortCode]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return s.accounts[id].Clone(), nil
}

// CreateAccount implements ledger.Storage
func (s *Storage) CreateAccount(_ context.Context, acct *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return ledger.ErrAccountExists
	}
	if _, ok := s.shortCodes[acct.ShortCode]; ok {
		return ledger.ErrAccountExists
	}
	s.accounts[acct.ID] = acct.Clone()
	s.shortCodes[acct.ShortCode] = acct.ID
	return nil
}

// HasBeenProcessed implements ledger.Storage
func (s *Storage) HasBeenProcessed(_ context.Context, externalReference string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.entries[externalReference]
	return ok, nil
}

// GetLedgerEntry implements ledger.Storage
func (s *Storage) GetLedgerEntry(_ context.Context, externalReference string) (*ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[externalReference]
	if !ok {
		return nil, nil
	}
	return copyEntry(entry), nil
}

// ListLedgerEntries implements ledger.Storage
func (s *Storage) ListLedgerEntries(_ context.Context, accountID string, limit int) ([]*ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byAccount[accountID]
	out := make([]*ledger.LedgerEntry, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyEntry(all[i]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Grant implements ledger.Storage
func (s *Storage) Grant(_ context.Context, req *ledger.GrantRequest) (*ledger.Account, *ledger.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[req.ExternalReference]; ok {
		return nil, nil, ledger.ErrAlreadyProcessed
	}
	acct, ok := s.accounts[req.AccountID]
	if !ok {
		return nil, nil, ledger.ErrAccountNotFound
	}

	ledger.ApplyGrant(acct, req.Package, req.Now)
	entry := copyEntry(ledger.NewEntry(req))
	s.entries[req.ExternalReference] = entry
	s.byAccount[req.AccountID] = append(s.byAccount[req.AccountID], entry)

	return acct.Clone(), copyEntry(entry), nil
}

// Deduct implements ledger.Storage
func (s *Storage) Deduct(_ context.Context, req *ledger.DeductRequest) (*ledger.DeductResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.AccountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	if acct.IsEntitled(req.Now) {
		return &ledger.DeductResult{Account: acct.Clone(), Bypassed: true}, nil
	}
	if acct.Balance < req.Cost {
		return nil, &ledger.InsufficientBalanceError{AccountID: acct.ID, Balance: acct.Balance, Cost: req.Cost}
	}

	acct.Balance -= req.Cost
	acct.UpdatedAt = req.Now
	return &ledger.DeductResult{Account: acct.Clone()}, nil
}

// Refund implements ledger.Storage
func (s *Storage) Refund(_ context.Context, req *ledger.RefundRequest) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.AccountID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	if acct.RefundExempt() {
		return acct.Clone(), nil
	}

	acct.Balance += req.Amount
	acct.UpdatedAt = req.Now
	return acct.Clone(), nil
}

func copyEntry(e *ledger.LedgerEntry) *ledger.LedgerEntry {
	c := *e
	if e.RawPayload != nil {
		c.RawPayload = append([]byte(nil), e.RawPayload...)
	}
	return &c
}
