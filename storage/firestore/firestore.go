// Package firestore provides a Firestore implementation of the ledger.Storage interface.
// Mutations run inside RunTransaction, which reads with snapshot isolation
// and retries the whole function when a concurrent commit touched the same
// documents.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// Storage implements ledger.Storage using Google Cloud Firestore
type Storage struct {
	client               *firestore.Client
	accountsCollection   string
	shortCodesCollection string
	entriesCollection    string
	maxAttempts          int
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection is the Firestore collection for accounts
	// Default: "ledger_accounts"
	AccountsCollection string

	// ShortCodesCollection maps short codes to account ids and enforces uniqueness
	// Default: "ledger_short_codes"
	ShortCodesCollection string

	// EntriesCollection is the Firestore collection for ledger entries
	// Default: "ledger_entries"
	EntriesCollection string

	// MaxAttempts bounds RunTransaction retries on contention (default: 5)
	MaxAttempts int
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "ledger_accounts"
	}
	if config.ShortCodesCollection == "" {
		config.ShortCodesCollection = "ledger_short_codes"
	}
	if config.EntriesCollection == "" {
		config.EntriesCollection = "ledger_entries"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	return &Storage{
		client:               client,
		accountsCollection:   config.AccountsCollection,
		shortCodesCollection: config.ShortCodesCollection,
		entriesCollection:    config.EntriesCollection,
		maxAttempts:          config.MaxAttempts,
	}, nil
}

func (s *Storage) accountDoc(accountID string) *firestore.DocumentRef {
	return s.client.Collection(s.accountsCollection).Doc(accountID)
}

func (s *Storage) shortCodeDoc(shortCode string) *firestore.DocumentRef {
	return s.client.Collection(s.shortCodesCollection).Doc(shortCode)
}

// entryDoc keys entries by a digest of the external reference, since
// references may contain characters that are not valid in document ids.
func (s *Storage) entryDoc(externalReference string) *firestore.DocumentRef {
	sum := sha256.Sum256([]byte(externalReference))
	return s.client.Collection(s.entriesCollection).Doc(hex.EncodeToString(sum[:]))
}

func (s *Storage) runTransaction(ctx context.Context, fn func(context.Context, *firestore.Transaction) error) error {
	err := s.client.RunTransaction(ctx, fn, firestore.MaxAttempts(s.maxAttempts))
	return classify(err)
}

func accountFromData(id string, data map[string]interface{}) *ledger.Account {
	return &ledger.Account{
		ID:                id,
		ShortCode:         getString(data, "shortCode"),
		Balance:           getInt64(data, "balance"),
		EntitlementExpiry: getTime(data, "entitlementExpiry"),
		Role:              ledger.Role(getString(data, "role")),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

func accountData(acct *ledger.Account) map[string]interface{} {
	data := map[string]interface{}{
		"shortCode": acct.ShortCode,
		"balance":   acct.Balance,
		"role":      string(acct.Role),
		"createdAt": acct.CreatedAt,
		"updatedAt": acct.UpdatedAt,
	}
	if !acct.EntitlementExpiry.IsZero() {
		data["entitlementExpiry"] = acct.EntitlementExpiry
	}
	return data
}

// GetAccount implements ledger.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	snap, err := s.accountDoc(accountID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return accountFromData(accountID, snap.Data()), nil
}

// GetAccountByShortCode implements ledger.Storage
func (s *Storage) GetAccountByShortCode(ctx context.Context, shortCode string) (*ledger.Account, error) {
	snap, err := s.shortCodeDoc(shortCode).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return s.GetAccount(ctx, getString(snap.Data(), "accountId"))
}

// CreateAccount implements ledger.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(s.accountDoc(acct.ID), accountData(acct)); err != nil {
			return err
		}
		return tx.Create(s.shortCodeDoc(acct.ShortCode), map[string]interface{}{
			"accountId": acct.ID,
		})
	})
	if status.Code(err) == codes.AlreadyExists {
		return ledger.ErrAccountExists
	}
	return err
}

// HasBeenProcessed implements ledger.Storage
func (s *Storage) HasBeenProcessed(ctx context.Context, externalReference string) (bool, error) {
	_, err := s.entryDoc(externalReference).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

func entryData(e *ledger.LedgerEntry) map[string]interface{} {
	return map[string]interface{}{
		"id":                e.ID,
		"accountId":         e.AccountID,
		"packageCode":       e.PackageCode,
		"quantity":          e.Quantity,
		"priceCharged":      e.PriceCharged,
		"currency":          e.Currency,
		"kind":              string(e.Kind),
		"gateway":           string(e.Gateway),
		"externalReference": e.ExternalReference,
		"status":            string(e.Status),
		"createdAt":         e.CreatedAt,
		"rawPayload":        e.RawPayload,
	}
}

func entryFromData(data map[string]interface{}) *ledger.LedgerEntry {
	raw, _ := data["rawPayload"].([]byte)
	return &ledger.LedgerEntry{
		ID:                getString(data, "id"),
		AccountID:         getString(data, "accountId"),
		PackageCode:       getString(data, "packageCode"),
		Quantity:          getInt64(data, "quantity"),
		PriceCharged:      getInt64(data, "priceCharged"),
		Currency:          getString(data, "currency"),
		Kind:              ledger.Kind(getString(data, "kind")),
		Gateway:           ledger.Gateway(getString(data, "gateway")),
		ExternalReference: getString(data, "externalReference"),
		Status:            ledger.EntryStatus(getString(data, "status")),
		CreatedAt:         getTime(data, "createdAt"),
		RawPayload:        raw,
	}
}

// GetLedgerEntry implements ledger.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, externalReference string) (*ledger.LedgerEntry, error) {
	snap, err := s.entryDoc(externalReference).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return entryFromData(snap.Data()), nil
}

// ListLedgerEntries implements ledger.Storage
// Production projects need a composite index on (accountId, createdAt desc).
func (s *Storage) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*ledger.LedgerEntry, error) {
	iter := s.client.Collection(s.entriesCollection).
		Where("accountId", "==", accountID).
		OrderBy("createdAt", firestore.Desc).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	entries := make([]*ledger.LedgerEntry, 0, limit)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		entries = append(entries, entryFromData(snap.Data()))
	}
	return entries, nil
}

// Grant implements ledger.Storage
func (s *Storage) Grant(ctx context.Context, req *ledger.GrantRequest) (*ledger.Account, *ledger.LedgerEntry, error) {
	var (
		acct  *ledger.Account
		entry *ledger.LedgerEntry
	)
	entryRef := s.entryDoc(req.ExternalReference)
	accountRef := s.accountDoc(req.AccountID)

	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// 1. Idempotency check inside the transaction
		if _, err := tx.Get(entryRef); err == nil {
			return ledger.ErrAlreadyProcessed
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		// 2. Load the account
		snap, err := tx.Get(accountRef)
		if status.Code(err) == codes.NotFound {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		acct = accountFromData(req.AccountID, snap.Data())

		// 3. Apply and write both documents
		ledger.ApplyGrant(acct, req.Package, req.Now)
		entry = ledger.NewEntry(req)
		if err := tx.Set(accountRef, accountData(acct), firestore.MergeAll); err != nil {
			return err
		}
		return tx.Create(entryRef, entryData(entry))
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil, nil, ledger.ErrAlreadyProcessed
	}
	if err != nil {
		return nil, nil, err
	}
	return acct, entry, nil
}

// Deduct implements ledger.Storage
func (s *Storage) Deduct(ctx context.Context, req *ledger.DeductRequest) (*ledger.DeductResult, error) {
	var res *ledger.DeductResult
	ref := s.accountDoc(req.AccountID)

	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		acct := accountFromData(req.AccountID, snap.Data())

		if acct.IsEntitled(req.Now) {
			res = &ledger.DeductResult{Account: acct, Bypassed: true}
			return nil
		}
		if acct.Balance < req.Cost {
			return &ledger.InsufficientBalanceError{AccountID: acct.ID, Balance: acct.Balance, Cost: req.Cost}
		}

		acct.Balance -= req.Cost
		acct.UpdatedAt = req.Now
		res = &ledger.DeductResult{Account: acct}
		return tx.Update(ref, []firestore.Update{
			{Path: "balance", Value: acct.Balance},
			{Path: "updatedAt", Value: acct.UpdatedAt},
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Refund implements ledger.Storage
func (s *Storage) Refund(ctx context.Context, req *ledger.RefundRequest) (*ledger.Account, error) {
	var acct *ledger.Account
	ref := s.accountDoc(req.AccountID)

	err := s.runTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		acct = accountFromData(req.AccountID, snap.Data())
		if acct.RefundExempt() {
			return nil
		}

		acct.Balance += req.Amount
		acct.UpdatedAt = req.Now
		return tx.Update(ref, []firestore.Update{
			{Path: "balance", Value: acct.Balance},
			{Path: "updatedAt", Value: acct.UpdatedAt},
		})
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// classify maps gRPC status codes onto the ledger error taxonomy. Errors
// that are already ledger outcomes are returned as they are.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var insufficient *ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, ledger.ErrAlreadyProcessed) ||
		errors.Is(err, context.Canceled) {
		return err
	}

	switch status.Code(err) {
	case codes.Aborted:
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
	default:
		return err
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
