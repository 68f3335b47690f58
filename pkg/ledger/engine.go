package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config configures an Engine.
type Config struct {
	// Catalog resolves package codes. Defaults to DefaultCatalog().
	Catalog *Catalog

	// TimeSource overrides the clock. When nil the storage is used if it
	// implements TimeSource, otherwise the local clock.
	TimeSource TimeSource

	// NewID generates ledger entry ids. Defaults to uuid v4.
	NewID func() string

	Logger  Logger
	Metrics Metrics
}

// Engine performs the atomic balance operations. All correctness under
// concurrency is delegated to the Storage transaction; the engine holds no
// locks of its own.
type Engine struct {
	storage Storage
	config  Config
	logger  Logger
	metrics Metrics
}

// NewEngine creates an engine with the given storage and configuration.
func NewEngine(storage Storage, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.TimeSource == nil {
		if ts, ok := storage.(TimeSource); ok {
			config.TimeSource = ts
		}
	}
	if config.NewID == nil {
		config.NewID = func() string { return uuid.NewString() }
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Engine{
		storage: storage,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Catalog returns the engine's package catalog.
func (e *Engine) Catalog() *Catalog {
	return e.config.Catalog
}

// Storage returns the underlying storage.
func (e *Engine) Storage() Storage {
	return e.storage
}

func (e *Engine) now(ctx context.Context) time.Time {
	if e.config.TimeSource != nil {
		t, err := e.config.TimeSource.Now(ctx)
		if err == nil {
			return t.UTC()
		}
		e.logger.Warn("time source unavailable, using local clock", F("error", err))
	}
	return time.Now().UTC()
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if isBusinessError(err) {
		err = nil
	}
	e.metrics.RecordStorageOperation(op, time.Since(start), err)
}

// GetAccount returns the account with the given id.
func (e *Engine) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	start := time.Now()
	acct, err := e.storage.GetAccount(ctx, accountID)
	e.observe("get_account", start, err)
	return acct, err
}

// GetAccountByShortCode returns the account with the given short code.
// Matching is case-insensitive.
func (e *Engine) GetAccountByShortCode(ctx context.Context, shortCode string) (*Account, error) {
	start := time.Now()
	acct, err := e.storage.GetAccountByShortCode(ctx, strings.ToUpper(strings.TrimSpace(shortCode)))
	e.observe("get_account_by_short_code", start, err)
	return acct, err
}

// CreateAccount validates and stores a new account with a zero balance
// unless one is provided.
func (e *Engine) CreateAccount(ctx context.Context, acct *Account) (*Account, error) {
	if acct == nil || strings.TrimSpace(acct.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidAccount)
	}
	acct = acct.Clone()
	acct.ShortCode = strings.ToUpper(strings.TrimSpace(acct.ShortCode))
	if !validShortCode(acct.ShortCode) {
		return nil, fmt.Errorf("%w: short code must be alphanumeric", ErrInvalidAccount)
	}
	if acct.Role == "" {
		acct.Role = RoleStandard
	}
	if !acct.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidAccount, acct.Role)
	}
	if acct.Balance < 0 {
		return nil, fmt.Errorf("%w: negative balance", ErrInvalidAccount)
	}
	now := e.now(ctx)
	acct.CreatedAt = now
	acct.UpdatedAt = now

	start := time.Now()
	err := e.storage.CreateAccount(ctx, acct)
	e.observe("create_account", start, err)
	if err != nil {
		return nil, err
	}
	e.logger.Info("account created",
		F("account_id", acct.ID), F("short_code", acct.ShortCode), F("role", string(acct.Role)))
	return acct, nil
}

func validShortCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// HasBeenProcessed reports whether externalReference already produced an entry.
func (e *Engine) HasBeenProcessed(ctx context.Context, externalReference string) (bool, error) {
	start := time.Now()
	ok, err := e.storage.HasBeenProcessed(ctx, externalReference)
	e.observe("has_been_processed", start, err)
	return ok, err
}

// ListLedgerEntries returns the newest entries of an account.
func (e *Engine) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	start := time.Now()
	entries, err := e.storage.ListLedgerEntries(ctx, accountID, limit)
	e.observe("list_ledger_entries", start, err)
	return entries, err
}

// Grant applies req.Package to the account exactly once per
// req.ExternalReference. A replayed reference is reported through
// GrantResult.Duplicate and is not an error.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if req.AccountID == "" || req.ExternalReference == "" {
		return nil, fmt.Errorf("grant: account id and external reference are required")
	}
	if req.Package.Quantity <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Currency == "" {
		req.Currency = req.Package.Currency
	}
	if req.EntryID == "" {
		req.EntryID = e.config.NewID()
	}
	req.Now = e.now(ctx)

	start := time.Now()
	acct, entry, err := e.storage.Grant(ctx, &req)
	e.observe("grant", start, err)

	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		e.metrics.RecordGrant(req.Gateway, req.Package.Kind, "duplicate")
		e.logger.Info("grant skipped, reference already processed",
			F("account_id", req.AccountID), F("external_reference", req.ExternalReference))
		existing, lookupErr := e.storage.GetLedgerEntry(ctx, req.ExternalReference)
		if lookupErr != nil {
			e.logger.Warn("failed to load existing entry", F("external_reference", req.ExternalReference), F("error", lookupErr))
		}
		return &GrantResult{Entry: existing, Duplicate: true}, nil
	case err != nil:
		e.metrics.RecordGrant(req.Gateway, req.Package.Kind, "error")
		if !errors.Is(err, ErrAccountNotFound) {
			e.logger.Error("grant failed",
				F("account_id", req.AccountID), F("external_reference", req.ExternalReference), F("error", err))
		}
		return nil, err
	}

	e.metrics.RecordGrant(req.Gateway, req.Package.Kind, "committed")
	e.logger.Info("grant committed",
		F("account_id", acct.ID),
		F("package", req.Package.Code),
		F("gateway", string(req.Gateway)),
		F("external_reference", req.ExternalReference),
		F("balance", acct.Balance),
		F("entitlement_expiry", acct.EntitlementExpiry))
	return &GrantResult{Account: acct, Entry: entry}, nil
}

// Deduct consumes cost credits. Entitled accounts are never charged.
// An insufficient balance is returned as *InsufficientBalanceError.
func (e *Engine) Deduct(ctx context.Context, accountID string, cost int64) (*DeductResult, error) {
	if cost <= 0 {
		return nil, ErrInvalidAmount
	}

	start := time.Now()
	res, err := e.storage.Deduct(ctx, &DeductRequest{AccountID: accountID, Cost: cost, Now: e.now(ctx)})
	e.observe("deduct", start, err)

	var insufficient *InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		e.metrics.RecordDeduct("insufficient", cost)
		e.logger.Debug("deduct refused", F("account_id", accountID), F("cost", cost), F("balance", insufficient.Balance))
		return nil, err
	case err != nil:
		e.metrics.RecordDeduct("error", cost)
		return nil, err
	case res.Bypassed:
		e.metrics.RecordDeduct("bypassed", cost)
	default:
		e.metrics.RecordDeduct("charged", cost)
	}
	return res, nil
}

// Refund returns amount credits to the account. Accounts with the entitled
// role are never charged and are left untouched; a standard account is
// credited even if an entitlement was granted after it was charged.
func (e *Engine) Refund(ctx context.Context, accountID string, amount int64) (*Account, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := e.now(ctx)
	start := time.Now()
	acct, err := e.storage.Refund(ctx, &RefundRequest{AccountID: accountID, Amount: amount, Now: now})
	e.observe("refund", start, err)
	if err != nil {
		e.metrics.RecordRefund("error", amount)
		e.logger.Error("refund failed", F("account_id", accountID), F("amount", amount), F("error", err))
		return nil, err
	}
	if acct.RefundExempt() {
		e.metrics.RecordRefund("bypassed", amount)
	} else {
		e.metrics.RecordRefund("refunded", amount)
	}
	return acct, nil
}
