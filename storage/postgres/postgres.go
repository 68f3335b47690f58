// Package postgres provides a PostgreSQL implementation of the ledger.Storage interface.
// Every balance mutation runs in one transaction that locks the account row
// with SELECT ... FOR UPDATE. Serialization failures and deadlocks are
// retried up to Config.MaxRetries before surfacing as ledger.ErrConflict.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Storage implements ledger.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// MaxRetries bounds how often a transaction is retried after a
	// serialization failure or deadlock.
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		MaxRetries:      3,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ledger.ErrStorageUnavailable, err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Now implements ledger.TimeSource using the database clock.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, classify(err)
	}
	return now.UTC(), nil
}

const accountColumns = `id, short_code, balance, entitlement_expiry, role, created_at, updated_at`

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var (
		acct   ledger.Account
		expiry *time.Time
		role   string
	)
	err := row.Scan(&acct.ID, &acct.ShortCode, &acct.Balance, &expiry, &role, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	acct.Role = ledger.Role(role)
	if expiry != nil {
		acct.EntitlementExpiry = expiry.UTC()
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return &acct, nil
}

func expiryParam(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GetAccount implements ledger.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

// GetAccountByShortCode implements ledger.Storage
func (s *Storage) GetAccountByShortCode(ctx context.Context, shortCode string) (*ledger.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE short_code = $1`, shortCode))
}

// CreateAccount implements ledger.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, short_code, balance, entitlement_expiry, role, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		acct.ID, acct.ShortCode, acct.Balance, expiryParam(acct.EntitlementExpiry),
		string(acct.Role), acct.CreatedAt, acct.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return ledger.ErrAccountExists
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// HasBeenProcessed implements ledger.Storage
func (s *Storage) HasBeenProcessed(ctx context.Context, externalReference string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE external_reference = $1)`,
		externalReference).Scan(&exists)
	if err != nil {
		return false, classify(err)
	}
	return exists, nil
}

const entryColumns = `id, account_id, package_code, quantity, price_charged, currency, kind, gateway,
	external_reference, status, created_at, raw_payload`

func scanEntry(row pgx.Row) (*ledger.LedgerEntry, error) {
	var (
		e                     ledger.LedgerEntry
		kind, gateway, status string
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.PackageCode, &e.Quantity, &e.PriceCharged, &e.Currency,
		&kind, &gateway, &e.ExternalReference, &status, &e.CreatedAt, &e.RawPayload)
	if err != nil {
		return nil, err
	}
	e.Kind = ledger.Kind(kind)
	e.Gateway = ledger.Gateway(gateway)
	e.Status = ledger.EntryStatus(status)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// GetLedgerEntry implements ledger.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, externalReference string) (*ledger.LedgerEntry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE external_reference = $1`, externalReference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return entry, nil
}

// ListLedgerEntries implements ledger.Storage
func (s *Storage) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*ledger.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
			WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	entries := make([]*ledger.LedgerEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, classify(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// Grant implements ledger.Storage
func (s *Storage) Grant(ctx context.Context, req *ledger.GrantRequest) (*ledger.Account, *ledger.LedgerEntry, error) {
	var (
		acct  *ledger.Account
		entry *ledger.LedgerEntry
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		acct, err = lockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		// Idempotency check inside the transaction: the unique index on
		// external_reference makes a concurrent duplicate wait and then
		// insert nothing.
		entry = ledger.NewEntry(req)
		var insertedID string
		err = tx.QueryRow(ctx, `
			INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (external_reference) DO NOTHING
			RETURNING id
		`, entry.ID, entry.AccountID, entry.PackageCode, entry.Quantity, entry.PriceCharged, entry.Currency,
			string(entry.Kind), string(entry.Gateway), entry.ExternalReference, string(entry.Status),
			entry.CreatedAt, entry.RawPayload).Scan(&insertedID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrAlreadyProcessed
		}
		if err != nil {
			return err
		}

		ledger.ApplyGrant(acct, req.Package, req.Now)
		return updateAccount(ctx, tx, acct)
	})
	if err != nil {
		return nil, nil, err
	}
	return acct, entry, nil
}

// Deduct implements ledger.Storage
func (s *Storage) Deduct(ctx context.Context, req *ledger.DeductRequest) (*ledger.DeductResult, error) {
	var res *ledger.DeductResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		acct, err := lockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if acct.IsEntitled(req.Now) {
			res = &ledger.DeductResult{Account: acct, Bypassed: true}
			return nil
		}
		if acct.Balance < req.Cost {
			return &ledger.InsufficientBalanceError{AccountID: acct.ID, Balance: acct.Balance, Cost: req.Cost}
		}
		acct.Balance -= req.Cost
		acct.UpdatedAt = req.Now
		if err := updateAccount(ctx, tx, acct); err != nil {
			return err
		}
		res = &ledger.DeductResult{Account: acct}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Refund implements ledger.Storage
func (s *Storage) Refund(ctx context.Context, req *ledger.RefundRequest) (*ledger.Account, error) {
	var acct *ledger.Account
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		acct, err = lockAccount(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if acct.RefundExempt() {
			return nil
		}
		acct.Balance += req.Amount
		acct.UpdatedAt = req.Now
		return updateAccount(ctx, tx, acct)
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (*ledger.Account, error) {
	return scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
}

func updateAccount(ctx context.Context, tx pgx.Tx, acct *ledger.Account) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $2, entitlement_expiry = $3, updated_at = $4 WHERE id = $1`,
		acct.ID, acct.Balance, expiryParam(acct.EntitlementExpiry), acct.UpdatedAt)
	return err
}

// inTx runs fn in a transaction, retrying serialization failures and
// deadlocks. Errors returned by fn that are ledger outcomes pass through
// unchanged.
func (s *Storage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryableTxError(err) {
			return classify(err)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", ledger.ErrConflict, lastErr)
}

func (s *Storage) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// classify maps driver errors onto the ledger error taxonomy. Ledger
// sentinel errors and context errors are returned as they are.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrAlreadyProcessed),
		errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, ledger.ErrStorageUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres: %w", err)
	}
	// Anything that never reached the server as a valid statement is a
	// connectivity problem.
	return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
}
