// Package sqlite provides a SQLite-backed implementation of the ledger.Storage
// interface for single-node deployments. Writers take the database lock at
// BEGIN (IMMEDIATE), so read-modify-write transactions on an account never
// interleave.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
	"github.com/kyokole/photo-tool-pro-sub000/storage/sqlite/migrations"
)

// Storage implements ledger.Storage using SQLite
type Storage struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite ledger store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; a single connection also keeps readers from
	// observing a half-applied transaction through another handle.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite db: %v", ledger.ErrStorageUnavailable, err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Storage{db: db}, nil
}

// NewWithDB wraps an already-migrated database handle.
func NewWithDB(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// Close closes the SQLite handle.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const accountColumns = `id, short_code, balance, entitlement_expiry, role, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var (
		acct                     ledger.Account
		role                     string
		expiry, created, updated int64
	)
	err := row.Scan(&acct.ID, &acct.ShortCode, &acct.Balance, &expiry, &role, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	acct.Role = ledger.Role(role)
	acct.EntitlementExpiry = fromMillis(expiry)
	acct.CreatedAt = fromMillis(created)
	acct.UpdatedAt = fromMillis(updated)
	return &acct, nil
}

// GetAccount implements ledger.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
}

// GetAccountByShortCode implements ledger.Storage
func (s *Storage) GetAccountByShortCode(ctx context.Context, shortCode string) (*ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE short_code = ?`, shortCode))
}

// CreateAccount implements ledger.Storage
func (s *Storage) CreateAccount(ctx context.Context, acct *ledger.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.ShortCode, acct.Balance, toMillis(acct.EntitlementExpiry), string(acct.Role),
		toMillis(acct.CreatedAt), toMillis(acct.UpdatedAt))
	if isUniqueViolation(err) {
		return ledger.ErrAccountExists
	}
	return classify(err)
}

// HasBeenProcessed implements ledger.Storage
func (s *Storage) HasBeenProcessed(ctx context.Context, externalReference string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE external_reference = ?)`,
		externalReference).Scan(&exists)
	if err != nil {
		return false, classify(err)
	}
	return exists == 1, nil
}

const entryColumns = `id, account_id, package_code, quantity, price_charged, currency, kind, gateway,
	external_reference, status, created_at, raw_payload`

func scanEntry(row rowScanner) (*ledger.LedgerEntry, error) {
	var (
		e                     ledger.LedgerEntry
		kind, gateway, status string
		created               int64
	)
	err := row.Scan(&e.ID, &e.AccountID, &e.PackageCode, &e.Quantity, &e.PriceCharged, &e.Currency,
		&kind, &gateway, &e.ExternalReference, &status, &created, &e.RawPayload)
	if err != nil {
		return nil, err
	}
	e.Kind = ledger.Kind(kind)
	e.Gateway = ledger.Gateway(gateway)
	e.Status = ledger.EntryStatus(status)
	e.CreatedAt = fromMillis(created)
	return &e, nil
}

// GetLedgerEntry implements ledger.Storage
func (s *Storage) GetLedgerEntry(ctx context.Context, externalReference string) (*ledger.LedgerEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE external_reference = ?`, externalReference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return entry, nil
}

// ListLedgerEntries implements ledger.Storage
func (s *Storage) ListLedgerEntries(ctx context.Context, accountID string, limit int) ([]*ledger.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		   WHERE account_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, accountID, limit)
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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE external_reference = ?)`,
			req.ExternalReference).Scan(&exists); err != nil {
			return err
		}
		if exists == 1 {
			return ledger.ErrAlreadyProcessed
		}

		var err error
		acct, err = scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, req.AccountID))
		if err != nil {
			return err
		}

		ledger.ApplyGrant(acct, req.Package, req.Now)
		entry = ledger.NewEntry(req)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.AccountID, entry.PackageCode, entry.Quantity, entry.PriceCharged, entry.Currency,
			string(entry.Kind), string(entry.Gateway), entry.ExternalReference, string(entry.Status),
			toMillis(entry.CreatedAt), entry.RawPayload)
		if isUniqueViolation(err) {
			return ledger.ErrAlreadyProcessed
		}
		if err != nil {
			return err
		}
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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, req.AccountID))
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
		res = &ledger.DeductResult{Account: acct}
		return updateAccount(ctx, tx, acct)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Refund implements ledger.Storage
func (s *Storage) Refund(ctx context.Context, req *ledger.RefundRequest) (*ledger.Account, error) {
	var acct *ledger.Account
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		acct, err = scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, req.AccountID))
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

func updateAccount(ctx context.Context, tx *sql.Tx, acct *ledger.Account) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, entitlement_expiry = ?, updated_at = ? WHERE id = ?`,
		acct.Balance, toMillis(acct.EntitlementExpiry), toMillis(acct.UpdatedAt), acct.ID)
	return err
}

func (s *Storage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// classify maps driver errors onto the ledger error taxonomy.
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
		errors.Is(err, ledger.ErrConflict),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
		case sqlite3lib.SQLITE_CANTOPEN, sqlite3lib.SQLITE_IOERR, sqlite3lib.SQLITE_FULL:
			return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
		}
	}
	return err
}

var _ ledger.Storage = (*Storage)(nil)
