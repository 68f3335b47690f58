package ledger

import (
	"time"
)

// Role defines how an account is metered.
type Role string

const (
	// RoleStandard accounts pay for each billable operation from their balance.
	RoleStandard Role = "standard"
	// RoleEntitled accounts bypass metering permanently.
	RoleEntitled Role = "entitled"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleStandard || r == RoleEntitled
}

// Kind is the effect a package has when granted.
type Kind string

const (
	// KindCredit adds Quantity credits to the balance.
	KindCredit Kind = "credit"
	// KindEntitlement extends the entitlement expiry by Quantity days.
	KindEntitlement Kind = "entitlement"
)

// Gateway identifies the payment channel a ledger entry originated from.
type Gateway string

const (
	GatewayCard   Gateway = "card"
	GatewayManual Gateway = "manual"
	GatewayStripe Gateway = "stripe"
)

// EntryStatus is the durable status of a ledger entry.
type EntryStatus string

const (
	StatusCommitted EntryStatus = "committed"
	StatusRejected  EntryStatus = "rejected"
)

// Account is a user's monetizable identity record.
type Account struct {
	ID                string
	Balance           int64
	EntitlementExpiry time.Time
	Role              Role
	ShortCode         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsEntitled reports whether the account bypasses metering at now, either
// through its role or through an unexpired entitlement.
func (a *Account) IsEntitled(now time.Time) bool {
	if a.Role == RoleEntitled {
		return true
	}
	return !a.EntitlementExpiry.IsZero() && a.EntitlementExpiry.After(now)
}

// RefundExempt reports whether refunds leave the balance untouched. Only
// the entitled role qualifies: an account whose entitlement started after
// it was charged still gets its credits back.
func (a *Account) RefundExempt() bool {
	return a.Role == RoleEntitled
}

// Clone returns a copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// PackageDefinition is an immutable catalog entry.
type PackageDefinition struct {
	Code        string
	Aliases     []string
	Kind        Kind
	Quantity    int64 // credits, or days for entitlements
	Price       int64 // minor units of Currency
	Currency    string
	DisplayName string
}

// LedgerEntry is an immutable record of one balance-affecting payment.
type LedgerEntry struct {
	ID                string
	AccountID         string
	PackageCode       string
	Quantity          int64
	PriceCharged      int64
	Currency          string
	Kind              Kind
	Gateway           Gateway
	ExternalReference string
	Status            EntryStatus
	CreatedAt         time.Time
	RawPayload        []byte
}

// GrantRequest asks the storage to apply a package to an account and
// record the ledger entry, exactly once per ExternalReference.
type GrantRequest struct {
	EntryID           string
	AccountID         string
	Package           PackageDefinition
	ExternalReference string
	PriceCharged      int64
	Currency          string
	Gateway           Gateway
	RawPayload        []byte
	Now               time.Time
}

// GrantResult is the outcome of a grant.
type GrantResult struct {
	Account *Account
	Entry   *LedgerEntry
	// Duplicate is true when ExternalReference had already been processed.
	// Account and Entry are nil in that case unless the engine looked them up.
	Duplicate bool
}

// DeductRequest asks the storage to consume Cost credits.
type DeductRequest struct {
	AccountID string
	Cost      int64
	Now       time.Time
}

// DeductResult is the outcome of a successful deduct.
type DeductResult struct {
	Account *Account
	// Bypassed is true when the account was entitled and nothing was deducted.
	Bypassed bool
}

// RefundRequest asks the storage to return Amount credits.
type RefundRequest struct {
	AccountID string
	Amount    int64
	Now       time.Time
}

// ApplyGrant mutates acct according to pkg. It is the single definition of
// grant semantics shared by all storage backends.
func ApplyGrant(acct *Account, pkg PackageDefinition, now time.Time) {
	switch pkg.Kind {
	case KindCredit:
		acct.Balance += pkg.Quantity
	case KindEntitlement:
		acct.EntitlementExpiry = ExtendExpiry(acct.EntitlementExpiry, now, pkg.Quantity)
	}
	acct.UpdatedAt = now
}

// ExtendExpiry returns max(now, current) + days.
func ExtendExpiry(current, now time.Time, days int64) time.Time {
	base := now
	if current.After(now) {
		base = current
	}
	return base.Add(time.Duration(days) * 24 * time.Hour)
}

// NewEntry builds the committed ledger entry for req.
func NewEntry(req *GrantRequest) *LedgerEntry {
	return &LedgerEntry{
		ID:                req.EntryID,
		AccountID:         req.AccountID,
		PackageCode:       req.Package.Code,
		Quantity:          req.Package.Quantity,
		PriceCharged:      req.PriceCharged,
		Currency:          req.Currency,
		Kind:              req.Package.Kind,
		Gateway:           req.Gateway,
		ExternalReference: req.ExternalReference,
		Status:            StatusCommitted,
		CreatedAt:         req.Now,
		RawPayload:        req.RawPayload,
	}
}
