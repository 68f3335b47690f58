// Package gateway defines the normalized form every payment adapter decodes
// its inbound notifications into. Adapters are pure: they never touch the
// ledger store. Resolution and commit happen in package reconcile.
package gateway

import (
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// Amount is a price in minor units of Currency.
type Amount struct {
	Minor    int64
	Currency string
}

// Notification is a decoded payment notification.
type Notification struct {
	// Gateway is the channel the notification arrived on.
	Gateway ledger.Gateway

	// EventType is the gateway's own event name, used for metrics.
	EventType string

	// AccountID is set by adapters that carry the internal account id.
	AccountID string

	// ShortCode is set by adapters that only carry the human short code.
	ShortCode string

	// PackageCode as sent by the payer. It may be an alias.
	PackageCode string

	// ExternalReference is the idempotency key for the ledger entry.
	ExternalReference string

	// Amount is what the payer reports having paid. Nil when the channel
	// does not self-report an amount.
	Amount *Amount

	// Raw is the payload as received.
	Raw []byte
}

// AccountRef returns the reference the notification identifies its payer by.
func (n *Notification) AccountRef() string {
	if n.AccountID != "" {
		return n.AccountID
	}
	return n.ShortCode
}
