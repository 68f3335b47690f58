package api

import "time"

// BalanceResponse is the caller's current standing.
type BalanceResponse struct {
	AccountID         string     `json:"accountId"`
	ShortCode         string     `json:"shortCode"`
	Balance           int64      `json:"balance"`
	Role              string     `json:"role"`
	Entitled          bool       `json:"entitled"`
	EntitlementExpiry *time.Time `json:"entitlementExpiry,omitempty"`
}

// LedgerResponse lists recent ledger entries, newest first.
type LedgerResponse struct {
	AccountID string      `json:"accountId"`
	Entries   []EntryView `json:"entries"`
}

// EntryView is the public projection of a ledger entry. The raw gateway
// payload is never exposed.
type EntryView struct {
	ID                string    `json:"id"`
	PackageCode       string    `json:"packageCode"`
	Kind              string    `json:"kind"`
	Quantity          int64     `json:"quantity"`
	PriceCharged      int64     `json:"priceCharged"`
	Currency          string    `json:"currency"`
	Gateway           string    `json:"gateway"`
	ExternalReference string    `json:"externalReference"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
}

// TopUpResponse tells the caller how to pay by bank transfer.
type TopUpResponse struct {
	Memo     string `json:"memo"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Package  string `json:"package"`
	Name     string `json:"name,omitempty"`
}
