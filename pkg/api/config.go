package api

import (
	"fmt"
	"net/http"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// Config holds configuration for the account API handler
type Config struct {
	// Engine is the balance engine (required)
	Engine *ledger.Engine

	// GetAccountID extracts the caller's account id from the request (required).
	// See FromHeader, FromContext and FromJWT.
	GetAccountID func(*http.Request) string

	// PackageParam extracts the package code from the top-up route.
	// Defaults to r.PathValue("package").
	PackageParam func(*http.Request) string

	// MaxLedgerLimit caps the ?limit parameter of the ledger endpoint. Defaults to 100.
	MaxLedgerLimit int

	// QRSize is the edge length in pixels of top-up QR codes. Defaults to 256.
	QRSize int

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.GetAccountID == nil {
		return fmt.Errorf("getAccountID is required")
	}
	return nil
}

// NewHandler creates a new account API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.PackageParam == nil {
		config.PackageParam = func(r *http.Request) string { return r.PathValue("package") }
	}
	if config.MaxLedgerLimit <= 0 {
		config.MaxLedgerLimit = 100
	}
	if config.QRSize <= 0 {
		config.QRSize = 256
	}
	return &Handler{
		config: config,
	}, nil
}
