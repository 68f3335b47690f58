// Package reconcile turns decoded payment notifications into committed
// ledger grants, or into a well-defined rejection.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// State is a step of notification processing.
type State string

const (
	StateReceived  State = "received"
	StateDecoded   State = "decoded"
	StateResolved  State = "resolved"
	StateCommitted State = "committed"
	StateRejected  State = "rejected"
	StateIgnored   State = "ignored"
)

// Terminal reports whether s ends processing.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRejected || s == StateIgnored
}

// ErrAmountMismatch is returned under StrictAmount when a payer reported
// less than the package price, or paid in another currency.
var ErrAmountMismatch = errors.New("paid amount does not match package price")

// Outcome is the result of processing one notification.
type Outcome struct {
	State     State
	Trail     []State
	Reason    string
	Retryable bool
	Duplicate bool

	Notification *gateway.Notification
	Package      *ledger.PackageDefinition
	Account      *ledger.Account
	Entry        *ledger.LedgerEntry
	Err          error
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.Trail = append(o.Trail, s)
}

func (o *Outcome) reject(err error) *Outcome {
	o.Err = err
	o.Reason = err.Error()
	o.Retryable = ledger.IsRetryable(err)
	o.advance(StateRejected)
	return o
}

func (o *Outcome) ignore(reason string) *Outcome {
	o.Reason = reason
	o.advance(StateIgnored)
	return o
}

// Config configures an Orchestrator.
type Config struct {
	Engine *ledger.Engine

	// StrictAmount rejects underpayments instead of committing them with a
	// warning.
	StrictAmount bool

	Logger  ledger.Logger
	Metrics gateway.Metrics
}

// Orchestrator sequences decode, resolution, the idempotency check and the
// grant for every gateway.
type Orchestrator struct {
	engine       *ledger.Engine
	strictAmount bool
	logger       ledger.Logger
	metrics      gateway.Metrics
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("reconcile: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &ledger.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &gateway.NoopMetrics{}
	}
	return &Orchestrator{
		engine:       cfg.Engine,
		strictAmount: cfg.StrictAmount,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Engine returns the balance engine the orchestrator commits through.
func (o *Orchestrator) Engine() *ledger.Engine {
	return o.engine
}

// Metrics returns the gateway metrics sink.
func (o *Orchestrator) Metrics() gateway.Metrics {
	return o.metrics
}

// Process runs decode and drives the result to a terminal state. It never
// panics and never returns nil.
func (o *Orchestrator) Process(ctx context.Context, gw ledger.Gateway, decode func() (*gateway.Notification, error)) *Outcome {
	start := time.Now()
	out := &Outcome{}
	out.advance(StateReceived)

	eventType := "unknown"
	defer func() {
		o.metrics.RecordWebhookEvent(string(gw), eventType, outcomeStatus(out))
		o.metrics.RecordWebhookProcessingDuration(string(gw), eventType, time.Since(start))
	}()

	n, err := decode()
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownEvent) {
			o.logger.Debug("notification ignored", ledger.F("gateway", string(gw)), ledger.F("reason", err.Error()))
			out.Err = err
			return out.ignore(err.Error())
		}
		o.logger.Warn("notification rejected", ledger.F("gateway", string(gw)), ledger.F("error", err))
		return out.reject(err)
	}
	if n.EventType != "" {
		eventType = n.EventType
	}
	out.Notification = n
	out.advance(StateDecoded)

	return o.resolveAndCommit(ctx, out)
}

func (o *Orchestrator) resolveAndCommit(ctx context.Context, out *Outcome) *Outcome {
	n := out.Notification
	fields := []ledger.Field{
		ledger.F("gateway", string(n.Gateway)),
		ledger.F("account_ref", n.AccountRef()),
		ledger.F("package", n.PackageCode),
		ledger.F("external_reference", n.ExternalReference),
	}

	pkg, err := o.engine.Catalog().Resolve(n.PackageCode)
	if err != nil {
		o.logger.Warn("notification rejected", append(fields, ledger.F("error", err))...)
		return out.reject(gateway.NewDecodeError(string(n.Gateway), gateway.ErrUnknownPackage, "%s", n.PackageCode))
	}
	out.Package = &pkg

	acct, err := o.resolveAccount(ctx, n)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			o.logger.Warn("notification rejected", append(fields, ledger.F("error", err))...)
		} else {
			o.logger.Error("account resolution failed", append(fields, ledger.F("error", err))...)
		}
		return out.reject(err)
	}
	out.Account = acct
	out.advance(StateResolved)

	processed, err := o.engine.HasBeenProcessed(ctx, n.ExternalReference)
	if err != nil {
		o.logger.Error("idempotency check failed", append(fields, ledger.F("error", err))...)
		return out.reject(err)
	}
	if processed {
		out.Duplicate = true
		return out.ignore("already processed")
	}

	price, currency := pkg.Price, pkg.Currency
	if n.Amount != nil {
		if err := o.checkAmount(n, pkg, fields); err != nil {
			return out.reject(err)
		}
		price, currency = n.Amount.Minor, n.Amount.Currency
	}

	res, err := o.engine.Grant(ctx, ledger.GrantRequest{
		AccountID:         acct.ID,
		Package:           pkg,
		ExternalReference: n.ExternalReference,
		PriceCharged:      price,
		Currency:          currency,
		Gateway:           n.Gateway,
		RawPayload:        n.Raw,
	})
	if err != nil {
		return out.reject(err)
	}
	if res.Duplicate {
		out.Duplicate = true
		out.Entry = res.Entry
		return out.ignore("already processed")
	}
	out.Account = res.Account
	out.Entry = res.Entry
	out.Reason = fmt.Sprintf("granted %s to %s", pkg.Code, acct.ShortCode)
	out.advance(StateCommitted)
	return out
}

func (o *Orchestrator) resolveAccount(ctx context.Context, n *gateway.Notification) (*ledger.Account, error) {
	switch {
	case n.AccountID != "":
		return o.engine.GetAccount(ctx, n.AccountID)
	case n.ShortCode != "":
		return o.engine.GetAccountByShortCode(ctx, n.ShortCode)
	default:
		return nil, ledger.ErrAccountNotFound
	}
}

func (o *Orchestrator) checkAmount(n *gateway.Notification, pkg ledger.PackageDefinition, fields []ledger.Field) error {
	if n.Amount.Minor == pkg.Price && n.Amount.Currency == pkg.Currency {
		return nil
	}
	o.metrics.RecordWebhookError(string(n.Gateway), "amount_mismatch")
	o.logger.Warn("paid amount differs from package price", append(fields,
		ledger.F("paid", n.Amount.Minor),
		ledger.F("paid_currency", n.Amount.Currency),
		ledger.F("price", pkg.Price),
		ledger.F("price_currency", pkg.Currency))...)

	if o.strictAmount && (n.Amount.Currency != pkg.Currency || n.Amount.Minor < pkg.Price) {
		return fmt.Errorf("%w: paid %d %s, price %d %s", ErrAmountMismatch,
			n.Amount.Minor, n.Amount.Currency, pkg.Price, pkg.Currency)
	}
	return nil
}

func outcomeStatus(out *Outcome) string {
	switch {
	case out.Duplicate:
		return "duplicate"
	case out.State == StateRejected && out.Retryable:
		return "error"
	default:
		return string(out.State)
	}
}
