package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Guard is the point-of-use counterpart to the reconciliation path. It
// charges before billable work starts and refunds when that work fails.
type Guard struct {
	engine        *Engine
	refundTimeout time.Duration
}

// NewGuard creates a consumption guard. refundTimeout bounds the refund
// issued after the caller's context has been cancelled; zero means 10s.
func NewGuard(engine *Engine, refundTimeout time.Duration) *Guard {
	if refundTimeout <= 0 {
		refundTimeout = 10 * time.Second
	}
	return &Guard{engine: engine, refundTimeout: refundTimeout}
}

// Hold is an acquired charge. It is never persisted.
type Hold struct {
	AccountID string
	Cost      int64
	// Bypassed is true when the account was entitled and nothing was charged.
	Bypassed bool
	// Balance is the balance right after the charge.
	Balance int64

	guard    *Guard
	once     sync.Once
	released atomic.Bool
	err      error
}

// Charge deducts cost from the account. It must return before billable
// work starts. A zero cost yields an empty hold.
func (g *Guard) Charge(ctx context.Context, accountID string, cost int64) (*Hold, error) {
	h := &Hold{AccountID: accountID, Cost: cost, guard: g}
	if cost < 0 {
		return nil, ErrInvalidAmount
	}
	if cost == 0 {
		h.Bypassed = true
		return h, nil
	}

	res, err := g.engine.Deduct(ctx, accountID, cost)
	if err != nil {
		return nil, err
	}
	h.Bypassed = res.Bypassed
	h.Balance = res.Account.Balance
	return h, nil
}

// Release refunds the hold. Only the first call has an effect; later calls
// return the first result. Release runs even if ctx is already cancelled.
func (h *Hold) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.released.Store(true)
		if h.Bypassed {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.guard.refundTimeout)
		defer cancel()
		if _, err := h.guard.engine.Refund(rctx, h.AccountID, h.Cost); err != nil {
			h.err = fmt.Errorf("refund %d to %s: %w", h.Cost, h.AccountID, err)
		}
	})
	return h.err
}

// Released reports whether Release has been called.
func (h *Hold) Released() bool {
	return h.released.Load()
}

// Run charges cost, runs fn and refunds when fn returns an error or panics.
// Cancellation reaches fn through ctx and is expected to surface as an
// error. Nothing is refunded on success. A panic in fn is re-raised after
// the refund.
func (g *Guard) Run(ctx context.Context, accountID string, cost int64, fn func(ctx context.Context) error) (err error) {
	hold, err := g.Charge(ctx, accountID, cost)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			g.release(ctx, hold)
			panic(r)
		}
		if err != nil {
			g.release(ctx, hold)
		}
	}()

	return fn(ctx)
}

func (g *Guard) release(ctx context.Context, hold *Hold) {
	if rerr := hold.Release(ctx); rerr != nil {
		g.engine.logger.Error("refund after failed work did not complete",
			F("account_id", hold.AccountID), F("cost", hold.Cost), F("error", rerr))
	}
}
