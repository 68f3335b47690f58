// Package gin provides Gin middleware that charges credits for a billable
// request and refunds them when the request fails.
package gin

import (
	"errors"
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// AccountIDExtractor extracts the account id from a Gin context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *gongin.Context) string

// CostExtractor returns the number of credits the request costs
type CostExtractor func(c *gongin.Context) (int64, error)

// HoldKey is the context key the acquired hold is stored under
const HoldKey = "photocredit.hold"

// Config holds middleware configuration
type Config struct {
	// Guard charges and refunds (required)
	Guard *ledger.Guard

	// GetAccountID extracts the account id from context (required)
	GetAccountID AccountIDExtractor

	// GetCost returns the request's cost (required)
	GetCost CostExtractor

	// IsFailure decides from the final status whether the charge is refunded.
	// Default: status >= 500. Work whose request context was cancelled is
	// always refunded.
	IsFailure func(status int) bool

	// OnInsufficientBalance is called when the account cannot pay
	// If nil, returns 402 JSON with the balance and cost
	OnInsufficientBalance func(c *gongin.Context, err *ledger.InsufficientBalanceError)

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when charging fails for any other reason
	// If nil, returns 503 for retryable store errors and 500 otherwise
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that charges before the rest of the chain runs
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Guard == nil {
		panic("photocredit/gin: Config.Guard is required")
	}
	if cfg.GetAccountID == nil {
		panic("photocredit/gin: Config.GetAccountID is required")
	}
	if cfg.GetCost == nil {
		panic("photocredit/gin: Config.GetCost is required")
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(status int) bool { return status >= http.StatusInternalServerError }
	}

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		cost, err := cfg.GetCost(c)
		if err != nil || cost < 0 {
			if err == nil {
				err = fmt.Errorf("invalid cost: %d", cost)
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gongin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		hold, err := cfg.Guard.Charge(ctx, accountID, cost)
		if err != nil {
			var insufficient *ledger.InsufficientBalanceError
			switch {
			case errors.As(err, &insufficient) && cfg.OnInsufficientBalance != nil:
				cfg.OnInsufficientBalance(c, insufficient)
			case errors.As(err, &insufficient):
				c.JSON(http.StatusPaymentRequired, gongin.H{
					"error":   "insufficient balance",
					"balance": insufficient.Balance,
					"cost":    insufficient.Cost,
				})
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		c.Set(HoldKey, hold)
		defer func() {
			if p := recover(); p != nil {
				_ = hold.Release(ctx)
				panic(p)
			}
			if ctx.Err() != nil || cfg.IsFailure(c.Writer.Status()) {
				_ = hold.Release(ctx)
			}
		}()

		c.Next()
	}
}

// HoldFromContext returns the hold acquired for the current request, or nil
func HoldFromContext(c *gongin.Context) *ledger.Hold {
	v, ok := c.Get(HoldKey)
	if !ok {
		return nil
	}
	h, _ := v.(*ledger.Hold)
	return h
}

func defaultError(c *gongin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gongin.H{"error": "account not found"})
	case ledger.IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "service unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal server error"})
	}
}

// FromContext returns an AccountIDExtractor that gets the account id from Gin context values
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns an AccountIDExtractor that gets the account id from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account id from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FixedCost returns a CostExtractor that always returns cost
func FixedCost(cost int64) CostExtractor {
	return func(*gongin.Context) (int64, error) {
		return cost, nil
	}
}
