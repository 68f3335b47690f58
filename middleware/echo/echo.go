// Package echo provides Echo middleware that charges credits for a
// billable request and refunds them when the request fails.
package echo

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// AccountIDExtractor extracts the account id from an Echo context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c echo.Context) string

// CostExtractor returns the number of credits the request costs
type CostExtractor func(c echo.Context) (int64, error)

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
	OnInsufficientBalance func(c echo.Context, err *ledger.InsufficientBalanceError) error

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when charging fails for any other reason
	// If nil, returns 503 for retryable store errors and 500 otherwise
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that charges before calling next
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Guard == nil {
		panic("photocredit/echo: Config.Guard is required")
	}
	if cfg.GetAccountID == nil {
		panic("photocredit/echo: Config.GetAccountID is required")
	}
	if cfg.GetCost == nil {
		panic("photocredit/echo: Config.GetCost is required")
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(status int) bool { return status >= http.StatusInternalServerError }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			cost, err := cfg.GetCost(c)
			if err != nil || cost < 0 {
				if err == nil {
					err = fmt.Errorf("invalid cost: %d", cost)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}

			ctx := c.Request().Context()
			hold, err := cfg.Guard.Charge(ctx, accountID, cost)
			if err != nil {
				var insufficient *ledger.InsufficientBalanceError
				if errors.As(err, &insufficient) {
					if cfg.OnInsufficientBalance != nil {
						return cfg.OnInsufficientBalance(c, insufficient)
					}
					return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
						"error":   "insufficient balance",
						"balance": insufficient.Balance,
						"cost":    insufficient.Cost,
					})
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			c.Set(HoldKey, hold)
			defer func() {
				if p := recover(); p != nil {
					_ = hold.Release(ctx)
					panic(p)
				}
				if ctx.Err() != nil || cfg.IsFailure(finalStatus(c, err)) {
					_ = hold.Release(ctx)
				}
			}()

			return next(c)
		}
	}
}

// finalStatus is the status the client will see. A returned error is
// rendered later by Echo's error handler, so it wins over the response.
func finalStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// HoldFromContext returns the hold acquired for the current request, or nil
func HoldFromContext(c echo.Context) *ledger.Hold {
	h, _ := c.Get(HoldKey).(*ledger.Hold)
	return h
}

func defaultError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "account not found"})
	case ledger.IsRetryable(err):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

// FromContext returns an AccountIDExtractor that gets the account id from Echo context values
//
// Example:
//
//	// In your auth middleware:
//	c.Set("AccountID", accountID)
//
//	// In the consumption middleware config:
//	GetAccountID: echo.FromContext("AccountID")
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account id from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account id from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FixedCost returns a CostExtractor that always returns cost
func FixedCost(cost int64) CostExtractor {
	return func(echo.Context) (int64, error) {
		return cost, nil
	}
}

// DynamicCost returns a CostExtractor that calculates cost with costFunc
func DynamicCost(costFunc func(echo.Context) int64) CostExtractor {
	return func(c echo.Context) (int64, error) {
		return costFunc(c), nil
	}
}
