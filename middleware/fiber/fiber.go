// Package fiber provides Fiber middleware that charges credits for a
// billable request and refunds them when the request fails.
package fiber

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// AccountIDExtractor extracts the account id from a Fiber context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *fiber.Ctx) string

// CostExtractor returns the number of credits the request costs
type CostExtractor func(c *fiber.Ctx) (int64, error)

// HoldKey is the Locals key the acquired hold is stored under
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
	OnInsufficientBalance func(c *fiber.Ctx, err *ledger.InsufficientBalanceError) error

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when charging fails for any other reason
	// If nil, returns 503 for retryable store errors and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that charges before calling the next handler
func Middleware(cfg Config) fiber.Handler {
	if cfg.Guard == nil {
		panic("photocredit/fiber: Config.Guard is required")
	}
	if cfg.GetAccountID == nil {
		panic("photocredit/fiber: Config.GetAccountID is required")
	}
	if cfg.GetCost == nil {
		panic("photocredit/fiber: Config.GetCost is required")
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(status int) bool { return status >= fiber.StatusInternalServerError }
	}

	return func(c *fiber.Ctx) (err error) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		cost, err := cfg.GetCost(c)
		if err != nil || cost < 0 {
			if err == nil {
				err = fmt.Errorf("invalid cost: %d", cost)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		ctx := c.UserContext()
		hold, err := cfg.Guard.Charge(ctx, accountID, cost)
		if err != nil {
			var insufficient *ledger.InsufficientBalanceError
			if errors.As(err, &insufficient) {
				if cfg.OnInsufficientBalance != nil {
					return cfg.OnInsufficientBalance(c, insufficient)
				}
				return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
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

		c.Locals(HoldKey, hold)
		defer func() {
			if p := recover(); p != nil {
				_ = hold.Release(ctx)
				panic(p)
			}
			if ctx.Err() != nil || cfg.IsFailure(finalStatus(c, err)) {
				_ = hold.Release(ctx)
			}
		}()

		return c.Next()
	}
}

// finalStatus is the status the client will see once Fiber's error
// handler has rendered a returned error.
func finalStatus(c *fiber.Ctx, err error) int {
	if err == nil {
		return c.Response().StatusCode()
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

// HoldFromContext returns the hold acquired for the current request, or nil
func HoldFromContext(c *fiber.Ctx) *ledger.Hold {
	h, _ := c.Locals(HoldKey).(*ledger.Hold)
	return h
}

func defaultError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "account not found"})
	case ledger.IsRetryable(err):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service unavailable"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
}

// FromContext returns an AccountIDExtractor that gets the account id from Fiber locals
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("AccountID", accountID)
//
//	// In the consumption middleware config:
//	GetAccountID: fiber.FromContext("AccountID")
func FromContext(key string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account id from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account id from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FixedCost returns a CostExtractor that always returns cost
func FixedCost(cost int64) CostExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return cost, nil
	}
}
