// Package http provides net/http middleware that charges credits for a
// billable request and refunds them when the request fails.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

// AccountIDExtractor extracts the account id from an HTTP request
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(r *http.Request) string

// CostExtractor returns the number of credits the request costs
type CostExtractor func(r *http.Request) (int64, error)

// Config holds middleware configuration
type Config struct {
	// Guard charges and refunds (required)
	Guard *ledger.Guard

	// GetAccountID extracts the account id from the request (required)
	GetAccountID AccountIDExtractor

	// GetCost returns the request's cost (required)
	GetCost CostExtractor

	// IsFailure decides from the final status whether the charge is refunded.
	// Default: status >= 500. Work whose request context was cancelled is
	// always refunded.
	IsFailure func(status int) bool

	// OnInsufficientBalance is called when the account cannot pay.
	// If nil, returns 402 with the balance and cost
	OnInsufficientBalance func(w http.ResponseWriter, r *http.Request, err *ledger.InsufficientBalanceError)

	// OnUnauthorized is called when the caller is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when charging fails for any other reason
	// If nil, returns 503 for retryable store errors and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey string

const holdKey contextKey = "photocredit:hold"

// HoldFromContext returns the hold acquired for the current request, or nil.
func HoldFromContext(ctx context.Context) *ledger.Hold {
	h, _ := ctx.Value(holdKey).(*ledger.Hold)
	return h
}

// DefaultIsFailure treats server errors as failed work.
func DefaultIsFailure(status int) bool {
	return status >= http.StatusInternalServerError
}

// Middleware creates an HTTP middleware that charges before calling next
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Guard == nil {
		panic("photocredit/http: Config.Guard is required")
	}
	if config.GetAccountID == nil {
		panic("photocredit/http: Config.GetAccountID is required")
	}
	if config.GetCost == nil {
		panic("photocredit/http: Config.GetCost is required")
	}
	if config.IsFailure == nil {
		config.IsFailure = DefaultIsFailure
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				}
				return
			}

			cost, err := config.GetCost(r)
			if err != nil || cost < 0 {
				if err == nil {
					err = fmt.Errorf("invalid cost: %d", cost)
				}
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}

			ctx := r.Context()
			hold, err := config.Guard.Charge(ctx, accountID, cost)
			if err != nil {
				var insufficient *ledger.InsufficientBalanceError
				switch {
				case errors.As(err, &insufficient) && config.OnInsufficientBalance != nil:
					config.OnInsufficientBalance(w, r, insufficient)
				case errors.As(err, &insufficient):
					writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
						"error":   "insufficient balance",
						"balance": insufficient.Balance,
						"cost":    insufficient.Cost,
					})
				case config.OnError != nil:
					config.OnError(w, r, err)
				default:
					defaultError(w, err)
				}
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				if p := recover(); p != nil {
					_ = hold.Release(ctx)
					panic(p)
				}
				if ctx.Err() != nil || config.IsFailure(rec.Status()) {
					_ = hold.Release(ctx)
				}
			}()

			next.ServeHTTP(rec, r.WithContext(context.WithValue(ctx, holdKey, hold)))
		})
	}
}

// HandlerFunc creates the middleware for a single handler function
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func defaultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
	case ledger.IsRetryable(err):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder remembers the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Status returns the written status, 200 if the handler wrote nothing.
func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// FixedCost returns a CostExtractor that always returns cost
func FixedCost(cost int64) CostExtractor {
	return func(*http.Request) (int64, error) {
		return cost, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

// AccountIDKey is the context key WithAccountID stores the account id under
const AccountIDKey ContextKey = "photocredit:accountID"

// WithAccountID adds the account id to a context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// FromContext returns an AccountIDExtractor that reads key from the request context
func FromContext(key interface{}) AccountIDExtractor {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that reads a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
