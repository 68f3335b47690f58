package reconcile

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/card"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/manual"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/stripe"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/internal"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// UserView is the account summary returned to manual-transfer operators.
type UserView struct {
	ID                string     `json:"id"`
	ShortCode         string     `json:"shortCode"`
	Balance           int64      `json:"balance"`
	Role              string     `json:"role"`
	EntitlementExpiry *time.Time `json:"entitlementExpiry,omitempty"`
}

type manualResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	User    *UserView `json:"user,omitempty"`
}

type manualRequest struct {
	Content   string `json:"content" validate:"required"`
	Reference string `json:"reference" validate:"omitempty,max=128"`
}

func newUserView(acct *ledger.Account) *UserView {
	if acct == nil {
		return nil
	}
	v := &UserView{ID: acct.ID, ShortCode: acct.ShortCode, Balance: acct.Balance, Role: string(acct.Role)}
	if !acct.EntitlementExpiry.IsZero() {
		exp := acct.EntitlementExpiry
		v.EntitlementExpiry = &exp
	}
	return v
}

// readWebhookBody applies the shared method, header and size checks. It
// returns false after writing a response.
func (o *Orchestrator) readWebhookBody(w http.ResponseWriter, r *http.Request, gw ledger.Gateway) ([]byte, bool) {
	internal.SetSecurityHeaders(w)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := internal.ReadBodyStrict(w, r, internal.MaxBodyBytes)
	switch {
	case errors.Is(err, internal.ErrPayloadTooLarge):
		o.metrics.RecordWebhookError(string(gw), "payload_too_large")
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return nil, false
	case errors.Is(err, internal.ErrEmptyBody):
		return nil, true
	case err != nil:
		o.metrics.RecordWebhookError(string(gw), "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// writeAck answers a gateway that retries on any non-2xx status. Only
// retryable store failures are reported as errors.
func (o *Orchestrator) writeAck(w http.ResponseWriter, out *Outcome) {
	switch {
	case out.State == StateCommitted, out.Duplicate:
		_ = internal.WriteJSON(w, http.StatusOK, ackResponse{Success: true})
	case out.Retryable:
		_ = internal.WriteJSON(w, http.StatusServiceUnavailable, ackResponse{Success: false, Error: "temporarily unavailable"})
	case out.State == StateIgnored || isSoftRejection(out.Err):
		_ = internal.WriteJSON(w, http.StatusOK, ackResponse{Success: true, Message: out.Reason})
	default:
		_ = internal.WriteJSON(w, http.StatusInternalServerError, ackResponse{Success: false, Error: "internal error"})
	}
}

// isSoftRejection reports rejections that will never succeed on redelivery.
func isSoftRejection(err error) bool {
	return gateway.IsDecodeError(err) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, ledger.ErrUnknownPackage) ||
		errors.Is(err, ErrAmountMismatch)
}

// RateLimit returns middleware that admits at most limit webhook requests
// per client IP and window. A non-positive limit disables it.
func (o *Orchestrator) RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	rl := internal.NewRateLimiter(limit, window)
	rl.OnLimited = func(r *http.Request) {
		o.metrics.RecordWebhookError(path.Base(r.URL.Path), "rate_limited")
	}
	return rl.Middleware
}

// CardHandler serves card/wallet capture webhooks. When secret is not
// empty the X-Webhook-Token header must match it.
func (o *Orchestrator) CardHandler(decoder *card.Decoder, secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := o.readWebhookBody(w, r, ledger.GatewayCard)
		if !ok {
			return
		}
		if secret != "" && !internal.SecretEqual(r.Header.Get("X-Webhook-Token"), secret) {
			o.metrics.RecordWebhookError(string(ledger.GatewayCard), "auth_failed")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		out := o.Process(r.Context(), ledger.GatewayCard, func() (*gateway.Notification, error) {
			return decoder.Decode(body)
		})
		o.writeAck(w, out)
	})
}

// StripeHandler serves Stripe webhooks. Signature failures answer 400.
func (o *Orchestrator) StripeHandler(decoder *stripe.Decoder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := o.readWebhookBody(w, r, ledger.GatewayStripe)
		if !ok {
			return
		}
		event, err := decoder.Verify(body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			o.metrics.RecordWebhookError(string(ledger.GatewayStripe), "auth_failed")
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		out := o.Process(r.Context(), ledger.GatewayStripe, func() (*gateway.Notification, error) {
			return stripe.DecodeEvent(&event, body)
		})
		o.writeAck(w, out)
	})
}

// ManualHandler serves operator-submitted bank transfer memos. When token
// is not empty the request must carry it as a bearer token.
func (o *Orchestrator) ManualHandler(parser *manual.Parser, token string) http.Handler {
	validate := validator.New()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := o.readWebhookBody(w, r, ledger.GatewayManual)
		if !ok {
			return
		}
		if token != "" && !internal.SecretEqual(internal.BearerToken(r), token) {
			o.metrics.RecordWebhookError(string(ledger.GatewayManual), "auth_failed")
			_ = internal.WriteJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		var req manualRequest
		if err := json.Unmarshal(body, &req); err != nil || validate.Struct(&req) != nil {
			o.metrics.RecordWebhookError(string(ledger.GatewayManual), "invalid_payload")
			_ = internal.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"content\": string}"})
			return
		}

		out := o.Process(r.Context(), ledger.GatewayManual, func() (*gateway.Notification, error) {
			return parser.DecodeWithReference(req.Content, req.Reference)
		})
		o.writeManual(w, out)
	})
}

func (o *Orchestrator) writeManual(w http.ResponseWriter, out *Outcome) {
	switch {
	case out.State == StateCommitted:
		_ = internal.WriteJSON(w, http.StatusOK, manualResponse{
			Success: true,
			Message: out.Reason,
			User:    newUserView(out.Account),
		})
	case out.Duplicate:
		_ = internal.WriteJSON(w, http.StatusOK, manualResponse{
			Success: true,
			Message: "already processed",
			User:    newUserView(out.Account),
		})
	case out.Retryable:
		_ = internal.WriteJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable, retry later"})
	case errors.Is(out.Err, ledger.ErrAccountNotFound):
		_ = internal.WriteJSON(w, http.StatusNotFound, errorResponse{Error: "no account with that code"})
	case gateway.IsDecodeError(out.Err):
		_ = internal.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: out.Reason})
	default:
		_ = internal.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
