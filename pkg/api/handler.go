package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
)

const maxAccountIDLen = 255

// Handler provides HTTP endpoints for account inspection and top-up
// instructions.
type Handler struct {
	config Config
}

// accountFromRequest resolves the caller. It writes the error response and
// returns nil on failure.
func (h *Handler) accountFromRequest(w http.ResponseWriter, r *http.Request) *ledger.Account {
	accountID := h.config.GetAccountID(r)
	if accountID == "" {
		h.handleError(w, r, fmt.Errorf("account ID not found"), http.StatusUnauthorized)
		return nil
	}
	if len(accountID) > maxAccountIDLen {
		h.handleError(w, r, fmt.Errorf("invalid account ID format"), http.StatusBadRequest)
		return nil
	}

	acct, err := h.config.Engine.GetAccount(r.Context(), accountID)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		h.handleError(w, r, err, http.StatusNotFound)
		return nil
	case ledger.IsRetryable(err):
		h.handleError(w, r, err, http.StatusServiceUnavailable)
		return nil
	case err != nil:
		h.handleError(w, r, fmt.Errorf("failed to get account: %w", err), http.StatusInternalServerError)
		return nil
	}
	return acct
}

// GetBalance returns the caller's balance and entitlement state
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct := h.accountFromRequest(w, r)
	if acct == nil {
		return
	}

	resp := BalanceResponse{
		AccountID: acct.ID,
		ShortCode: acct.ShortCode,
		Balance:   acct.Balance,
		Role:      string(acct.Role),
		Entitled:  acct.IsEntitled(time.Now().UTC()),
	}
	if !acct.EntitlementExpiry.IsZero() {
		exp := acct.EntitlementExpiry
		resp.EntitlementExpiry = &exp
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListLedger returns the caller's most recent ledger entries
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	acct := h.accountFromRequest(w, r)
	if acct == nil {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.handleError(w, r, fmt.Errorf("limit must be a positive integer"), http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > h.config.MaxLedgerLimit {
		limit = h.config.MaxLedgerLimit
	}

	entries, err := h.config.Engine.ListLedgerEntries(r.Context(), acct.ID, limit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list ledger: %w", err), statusFor(err))
		return
	}

	resp := LedgerResponse{AccountID: acct.ID, Entries: make([]EntryView, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, EntryView{
			ID:                e.ID,
			PackageCode:       e.PackageCode,
			Kind:              string(e.Kind),
			Quantity:          e.Quantity,
			PriceCharged:      e.PriceCharged,
			Currency:          e.Currency,
			Gateway:           string(e.Gateway),
			ExternalReference: e.ExternalReference,
			Status:            string(e.Status),
			CreatedAt:         e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// TopUpInstructions returns the transfer memo for a package. With
// ?format=png the memo is rendered as a QR code.
func (h *Handler) TopUpInstructions(w http.ResponseWriter, r *http.Request) {
	acct := h.accountFromRequest(w, r)
	if acct == nil {
		return
	}

	pkg, err := h.config.Engine.Catalog().Resolve(h.config.PackageParam(r))
	if err != nil {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}

	memo := fmt.Sprintf("PHOTO %s %s", acct.ShortCode, pkg.Code)
	if r.URL.Query().Get("format") == "png" {
		png, err := qrcode.Encode(memo, qrcode.Medium, h.config.QRSize)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("failed to render qr code: %w", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
		return
	}

	writeJSON(w, http.StatusOK, TopUpResponse{
		Memo:     memo,
		Amount:   pkg.Price,
		Currency: pkg.Currency,
		Package:  pkg.Code,
		Name:     pkg.DisplayName,
	})
}

func statusFor(err error) int {
	if ledger.IsRetryable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
