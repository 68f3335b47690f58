package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
	"github.com/kyokole/photo-tool-pro-sub000/storage/memory"
)

const (
	testAccountID = "user123"
	testHeader    = "X-Account-ID"
)

func newTestEngine(t *testing.T) *ledger.Engine {
	t.Helper()
	engine, err := ledger.NewEngine(memory.New(), ledger.Config{})
	require.NoError(t, err)
	_, err = engine.CreateAccount(context.Background(), &ledger.Account{ID: testAccountID, ShortCode: "AB12", Balance: 40})
	require.NoError(t, err)
	return engine
}

func newTestHandler(t *testing.T, engine *ledger.Engine) *Handler {
	t.Helper()
	h, err := NewHandler(Config{
		Engine:       engine,
		GetAccountID: FromHeader(testHeader),
		PackageParam: func(r *http.Request) string { return r.URL.Query().Get("package") },
	})
	require.NoError(t, err)
	return h
}

func serve(h http.HandlerFunc, target, accountID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if accountID != "" {
		req.Header.Set(testHeader, accountID)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{GetAccountID: FromHeader(testHeader)})
	assert.Error(t, err)

	_, err = NewHandler(Config{Engine: newTestEngine(t)})
	assert.Error(t, err)
}

func TestHandler_GetBalance(t *testing.T) {
	engine := newTestEngine(t)
	h := newTestHandler(t, engine)

	rec := serve(h.GetBalance, "/v1/balance", testAccountID)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testAccountID, resp.AccountID)
	assert.Equal(t, "AB12", resp.ShortCode)
	assert.Equal(t, int64(40), resp.Balance)
	assert.False(t, resp.Entitled)
	assert.Nil(t, resp.EntitlementExpiry)

	_, err := engine.Grant(context.Background(), ledger.GrantRequest{
		AccountID:         testAccountID,
		Package:           ledger.PackageDefinition{Code: "V30", Kind: ledger.KindEntitlement, Quantity: 30, Price: 999, Currency: "USD"},
		ExternalReference: "ref-vip",
		Gateway:           ledger.GatewayCard,
	})
	require.NoError(t, err)

	rec = serve(h.GetBalance, "/v1/balance", testAccountID)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Entitled)
	require.NotNil(t, resp.EntitlementExpiry)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), *resp.EntitlementExpiry, time.Minute)
}

func TestHandler_Errors(t *testing.T) {
	h := newTestHandler(t, newTestEngine(t))

	rec := serve(h.GetBalance, "/v1/balance", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h.GetBalance, "/v1/balance", "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h.ListLedger, "/v1/ledger?limit=abc", testAccountID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h.TopUpInstructions, "/v1/topup/manual?package=NOPE", testAccountID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_CustomOnError(t *testing.T) {
	called := false
	h, err := NewHandler(Config{
		Engine:       newTestEngine(t),
		GetAccountID: FromHeader(testHeader),
		OnError: func(w http.ResponseWriter, _ *http.Request, _ error) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	rec := serve(h.GetBalance, "/v1/balance", "")
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestHandler_ListLedger(t *testing.T) {
	engine := newTestEngine(t)
	h := newTestHandler(t, engine)
	pkg := ledger.PackageDefinition{Code: "C100", Kind: ledger.KindCredit, Quantity: 100, Price: 499, Currency: "USD"}

	for _, ref := range []string{"ref-1", "ref-2", "ref-3"} {
		_, err := engine.Grant(context.Background(), ledger.GrantRequest{
			AccountID: testAccountID, Package: pkg, ExternalReference: ref, Gateway: ledger.GatewayManual,
			RawPayload: []byte("PHOTO AB12 C100"),
		})
		require.NoError(t, err)
	}

	rec := serve(h.ListLedger, "/v1/ledger?limit=2", testAccountID)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LedgerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, "C100", resp.Entries[0].PackageCode)
	assert.Equal(t, "manual", resp.Entries[0].Gateway)
	assert.NotContains(t, rec.Body.String(), "PHOTO AB12", "raw payloads stay private")
}

func TestHandler_TopUpInstructions(t *testing.T) {
	h := newTestHandler(t, newTestEngine(t))

	rec := serve(h.TopUpInstructions, "/v1/topup/manual?package=credits_500", testAccountID)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TopUpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "PHOTO AB12 C500", resp.Memo)
	assert.Equal(t, int64(1999), resp.Amount)
	assert.Equal(t, "C500", resp.Package)

	rec = serve(h.TopUpInstructions, "/v1/topup/manual?package=C100&format=png", testAccountID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
}

func signToken(t *testing.T, secret []byte, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestFromJWT(t *testing.T) {
	secret := []byte("test-secret")
	extract := FromJWT(secret)
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"valid", signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": testAccountID, "exp": exp}), testAccountID},
		{"wrong secret", signToken(t, []byte("other"), jwt.SigningMethodHS256, jwt.MapClaims{"sub": testAccountID, "exp": exp}), ""},
		{"expired", signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": testAccountID, "exp": time.Now().Add(-time.Hour).Unix()}), ""},
		{"no expiry", signToken(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": testAccountID}), ""},
		{"wrong alg", signToken(t, secret, jwt.SigningMethodHS512, jwt.MapClaims{"sub": testAccountID, "exp": exp}), ""},
		{"garbage", "not-a-token", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			assert.Equal(t, tt.want, extract(req))
		})
	}

	assert.Empty(t, extract(httptest.NewRequest(http.MethodGet, "/", nil)))
}

type ctxKey struct{}

func TestFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, FromContext(ctxKey{})(req))

	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testAccountID))
	assert.Equal(t, testAccountID, FromContext(ctxKey{})(req))
}
