package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
	"github.com/kyokole/photo-tool-pro-sub000/storage/memory"
)

// Test helper to create an engine with the given accounts
func setupEngine(t *testing.T, accounts ...*ledger.Account) *ledger.Engine {
	t.Helper()

	engine, err := ledger.NewEngine(memory.New(), ledger.Config{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	for _, a := range accounts {
		if _, err := engine.CreateAccount(context.Background(), a); err != nil {
			t.Fatalf("Failed to create account: %v", err)
		}
	}
	return engine
}

func balanceOf(t *testing.T, engine *ledger.Engine, id string) int64 {
	t.Helper()

	acct, err := engine.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load account: %v", err)
	}
	return acct.Balance
}

func newServer(engine *ledger.Engine, cost int64, handler echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(Config{
		Guard:        ledger.NewGuard(engine, 0),
		GetAccountID: FromHeader("X-Account-ID"),
		GetCost:      FixedCost(cost),
	}))
	e.POST("/render", handler)
	return e
}

func serve(e *echo.Echo, accountID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/render", http.NoBody)
	if accountID != "" {
		req.Header.Set("X-Account-ID", accountID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	e := newServer(engine, 3, func(c echo.Context) error {
		if HoldFromContext(c) == nil {
			t.Error("Expected hold in context")
		}
		return c.String(http.StatusOK, "success")
	})

	rec := serve(e, "user1")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if got := balanceOf(t, engine, "user1"); got != 7 {
		t.Errorf("Expected balance 7, got %d", got)
	}
}

func TestMiddleware_InsufficientBalance(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 1})

	e := newServer(engine, 3, func(c echo.Context) error {
		t.Error("Handler should not run")
		return nil
	})

	rec := serve(e, "user1")
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
	if got := balanceOf(t, engine, "user1"); got != 1 {
		t.Errorf("Expected balance 1, got %d", got)
	}
}

func TestMiddleware_RefundsOnReturnedError(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	e := newServer(engine, 3, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "upstream failed")
	})

	rec := serve(e, "user1")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", rec.Code)
	}
	if got := balanceOf(t, engine, "user1"); got != 10 {
		t.Errorf("Expected refunded balance 10, got %d", got)
	}
}

func TestMiddleware_KeepsChargeOnClientError(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	e := newServer(engine, 3, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "bad image")
	})

	serve(e, "user1")
	if got := balanceOf(t, engine, "user1"); got != 7 {
		t.Errorf("Expected balance 7, got %d", got)
	}
}

func TestMiddleware_RefundsOnServerErrorResponse(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	e := newServer(engine, 3, func(c echo.Context) error {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "render failed"})
	})

	serve(e, "user1")
	if got := balanceOf(t, engine, "user1"); got != 10 {
		t.Errorf("Expected refunded balance 10, got %d", got)
	}
}

func TestMiddleware_RefundsOnPanic(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	e := newServer(engine, 3, func(c echo.Context) error {
		panic("boom")
	})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		serve(e, "user1")
	}()

	if got := balanceOf(t, engine, "user1"); got != 10 {
		t.Errorf("Expected refunded balance 10, got %d", got)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	engine := setupEngine(t)
	e := newServer(engine, 1, func(c echo.Context) error { return nil })

	rec := serve(e, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_AccountNotFound(t *testing.T) {
	engine := setupEngine(t)
	e := newServer(engine, 1, func(c echo.Context) error { return nil })

	rec := serve(e, "ghost")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestMiddleware_EntitledBypass(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "vip", ShortCode: "V1", Balance: 2, Role: ledger.RoleEntitled})
	e := newServer(engine, 100, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	rec := serve(e, "vip")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if got := balanceOf(t, engine, "vip"); got != 2 {
		t.Errorf("Expected untouched balance 2, got %d", got)
	}
}

func TestMiddleware_MissingConfig(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for missing Guard")
		}
	}()
	Middleware(Config{})
}

func TestFromContext(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), httptest.NewRecorder())
	c.Set("AccountID", "user1")

	if got := FromContext("AccountID")(c); got != "user1" {
		t.Errorf("Expected user1, got %q", got)
	}
	if got := FromContext("missing")(c); got != "" {
		t.Errorf("Expected empty id, got %q", got)
	}
}

func TestMiddleware_RefundsWhenCancelled(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	ctx, cancel := context.WithCancel(context.Background())
	e := newServer(engine, 4, func(c echo.Context) error {
		cancel()
		<-c.Request().Context().Done()
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/render", http.NoBody).WithContext(ctx)
	req.Header.Set("X-Account-ID", "user1")
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got := balanceOf(t, engine, "user1"); got != 10 {
		t.Errorf("Expected cancelled work to be refunded to 10, got %d", got)
	}
}
