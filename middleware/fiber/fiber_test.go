package fiber

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"

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

func newApp(engine *ledger.Engine, cost int64, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(fiberrecover.New())
	app.Use(Middleware(Config{
		Guard:        ledger.NewGuard(engine, 0),
		GetAccountID: FromHeader("X-Account-ID"),
		GetCost:      FixedCost(cost),
	}))
	app.Post("/render", handler)
	return app
}

func serve(t *testing.T, app *fiber.App, accountID string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/render", http.NoBody)
	if accountID != "" {
		req.Header.Set("X-Account-ID", accountID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func TestMiddleware_Success(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	app := newApp(engine, 2, func(c *fiber.Ctx) error {
		if HoldFromContext(c) == nil {
			t.Error("Expected hold in locals")
		}
		return c.SendString("success")
	})

	resp := serve(t, app, "user1")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := balanceOf(t, engine, "user1"); got != 8 {
		t.Errorf("Expected balance 8, got %d", got)
	}
}

func TestMiddleware_InsufficientBalance(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 1})

	app := newApp(engine, 2, func(c *fiber.Ctx) error {
		t.Error("Handler should not run")
		return nil
	})

	resp := serve(t, app, "user1")
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", resp.StatusCode)
	}
	var body struct {
		Error   string `json:"error"`
		Balance int64  `json:"balance"`
		Cost    int64  `json:"cost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Balance != 1 || body.Cost != 2 {
		t.Errorf("Expected balance 1 and cost 2, got %+v", body)
	}
}

func TestMiddleware_RefundsOnReturnedError(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	app := newApp(engine, 2, func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusServiceUnavailable, "renderer down")
	})

	resp := serve(t, app, "user1")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	if got := balanceOf(t, engine, "user1"); got != 10 {
		t.Errorf("Expected refunded balance 10, got %d", got)
	}
}

func TestMiddleware_KeepsChargeOnClientError(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	app := newApp(engine, 2, func(c *fiber.Ctx) error {
		return fiber.ErrUnprocessableEntity
	})

	serve(t, app, "user1")
	if got := balanceOf(t, engine, "user1"); got != 8 {
		t.Errorf("Expected balance 8, got %d", got)
	}
}

func TestMiddleware_RefundsOnPanic(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	app := newApp(engine, 2, func(c *fiber.Ctx) error {
		panic("boom")
	})

	resp := serve(t, app, "user1")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", resp.StatusCode)
	}
	if got := balanceOf(t, engine, "user1"); got != 10 {
		t.Errorf("Expected refunded balance 10, got %d", got)
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	app := newApp(setupEngine(t), 1, func(c *fiber.Ctx) error { return nil })

	resp := serve(t, app, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestMiddleware_AccountNotFound(t *testing.T) {
	app := newApp(setupEngine(t), 1, func(c *fiber.Ctx) error { return nil })

	resp := serve(t, app, "ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
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

func TestMiddleware_RefundsWhenCancelled(t *testing.T) {
	engine := setupEngine(t, &ledger.Account{ID: "user1", ShortCode: "U1", Balance: 10})

	ctx, cancel := context.WithCancel(context.Background())
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(ctx)
		return c.Next()
	})
	app.Use(Middleware(Config{
		Guard:        ledger.NewGuard(engine, 0),
		GetAccountID: FromHeader("X-Account-ID"),
		GetCost:      FixedCost(4),
	}))
	app.Post("/render", func(c *fiber.Ctx) error {
		cancel()
		<-c.UserContext().Done()
		return nil
	})

	serve(t, app, "user1")

	if got := balanceOf(t, engine, "user1"); got != 10 {
		t.Errorf("Expected cancelled work to be refunded to 10, got %d", got)
	}
}
