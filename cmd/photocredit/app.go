package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	creditmw "github.com/kyokole/photo-tool-pro-sub000/middleware/http"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/api"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/card"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/manual"
	gatewayprom "github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/metrics/prometheus"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/gateway/stripe"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
	zerologadapter "github.com/kyokole/photo-tool-pro-sub000/pkg/ledger/logger/zerolog"
	ledgerprom "github.com/kyokole/photo-tool-pro-sub000/pkg/ledger/metrics/prometheus"
	"github.com/kyokole/photo-tool-pro-sub000/pkg/reconcile"
)

const metricsNamespace = "photocredit"

// app holds the wired components of one process.
type app struct {
	cfg      *Config
	engine   *ledger.Engine
	orch     *reconcile.Orchestrator
	logger   ledger.Logger
	registry *prometheus.Registry
	close    func()
}

func newZerolog(cfg LogConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	w := out
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// newApp opens storage and builds the engine and orchestrator.
func newApp(ctx context.Context, cfg *Config, zl zerolog.Logger) (*app, error) {
	logger := zerologadapter.NewLogger(&zl)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics := ledgerprom.NewMetrics(registry, metricsNamespace)
	gatewayMetrics := gatewayprom.NewMetrics(registry, metricsNamespace)

	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return nil, err
	}

	storage, closeStorage, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}
	storage = withCircuitBreaker(storage, cfg.Storage.CircuitBreaker, logger, ledgerMetrics)

	engine, err := ledger.NewEngine(storage, ledger.Config{
		Catalog: catalog,
		Logger:  logger,
		Metrics: ledgerMetrics,
	})
	if err != nil {
		closeStorage()
		return nil, err
	}

	orch, err := reconcile.New(reconcile.Config{
		Engine:       engine,
		StrictAmount: cfg.Webhook.StrictAmount,
		Logger:       logger,
		Metrics:      gatewayMetrics,
	})
	if err != nil {
		closeStorage()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		engine:   engine,
		orch:     orch,
		logger:   logger,
		registry: registry,
		close:    closeStorage,
	}, nil
}

func (a *app) accountExtractor() func(*http.Request) string {
	if a.cfg.Auth.JWTSecret != "" {
		return api.FromJWT([]byte(a.cfg.Auth.JWTSecret))
	}
	return api.FromHeader("X-Account-ID")
}

// routes builds the HTTP surface.
func (a *app) routes() (http.Handler, error) {
	getAccountID := a.accountExtractor()

	accounts, err := api.NewHandler(api.Config{
		Engine:       a.engine,
		GetAccountID: getAccountID,
		PackageParam: func(r *http.Request) string { return chi.URLParam(r, "package") },
	})
	if err != nil {
		return nil, err
	}

	var stripeDecoder *stripe.Decoder
	if a.cfg.Webhook.StripeSecret != "" {
		if stripeDecoder, err = stripe.NewDecoder(a.cfg.Webhook.StripeSecret); err != nil {
			return nil, err
		}
	}

	consume := creditmw.Middleware(creditmw.Config{
		Guard:        ledger.NewGuard(a.engine, 0),
		GetAccountID: getAccountID,
		GetCost:      creditmw.FixedCost(a.cfg.Consume.Cost),
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(a.orch.RateLimit(a.cfg.Webhook.RateLimit, a.cfg.Webhook.RateWindow))
		r.Handle("/card", a.orch.CardHandler(card.NewDecoder(), a.cfg.Webhook.CardSecret))
		r.Handle("/manual", a.orch.ManualHandler(manual.NewParser(a.engine.Catalog()), a.cfg.Webhook.ManualToken))
		if stripeDecoder != nil {
			r.Handle("/stripe", a.orch.StripeHandler(stripeDecoder))
		}
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/balance", accounts.GetBalance)
		r.Get("/ledger", accounts.ListLedger)
		r.Get("/topup/manual/{package}", accounts.TopUpInstructions)
		r.With(consume).Post("/consume", consumeHandler)
	})

	return r, nil
}

type consumeResponse struct {
	Charged  int64 `json:"charged"`
	Balance  int64 `json:"balance"`
	Bypassed bool  `json:"bypassed"`
}

// consumeHandler stands in for a billable photo operation. The charge has
// already been taken by the middleware.
func consumeHandler(w http.ResponseWriter, r *http.Request) {
	hold := creditmw.HoldFromContext(r.Context())
	resp := consumeResponse{Balance: hold.Balance, Bypassed: hold.Bypassed}
	if !hold.Bypassed {
		resp.Charged = hold.Cost
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
