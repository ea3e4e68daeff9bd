package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/craftado/orderpay/internal/address"
	"github.com/craftado/orderpay/internal/catalog"
	"github.com/craftado/orderpay/internal/engine"
	"github.com/craftado/orderpay/internal/httpx"
	ledgersqlite "github.com/craftado/orderpay/internal/ledger/sqlite"
	"github.com/craftado/orderpay/internal/order"
	ordersqlite "github.com/craftado/orderpay/internal/order/sqlite"
	"github.com/craftado/orderpay/internal/payment/stripe"
	"github.com/craftado/orderpay/internal/payment/webhook"
	"github.com/craftado/orderpay/internal/pkg/cache"
	"github.com/craftado/orderpay/internal/pkg/telemetry"
)

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracer(ctx, getEnv("OTEL_SERVICE_NAME", "orderpay"))
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	orders, err := ordersqlite.Open(getEnv("ORDERS_DB_PATH", "./data/orders.db"))
	if err != nil {
		slog.Error("failed to open order store", "error", err)
		os.Exit(1)
	}
	defer orders.Close()

	led, err := ledgersqlite.Open(getEnv("LEDGER_DB_PATH", "./data/ledger.db"))
	if err != nil {
		slog.Error("failed to open idempotency ledger", "error", err)
		os.Exit(1)
	}
	defer led.Close()

	gateway, err := stripe.NewFromEnv()
	if err != nil {
		slog.Error("failed to build payment gateway client", "error", err)
		os.Exit(1)
	}

	// An absent webhook secret is a hard startup error, never a signal to
	// skip verification.
	verifier, err := webhook.New(os.Getenv("PAYMENT_WEBHOOK_SECRET"))
	if err != nil {
		slog.Error("failed to build webhook verifier", "error", err)
		os.Exit(1)
	}

	// Catalog and address book are external systems; the in-memory readers
	// stand in for their read APIs.
	products := catalog.NewMemoryReader()
	addrs := address.NewMemoryReader()
	if os.Getenv("DEV_SEED") == "true" {
		seedDev(products, addrs)
	}

	var orderCache cache.Cache
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		orderCache = cache.NewRedisCache(redisAddr, "orderpay")
	}

	eng := engine.New(orders, led, gateway, products, addrs, verifier)
	router := httpx.NewRouter(httpx.NewHandler(eng, orderCache))

	addr := ":" + getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
	}()

	slog.Info("orderpay running", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

// seedDev loads a small fixture catalog and address book for local runs.
func seedDev(products *catalog.MemoryReader, addrs *address.MemoryReader) {
	products.Put(catalog.Product{
		ID:        "prod-mug",
		Name:      "Hand-thrown mug",
		UnitPrice: decimal.RequireFromString("24.99"),
		CustomizationSchema: map[string]struct{}{
			"color": {}, "engraving": {},
		},
	})
	products.Put(catalog.Product{
		ID:        "prod-print",
		Name:      "Signed print",
		UnitPrice: decimal.RequireFromString("49.98"),
		CustomizationSchema: map[string]struct{}{
			"size": {}, "frame": {},
		},
	})
	addrs.Put(address.Record{
		ID:     "addr-1",
		UserID: "user-1",
		Address: order.Address{
			FullName:   "Dev User",
			Line1:      "1 Main St",
			City:       "Springfield",
			State:      "IL",
			PostalCode: "62701",
			Country:    "US",
			Phone:      "+1 555 0100",
		},
	})
	slog.Info("dev fixtures seeded")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
