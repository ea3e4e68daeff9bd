package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/craftado/orderpay/internal/httpx/middlewares"
)

// NewRouter wires the HTTP surface. The webhook route sits outside the
// principal requirement: the provider authenticates by signature, not by
// identity headers.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewares.AttachPrincipal)

	r.Post("/orders", handler.CreateOrder)
	r.Get("/orders/{id}", handler.GetOrder)
	r.Post("/orders/{id}/checkout", handler.Checkout)
	r.Post("/orders/{id}/refund", handler.RequestRefund)

	r.Post("/admin/orders/{id}/ship", handler.MarkShipped)
	r.Post("/admin/orders/{id}/deliver", handler.MarkDelivered)
	r.Get("/admin/orders", handler.ListOrders)

	r.Post("/webhooks/payment", handler.PaymentWebhook)

	return otelhttp.NewHandler(r, "orderpay")
}
