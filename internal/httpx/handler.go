package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/craftado/orderpay/internal/engine"
	"github.com/craftado/orderpay/internal/httpx/middlewares"
	"github.com/craftado/orderpay/internal/order"
	"github.com/craftado/orderpay/internal/payment"
	"github.com/craftado/orderpay/internal/payment/webhook"
	"github.com/craftado/orderpay/internal/pkg/cache"
)

// webhookBodyLimit bounds inbound payloads; provider events are small.
const webhookBodyLimit = 1 << 20

const orderCacheTTL = 30 * time.Second

// Handler handles incoming HTTP requests for the order and payment domain.
type Handler struct {
	engine *engine.Engine
	cache  cache.Cache // nil-safe: caching skipped if nil
}

// NewHandler initializes the handler. orderCache may be nil, in which case
// order reads always hit the store.
func NewHandler(e *engine.Engine, orderCache cache.Cache) *Handler {
	return &Handler{engine: e, cache: orderCache}
}

// CreateOrder prices the requested items against the catalog and persists
// a pending order.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	placeReq := engine.PlaceOrderRequest{
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
	}
	for _, it := range req.Items {
		placeReq.Items = append(placeReq.Items, engine.PlaceOrderItem{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			Customization: it.Customization,
		})
	}
	if req.Total != "" {
		total, err := decimal.NewFromString(req.Total)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_total", err.Error())
			return
		}
		placeReq.AssertedTotal = total
	}

	o, err := h.engine.PlaceOrder(r.Context(), middlewares.PrincipalFromContext(r.Context()), placeReq)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mapOrderToResponse(o))
}

// Checkout requests payment authorization for a pending order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	res, err := h.engine.Checkout(r.Context(), middlewares.PrincipalFromContext(r.Context()), orderID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.invalidate(r, orderID)
	writeJSON(w, http.StatusOK, CheckoutResponse{
		Order:        mapOrderToResponse(res.Order),
		ClientSecret: res.ClientSecret,
	})
}

// GetOrder retrieves a single order, read-through cached.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	p := middlewares.PrincipalFromContext(r.Context())

	if h.cache != nil {
		key := h.cache.GenerateKey("order", orderID)
		if cached, err := h.cache.Get(r.Context(), key); err == nil && cached != "" {
			var resp OrderResponse
			if err := json.Unmarshal([]byte(cached), &resp); err == nil {
				// The cache is keyed by order only; ownership still has
				// to hold for this caller.
				if resp.UserID == p.ID || p.Role == engine.RoleAdmin {
					writeJSON(w, http.StatusOK, resp)
					return
				}
			}
		}
	}

	o, err := h.engine.GetOrder(r.Context(), p, orderID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	resp := mapOrderToResponse(o)
	if h.cache != nil {
		if body, err := json.Marshal(resp); err == nil {
			key := h.cache.GenerateKey("order", orderID)
			if err := h.cache.Set(r.Context(), key, string(body), orderCacheTTL); err != nil {
				slog.WarnContext(r.Context(), "order cache set failed", "order_id", orderID, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequestRefund starts (or retries) a refund for an eligible order.
func (h *Handler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	o, err := h.engine.RequestRefund(r.Context(), middlewares.PrincipalFromContext(r.Context()), orderID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.invalidate(r, orderID)
	writeJSON(w, http.StatusOK, mapOrderToResponse(o))
}

// MarkShipped and MarkDelivered are the admin fulfilment transitions.
func (h *Handler) MarkShipped(w http.ResponseWriter, r *http.Request) {
	h.adminTransition(w, r, h.engine.MarkShipped)
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.adminTransition(w, r, h.engine.MarkDelivered)
}

func (h *Handler) adminTransition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, p engine.Principal, orderID string) (*order.Order, error),
) {
	orderID := chi.URLParam(r, "id")

	o, err := fn(r.Context(), middlewares.PrincipalFromContext(r.Context()), orderID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.invalidate(r, orderID)
	writeJSON(w, http.StatusOK, mapOrderToResponse(o))
}

// ListOrders is the admin listing, optionally filtered by status, user,
// and creation date range (since/until, RFC3339).
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := order.ListFilter{
		Status: order.Status(q.Get("status")),
		UserID: q.Get("user_id"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_status", string(f.Status))
		return
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since", err.Error())
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_until", err.Error())
			return
		}
		f.Until = t
	}

	orders, err := h.engine.ListOrders(r.Context(), middlewares.PrincipalFromContext(r.Context()), f)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	out := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, mapOrderToResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

// PaymentWebhook receives provider notifications. The raw body is read in
// full before any decoding so the signature covers exactly the delivered
// bytes. Applied, duplicate, and stale events are all acknowledged with
// 200; only authentication failures are the provider's problem.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable_body", err.Error())
		return
	}

	res, err := h.engine.HandleWebhook(r.Context(), rawBody, r.Header.Get("Payment-Signature"))
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			writeError(w, http.StatusBadRequest, "invalid_signature", "")
			return
		}
		slog.ErrorContext(r.Context(), "webhook processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook_error", "")
		return
	}

	if res.OrderID != "" {
		h.invalidate(r, res.OrderID)
	}
	writeJSON(w, http.StatusOK, WebhookAck{Received: true})
}

func (h *Handler) invalidate(r *http.Request, orderID string) {
	if h.cache == nil {
		return
	}
	key := h.cache.GenerateKey("order", orderID)
	if err := h.cache.Del(r.Context(), key); err != nil {
		slog.WarnContext(r.Context(), "order cache invalidation failed", "order_id", orderID, "error", err)
	}
}

// writeEngineError maps domain errors onto the stable external statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, order.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, engine.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
	case errors.Is(err, engine.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, engine.ErrNotEligible):
		writeError(w, http.StatusConflict, "not_eligible", err.Error())
	case errors.Is(err, order.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, payment.ErrGatewayRejected):
		writeError(w, http.StatusPaymentRequired, "gateway_rejected", err.Error())
	case errors.Is(err, payment.ErrGatewayUnavailable):
		writeError(w, http.StatusBadGateway, "gateway_unavailable", err.Error())
	case errors.Is(err, payment.ErrNothingToRefund):
		writeError(w, http.StatusConflict, "nothing_to_refund", err.Error())
	default:
		slog.ErrorContext(r.Context(), "unhandled error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
