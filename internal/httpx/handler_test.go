package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftado/orderpay/internal/address"
	"github.com/craftado/orderpay/internal/catalog"
	"github.com/craftado/orderpay/internal/engine"
	"github.com/craftado/orderpay/internal/httpx/middlewares"
	ledgermem "github.com/craftado/orderpay/internal/ledger/memory"
	"github.com/craftado/orderpay/internal/order"
	ordermem "github.com/craftado/orderpay/internal/order/memory"
	"github.com/craftado/orderpay/internal/payment"
	"github.com/craftado/orderpay/internal/payment/webhook"
)

type stubGateway struct {
	authorizeErr error
}

func (g *stubGateway) Authorize(_ context.Context, o *order.Order, _, _ order.Address) (payment.Authorization, error) {
	if g.authorizeErr != nil {
		return payment.Authorization{}, g.authorizeErr
	}
	return payment.Authorization{Reference: "pi_" + o.ID, ClientSecret: "cs_" + o.ID}, nil
}

func (g *stubGateway) Refund(_ context.Context, o *order.Order) (payment.Refund, error) {
	return payment.Refund{Reference: "re_" + o.ID}, nil
}

type apiFixture struct {
	server   *httptest.Server
	gateway  *stubGateway
	verifier *webhook.Verifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	products := catalog.NewMemoryReader()
	products.Put(catalog.Product{
		ID:                  "prod-mug",
		UnitPrice:           decimal.RequireFromString("24.99"),
		CustomizationSchema: map[string]struct{}{"color": {}},
	})

	addrs := address.NewMemoryReader()
	addrs.Put(address.Record{
		ID: "addr-1", UserID: "user-1",
		Address: order.Address{FullName: "A Customer", Line1: "1 Main St", City: "Springfield", State: "IL", PostalCode: "62701", Country: "US"},
	})

	verifier, err := webhook.New("whsec_test")
	require.NoError(t, err)

	gw := &stubGateway{}
	eng := engine.New(ordermem.New(), ledgermem.New(), gw, products, addrs, verifier)

	srv := httptest.NewServer(NewRouter(NewHandler(eng, nil)))
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, gateway: gw, verifier: verifier}
}

// do sends a request with the given principal headers and decodes the JSON
// response into out (skipped when out is nil).
func (f *apiFixture) do(t *testing.T, method, path, userID, role string, body any, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(middlewares.HeaderUserID, userID)
	}
	if role != "" {
		req.Header.Set(middlewares.HeaderUserRole, role)
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (f *apiFixture) createOrder(t *testing.T) OrderResponse {
	t.Helper()
	var created OrderResponse
	resp := f.do(t, http.MethodPost, "/orders", "user-1", "", CreateOrderRequest{
		Items: []CreateOrderItemDTO{
			{ProductID: "prod-mug", Quantity: 2, Customization: map[string]string{"color": "blue"}},
		},
		ShippingAddressID: "addr-1",
		BillingAddressID:  "addr-1",
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return created
}

func (f *apiFixture) deliverWebhook(t *testing.T, eventID, eventType, orderID string) *http.Response {
	t.Helper()
	body := []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"data":{"object":{"id":"pi_x","metadata":{"order_id":%q}}}}`,
		eventID, eventType, orderID,
	))
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/webhooks/payment", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Payment-Signature", f.verifier.Sign(body, time.Now()))

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestCreateOrderEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOrder(t)

	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "49.98", created.Total)
	assert.Equal(t, "user-1", created.UserID)
	require.Len(t, created.Items, 1)
	assert.Equal(t, "24.99", created.Items[0].UnitPrice)
}

func TestCreateOrderRequiresPrincipal(t *testing.T) {
	f := newAPIFixture(t)

	var errResp ErrorResponse
	resp := f.do(t, http.MethodPost, "/orders", "", "", CreateOrderRequest{
		Items:             []CreateOrderItemDTO{{ProductID: "prod-mug", Quantity: 1}},
		ShippingAddressID: "addr-1",
		BillingAddressID:  "addr-1",
	}, &errResp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errResp.Error)
}

func TestCreateOrderTotalMismatch(t *testing.T) {
	f := newAPIFixture(t)

	var errResp ErrorResponse
	resp := f.do(t, http.MethodPost, "/orders", "user-1", "", CreateOrderRequest{
		Items:             []CreateOrderItemDTO{{ProductID: "prod-mug", Quantity: 2}},
		ShippingAddressID: "addr-1",
		BillingAddressID:  "addr-1",
		Total:             "10.00",
	}, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", errResp.Error)
}

func TestCheckoutEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOrder(t)

	var res CheckoutResponse
	resp := f.do(t, http.MethodPost, "/orders/"+created.ID+"/checkout", "user-1", "", nil, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authorizing", res.Order.Status)
	assert.Equal(t, "pi_"+created.ID, res.Order.PaymentRef)
	assert.NotEmpty(t, res.ClientSecret)

	// Second checkout loses the pending guard.
	var errResp ErrorResponse
	resp = f.do(t, http.MethodPost, "/orders/"+created.ID+"/checkout", "user-1", "", nil, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", errResp.Error)
}

func TestCheckoutGatewayDown(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOrder(t)

	f.gateway.authorizeErr = payment.ErrGatewayUnavailable
	var errResp ErrorResponse
	resp := f.do(t, http.MethodPost, "/orders/"+created.ID+"/checkout", "user-1", "", nil, &errResp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "gateway_unavailable", errResp.Error)
}

func TestGetOrderOwnershipStatuses(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOrder(t)

	resp := f.do(t, http.MethodGet, "/orders/"+created.ID, "user-1", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/orders/"+created.ID, "someone-else", "", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/orders/"+created.ID, "ops", "admin", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/orders/missing", "user-1", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOrder(t)
	resp := f.do(t, http.MethodPost, "/orders/"+created.ID+"/checkout", "user-1", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.deliverWebhook(t, "evt-1", webhook.TypeAuthorizationSucceeded, created.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Identical redelivery is still a 200.
	resp = f.deliverWebhook(t, "evt-1", webhook.TypeAuthorizationSucceeded, created.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got OrderResponse
	resp = f.do(t, http.MethodGet, "/orders/"+created.ID, "user-1", "", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", got.Status)
}

func TestWebhookBadSignature(t *testing.T) {
	f := newAPIFixture(t)

	body := []byte(`{"id":"evt-1","type":"payment_intent.succeeded"}`)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/webhooks/payment", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Payment-Signature", "t=1,v1=deadbeef")

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_signature", errResp.Error)
}

func TestRefundEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOrder(t)
	f.do(t, http.MethodPost, "/orders/"+created.ID+"/checkout", "user-1", "", nil, nil)
	f.deliverWebhook(t, "evt-ok", webhook.TypeAuthorizationSucceeded, created.ID)

	var refunded OrderResponse
	resp := f.do(t, http.MethodPost, "/orders/"+created.ID+"/refund", "user-1", "", nil, &refunded)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "refunded", refunded.Status)

	var errResp ErrorResponse
	resp = f.do(t, http.MethodPost, "/orders/"+created.ID+"/refund", "user-1", "", nil, &errResp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "not_eligible", errResp.Error)
}

func TestAdminFulfilmentEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createOrder(t)
	f.do(t, http.MethodPost, "/orders/"+created.ID+"/checkout", "user-1", "", nil, nil)
	f.deliverWebhook(t, "evt-ok", webhook.TypeAuthorizationSucceeded, created.ID)

	resp := f.do(t, http.MethodPost, "/admin/orders/"+created.ID+"/ship", "user-1", "", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var shipped OrderResponse
	resp = f.do(t, http.MethodPost, "/admin/orders/"+created.ID+"/ship", "ops", "admin", nil, &shipped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "shipped", shipped.Status)

	var delivered OrderResponse
	resp = f.do(t, http.MethodPost, "/admin/orders/"+created.ID+"/deliver", "ops", "admin", nil, &delivered)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "delivered", delivered.Status)
}

func TestListOrdersEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.createOrder(t)

	resp := f.do(t, http.MethodGet, "/admin/orders", "user-1", "", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var errResp ErrorResponse
	resp = f.do(t, http.MethodGet, "/admin/orders?status=bogus", "ops", "admin", nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_status", errResp.Error)

	var orders []OrderResponse
	resp = f.do(t, http.MethodGet, "/admin/orders?status=pending", "ops", "admin", nil, &orders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, orders, 1)
}

func TestListOrdersDateFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.createOrder(t)

	var errResp ErrorResponse
	resp := f.do(t, http.MethodGet, "/admin/orders?since=yesterday", "ops", "admin", nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_since", errResp.Error)

	resp = f.do(t, http.MethodGet, "/admin/orders?until=tomorrow", "ops", "admin", nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_until", errResp.Error)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	var orders []OrderResponse
	resp = f.do(t, http.MethodGet, "/admin/orders?since="+future, "ops", "admin", nil, &orders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, orders)

	resp = f.do(t, http.MethodGet, "/admin/orders?since="+past+"&until="+future, "ops", "admin", nil, &orders)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, orders, 1)
}
