package httpx

import (
	"time"

	"github.com/craftado/orderpay/internal/order"
)

type CreateOrderRequest struct {
	Items             []CreateOrderItemDTO `json:"items"`
	ShippingAddressID string               `json:"shipping_address_id"`
	BillingAddressID  string               `json:"billing_address_id"`

	// Total is the client-asserted total, verified against catalog
	// prices. Optional; omit to accept the server-priced total.
	Total string `json:"total,omitempty"`
}

type CreateOrderItemDTO struct {
	ProductID     string            `json:"product_id"`
	Quantity      int               `json:"quantity"`
	Customization map[string]string `json:"customization,omitempty"`
}

type OrderResponse struct {
	ID                string              `json:"id"`
	UserID            string              `json:"user_id"`
	Status            string              `json:"status"`
	Total             string              `json:"total"`
	PaymentRef        string              `json:"payment_ref,omitempty"`
	Items             []OrderItemResponse `json:"items"`
	ShippingAddressID string              `json:"shipping_address_id"`
	BillingAddressID  string              `json:"billing_address_id"`
	CreatedAt         string              `json:"created_at"`
	UpdatedAt         string              `json:"updated_at"`
}

type OrderItemResponse struct {
	ProductID     string            `json:"product_id"`
	Quantity      int               `json:"quantity"`
	UnitPrice     string            `json:"unit_price"`
	Customization map[string]string `json:"customization,omitempty"`
}

type CheckoutResponse struct {
	Order        OrderResponse `json:"order"`
	ClientSecret string        `json:"client_secret"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func mapOrderToResponse(o *order.Order) OrderResponse {
	return OrderResponse{
		ID:                o.ID,
		UserID:            o.UserID,
		Status:            string(o.Status),
		Total:             o.TotalAmount.String(),
		PaymentRef:        o.PaymentRef,
		Items:             mapItems(o.Items),
		ShippingAddressID: o.ShippingAddressID,
		BillingAddressID:  o.BillingAddressID,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         o.UpdatedAt.Format(time.RFC3339),
	}
}

func mapItems(items []order.Item) []OrderItemResponse {
	out := make([]OrderItemResponse, len(items))
	for i, it := range items {
		out[i] = OrderItemResponse{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice.String(),
			Customization: it.Customization,
		}
	}
	return out
}
