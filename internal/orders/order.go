// Package orders reads and manages a shopper's placed orders: history, tracking,
// returns, invoices and cash-on-delivery placement. It also polls order status and
// announces changes on the event bus.
package orders

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses as the backend spells them.
const (
	StatusPending         = "Pending"
	StatusProcessing      = "Processing"
	StatusShipped         = "Shipped"
	StatusDelivered       = "Delivered"
	StatusCancelled       = "Cancelled"
	StatusReturnRequested = "Return Requested"
	StatusReturned        = "Returned"
	StatusRefunded        = "Refunded"
)

// ProductRef is the product of an order line. The backend sends either a populated
// product or just its id.
type ProductRef struct {
	ID    string `json:"_id"`
	Name  string `json:"name,omitempty"`
	Slug  string `json:"slug,omitempty"`
	Image string `json:"image,omitempty"`
}

func (p *ProductRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.ID)
	}
	type plain ProductRef
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = ProductRef(v)
	return nil
}

// Line is one product of an order.
type Line struct {
	Product  ProductRef      `json:"product"`
	Name     string          `json:"name,omitempty"`
	SKU      string          `json:"sku,omitempty"`
	Color    string          `json:"color,omitempty"`
	Size     string          `json:"size,omitempty"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Status   string          `json:"status,omitempty"`
}

// ReturnState is the return request attached to an order.
type ReturnState struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Order is one placed order.
type Order struct {
	ID                string          `json:"_id"`
	OrderID           string          `json:"orderId,omitempty"`
	Status            string          `json:"status"`
	TotalPrice        decimal.Decimal `json:"totalPrice"`
	ShippingCost      decimal.Decimal `json:"shippingCost"`
	PaymentMethod     string          `json:"paymentMethod,omitempty"`
	Products          []Line          `json:"products"`
	TrackingURL       string          `json:"trackingUrl,omitempty"`
	EstimatedDelivery *time.Time      `json:"estimatedDelivery,omitempty"`
	ReturnRequest     *ReturnState    `json:"returnRequest,omitempty"`
	Refund            json.RawMessage `json:"refund,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt,omitempty"`
}

// Key identifies the order; the backend's readable order id is preferred.
func (o Order) Key() string {
	if o.OrderID != "" {
		return o.OrderID
	}
	return o.ID
}

// InvoiceAvailable reports whether an invoice can be downloaded for the order.
func (o Order) InvoiceAvailable() bool {
	switch o.Status {
	case StatusDelivered, StatusReturned, StatusRefunded:
		return true
	}
	return false
}

// Cancellable reports whether the shopper may still cancel the order.
func (o Order) Cancellable() bool {
	return o.Status == StatusPending || o.Status == StatusProcessing
}

// Returnable reports whether a return may be requested.
func (o Order) Returnable() bool {
	return o.Status == StatusDelivered && (o.ReturnRequest == nil || o.ReturnRequest.Status == "")
}
