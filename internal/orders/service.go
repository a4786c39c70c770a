package orders

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/obs"
)

var (
	// ErrOrderIDRequired is returned when an order operation is called without an id.
	ErrOrderIDRequired = errors.New("order id is required")
	// ErrEmptyInvoice is returned when the backend answers an invoice request with no document.
	ErrEmptyInvoice = errors.New("invoice is empty")
)

// Backend is the slice of the REST client orders need.
type Backend interface {
	Get(ctx context.Context, req backend.Request, dst any) error
	Post(ctx context.Context, req backend.Request, dst any) error
	JSON(ctx context.Context, req backend.Request, dst any) error
	Fetch(ctx context.Context, req backend.Request) (backend.Response, error)
}

// Service is the order client. Calls are authenticated by the backend cookie carried
// in ctx.
type Service struct {
	Backend Backend
	Logger  zerolog.Logger
}

type listResponse struct {
	Orders []Order `json:"orders"`
}

// HistoryPage is one page of the order history.
type HistoryPage struct {
	Orders  []Order `json:"orders"`
	Page    int     `json:"page"`
	HasMore bool    `json:"hasMore"`
}

// History returns a page of the shopper's orders, optionally narrowed to those
// containing a product name. An empty page ends the history.
func (s Service) History(ctx context.Context, page int, product string) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	var resp listResponse
	err := s.Backend.Get(ctx, backend.Request{
		Path:  "/api/orders/myorders",
		Query: url.Values{"page": {strconv.Itoa(page)}, "product": {strings.TrimSpace(product)}},
	}, &resp)
	if err != nil {
		return HistoryPage{}, err
	}
	if resp.Orders == nil {
		resp.Orders = []Order{}
	}
	return HistoryPage{Orders: resp.Orders, Page: page, HasMore: len(resp.Orders) > 0}, nil
}

// TrackQuery narrows tracking to one order. Guests identify it by order id and email.
type TrackQuery struct {
	OrderID string
	Email   string
}

// Track returns the orders in flight, for the signed-in shopper or for the order
// identified by q.
func (s Service) Track(ctx context.Context, q TrackQuery) ([]Order, error) {
	query := url.Values{}
	if id := strings.TrimSpace(q.OrderID); id != "" {
		query.Set("orderId", id)
	}
	if email := strings.TrimSpace(q.Email); email != "" {
		query.Set("email", email)
	}
	var resp listResponse
	if err := s.Backend.Get(ctx, backend.Request{Path: "/api/orders/track", Query: query}, &resp); err != nil {
		return nil, err
	}
	return orEmpty(resp.Orders), nil
}

// Mine returns every order of the signed-in shopper.
func (s Service) Mine(ctx context.Context) ([]Order, error) {
	var resp listResponse
	if err := s.Backend.Get(ctx, backend.Request{Path: "/api/orders/my-orders"}, &resp); err != nil {
		return nil, err
	}
	return orEmpty(resp.Orders), nil
}

func orEmpty(list []Order) []Order {
	if list == nil {
		return []Order{}
	}
	return list
}

func orderPath(orderID string, parts ...string) (string, string, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", "", ErrOrderIDRequired
	}
	path := "/api/orders/" + backend.PathEscape(orderID)
	route := "/api/orders/{id}"
	for _, p := range parts {
		path += "/" + p
		route += "/" + p
	}
	return path, route, nil
}

// Courier returns the courier's tracking details of an order as sent by the backend.
func (s Service) Courier(ctx context.Context, orderID string) (map[string]any, error) {
	path, route, err := orderPath(orderID, "shipcorrect-tracking")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Tracking map[string]any `json:"tracking"`
	}
	if err := s.Backend.Get(ctx, backend.Request{Path: path, Route: route}, &resp); err != nil {
		return nil, err
	}
	if resp.Tracking == nil {
		resp.Tracking = map[string]any{}
	}
	return resp.Tracking, nil
}

// Cancel cancels an order that has not shipped yet.
func (s Service) Cancel(ctx context.Context, orderID string) error {
	path, route, err := orderPath(orderID, "status")
	if err != nil {
		return err
	}
	err = s.Backend.JSON(ctx, backend.Request{
		Method: http.MethodPut,
		Path:   path,
		Route:  route,
		Body:   map[string]string{"status": StatusCancelled},
	}, nil)
	if err == nil {
		obs.LoggerFrom(ctx, s.Logger).Info().Str("order_id", orderID).Msg("order_cancelled")
	}
	return err
}

// Resolution is what the shopper wants for a returned product.
type Resolution string

const (
	Refund      Resolution = "Refund"
	Replacement Resolution = "Replacement"
)

// ReturnRequest asks for a whole order, or one product of it, to be returned.
type ReturnRequest struct {
	OrderID     string     `json:"-" validate:"required"`
	ProductID   string     `json:"-"`
	IssueType   string     `json:"returnIssueType" validate:"required"`
	Description string     `json:"returnIssueDesc" validate:"max=1000"`
	Resolution  Resolution `json:"returnResolutionType" validate:"required,oneof=Refund Replacement"`
	Color       string     `json:"selectedColor,omitempty" validate:"required_if=Resolution Replacement"`
	Size        string     `json:"selectedSize,omitempty" validate:"required_if=Resolution Replacement"`
}

// RequestReturn files a return. Replacement requests name the wanted variant.
func (s Service) RequestReturn(ctx context.Context, req ReturnRequest) error {
	if err := common.Validate(req); err != nil {
		return err
	}
	parts := []string{"return"}
	if req.ProductID != "" {
		parts = append(parts, backend.PathEscape(req.ProductID))
	}
	path, route, err := orderPath(req.OrderID, parts...)
	if err != nil {
		return err
	}
	if req.ProductID != "" {
		route = "/api/orders/{id}/return/{productId}"
	}
	if err := s.Backend.Post(ctx, backend.Request{Path: path, Route: route, Body: req}, nil); err != nil {
		return err
	}
	obs.LoggerFrom(ctx, s.Logger).Info().Str("order_id", req.OrderID).Str("product_id", req.ProductID).Msg("return_requested")
	return nil
}

// CancelReturn withdraws a pending return of an order or of one product.
func (s Service) CancelReturn(ctx context.Context, orderID, productID string) error {
	parts := []string{"cancel-return"}
	if productID != "" {
		parts = append(parts, backend.PathEscape(productID))
	}
	path, route, err := orderPath(orderID, parts...)
	if err != nil {
		return err
	}
	if productID != "" {
		route = "/api/orders/{id}/cancel-return/{productId}"
	}
	return s.Backend.Post(ctx, backend.Request{Path: path, Route: route, Body: map[string]any{}}, nil)
}

// Invoice downloads the PDF invoice of an order.
func (s Service) Invoice(ctx context.Context, orderID string) ([]byte, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ErrOrderIDRequired
	}
	resp, err := s.Backend.Fetch(ctx, backend.Request{
		Method: http.MethodGet,
		Path:   "/api/invoices/" + backend.PathEscape(orderID),
		Route:  "/api/invoices/{id}",
		Header: http.Header{"Accept": {"application/pdf"}},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 {
		return nil, ErrEmptyInvoice
	}
	return resp.Body, nil
}

// CODOrder is a single-product cash-on-delivery order placed from the product page.
type CODOrder struct {
	ProductSlug     string          `json:"productSlug" validate:"required"`
	SKU             string          `json:"sku" validate:"required"`
	Color           string          `json:"color" validate:"required"`
	Size            string          `json:"size" validate:"required"`
	Quantity        int             `json:"quantity" validate:"min=1,max=10"`
	Amount          decimal.Decimal `json:"amount"`
	ShippingAddress string          `json:"shippingAddress" validate:"required"`
	Name            string          `json:"name" validate:"required"`
	Phone           string          `json:"phone" validate:"required,numeric,len=10"`
	Email           string          `json:"email" validate:"required,email"`
	Pincode         string          `json:"pincode" validate:"required,numeric,len=6"`
	DiscountCode    string          `json:"discountCode,omitempty"`
	DiscountAmount  decimal.Decimal `json:"discountAmount"`
	ShippingCost    decimal.Decimal `json:"shippingCost"`
	PaymentMethod   string          `json:"paymentMethod"`
}

// PlaceCOD places a cash-on-delivery order.
func (s Service) PlaceCOD(ctx context.Context, order CODOrder) (Order, error) {
	if err := common.Validate(order); err != nil {
		return Order{}, err
	}
	if !order.Amount.IsPositive() {
		return Order{}, &common.ValidationError{Fields: []common.FieldError{{Field: "amount", Message: "must be positive"}}}
	}
	order.PaymentMethod = "COD"
	var resp struct {
		Order   Order  `json:"order"`
		Message string `json:"message"`
		ID      string `json:"_id"`
		OrderID string `json:"orderId"`
	}
	if err := s.Backend.Post(ctx, backend.Request{Path: "/api/orders", Body: order}, &resp); err != nil {
		return Order{}, err
	}
	placed := resp.Order
	if placed.ID == "" {
		placed.ID = resp.ID
	}
	if placed.OrderID == "" {
		placed.OrderID = resp.OrderID
	}
	obs.LoggerFrom(ctx, s.Logger).Info().Str("order_id", placed.Key()).Msg("cod_order_placed")
	return placed, nil
}
