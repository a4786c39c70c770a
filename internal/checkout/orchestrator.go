// Package checkout places prepaid orders: it validates the delivery form, opens a
// gateway order for the cart total, waits for the payment widget and has the backend
// verify the payment before the cart is cleared.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/cart"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/discount"
	"github.com/vibethread/storefront/internal/events"
	"github.com/vibethread/storefront/internal/obs"
	"github.com/vibethread/storefront/internal/payment"
	"github.com/vibethread/storefront/internal/pricing"
	"github.com/vibethread/storefront/internal/shipping"
)

// State is a step of the checkout state machine.
type State string

const (
	Idle                        State = "Idle"
	AwaitingGatewayOrder        State = "AwaitingGatewayOrder"
	AwaitingPaymentConfirmation State = "AwaitingPaymentConfirmation"
	Verifying                   State = "Verifying"
	Completed                   State = "Completed"
	Failed                      State = "Failed"
)

// Reason explains a Failed state.
type Reason string

const (
	GatewayInitiationError Reason = "GatewayInitiationError"
	VerificationError      Reason = "VerificationError"
)

var (
	// ErrInvalidTransition is returned when an operation does not apply to the current state.
	ErrInvalidTransition = errors.New("checkout: operation not allowed in the current state")
	// ErrSubmissionInFlight is returned when the same transaction handle is already being verified.
	ErrSubmissionInFlight = errors.New("checkout: this payment is already being verified")
)

// Failure is returned when a step moves the machine to Failed. Err carries the
// underlying kind (network, rejection, verification).
type Failure struct {
	Reason  Reason
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return f.Message
	}
	return string(f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// CartStore is the cart the orchestrator prices, snapshots and clears.
type CartStore interface {
	Items() []cart.LineItem
	Price(shipping decimal.Decimal, giftWrap bool, giftWrapFee decimal.Decimal) (pricing.Breakdown, error)
	AppliedDiscount() (discount.Applied, bool)
	Clear(ctx context.Context) error
}

// Backend is the slice of the REST client checkout needs.
type Backend interface {
	Post(ctx context.Context, req backend.Request, dst any) error
}

// ShippingQuoter prices delivery for the post-discount subtotal.
type ShippingQuoter interface {
	Quote(ctx context.Context, orderValue decimal.Decimal) decimal.Decimal
}

// PincodeChecker answers whether the store delivers to a pincode.
type PincodeChecker interface {
	Serviceable(ctx context.Context, pincode string) (shipping.Serviceability, error)
}

// Enricher resolves product ids and SKUs of cart lines.
type Enricher interface {
	Enrich(ctx context.Context, lines []cart.LineItem) ([]cart.LineItem, error)
}

// Deps are the collaborators shared by every checkout.
type Deps struct {
	Backend  Backend
	Shipping ShippingQuoter
	Pincodes PincodeChecker
	// Enricher is optional; without it lines are submitted as stored.
	Enricher Enricher
	Guard    Guard
	Events   *events.Bus
	Logger   zerolog.Logger

	GatewayKey  string
	Currency    string
	StoreName   string
	GiftWrapFee decimal.Decimal
	Now         func() time.Time
}

// OrderLine is one product of the order as the backend records it.
type OrderLine struct {
	Product      string          `json:"product,omitempty"`
	ProductID    string          `json:"productId,omitempty"`
	SKU          string          `json:"sku"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	PriceAtOrder decimal.Decimal `json:"priceAtOrder"`
	Color        string          `json:"color"`
	Size         string          `json:"size"`
	Slug         string          `json:"slug"`
}

// OrderDetails is the order as submitted for initiation and verification.
type OrderDetails struct {
	Products       []OrderLine     `json:"products"`
	TotalPrice     decimal.Decimal `json:"totalPrice"`
	ShippingMethod string          `json:"shippingMethod"`
	ShippingCost   decimal.Decimal `json:"shippingCost"`
	PaymentMethod  string          `json:"paymentMethod"`
	GiftWrap       bool            `json:"giftWrap"`
	DiscountCode   string          `json:"discountCode,omitempty"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	Address        string          `json:"address"`
	Pincode        string          `json:"pincode"`
	DeliveryPhone  string          `json:"deliveryPhone"`
	City           string          `json:"city"`
	State          string          `json:"state"`
}

// Snapshot is the persisted form of the state machine.
type Snapshot struct {
	State     State              `json:"state"`
	Reason    Reason             `json:"reason,omitempty"`
	Message   string             `json:"message,omitempty"`
	Handle    string             `json:"handle,omitempty"`
	Options   *payment.Options   `json:"options,omitempty"`
	Order     *OrderDetails      `json:"order,omitempty"`
	Totals    *pricing.Breakdown `json:"totals,omitempty"`
	OrderID   string             `json:"orderId,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Orchestrator is one shopper's checkout. It is safe for concurrent use.
type Orchestrator struct {
	deps Deps
	cart CartStore

	mu   sync.Mutex
	snap Snapshot
}

// New returns an idle checkout over c.
func New(deps Deps, c CartStore) *Orchestrator {
	if deps.Guard == nil {
		deps.Guard = &LocalGuard{}
	}
	if deps.Currency == "" {
		deps.Currency = "INR"
	}
	if deps.GiftWrapFee.IsZero() {
		deps.GiftWrapFee = pricing.DefaultGiftWrapFee
	}
	o := &Orchestrator{deps: deps, cart: c}
	o.snap = Snapshot{State: Idle, UpdatedAt: o.now()}
	return o
}

// Restore returns a checkout resumed from snap. A snapshot caught mid-flight in
// AwaitingGatewayOrder resumes as Idle; one caught in Verifying resumes awaiting the
// confirmation so it can be resubmitted.
func Restore(deps Deps, c CartStore, snap Snapshot) *Orchestrator {
	o := New(deps, c)
	switch snap.State {
	case "":
		return o
	case AwaitingGatewayOrder:
		snap = Snapshot{State: Idle, UpdatedAt: snap.UpdatedAt}
	case Verifying:
		snap.State = AwaitingPaymentConfirmation
	}
	o.snap = snap
	return o
}

func (o *Orchestrator) now() time.Time {
	if o.deps.Now != nil {
		return o.deps.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logger(ctx context.Context) *zerolog.Logger {
	return obs.LoggerFrom(ctx, o.deps.Logger)
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.State
}

// transitionLocked moves to next and records it. Callers hold o.mu.
func (o *Orchestrator) transitionLocked(ctx context.Context, next State, mutate func(*Snapshot)) {
	prev := o.snap.State
	o.snap.State = next
	if next != Failed {
		o.snap.Reason = ""
		o.snap.Message = ""
	}
	if mutate != nil {
		mutate(&o.snap)
	}
	o.snap.UpdatedAt = o.now()
	obs.CheckoutTransitionsTotal.WithLabelValues(string(prev), string(next)).Inc()
	ev := o.logger(ctx).Info().Str("from", string(prev)).Str("to", string(next))
	if o.snap.Handle != "" {
		ev = ev.Str("gateway_order_id", o.snap.Handle)
	}
	if o.snap.Reason != "" {
		ev = ev.Str("reason", string(o.snap.Reason))
	}
	ev.Msg("checkout_transition")
}

func (o *Orchestrator) transition(ctx context.Context, next State, mutate func(*Snapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitionLocked(ctx, next, mutate)
}

func (o *Orchestrator) fail(ctx context.Context, reason Reason, message string, err error) *Failure {
	o.transition(ctx, Failed, func(s *Snapshot) {
		s.Reason = reason
		s.Message = message
	})
	o.emit(ctx, events.TopicCheckoutFailed, map[string]any{"reason": reason, "message": message})
	return &Failure{Reason: reason, Message: message, Err: err}
}

func (o *Orchestrator) emit(ctx context.Context, topic string, payload map[string]any) {
	snap := o.Snapshot()
	payload["handle"] = snap.Handle
	if _, err := o.deps.Events.Emit(ctx, topic, snap.Handle, payload); err != nil {
		o.logger(ctx).Warn().Err(err).Str("topic", topic).Msg("checkout_event_failed")
	}
}

// Begin validates details, prices the cart and asks the backend for a gateway order.
// It returns the widget options for that order. Nothing reaches the network until the
// form passes its local checks; pincode serviceability is checked next. A rejected
// initiation moves the machine to Failed(GatewayInitiationError); it is not retried.
func (o *Orchestrator) Begin(ctx context.Context, details Details, giftWrap bool) (payment.Options, error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "Checkout.Begin")
	defer span.End()

	o.mu.Lock()
	switch o.snap.State {
	case Idle, AwaitingPaymentConfirmation:
	case Failed:
		if o.snap.Reason != GatewayInitiationError {
			o.mu.Unlock()
			return payment.Options{}, fmt.Errorf("%w: reset before starting over", ErrInvalidTransition)
		}
	default:
		state := o.snap.State
		o.mu.Unlock()
		return payment.Options{}, fmt.Errorf("%w: %s", ErrInvalidTransition, state)
	}
	o.mu.Unlock()

	details = details.Normalize()
	if err := details.Validate(); err != nil {
		return payment.Options{}, err
	}
	lines := o.cart.Items()
	if len(lines) == 0 {
		return payment.Options{}, &common.ValidationError{Fields: []common.FieldError{{Field: "cart", Message: "is empty"}}}
	}
	if o.deps.Pincodes != nil {
		svc, err := o.deps.Pincodes.Serviceable(ctx, details.Pincode)
		if err != nil {
			return payment.Options{}, err
		}
		if !svc.Serviceable {
			msg := svc.Message
			if msg == "" {
				msg = "we do not deliver to this pincode yet"
			}
			return payment.Options{}, &common.ValidationError{Fields: []common.FieldError{{Field: "pincode", Message: msg}}}
		}
	}

	o.transition(ctx, AwaitingGatewayOrder, func(s *Snapshot) {
		s.Handle = ""
		s.Options = nil
		s.Order = nil
		s.Totals = nil
		s.OrderID = ""
	})

	order, totals, err := o.prepare(ctx, details, giftWrap, lines)
	if err != nil {
		span.RecordError(err)
		o.transition(ctx, Idle, nil)
		return payment.Options{}, err
	}
	span.SetAttributes(
		attribute.Int("checkout.lines", len(order.Products)),
		attribute.String("checkout.total", totals.FinalTotal.StringFixed(2)),
	)

	var resp struct {
		Success         bool   `json:"success"`
		RazorpayOrderID string `json:"razorpayOrderId"`
		Message         string `json:"message"`
	}
	err = o.deps.Backend.Post(ctx, backend.Request{Path: "/api/orders/prepaid/validate-and-initiate", Body: initiateBody(order)}, &resp)
	if err == nil && (!resp.Success || resp.RazorpayOrderID == "") {
		msg := resp.Message
		if msg == "" {
			msg = "failed to initiate payment"
		}
		err = common.Rejection(msg, http.StatusUnprocessableEntity, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initiation failed")
		return payment.Options{}, o.fail(ctx, GatewayInitiationError, userMessage(err, "failed to initiate payment"), err)
	}

	opts := payment.Options{
		Key:         o.deps.GatewayKey,
		Amount:      pricing.ToMinorUnits(totals.FinalTotal),
		Currency:    o.deps.Currency,
		Name:        o.deps.StoreName,
		Description: "Order payment",
		OrderID:     resp.RazorpayOrderID,
		Prefill:     payment.Prefill{Name: details.Name, Email: details.Email, Contact: details.Phone},
		Theme:       payment.Theme{Color: "#3399cc"},
	}
	o.transition(ctx, AwaitingPaymentConfirmation, func(s *Snapshot) {
		s.Handle = resp.RazorpayOrderID
		s.Options = &opts
		s.Order = &order
		s.Totals = &totals
	})
	return opts, nil
}

// prepare snapshots the cart lines at their current prices and computes the totals
// with a shipping quote for the post-coupon subtotal.
func (o *Orchestrator) prepare(ctx context.Context, details Details, giftWrap bool, lines []cart.LineItem) (OrderDetails, pricing.Breakdown, error) {
	if o.deps.Enricher != nil {
		enriched, err := o.deps.Enricher.Enrich(ctx, lines)
		if err != nil {
			o.logger(ctx).Warn().Err(err).Msg("checkout_enrichment_partial")
		}
		byKey := make(map[string]cart.LineItem, len(enriched))
		for _, l := range enriched {
			byKey[l.Key()] = l
		}
		for i, l := range lines {
			if e, ok := byKey[l.Key()]; ok {
				lines[i] = e
			}
		}
	}

	base, err := o.cart.Price(decimal.Zero, giftWrap, o.deps.GiftWrapFee)
	if err != nil {
		return OrderDetails{}, pricing.Breakdown{}, err
	}
	shippingCost := decimal.Zero
	if o.deps.Shipping != nil {
		shippingCost = o.deps.Shipping.Quote(ctx, base.ShippingBase())
	}
	totals, err := o.cart.Price(shippingCost, giftWrap, o.deps.GiftWrapFee)
	if err != nil {
		return OrderDetails{}, pricing.Breakdown{}, err
	}

	order := OrderDetails{
		Products:       make([]OrderLine, 0, len(lines)),
		TotalPrice:     totals.FinalTotal,
		ShippingMethod: "Standard",
		ShippingCost:   totals.Shipping,
		PaymentMethod:  "razorpay",
		GiftWrap:       giftWrap,
		DiscountAmount: totals.CouponReduction,
		Name:           details.Name,
		Email:          details.Email,
		Address:        details.Address(),
		Pincode:        details.Pincode,
		DeliveryPhone:  details.Phone,
		City:           details.City,
		State:          details.State,
	}
	if applied, ok := o.cart.AppliedDiscount(); ok {
		order.DiscountCode = applied.Discount.Code
	}
	for _, l := range lines {
		price := l.PricingLine().EffectivePrice()
		productID := l.ProductID
		if productID == "" {
			productID = l.SKU
		}
		order.Products = append(order.Products, OrderLine{
			Product:      l.ProductID,
			ProductID:    productID,
			SKU:          l.SKU,
			Quantity:     l.Quantity,
			Price:        price,
			PriceAtOrder: price,
			Color:        l.Color,
			Size:         l.Size,
			Slug:         l.Slug,
		})
	}
	return order, totals, nil
}

func initiateBody(order OrderDetails) map[string]any {
	return map[string]any{
		"products":      order.Products,
		"totalPrice":    order.TotalPrice,
		"shippingCost":  order.ShippingCost,
		"name":          order.Name,
		"email":         order.Email,
		"address":       order.Address,
		"pincode":       order.Pincode,
		"deliveryPhone": order.DeliveryPhone,
		"city":          order.City,
		"state":         order.State,
		"giftWrap":      order.GiftWrap,
	}
}

// Result is a completed checkout.
type Result struct {
	OrderID string             `json:"orderId,omitempty"`
	Handle  string             `json:"gatewayOrderId"`
	Totals  *pricing.Breakdown `json:"-"`
	Message string             `json:"message,omitempty"`
}

// Confirm forwards the widget's handler payload to the backend for verification. On
// success the cart and its coupon are cleared and the machine completes; on rejection
// it fails with VerificationError and the cart is kept. A confirmation for another
// gateway order or an incomplete one is refused without changing state. Confirm may
// be repeated after a VerificationError for the same gateway order.
func (o *Orchestrator) Confirm(ctx context.Context, c payment.Confirmation) (Result, error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "Checkout.Confirm")
	defer span.End()

	o.mu.Lock()
	snap := o.snap
	switch {
	case snap.State == AwaitingPaymentConfirmation:
	case snap.State == Failed && snap.Reason == VerificationError && snap.Handle != "":
	case snap.State == Verifying:
		o.mu.Unlock()
		return Result{}, common.Conflict(ErrSubmissionInFlight.Error(), ErrSubmissionInFlight)
	default:
		o.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidTransition, snap.State)
	}
	o.mu.Unlock()

	checked, err := c.Check(snap.Handle)
	if err != nil {
		return Result{}, common.Verification("the payment confirmation does not match this order", err)
	}
	span.SetAttributes(attribute.String("checkout.gateway_order_id", snap.Handle))

	var result Result
	err = o.deps.Guard.Run(ctx, snap.Handle, func(ctx context.Context) error {
		o.mu.Lock()
		if o.snap.State == Verifying {
			o.mu.Unlock()
			return ErrSubmissionInFlight
		}
		if o.snap.Handle != snap.Handle {
			state := o.snap.State
			o.mu.Unlock()
			return fmt.Errorf("%w: gateway order changed while %s", ErrInvalidTransition, state)
		}
		o.transitionLocked(ctx, Verifying, nil)
		o.mu.Unlock()

		res, verr := o.verify(ctx, checked, snap)
		if verr != nil {
			span.RecordError(verr)
			span.SetStatus(codes.Error, "verification failed")
			return o.fail(ctx, VerificationError, userMessage(verr, "payment verification failed, please contact support"), verr)
		}
		result = res
		return nil
	})
	if errors.Is(err, ErrSubmissionInFlight) {
		return Result{}, common.Conflict(ErrSubmissionInFlight.Error(), ErrSubmissionInFlight)
	}
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (o *Orchestrator) verify(ctx context.Context, c payment.Confirmation, snap Snapshot) (Result, error) {
	var order OrderDetails
	if snap.Order != nil {
		order = *snap.Order
	}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		OrderID string `json:"orderId"`
		Order   struct {
			ID string `json:"_id"`
		} `json:"order"`
	}
	err := o.deps.Backend.Post(ctx, backend.Request{
		Path: "/api/orders/verify-and-create",
		Body: map[string]any{
			"razorpayOrderId":   snap.Handle,
			"razorpayPaymentId": c.PaymentID,
			"razorpaySignature": c.Signature,
			"orderDetails":      order,
		},
	}, &resp)
	if err != nil {
		return Result{}, err
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "payment verification failed"
		}
		return Result{}, common.Verification(msg, nil)
	}

	orderID := resp.OrderID
	if orderID == "" {
		orderID = resp.Order.ID
	}
	if err := o.cart.Clear(ctx); err != nil {
		// The order exists; a stale cart is recoverable, so completion stands.
		o.logger(ctx).Error().Err(err).Str("order_id", orderID).Msg("checkout_cart_clear_failed")
	}
	o.transition(ctx, Completed, func(s *Snapshot) { s.OrderID = orderID })
	payload := map[string]any{"orderId": orderID}
	if snap.Totals != nil {
		payload["total"] = snap.Totals.FinalTotal.StringFixed(2)
	}
	o.emit(ctx, events.TopicCheckoutCompleted, payload)
	return Result{OrderID: orderID, Handle: snap.Handle, Totals: snap.Totals, Message: resp.Message}, nil
}

// Run drives a whole checkout: Begin, the payment widget, then Confirm. If the shopper
// abandons the widget or ctx is cancelled the machine stays at
// AwaitingPaymentConfirmation and the cart is untouched.
func (o *Orchestrator) Run(ctx context.Context, details Details, giftWrap bool, gw payment.Gateway) (Result, error) {
	opts, err := o.Begin(ctx, details, giftWrap)
	if err != nil {
		return Result{}, err
	}
	c, err := gw.Open(ctx, opts)
	if err != nil {
		o.logger(ctx).Info().Err(err).Str("gateway_order_id", opts.OrderID).Msg("checkout_payment_not_completed")
		switch {
		case errors.Is(err, payment.ErrAbandoned):
			return Result{}, common.Gateway("payment was cancelled, your cart is saved", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Result{}, common.Gateway("payment was interrupted, your cart is saved", err)
		default:
			return Result{}, common.Gateway("the payment window could not be completed", err)
		}
	}
	return o.Confirm(ctx, c)
}

// Reset returns a finished or failed checkout, or an abandoned payment, to Idle so the
// shopper can start again.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.snap.State {
	case Idle:
		return nil
	case Failed, Completed, AwaitingPaymentConfirmation:
		o.transitionLocked(ctx, Idle, func(s *Snapshot) {
			*s = Snapshot{State: Idle}
		})
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTransition, o.snap.State)
	}
}

func userMessage(err error, fallback string) string {
	var appErr *common.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return fallback
}
