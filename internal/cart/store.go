// Package cart owns a shopper's in-progress cart and the coupon applied to it.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vibethread/storefront/internal/discount"
	"github.com/vibethread/storefront/internal/obs"
	"github.com/vibethread/storefront/internal/pricing"
	"github.com/vibethread/storefront/internal/storage"
)

var (
	// ErrLineNotFound is returned when a quantity change targets a variant not in the cart.
	ErrLineNotFound = errors.New("cart line not found")
	// ErrInvalidItem is returned for an item without a product slug.
	ErrInvalidItem = errors.New("invalid cart item")
	// ErrDiscountActive is returned when a coupon is applied while another is active.
	ErrDiscountActive = errors.New("a discount is already applied, remove it first")
	// ErrEmptyCart is returned when a coupon is applied to an empty cart.
	ErrEmptyCart = errors.New("cart is empty")
)

const (
	defaultTTL         = 7 * 24 * time.Hour
	defaultMaxQuantity = 10
)

// LineItem is one product variant in the cart. The JSON shape matches what the web
// storefront keeps under the cart key.
type LineItem struct {
	ProductID     string              `json:"_id,omitempty"`
	Slug          string              `json:"slug"`
	Name          string              `json:"name,omitempty"`
	Image         string              `json:"image,omitempty"`
	Color         string              `json:"selectedColor"`
	Size          string              `json:"selectedSize"`
	SKU           string              `json:"sku,omitempty"`
	UnitPrice     decimal.Decimal     `json:"price"`
	DiscountPrice decimal.NullDecimal `json:"discountPrice"`
	Quantity      int                 `json:"quantity"`
	CountInStock  int                 `json:"countInStock"`
}

// Key is the variant key: slug, color and size joined by dashes.
func (l LineItem) Key() string {
	return VariantKey(l.Slug, l.Color, l.Size)
}

// VariantKey builds the identity of a purchasable option.
func VariantKey(slug, color, size string) string {
	return slug + "-" + color + "-" + size
}

// PricingLine converts the item for the pricing aggregator.
func (l LineItem) PricingLine() pricing.Line {
	return pricing.Line{Key: l.Key(), UnitPrice: l.UnitPrice, DiscountPrice: l.DiscountPrice, Quantity: l.Quantity}
}

// Direction is a quantity control.
type Direction string

const (
	Increase Direction = "increase"
	Decrease Direction = "decrease"
)

// ParseDirection accepts "increase" or "decrease".
func ParseDirection(raw string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(raw))); d {
	case Increase, Decrease:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", raw)
	}
}

// Summary is the cart badge: item count and undiscounted total.
type Summary struct {
	TotalItems int             `json:"totalItems"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
}

// Store is the single owner of one shopper's cart. Every mutation is serialized and
// written through to KV before it returns.
type Store struct {
	KV          storage.KV
	TTL         time.Duration
	MaxQuantity int
	Now         func() time.Time
	Logger      zerolog.Logger

	mu      sync.Mutex
	lines   []LineItem
	applied *discount.Applied
}

// Open builds a store over kv and loads it.
func Open(ctx context.Context, kv storage.KV, ttl time.Duration, maxQuantity int, logger zerolog.Logger) (*Store, error) {
	s := &Store{KV: kv, TTL: ttl, MaxQuantity: maxQuantity, Logger: logger}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ttl() time.Duration {
	if s.TTL <= 0 {
		return defaultTTL
	}
	return s.TTL
}

func (s *Store) maxQuantity() int {
	if s.MaxQuantity <= 0 {
		return defaultMaxQuantity
	}
	return s.MaxQuantity
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// limit is min(stock, MaxQuantity) where an unknown stock counts as one.
func (s *Store) limit(stock int) int {
	if stock <= 0 {
		stock = 1
	}
	return min(stock, s.maxQuantity())
}

// Load restores the persisted cart. A cart older than the TTL, or one without a
// timestamp, is discarded together with its coupon.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines, s.applied = nil, nil
	raw, ok, err := s.KV.Get(ctx, storage.KeyCart)
	if err != nil {
		return fmt.Errorf("load cart: %w", err)
	}
	rawTS, tsOK, err := s.KV.Get(ctx, storage.KeyCartTimestamp)
	if err != nil {
		return fmt.Errorf("load cart timestamp: %w", err)
	}
	if !ok {
		return s.loadDiscountLocked(ctx)
	}

	expired := !tsOK
	if tsOK {
		ms, perr := strconv.ParseInt(strings.TrimSpace(rawTS), 10, 64)
		expired = perr != nil || s.now().Sub(time.UnixMilli(ms)) > s.ttl()
	}
	if expired {
		obs.CartExpiredTotal.Inc()
		s.Logger.Info().Msg("cart_expired")
		return s.KV.Delete(ctx, storage.KeyCart, storage.KeyCartTimestamp, storage.KeyAppliedDiscount)
	}

	var lines []LineItem
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		s.Logger.Warn().Err(err).Msg("cart_corrupt")
		return s.KV.Delete(ctx, storage.KeyCart, storage.KeyCartTimestamp, storage.KeyAppliedDiscount)
	}
	s.lines = lines
	return s.loadDiscountLocked(ctx)
}

func (s *Store) loadDiscountLocked(ctx context.Context) error {
	raw, ok, err := s.KV.Get(ctx, storage.KeyAppliedDiscount)
	if err != nil {
		return fmt.Errorf("load applied discount: %w", err)
	}
	if !ok {
		return nil
	}
	if len(s.lines) == 0 {
		return s.KV.Delete(ctx, storage.KeyAppliedDiscount)
	}
	var applied discount.Applied
	if err := json.Unmarshal([]byte(raw), &applied); err != nil {
		s.Logger.Warn().Err(err).Msg("applied_discount_corrupt")
		return s.KV.Delete(ctx, storage.KeyAppliedDiscount)
	}
	s.applied = &applied
	return nil
}

// persistLocked writes lines and a fresh timestamp. An empty cart also drops its coupon.
func (s *Store) persistLocked(ctx context.Context, lines []LineItem) error {
	raw, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	if err := s.KV.Set(ctx, storage.KeyCart, string(raw)); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	if err := s.KV.Set(ctx, storage.KeyCartTimestamp, ts); err != nil {
		return fmt.Errorf("save cart timestamp: %w", err)
	}
	if len(lines) == 0 && s.applied != nil {
		if err := s.KV.Delete(ctx, storage.KeyAppliedDiscount); err != nil {
			return fmt.Errorf("drop applied discount: %w", err)
		}
		s.applied = nil
	}
	s.lines = lines
	return nil
}

func (s *Store) indexLocked(key string) int {
	for i, l := range s.lines {
		if l.Key() == key {
			return i
		}
	}
	return -1
}

func (s *Store) copyLocked() []LineItem {
	out := make([]LineItem, len(s.lines))
	copy(out, s.lines)
	return out
}

func record(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	obs.CartMutationsTotal.WithLabelValues(op, result).Inc()
}

// Add puts one unit of item in the cart. An existing variant is incremented up to
// min(countInStock, MaxQuantity); a new one starts at quantity one.
func (s *Store) Add(ctx context.Context, item LineItem) (line LineItem, err error) {
	defer func() { record("add", err) }()
	if strings.TrimSpace(item.Slug) == "" {
		return LineItem{}, ErrInvalidItem
	}
	probe := item.PricingLine()
	probe.Quantity = 1
	if err := pricing.ValidateLines([]pricing.Line{probe}); err != nil {
		return LineItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyLocked()
	if i := s.indexLocked(item.Key()); i >= 0 {
		next[i].Quantity = min(next[i].Quantity+1, s.limit(item.CountInStock))
		next[i].CountInStock = item.CountInStock
		line = next[i]
	} else {
		item.Quantity = 1
		next = append(next, item)
		line = item
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return LineItem{}, err
	}
	return line, nil
}

// Remove deletes the variant of item. Removing an absent variant is a no-op.
func (s *Store) Remove(ctx context.Context, item LineItem) (err error) {
	defer func() { record("remove", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(item.Key())
	if i < 0 {
		return nil
	}
	next := make([]LineItem, 0, len(s.lines)-1)
	next = append(next, s.lines[:i]...)
	next = append(next, s.lines[i+1:]...)
	return s.persistLocked(ctx, next)
}

// UpdateQuantity steps the variant's quantity. Increase clamps to
// min(stockLimit, MaxQuantity); decrease stops at one and never removes the line.
func (s *Store) UpdateQuantity(ctx context.Context, item LineItem, dir Direction, stockLimit int) (line LineItem, err error) {
	defer func() { record("update_quantity", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(item.Key())
	if i < 0 {
		return LineItem{}, ErrLineNotFound
	}
	next := s.copyLocked()
	switch dir {
	case Increase:
		next[i].Quantity = min(next[i].Quantity+1, s.limit(stockLimit))
	case Decrease:
		next[i].Quantity = max(next[i].Quantity-1, 1)
	default:
		return LineItem{}, fmt.Errorf("unknown direction %q", dir)
	}
	if err := s.persistLocked(ctx, next); err != nil {
		return LineItem{}, err
	}
	return next[i], nil
}

// Clear empties the cart and drops its coupon.
func (s *Store) Clear(ctx context.Context) (err error) {
	defer func() { record("clear", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(ctx, []LineItem{}); err != nil {
		return err
	}
	if err := s.KV.Delete(ctx, storage.KeyAppliedDiscount); err != nil {
		return fmt.Errorf("drop applied discount: %w", err)
	}
	s.applied = nil
	return nil
}

// Items returns a copy of the cart lines.
func (s *Store) Items() []LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Summary counts items and sums unit price times quantity, ignoring discounts.
func (s *Store) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{TotalPrice: decimal.Zero}
	for _, l := range s.lines {
		sum.TotalItems += l.Quantity
		sum.TotalPrice = sum.TotalPrice.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum
}

// PricingLines returns the cart as pricing input.
func (s *Store) PricingLines() []pricing.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pricing.Line, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, l.PricingLine())
	}
	return out
}

// Price computes the breakdown of the current cart with its applied coupon.
func (s *Store) Price(shipping decimal.Decimal, giftWrap bool, giftWrapFee decimal.Decimal) (pricing.Breakdown, error) {
	lines := s.PricingLines()
	applied, ok := s.AppliedDiscount()
	in := pricing.Input{Lines: lines, Shipping: shipping, GiftWrap: giftWrap, GiftWrapFee: giftWrapFee}
	if ok {
		in.Discount = &applied
	}
	return pricing.Compute(in)
}

// ApplyDiscount makes applied the cart's coupon. Only one coupon may be active.
func (s *Store) ApplyDiscount(ctx context.Context, applied discount.Applied) (err error) {
	defer func() { record("apply_discount", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied != nil {
		return ErrDiscountActive
	}
	if len(s.lines) == 0 {
		return ErrEmptyCart
	}
	raw, err := json.Marshal(applied)
	if err != nil {
		return fmt.Errorf("encode applied discount: %w", err)
	}
	if err := s.KV.Set(ctx, storage.KeyAppliedDiscount, string(raw)); err != nil {
		return fmt.Errorf("save applied discount: %w", err)
	}
	s.applied = &applied
	return nil
}

// AppliedDiscount returns the active coupon, if any.
func (s *Store) AppliedDiscount() (discount.Applied, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied == nil {
		return discount.Applied{}, false
	}
	return *s.applied, true
}

// RemoveDiscount drops the active coupon. It is a no-op without one.
func (s *Store) RemoveDiscount(ctx context.Context) (err error) {
	defer func() { record("remove_discount", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.KV.Delete(ctx, storage.KeyAppliedDiscount); err != nil {
		return fmt.Errorf("drop applied discount: %w", err)
	}
	s.applied = nil
	return nil
}
