package discount

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vibethread/storefront/internal/backend"
	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/obs"
)

// ErrCodeRequired is returned for an empty code; no request is made.
var ErrCodeRequired = errors.New("please enter a discount code")

// Reason classifies a rejected code.
type Reason string

const (
	CodeNotFound  Reason = "CodeNotFound"
	CodeExpired   Reason = "CodeExpired"
	MinimumNotMet Reason = "MinimumNotMet"
	ServerError   Reason = "ServerError"
)

// Rejection is a code the backend refused, or could not be asked about.
type Rejection struct {
	Code    string
	Reason  Reason
	Message string
	Err     error
}

func (r *Rejection) Error() string {
	if r.Message != "" {
		return r.Message
	}
	return "invalid or expired discount code"
}

func (r *Rejection) Unwrap() error { return r.Err }

// ReasonOf returns the rejection reason carried by err, or "".
func ReasonOf(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// Backend is the slice of the REST client the resolver needs.
type Backend interface {
	Get(ctx context.Context, req backend.Request, dst any) error
	Post(ctx context.Context, req backend.Request, dst any) error
}

// Resolver validates codes remotely. It keeps no state between calls.
type Resolver struct {
	Backend Backend
	Logger  zerolog.Logger
	Now     func() time.Time
}

type applyRequest struct {
	Code        string      `json:"code"`
	OrderAmount json.Number `json:"orderAmount"`
}

type applyResponse struct {
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	DiscountType   string          `json:"discountType"`
	Discount       *Discount       `json:"discount"`
}

// NormalizeCode trims and upper-cases a shopper-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate asks the backend whether code applies to orderAmount.
func (r Resolver) Validate(ctx context.Context, code string, orderAmount decimal.Decimal) (Resolution, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Resolution{}, ErrCodeRequired
	}
	logger := obs.LoggerFrom(ctx, r.Logger)

	var resp applyResponse
	err := r.Backend.Post(ctx, backend.Request{
		Path: "/api/discounts/apply",
		Body: applyRequest{Code: code, OrderAmount: json.Number(orderAmount.String())},
	}, &resp)
	if err != nil {
		rej := classify(code, err)
		obs.DiscountResolutionsTotal.WithLabelValues(string(rej.Reason)).Inc()
		logger.Info().Str("code", code).Str("reason", string(rej.Reason)).Err(err).Msg("discount_rejected")
		return Resolution{}, rej
	}
	if !resp.Success {
		msg := strings.TrimSpace(resp.Message)
		rej := &Rejection{
			Code:    code,
			Reason:  reasonFromMessage(msg, CodeNotFound),
			Message: msg,
			Err:     common.Rejection(msg, http.StatusUnprocessableEntity, nil),
		}
		obs.DiscountResolutionsTotal.WithLabelValues(string(rej.Reason)).Inc()
		logger.Info().Str("code", code).Str("reason", string(rej.Reason)).Msg("discount_rejected")
		return Resolution{}, rej
	}

	res := resolutionFrom(code, resp, orderAmount)
	obs.DiscountResolutionsTotal.WithLabelValues("applied").Inc()
	logger.Info().Str("code", code).Str("amount", res.ComputedAmount.StringFixed(2)).Msg("discount_resolved")
	return res, nil
}

// resolutionFrom normalises the apply answer. Older backends return only
// discountAmount and discountType; in that case discountAmount is the coupon value.
func resolutionFrom(code string, resp applyResponse, orderAmount decimal.Decimal) Resolution {
	var d Discount
	if resp.Discount != nil {
		d = *resp.Discount
	}
	if d.Code == "" {
		d.Code = code
	}
	d.Code = NormalizeCode(d.Code)
	if d.Kind == "" {
		if kind, err := ParseKind(resp.DiscountType); err == nil {
			d.Kind = kind
			if d.Value.IsZero() {
				d.Value = resp.DiscountAmount
			}
		}
	}
	if d.Kind != "" {
		return Resolution{Discount: d, ComputedAmount: d.Amount(orderAmount)}
	}
	// No kind at all: treat the answered amount as a fixed reduction.
	d.Kind = FixedAmount
	d.Value = resp.DiscountAmount
	return Resolution{Discount: d, ComputedAmount: ComputeAmount(FixedAmount, resp.DiscountAmount, orderAmount)}
}

// ListAvailable fetches the currently valid codes for suggestion. Codes already past
// their expiry are dropped.
func (r Resolver) ListAvailable(ctx context.Context) ([]Discount, error) {
	var list []Discount
	if err := r.Backend.Get(ctx, backend.Request{Path: "/api/discounts/available"}, &list); err != nil {
		return nil, err
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	out := list[:0]
	for _, d := range list {
		if d.Code == "" || d.Expired(now) {
			continue
		}
		d.Code = NormalizeCode(d.Code)
		out = append(out, d)
	}
	return out, nil
}

// Select applies a suggested code; it is the same as typing it.
func (r Resolver) Select(ctx context.Context, d Discount, orderAmount decimal.Decimal) (Resolution, error) {
	return r.Validate(ctx, d.Code, orderAmount)
}

func classify(code string, err error) *Rejection {
	if errors.Is(err, context.Canceled) {
		return &Rejection{Code: code, Reason: ServerError, Message: "discount check cancelled", Err: err}
	}
	status := backend.StatusOf(err)
	msg := backend.MessageOf(err)
	switch {
	case common.KindOf(err) != common.KindRemoteRejection:
		return &Rejection{Code: code, Reason: ServerError, Message: "error applying discount, please try again", Err: err}
	case status == http.StatusNotFound:
		return &Rejection{Code: code, Reason: reasonFromMessage(msg, CodeNotFound), Message: msg, Err: err}
	case status == http.StatusGone:
		return &Rejection{Code: code, Reason: CodeExpired, Message: msg, Err: err}
	default:
		return &Rejection{Code: code, Reason: reasonFromMessage(msg, CodeNotFound), Message: msg, Err: err}
	}
}

func reasonFromMessage(msg string, fallback Reason) Reason {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "expire"):
		return CodeExpired
	case strings.Contains(lower, "minimum"), strings.Contains(lower, "at least"), strings.Contains(lower, "min order"):
		return MinimumNotMet
	case strings.Contains(lower, "not found"), strings.Contains(lower, "invalid"), strings.Contains(lower, "does not exist"):
		return CodeNotFound
	default:
		return fallback
	}
}
