package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/vibethread/storefront/internal/common"
	"github.com/vibethread/storefront/internal/events"
)

// Handler exposes the order client over HTTP. The backend login travels in the
// request context.
type Handler struct {
	Service Service
	// Redis and Watch enable the live update stream; without them /stream is 404.
	Redis *redis.Client
	Watch *RedisTargets
}

// Routes mounts the order endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.History)
	r.Get("/mine", h.Mine)
	r.Get("/track", h.Track)
	r.Get("/stream", h.Stream)
	r.Post("/cod", h.PlaceCOD)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/courier", h.Courier)
		r.Get("/invoice", h.Invoice)
		r.Post("/cancel", h.Cancel)
		r.Post("/return", h.RequestReturn)
		r.Post("/return/{productId}", h.RequestReturn)
		r.Post("/cancel-return", h.CancelReturn)
		r.Post("/cancel-return/{productId}", h.CancelReturn)
	})
}

// History returns a page of the order history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	page, err := h.Service.History(r.Context(), common.ParsePage(r), r.URL.Query().Get("product"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":    page.Orders,
		"page":    page.Page,
		"hasMore": page.HasMore,
	})
}

// Mine returns every order of the shopper.
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.Mine(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" && status != "All" {
		filtered := list[:0]
		for _, o := range list {
			if o.Status == status {
				filtered = append(filtered, o)
			}
		}
		list = filtered
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(len(list)))
	common.JSON(w, http.StatusOK, map[string]any{"data": list})
}

// Track returns the orders in flight.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Service.Track(r.Context(), TrackQuery{OrderID: q.Get("orderId"), Email: q.Get("email")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": list})
}

// Courier returns courier tracking for an order.
func (h *Handler) Courier(w http.ResponseWriter, r *http.Request) {
	tracking, err := h.Service.Courier(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": tracking})
}

// Cancel cancels an order.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestReturn files a return for an order or one of its products.
func (h *Handler) RequestReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	req.OrderID = chi.URLParam(r, "id")
	req.ProductID = chi.URLParam(r, "productId")
	if err := h.Service.RequestReturn(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusAccepted, map[string]any{"data": map[string]string{"status": "Pending"}})
}

// CancelReturn withdraws a return.
func (h *Handler) CancelReturn(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.CancelReturn(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "productId")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Invoice streams the invoice PDF.
func (h *Handler) Invoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pdf, err := h.Service.Invoice(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="Invoice-%s.pdf"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

// PlaceCOD places a cash-on-delivery order.
func (h *Handler) PlaceCOD(w http.ResponseWriter, r *http.Request) {
	var req CODOrder
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, r, err)
		return
	}
	placed, err := h.Service.PlaceCOD(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": placed})
}

// Stream sends the session's order updates as server-sent events until the client
// goes away. Opening the stream registers the session with the order watcher.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.Redis == nil || h.Watch == nil {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "live updates are not enabled", nil)
		return
	}
	session, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "NO_SESSION", "session cookie missing", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		common.JSONError(w, http.StatusInternalServerError, string(common.KindInternal), "streaming unsupported", nil)
		return
	}
	ctx := r.Context()
	if err := h.Watch.Register(ctx, session); err != nil {
		common.WriteError(w, r, err)
		return
	}
	sub, err := events.Subscribe(ctx, h.Redis, "", events.TopicOrderUpdated)
	if err != nil {
		common.WriteError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			var u Update
			if err := json.Unmarshal(ev.Payload, &u); err != nil || u.Session != session {
				continue
			}
			data, err := json.Marshal(u.Order)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, events.TopicOrderUpdated, data)
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrOrderIDRequired):
		common.JSONError(w, http.StatusBadRequest, string(common.KindValidation), err.Error(), nil)
	case errors.Is(err, ErrEmptyInvoice):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		common.WriteError(w, r, err)
	}
}
