package catalog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vibethread/storefront/internal/common"
)

// Handler exposes the catalog endpoints of the edge server.
type Handler struct {
	service *Service
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service *Service
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{service: cfg.Service}
}

// Routes mounts the catalog endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.Products)
	r.Get("/filters", h.Filters)
	r.Get("/top", h.Top)
	r.Get("/new-arrivals", h.NewArrivals)
	r.Get("/suggestions", h.Suggestions)
	r.Get("/{slug}", h.ProductDetail)
	r.Post("/{slug}/review", h.Review)
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, string(common.KindInternal), "catalog service not configured", nil)
		return false
	}
	return true
}

// Products handles GET /products with search filters, sorting and pagination.
func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	params, err := h.service.ParseListParams(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, top, err := h.service.Search(r.Context(), params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Pages", strconv.Itoa(page.TotalPages))
	body := map[string]any{
		"data":       page.Products,
		"pagination": common.Pagination{Page: page.Page, TotalPages: page.TotalPages, Total: len(page.Products)},
		"hasMore":    page.HasMore(),
	}
	if top != nil {
		body["topProducts"] = top
	}
	common.JSON(w, http.StatusOK, body)
}

// Filters handles GET /products/filters.
func (h *Handler) Filters(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": h.service.Filters(r.Context())})
}

// Top handles GET /products/top.
func (h *Handler) Top(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	items, err := h.service.Top(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

// NewArrivals handles GET /products/new-arrivals.
func (h *Handler) NewArrivals(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	params, err := h.service.ParseListParams(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items, more, err := h.service.NewArrivals(r.Context(), params.Page, params.Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items, "hasMore": more})
}

// Suggestions handles GET /products/suggestions?query=.
func (h *Handler) Suggestions(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	out, err := h.service.Suggest(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

// ProductDetail handles GET /products/{slug}.
func (h *Handler) ProductDetail(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	product, err := h.service.Get(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": product})
}

type reviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// Review handles POST /products/{slug}/review.
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req reviewRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.service.Review(r.Context(), chi.URLParam(r, "slug"), req.Rating, req.Comment); err != nil {
		h.writeError(w, r, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"success": true}})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrSlugRequired) {
		common.JSONError(w, http.StatusBadRequest, string(common.KindValidation), err.Error(), nil)
		return
	}
	common.WriteError(w, r, err)
}
