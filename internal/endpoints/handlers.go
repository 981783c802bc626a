package endpoints

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/x402gate/internal/pagination"
	"github.com/mbd888/x402gate/internal/respond"
	"github.com/mbd888/x402gate/internal/validation"
)

// Handler serves the endpoint management API.
type Handler struct {
	service *Service
}

// NewHandler creates a new endpoints handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up management routes. Callers apply admin auth to r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/apis", h.Create)
	r.GET("/apis", h.List)
	r.GET("/apis/:id", h.Get)
	r.PATCH("/apis/:id", h.Update)
	r.DELETE("/apis/:id", h.Delete)
	r.GET("/apis/:id/metrics", h.Metrics)
	r.GET("/apis/:id/analytics", h.Analytics)
}

// Create handles POST /v1/apis
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
		return
	}
	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, e)
}

// Get handles GET /v1/apis/:id
func (h *Handler) Get(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusOK, e)
}

// List handles GET /v1/apis?cursor=&limit=
func (h *Handler) List(c *gin.Context) {
	page, err := h.service.List(c.Request.Context(), c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusOK, page)
}

// Update handles PATCH /v1/apis/:id
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
		return
	}
	e, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusOK, e)
}

// Delete handles DELETE /v1/apis/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"apiId": c.Param("id"), "deleted": true})
}

// Metrics handles GET /v1/apis/:id/metrics
func (h *Handler) Metrics(c *gin.Context) {
	m, err := h.service.Metrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusOK, m)
}

// Analytics handles GET /v1/apis/:id/analytics?period=
func (h *Handler) Analytics(c *gin.Context) {
	a, err := h.service.Analytics(c.Request.Context(), c.Param("id"), c.DefaultQuery("period", DefaultPeriod))
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusOK, a)
}

func writeError(c *gin.Context, err error) {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		respond.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", verrs.Error(), verrs)
	case errors.Is(err, ErrInvalidPriceBounds):
		respond.Error(c, http.StatusBadRequest, "INVALID_PRICE_BOUNDS", err.Error(), nil)
	case errors.Is(err, pagination.ErrInvalidCursor):
		respond.Error(c, http.StatusBadRequest, "INVALID_CURSOR", "cursor is malformed", nil)
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "NOT_FOUND", "API not found", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "request failed", nil)
	}
}
