package automation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/x402gate/internal/endpoints"
	"github.com/mbd888/x402gate/internal/pagination"
	"github.com/mbd888/x402gate/internal/respond"
	"github.com/mbd888/x402gate/internal/validation"
)

// Handler serves rule management and the decision trail.
type Handler struct {
	service *Service
}

// NewHandler creates a new automation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up automation routes. Callers apply admin auth to r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/apis/:id/rules", h.CreateRule)
	r.GET("/apis/:id/rules", h.ListRules)
	r.PATCH("/apis/:id/rules/:ruleId", h.UpdateRule)
	r.DELETE("/apis/:id/rules/:ruleId", h.DeleteRule)
	r.GET("/apis/:id/decisions", h.ListDecisions)
}

// CreateRule handles POST /v1/apis/:id/rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, rule)
}

// ListRules handles GET /v1/apis/:id/rules
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.service.ListRules(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if rules == nil {
		rules = []*Rule{}
	}
	respond.OK(c, http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// UpdateRule handles PATCH /v1/apis/:id/rules/:ruleId
func (h *Handler) UpdateRule(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		respond.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "enabled is required", nil)
		return
	}
	rule, err := h.service.SetEnabled(c.Request.Context(), c.Param("id"), c.Param("ruleId"), *req.Enabled)
	if err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusOK, rule)
}

// DeleteRule handles DELETE /v1/apis/:id/rules/:ruleId
func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.service.DeleteRule(c.Request.Context(), c.Param("id"), c.Param("ruleId")); err != nil {
		writeError(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"ruleId": c.Param("ruleId"), "deleted": true})
}

// ListDecisions handles GET /v1/apis/:id/decisions?cursor=&limit=
func (h *Handler) ListDecisions(c *gin.Context) {
	page, err := h.service.Decisions(c.Request.Context(), c.Param("id"), c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	if page.Items == nil {
		page.Items = []*Decision{}
	}
	respond.OK(c, http.StatusOK, page)
}

func writeError(c *gin.Context, err error) {
	var verrs validation.Errors
	switch {
	case errors.As(err, &verrs):
		respond.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", verrs.Error(), verrs)
	case errors.Is(err, pagination.ErrInvalidCursor):
		respond.Error(c, http.StatusBadRequest, "INVALID_CURSOR", "cursor is malformed", nil)
	case errors.Is(err, endpoints.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "NOT_FOUND", "API not found", nil)
	case errors.Is(err, ErrRuleNotFound):
		respond.Error(c, http.StatusNotFound, "NOT_FOUND", "rule not found", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "request failed", nil)
	}
}
