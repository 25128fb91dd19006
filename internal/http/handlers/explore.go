package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumenbio/biograph-backend/internal/http/response"
	"github.com/lumenbio/biograph-backend/internal/modules/explore"
	"github.com/lumenbio/biograph-backend/internal/platform/apierr"
)

type QueryRequest struct {
	Query string `json:"query" binding:"required,min=1,max=500"`
}

type ExpandRequest struct {
	EntityID string `json:"entity_id" binding:"required,min=1,max=200"`
}

// ExploreHandler serves the synchronous graph endpoints: natural language
// queries and single-node expansion.
type ExploreHandler struct {
	svc explore.Service
}

func NewExploreHandler(svc explore.Service) *ExploreHandler {
	return &ExploreHandler{svc: svc}
}

func (h *ExploreHandler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	payload, err := h.svc.Query(c.Request.Context(), req.Query)
	if err != nil {
		if ae, ok := apierr.As(err); ok {
			response.RespondError(c, ae.Status, ae.Code, ae.Err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}
	response.RespondOK(c, payload)
}

func (h *ExploreHandler) Expand(c *gin.Context) {
	var req ExpandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	payload, err := h.svc.Expand(c.Request.Context(), req.EntityID)
	if err != nil {
		if ae, ok := apierr.As(err); ok {
			response.RespondError(c, ae.Status, ae.Code, ae.Err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "expand_failed", err)
		return
	}
	response.RespondOK(c, payload)
}
