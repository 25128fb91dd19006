package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumenbio/biograph-backend/internal/http/response"
	"github.com/lumenbio/biograph-backend/internal/modules/overview"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/realtime"
)

// OverviewHandler serves the streamed selection overview plus the
// retrieval self-check endpoint.
type OverviewHandler struct {
	svc overview.Service
	log *logger.Logger
}

func NewOverviewHandler(svc overview.Service, log *logger.Logger) *OverviewHandler {
	return &OverviewHandler{svc: svc, log: log}
}

func (h *OverviewHandler) Stream(c *gin.Context) {
	var req overview.StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	sink, err := realtime.NewSink(c.Writer, h.log)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", err)
		return
	}
	h.svc.StreamOverview(c.Request.Context(), &req, sink)
}

func (h *OverviewHandler) Verify(c *gin.Context) {
	response.RespondOK(c, h.svc.Verify(c.Request.Context()))
}
