package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumenbio/biograph-backend/internal/http/response"
	"github.com/lumenbio/biograph-backend/internal/modules/overview"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
	"github.com/lumenbio/biograph-backend/internal/realtime"
)

// DeepThinkHandler serves the streamed path analysis and its follow-up
// chat endpoint.
type DeepThinkHandler struct {
	svc overview.Service
	log *logger.Logger
}

func NewDeepThinkHandler(svc overview.Service, log *logger.Logger) *DeepThinkHandler {
	return &DeepThinkHandler{svc: svc, log: log}
}

func (h *DeepThinkHandler) Stream(c *gin.Context) {
	var req overview.DeepThinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	sink, err := realtime.NewSink(c.Writer, h.log)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", err)
		return
	}
	h.svc.StreamDeepThink(c.Request.Context(), &req, sink)
}

func (h *DeepThinkHandler) ChatStream(c *gin.Context) {
	var req overview.DeepThinkChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	sink, err := realtime.NewSink(c.Writer, h.log)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", err)
		return
	}
	h.svc.StreamDeepThinkChat(c.Request.Context(), &req, sink)
}
