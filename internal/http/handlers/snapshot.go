package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumenbio/biograph-backend/internal/data/snapshots"
	"github.com/lumenbio/biograph-backend/internal/domain/snapshot"
	"github.com/lumenbio/biograph-backend/internal/http/response"
)

// SnapshotHandler serves the shareable graph snapshot endpoints.
type SnapshotHandler struct {
	repo snapshots.Repo
}

func NewSnapshotHandler(repo snapshots.Repo) *SnapshotHandler {
	return &SnapshotHandler{repo: repo}
}

func (h *SnapshotHandler) Create(c *gin.Context) {
	var payload snapshot.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	id, err := h.repo.Save(c.Request.Context(), &payload)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "snapshot_save_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"id": id})
}

func (h *SnapshotHandler) Get(c *gin.Context) {
	id := c.Param("id")
	payload, err := h.repo.Find(c.Request.Context(), id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "snapshot_load_failed", err)
		return
	}
	if payload == nil {
		response.RespondError(c, http.StatusNotFound, "snapshot_not_found", errors.New("Snapshot not found"))
		return
	}
	response.RespondOK(c, payload)
}
