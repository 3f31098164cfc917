package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/assistant"
	"github.com/lalith-99/chatrelay/internal/middleware"
)

// AssistantHandler is the HTTP face of the assistant dispatcher. The
// request blocks for the full exchange — including any time spent queued
// behind the concurrency limit — because the dispatcher's contract is
// "always eventually answers", and the answer is the response body.
type AssistantHandler struct {
	dispatcher *assistant.Dispatcher
	logger     *zap.Logger
}

func NewAssistantHandler(dispatcher *assistant.Dispatcher, logger *zap.Logger) *AssistantHandler {
	return &AssistantHandler{dispatcher: dispatcher, logger: logger}
}

type askRequest struct {
	Message string `json:"message" binding:"required"`
}

type askResponse struct {
	Reply string `json:"reply"`
}

// Ask handles POST /v1/assistant/messages. Backend failures never reach
// this handler — the dispatcher converts them into apology replies — so
// the only error branches here are validation.
func (h *AssistantHandler) Ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := middleware.GetUserID(c)

	reply, err := h.dispatcher.Ask(c.Request.Context(), userID, req.Message)
	if err != nil {
		if errors.Is(err, assistant.ErrEmptyPrompt) || errors.Is(err, assistant.ErrMissingUser) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("assistant exchange failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "assistant exchange failed"})
		return
	}

	c.JSON(http.StatusOK, askResponse{Reply: reply})
}

// Status handles GET /v1/assistant/status — whether the model server is
// reachable and which models it has installed, plus the dispatcher's
// current admission state.
func (h *AssistantHandler) Status(c *gin.Context) {
	status, err := h.dispatcher.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("assistant status probe failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status probe failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"available":   status.Available,
		"models":      status.Models,
		"in_flight":   h.dispatcher.InFlight(),
		"queue_depth": h.dispatcher.QueueDepth(),
	})
}
