package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/middleware"
	"github.com/lalith-99/chatrelay/internal/repository"
)

// ConversationHandler is the REST side of conversations: listing, group
// creation, participant management, and paginated history. The live side
// (joining rooms, receiving messages) happens over the WebSocket; these
// endpoints exist so a client can render its sidebar and backfill
// history before the socket is even open.
type ConversationHandler struct {
	convRepo        repository.ConversationRepository
	participantRepo repository.ParticipantRepository
	messageRepo     repository.MessageRepository
	logger          *zap.Logger
}

func NewConversationHandler(
	convRepo repository.ConversationRepository,
	participantRepo repository.ParticipantRepository,
	messageRepo repository.MessageRepository,
	logger *zap.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		convRepo:        convRepo,
		participantRepo: participantRepo,
		messageRepo:     messageRepo,
		logger:          logger,
	}
}

// List handles GET /v1/conversations — the caller's conversations,
// newest first.
func (h *ConversationHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)

	conversations, err := h.convRepo.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createGroupRequest deliberately has no id or created_at fields: the
// client names the group and picks members, the server owns the rest.
type createGroupRequest struct {
	Name      string      `json:"name" binding:"required,min=1,max=64"`
	MemberIDs []uuid.UUID `json:"member_ids"`
}

// CreateGroup handles POST /v1/conversations. The creator is always
// enrolled, whether or not they listed themselves.
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := middleware.GetUserID(c)

	conv, err := h.convRepo.CreateGroup(c.Request.Context(), req.Name, userID, req.MemberIDs)
	if err != nil {
		h.logger.Error("failed to create group conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}

	c.JSON(http.StatusCreated, conv)
}

// Get handles GET /v1/conversations/:id.
func (h *ConversationHandler) Get(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	conv, err := h.convRepo.GetByID(c.Request.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to get conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get conversation"})
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	c.JSON(http.StatusOK, conv)
}

type addParticipantRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

// AddParticipant handles POST /v1/conversations/:id/participants. Only
// existing participants may invite; adding someone twice is a no-op.
func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	var req addParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	callerID := middleware.GetUserID(c)
	isMember, err := h.participantRepo.IsParticipant(c.Request.Context(), conversationID, callerID)
	if err != nil {
		h.logger.Error("failed to check participant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add participant"})
		return
	}
	if !isMember {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this conversation"})
		return
	}

	if err := h.participantRepo.Add(c.Request.Context(), conversationID, req.UserID); err != nil {
		h.logger.Error("failed to add participant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add participant"})
		return
	}

	c.Status(http.StatusNoContent)
}

// RemoveParticipant handles DELETE /v1/conversations/:id/participants/me —
// leaving a conversation. Removing other people is not a thing.
func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}
	callerID := middleware.GetUserID(c)

	if err := h.participantRepo.Remove(c.Request.Context(), conversationID, callerID); err != nil {
		h.logger.Error("failed to remove participant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to leave conversation"})
		return
	}

	c.Status(http.StatusNoContent)
}

// ListMessages handles GET /v1/conversations/:id/messages?before=123&limit=50
//
// Cursor-based pagination: "before" is a message id ("give me messages
// older than this"), 0 means start from the latest. Limit defaults to 50
// and caps at 100. Results are newest first — the same raw order the
// WebSocket history replay starts from.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	var before int64
	if b := c.Query("before"); b != "" {
		before, err = strconv.ParseInt(b, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'before' parameter"})
			return
		}
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		if limit > 100 {
			limit = 100
		}
	}

	// History is participant-only. The WebSocket join path is
	// trust-on-claim, but the REST endpoint carries a verified token, so
	// it can afford to check.
	callerID := middleware.GetUserID(c)
	isMember, err := h.participantRepo.IsParticipant(c.Request.Context(), conversationID, callerID)
	if err != nil {
		h.logger.Error("failed to check participant", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	if !isMember {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this conversation"})
		return
	}

	messages, err := h.messageRepo.ListByConversation(c.Request.Context(), conversationID, before, limit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	c.JSON(http.StatusOK, messages)
}
