package api

import (
	"strings"

	"github.com/RichardoC/padchat/internal/db"
	"github.com/RichardoC/padchat/internal/generation"
	"github.com/RichardoC/padchat/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	database      *db.Database
	conversations *db.ConversationStore
	messages      *db.MessageStore
	pipeline      *generation.Pipeline
	logger        *zap.Logger
}

func NewHandler(
	database *db.Database,
	conversations *db.ConversationStore,
	messages *db.MessageStore,
	pipeline *generation.Pipeline,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		database:      database,
		conversations: conversations,
		messages:      messages,
		pipeline:      pipeline,
		logger:        logger,
	}
}

// NewRouter builds the gin engine with logging, recovery and all routes.
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(logger), Recovery(logger))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.Health)

	conversations := r.Group("/conversations/v1")
	{
		conversations.POST("/getAll", h.GetConversations)
		conversations.POST("/getDetails", h.GetConversationDetails)
		conversations.POST("/create", h.CreateConversation)
	}

	messages := r.Group("/messages/v1")
	{
		messages.POST("/getNestedMessages", h.GetNestedMessages)
		messages.POST("/create", h.CreateMessage)
		messages.POST("/appendExchange", h.AppendExchange)
	}
}

type GetDetailsRequest struct {
	ID int64 `json:"id" binding:"required"`
}

type CreateConversationRequest struct {
	Name            string `json:"name"`
	OriginMessageID *int64 `json:"origin_message_id"`
}

type NestedMessagesRequest struct {
	ParentMsgID int64 `json:"parent_msg_id" binding:"required"`
	BranchID    int64 `json:"branch_id"`
}

type CreateMessageRequest struct {
	ConversationID int64  `json:"conversation_id" binding:"required"`
	UserMessage    string `json:"user_message"`
	ParentMsgID    *int64 `json:"parent_msg_id"`
	BranchID       int64  `json:"branch_id"`
	Mode           string `json:"mode"`
	// Stream defaults to true.
	Stream *bool `json:"stream"`
}

type AppendExchangeRequest struct {
	ConversationID   int64  `json:"conversation_id" binding:"required"`
	ParentMsgID      *int64 `json:"parent_msg_id"`
	BranchID         int64  `json:"branch_id"`
	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`
}

func (h *Handler) requestLogger(c *gin.Context) *zap.Logger {
	return h.logger.With(zap.String("requestID", c.GetString(requestIDKey)))
}

// bind decodes the JSON body into req. An empty body is accepted for requests
// without required fields.
func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		fail(c, models.Wrap(models.ErrValidation, err, "invalid request body"))
		return false
	}
	return true
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.database.Ping(c.Request.Context()); err != nil {
		h.requestLogger(c).Error("store ping failed", zap.Error(err))
		fail(c, models.Wrap(models.ErrStore, err, "ping store"))
		return
	}
	ok(c, nil)
}

func (h *Handler) GetConversations(c *gin.Context) {
	conversations, err := h.conversations.ListAll(c.Request.Context())
	if err != nil {
		h.requestLogger(c).Error("Failed to get conversations", zap.Error(err))
		fail(c, err)
		return
	}
	h.requestLogger(c).Debug("Retrieved conversations", zap.Int("count", len(conversations)))
	ok(c, gin.H{"conversations": conversations})
}

func (h *Handler) GetConversationDetails(c *gin.Context) {
	var req GetDetailsRequest
	if !bind(c, &req) {
		return
	}
	messages, err := h.conversations.GetDetails(c.Request.Context(), req.ID)
	if err != nil {
		h.requestLogger(c).Warn("Failed to get conversation details", zap.Int64("conversationID", req.ID), zap.Error(err))
		fail(c, err)
		return
	}
	ok(c, gin.H{"messages": messages})
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if !bind(c, &req) {
		return
	}
	conv, err := h.conversations.Create(c.Request.Context(), req.Name, req.OriginMessageID)
	if err != nil {
		h.requestLogger(c).Warn("Failed to create conversation", zap.Error(err))
		fail(c, err)
		return
	}
	h.requestLogger(c).Info("Created conversation", zap.Int64("conversationID", conv.ID))
	ok(c, gin.H{"conversation": conv})
}

func (h *Handler) GetNestedMessages(c *gin.Context) {
	var req NestedMessagesRequest
	if !bind(c, &req) {
		return
	}
	messages, err := h.messages.ListByParent(c.Request.Context(), req.ParentMsgID, req.BranchID)
	if err != nil {
		h.requestLogger(c).Warn("Failed to get nested messages",
			zap.Int64("parentID", req.ParentMsgID),
			zap.Int64("branchID", req.BranchID),
			zap.Error(err))
		fail(c, err)
		return
	}
	ok(c, gin.H{"messages": messages})
}

// CreateMessage stores the user turn and answers it, streaming the reply as
// plain text unless stream is false.
func (h *Handler) CreateMessage(c *gin.Context) {
	var req CreateMessageRequest
	if !bind(c, &req) {
		return
	}
	logger := h.requestLogger(c).With(zap.Int64("conversationID", req.ConversationID))
	genReq := generation.Request{
		ConversationID: req.ConversationID,
		UserMessage:    req.UserMessage,
		Mode:           generation.Mode(req.Mode),
		ParentID:       req.ParentMsgID,
		BranchID:       req.BranchID,
	}

	if req.Stream != nil && !*req.Stream {
		res, err := h.pipeline.Complete(c.Request.Context(), genReq)
		if err != nil {
			logger.Error("Failed to process message", zap.Error(err))
			fail(c, err)
			return
		}
		ok(c, gin.H{"message": res.Assistant})
		return
	}

	w := newStreamWriter(c.Writer)
	_, err := h.pipeline.Stream(c.Request.Context(), genReq, w)
	if err != nil {
		if !w.started {
			logger.Error("Failed to process message", zap.Error(err))
			fail(c, err)
			return
		}
		// Headers are gone; all that is left is to end the body.
		logger.Warn("Stream ended early", zap.Error(err))
		_ = c.Error(err)
		return
	}
	// An empty reply still gets the streaming headers.
	w.begin()
}

// AppendExchange records an already answered user/assistant pair under a
// parent in one transaction.
func (h *Handler) AppendExchange(c *gin.Context) {
	var req AppendExchangeRequest
	if !bind(c, &req) {
		return
	}
	req.UserMessage = strings.TrimSpace(req.UserMessage)
	req.AssistantMessage = strings.TrimSpace(req.AssistantMessage)
	if req.UserMessage == "" || req.AssistantMessage == "" {
		fail(c, models.Errorf(models.ErrValidation, "user_message and assistant_message are required"))
		return
	}
	messages, err := h.messages.InsertExchange(c.Request.Context(), db.Exchange{
		ConversationID: req.ConversationID,
		ParentID:       req.ParentMsgID,
		BranchID:       req.BranchID,
		User:           req.UserMessage,
		Assistant:      req.AssistantMessage,
	})
	if err != nil {
		h.requestLogger(c).Warn("Failed to append exchange",
			zap.Int64("conversationID", req.ConversationID),
			zap.Error(err))
		fail(c, err)
		return
	}
	ok(c, gin.H{"messages": messages})
}
