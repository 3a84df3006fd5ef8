package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"PulseIM/global"
	"PulseIM/middleware"
	midsec "PulseIM/middleware/security"
	"PulseIM/tools/errs"
)

// ===== HTTP 面 =====
// websocket 断开期间的补拉入口 + 少量查询接口。

func (s *Server) registerHTTP(engine *gin.Engine) {
	api := engine.Group("/v1")
	auth := middleware.RouteOpt{IsAuth: true}

	middleware.GET(api, "/conversations/:id/messages", s.handleBacklog, auth)
	middleware.POST(api, "/conversations", s.handleCreateConversation, auth)
	middleware.GET(api, "/conversations/:id/typing", s.handleTypers, auth)
	middleware.GET(api, "/presence/:user", s.handlePresence, auth)
	middleware.GET(api, "/healthz", s.handleHealth, middleware.RouteOpt{})
}

// GET /v1/conversations/:id/messages?since=<seq>&limit=<n>
// 返回 seq 严格大于 since 的消息，升序。重连后的客户端用它补缺口。
func (s *Server) handleBacklog(c *gin.Context) {
	userID := midsec.UserID(c)
	convID := c.Param("id")
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, global.Fail(http.StatusBadRequest, "bad since"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	msgs, err := s.deps.Pipeline.Backlog(c.Request.Context(), convID, userID, since, limit)
	if err != nil {
		s.writeErr(c, err)
		return
	}
	type wireMsg struct {
		MessageID      string `json:"message_id"`
		ConversationID string `json:"conversation_id"`
		SenderID       string `json:"sender_id"`
		Seq            int64  `json:"seq"`
		Content        string `json:"content"`
		Status         string `json:"status"`
		CreatedAtMS    int64  `json:"created_at_ms"`
	}
	out := make([]wireMsg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMsg{
			MessageID:      m.MessageID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Seq:            m.Seq,
			Content:        string(m.Content),
			Status:         m.Status.String(),
			CreatedAtMS:    m.CreatedAtMS,
		})
	}
	c.JSON(http.StatusOK, global.Sucess(gin.H{"messages": out, "since": since}))
}

// POST /v1/conversations {"conversation_id":"...","participants":["a","b"]}
func (s *Server) handleCreateConversation(c *gin.Context) {
	userID := midsec.UserID(c)
	var body struct {
		ConversationID string   `json:"conversation_id"`
		Participants   []string `json:"participants"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ConversationID == "" {
		c.JSON(http.StatusBadRequest, global.Fail(http.StatusBadRequest, "bad body"))
		return
	}
	// 创建者必在成员列表里
	found := false
	for _, p := range body.Participants {
		if p == userID {
			found = true
			break
		}
	}
	if !found {
		body.Participants = append(body.Participants, userID)
	}
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, global.Fail(errs.ServerInternalError, "store unavailable"))
		return
	}
	if err := s.deps.Store.EnsureConversation(c.Request.Context(), body.ConversationID, body.Participants); err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, global.Sucess(gin.H{"conversation_id": body.ConversationID}))
}

// GET /v1/conversations/:id/typing
func (s *Server) handleTypers(c *gin.Context) {
	userID := midsec.UserID(c)
	convID := c.Param("id")
	if err := s.mustParticipant(c.Request.Context(), userID, convID); err != nil {
		s.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, global.Sucess(gin.H{"typing": s.deps.Typing.ActiveTypers(convID)}))
}

// GET /v1/presence/:user
func (s *Server) handlePresence(c *gin.Context) {
	rec := s.deps.Presence.Get(c.Param("user"))
	c.JSON(http.StatusOK, global.Sucess(gin.H{
		"user_id":      c.Param("user"),
		"status":       rec.Status.String(),
		"last_seen_ms": rec.LastSeenMS,
		"activity":     rec.Activity,
	}))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, global.Sucess(gin.H{
		"gateway_id": s.conf.GatewayID,
		"sessions":   s.mgr.Count(),
	}))
}

func (s *Server) writeErr(c *gin.Context, err error) {
	code := codeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.ConversationNotFound, errs.MessageNotFoundCode:
		status = http.StatusNotFound
	case errs.SenderNotParticipant:
		status = http.StatusForbidden
	case errs.DuplicatePayloadCode:
		status = http.StatusConflict
	}
	c.JSON(status, global.Fail(code, err.Error()))
}
