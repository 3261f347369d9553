// handler.go — 会话 REST handlers。
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Jochemderoos/workx-assistant/internal/editblock"
	"github.com/Jochemderoos/workx-assistant/internal/session"
	apperrors "github.com/Jochemderoos/workx-assistant/pkg/errors"
)

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.POST("/sessions", s.createSessionHandler)
	api.POST("/sessions/:id/messages", s.submitMessage)
	api.POST("/sessions/:id/cancel", s.cancelTurn)
	api.POST("/sessions/:id/retry", s.retryTurn)
	api.GET("/sessions/:id/messages", s.listMessages)
	api.GET("/sessions/:id/reasoning/:messageId", s.reasoningTrace)
	api.POST("/sessions/:id/messages/:messageId/apply-edits", s.applyEdits)

	api.GET("/conversations/:id/messages", s.conversationHistory)

	api.GET("/sessions/:id/events", s.wsHandler)
}

// ========================================
// 会话生命周期
// ========================================

func (s *Server) createSessionHandler(c *gin.Context) {
	var req struct {
		PreviousSessionID string `json:"previousSessionId"`
	}
	_ = c.ShouldBindJSON(&req) // 空 body 允许

	sess, restored := s.createSession(c.Request.Context(), req.PreviousSessionID)
	created(c, gin.H{
		"sessionId":    sess.ID,
		"pendingInput": restored,
	})
}

func (s *Server) submitMessage(c *gin.Context) {
	sess, ok := s.session(c.Param("id"))
	if !ok {
		notFound(c, "session not found")
		return
	}

	var req struct {
		Prompt      string   `json:"prompt"`
		DocumentIDs []string `json:"documentIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}

	turnID, err := sess.Submit(req.Prompt, req.DocumentIDs)
	switch {
	case errors.Is(err, apperrors.ErrTurnActive):
		conflict(c, "turn_active", "a turn is already in flight")
	case errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "invalid_request", err.Error())
	case err != nil:
		serverError(c, err)
	default:
		success(c, gin.H{"turnId": turnID})
	}
}

func (s *Server) cancelTurn(c *gin.Context) {
	sess, ok := s.session(c.Param("id"))
	if !ok {
		notFound(c, "session not found")
		return
	}
	sess.Cancel()
	// Cancel 同步: 返回时阶段已定
	success(c, gin.H{"phase": sess.ActivePhase().String()})
}

func (s *Server) retryTurn(c *gin.Context) {
	sess, ok := s.session(c.Param("id"))
	if !ok {
		notFound(c, "session not found")
		return
	}
	turnID, err := sess.Retry()
	switch {
	case errors.Is(err, apperrors.ErrTurnActive):
		conflict(c, "turn_active", "a turn is already in flight")
	case errors.Is(err, apperrors.ErrInvalidInput):
		badRequest(c, "nothing_to_retry", err.Error())
	case err != nil:
		serverError(c, err)
	default:
		success(c, gin.H{"turnId": turnID})
	}
}

// ========================================
// 消息与推理文本
// ========================================

// messageView 面向前端的消息: 编辑块已剥离, 原文不外泄。
type messageView struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Confidence string `json:"confidence,omitempty"`
	Citations  any    `json:"citations,omitempty"`
	Sources    any    `json:"sources,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
	HasEdits   bool   `json:"hasEdits,omitempty"`
	CreatedAt  string `json:"createdAt"`
	// 推理文本不随消息下发, 前端按需走 reasoning 路由
	HasReasoning bool `json:"hasReasoning,omitempty"`
}

func (s *Server) listMessages(c *gin.Context) {
	sess, ok := s.session(c.Param("id"))
	if !ok {
		notFound(c, "session not found")
		return
	}

	msgs := sess.Messages()
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{
			ID:           m.ID,
			Role:         string(m.Role),
			Content:      m.DisplayContent(),
			Confidence:   m.Confidence,
			Citations:    m.Citations,
			Sources:      m.Sources,
			Failed:       m.Failed,
			HasEdits:     m.EditCommand() != nil,
			HasReasoning: m.ReasoningTrace != "",
			CreatedAt:    m.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	success(c, gin.H{
		"conversationId": sess.ConversationID(),
		"phase":          sess.ActivePhase().String(),
		"messages":       views,
	})
}

func (s *Server) reasoningTrace(c *gin.Context) {
	sess, ok := s.session(c.Param("id"))
	if !ok {
		notFound(c, "session not found")
		return
	}
	trace, err := sess.ReasoningTrace(c.Param("messageId"))
	if errors.Is(err, apperrors.ErrNotFound) {
		notFound(c, "message not found")
		return
	}
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"reasoning": trace})
}

func (s *Server) conversationHistory(c *gin.Context) {
	if s.stores.Messages == nil {
		notFound(c, "history store not configured")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(s.cfg.HistoryListLimit)))
	msgs, err := s.stores.Messages.ListByConversation(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, msgs)
}

// ========================================
// 文档编辑
// ========================================

// applyEdits 从消息原文重新提取编辑指令并应用。工件字节直接作响应体,
// 逐条结果与跳过数走响应头。
func (s *Server) applyEdits(c *gin.Context) {
	sess, ok := s.session(c.Param("id"))
	if !ok {
		notFound(c, "session not found")
		return
	}

	messageID := c.Param("messageId")
	var msg *session.Message
	for _, m := range sess.Messages() {
		if m.ID == messageID {
			msg = &m
			break
		}
	}
	if msg == nil {
		notFound(c, "message not found")
		return
	}
	cmd := msg.EditCommand()
	if cmd == nil {
		badRequest(c, "no_edit_block", "message carries no edit command")
		return
	}

	out, err := s.applier.Apply(c.Request.Context(), cmd)
	if errors.Is(err, apperrors.ErrNotFound) {
		notFound(c, "document not found")
		return
	}
	if err != nil {
		serverError(c, err)
		return
	}

	resultsJSON, err := json.Marshal(out.Results)
	if err != nil {
		serverError(c, err)
		return
	}
	c.Header(editblock.ResultsHeader, string(resultsJSON))
	c.Header("X-Edits-Skipped", strconv.Itoa(out.Skipped))
	c.Data(http.StatusOK, "application/octet-stream", out.Artifact)
}
