// cmd/completion-stub — 本地开发用的完成服务桩。
//
// 按固定脚本流式返回帧: start → thinking → delta… → done。
// 回显 X-Assistant-Build 头, 方便联调版本守卫。
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Jochemderoos/workx-assistant/internal/stream"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
	"github.com/Jochemderoos/workx-assistant/pkg/util"
)

const answer = "De opzegtermijn is bij een contract voor onbepaalde tijd " +
	"doorgaans een maand, tenzij in de cao of arbeidsovereenkomst anders is afgesproken. " +
	"[confidence:high]"

func main() {
	logger.Init("dev")
	gin.SetMode(gin.ReleaseMode)

	r := gin.Default()
	r.POST("/assistant/stream", streamHandler)

	addr := util.EnvStr("STUB_LISTEN_ADDR", ":9090")
	logger.Info("completion stub listening", logger.FieldListen, addr)
	if err := r.Run(addr); err != nil {
		logger.Fatal("stub failed", logger.FieldError, err)
	}
}

func streamHandler(c *gin.Context) {
	var req stream.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 版本守卫联调: 原样回显客户端的构建版本
	if token := c.GetHeader(stream.BuildTokenHeader); token != "" {
		c.Header(stream.BuildTokenHeader, token)
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	w := c.Writer
	emit := func(payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		w.Flush()
		return true
	}

	logger.Info("stub: streaming scripted answer",
		logger.FieldConversationID, convID,
		logger.FieldLen, len(req.Prompt),
	)

	emit(gin.H{"type": "start", "conversationId": convID})
	emit(gin.H{"type": "thinking_start"})
	emit(gin.H{"type": "thinking", "text": "Raadpleegt arbeidsrechtelijke bronnen..."})
	emit(gin.H{"type": "status", "text": "Bronnen gevonden"})

	// 按词切块, 模拟增量正文
	for _, word := range strings.SplitAfter(answer, " ") {
		if c.Request.Context().Err() != nil {
			return
		}
		if !emit(gin.H{"type": "delta", "text": word}) {
			return
		}
		time.Sleep(30 * time.Millisecond)
	}

	emit(gin.H{
		"type":         "done",
		"hasWebSearch": false,
		"citations":    []any{},
		"sources":      []any{},
		"model":        util.FirstNonEmpty(req.Model, "workx-chat-1"),
	})
}
