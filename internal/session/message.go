// message.go — 会话消息模型。
package session

import (
	"time"

	"github.com/Jochemderoos/workx-assistant/internal/editblock"
	"github.com/Jochemderoos/workx-assistant/internal/stream"
)

// Role 消息角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message 会话中的一条消息。定稿后不可变 — 进行中的助手消息只存在于
// Turn 的缓冲里, 终态时才进入消息列表。
//
// Content 保留原始文本 (含编辑块) — 编辑指令不单独持久化, 随时可以
// 从原文重新提取; 展示走 DisplayContent。
type Message struct {
	ID             string                   `json:"id"`
	Role           Role                     `json:"role"`
	Content        string                   `json:"content"`
	Citations      []stream.Citation        `json:"citations,omitempty"`
	Sources        []stream.KnowledgeSource `json:"sources,omitempty"`
	Confidence     string                   `json:"confidence,omitempty"`
	ReasoningTrace string                   `json:"reasoningTrace,omitempty"`
	Failed         bool                     `json:"failed,omitempty"`
	CreatedAt      time.Time                `json:"createdAt"`
}

// DisplayContent 返回面向用户的文本: 编辑块已剥离。
func (m Message) DisplayContent() string {
	return editblock.StripForDisplay(m.Content)
}

// EditCommand 从消息原文重新推导编辑指令 (无块时为 nil)。
func (m Message) EditCommand() *editblock.Command {
	return editblock.Extract(m.Content)
}
