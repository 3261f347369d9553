// Package stream 封装完成服务 (completion service) 的流式响应协议。
//
// 组成: 帧解码器 (Decoder)、turn 状态机 (Turn)、渲染缓冲 (RenderBuffer)、
// 取消句柄 (CancelHandle)、HTTP 流式客户端 (Client)。
package stream

import "encoding/json"

// FrameKind 帧类型。
type FrameKind string

const (
	// FrameStart 服务端分配会话 ID, 一次响应的第一帧。
	FrameStart FrameKind = "start"
	// FrameThinkingStart 推理阶段开始。
	FrameThinkingStart FrameKind = "thinking_start"
	// FrameThinking 推理文本增量 (对用户默认不可见)。
	FrameThinking FrameKind = "thinking"
	// FrameDelta 正文文本增量。
	FrameDelta FrameKind = "delta"
	// FrameStatus 状态提示, 仅供展示, 不驱动状态迁移。
	FrameStatus FrameKind = "status"
	// FrameDone 终态帧, 携带权威的最终元数据。
	FrameDone FrameKind = "done"
	// FrameError 服务端显式失败, 整个 turn 判定为失败。
	FrameError FrameKind = "error"
)

// Frame 解码后的协议帧信封。Data 为整个 payload 对象的原始 JSON。
//
// 帧是瞬态的: 驱动一次状态迁移后即丢弃。
type Frame struct {
	Kind FrameKind
	Data json.RawMessage
}

// ========================================
// 帧 payload 类型
// ========================================

// StartData start 帧。
type StartData struct {
	ConversationID string `json:"conversationId"`
}

// TextData 文本增量 (统一用于 thinking, delta, status)。
type TextData struct {
	Text string `json:"text"`
}

// Citation 答案引用。
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// KnowledgeSource 知识库来源。
type KnowledgeSource struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DoneData done 帧 — 权威最终元数据, 覆盖本地缓冲值。
type DoneData struct {
	HasWebSearch bool              `json:"hasWebSearch,omitempty"`
	Citations    []Citation        `json:"citations,omitempty"`
	Sources      []KnowledgeSource `json:"sources,omitempty"`
	Confidence   string            `json:"confidence,omitempty"`
	Model        string            `json:"model,omitempty"`
}

// ErrorData error 帧。
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DecodeStart 解析 start 帧 payload。
func (f Frame) DecodeStart() (StartData, error) {
	var d StartData
	err := json.Unmarshal(f.Data, &d)
	return d, err
}

// DecodeText 解析文本类帧 payload。
func (f Frame) DecodeText() (TextData, error) {
	var d TextData
	err := json.Unmarshal(f.Data, &d)
	return d, err
}

// DecodeDone 解析 done 帧 payload。
func (f Frame) DecodeDone() (DoneData, error) {
	var d DoneData
	err := json.Unmarshal(f.Data, &d)
	return d, err
}

// DecodeError 解析 error 帧 payload。
func (f Frame) DecodeError() (ErrorData, error) {
	var d ErrorData
	err := json.Unmarshal(f.Data, &d)
	return d, err
}
