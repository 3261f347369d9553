// Package session 编排一个对话会话: 提交、取消、重试、版本守卫。
//
// 每个会话是独立的单逻辑线程: 帧按到达顺序处理, 同一 Turn 的帧绝不
// 并发处理。会话之间无共享可变状态, 可任意并存。
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Jochemderoos/workx-assistant/internal/stream"
	apperrors "github.com/Jochemderoos/workx-assistant/pkg/errors"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
	"github.com/Jochemderoos/workx-assistant/pkg/util"
)

// ========================================
// 依赖接口
// ========================================

// Streamer 完成服务客户端 (stream.Client 实现)。
type Streamer interface {
	Stream(ctx context.Context, req stream.SubmitRequest, onFrame func(stream.Frame) error) error
}

// PendingInputStore 版本守卫命中时持久化未发送输入。
type PendingInputStore interface {
	Save(ctx context.Context, sessionID, input string) error
}

// MessageStore 终态消息的持久化 (可为 nil — 纯内存会话)。
type MessageStore interface {
	Append(ctx context.Context, conversationID string, msg Message) error
}

// ========================================
// 前端事件
// ========================================

// EventType 推送给前端的事件类型。
type EventType string

const (
	EventRender         EventType = "render"          // 渲染缓冲 flush: 全量累计文本
	EventStatus         EventType = "status"          // 完成服务的过程提示, 仅展示
	EventPhase          EventType = "phase"           // turn 阶段变化 (终态时必发)
	EventMessage        EventType = "message"         // 新定稿消息入列
	EventReloadRequired EventType = "reload_required" // 版本守卫命中, 前端必须整页重载
)

// Event 会话推送事件。
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// RenderData EventRender 载荷。
type RenderData struct {
	TurnID string `json:"turnId"`
	Text   string `json:"text"`
}

// PhaseData EventPhase 载荷。
type PhaseData struct {
	TurnID string `json:"turnId"`
	Phase  string `json:"phase"`
	Error  string `json:"error,omitempty"`
}

// ========================================
// 会话
// ========================================

// Options 会话行为参数, 来自配置层。
type Options struct {
	Model               string
	Anonymize           bool
	UseKnowledgeSources bool
	TurnCeiling         time.Duration
	RenderFlushInterval time.Duration
}

// Session 一个对话会话。至多一个活跃 Turn。
type Session struct {
	ID string

	client  Streamer
	pending PendingInputStore
	msgs    MessageStore
	opts    Options

	mu             sync.Mutex
	conversationID string
	messages       []Message
	persisted      int // messages[:persisted] 已落库
	turn           *stream.Turn
	handle         *stream.CancelHandle
	lastReq        stream.SubmitRequest // 最近一次提交的完整请求, 重试原样重发
	onEvent        func(Event)
}

// New 创建会话。pending 为 nil 时版本守卫仅触发重载, 不持久化。
func New(client Streamer, pending PendingInputStore, msgs MessageStore, opts Options) *Session {
	return &Session{
		ID:      uuid.NewString(),
		client:  client,
		pending: pending,
		msgs:    msgs,
		opts:    opts,
	}
}

// SetEventHandler 注册前端推送回调。须在首次 Submit 之前调用。
func (s *Session) SetEventHandler(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

// ConversationID 返回服务端分配的会话 ID (首个 start 帧之前为空)。
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages 返回消息列表的副本。
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ActivePhase 返回活跃 Turn 的阶段; 无活跃 Turn 时为 idle。
func (s *Session) ActivePhase() stream.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn == nil {
		return stream.PhaseIdle
	}
	return s.turn.Phase()
}

// ReasoningTrace 按消息 ID 取回保留的推理文本。
func (s *Session) ReasoningTrace(messageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == messageID {
			return m.ReasoningTrace, nil
		}
	}
	return "", apperrors.Wrapf(apperrors.ErrNotFound, "Session.ReasoningTrace", "message %s", messageID)
}

// Submit 提交一条用户消息并启动新 Turn。
//
// prompt 必须已与生效的行为修饰符合并完毕 — 会话层原样透传并在重试时
// 原样重发。已有活跃 Turn 时返回 ErrTurnActive。
func (s *Session) Submit(prompt string, documentIDs []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prompt == "" {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, "Session.Submit", "empty prompt")
	}
	if s.turn != nil && !s.turn.Phase().Terminal() {
		return "", apperrors.Wrap(apperrors.ErrTurnActive, "Session.Submit", "a turn is already in flight")
	}

	s.messages = append(s.messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   prompt,
		CreatedAt: time.Now(),
	})

	req := stream.SubmitRequest{
		ConversationID:      s.conversationID,
		Prompt:              prompt,
		DocumentIDs:         documentIDs,
		Anonymize:           s.opts.Anonymize,
		Model:               s.opts.Model,
		UseKnowledgeSources: s.opts.UseKnowledgeSources,
	}
	s.lastReq = req
	return s.startTurnLocked(req), nil
}

// Cancel 取消当前活跃 Turn。同步迁移到 aborted — 调用返回时状态已定。
// 无活跃 Turn 或已终态时是 no-op。幂等。
func (s *Session) Cancel() {
	s.mu.Lock()
	turn, handle := s.turn, s.handle
	s.mu.Unlock()

	if turn == nil || turn.Phase().Terminal() {
		return
	}
	if handle != nil {
		handle.Cancel("user_stop")
	}
	turn.Abort()
}

// Retry 重试最近一次失败的 Turn。
//
// 只移除尾部失败的助手占位与紧随其后的重复用户回显, 用户原消息保持
// 原位; 随后把上次请求原样重发 — 修饰符不二次叠加。
func (s *Session) Retry() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn != nil && !s.turn.Phase().Terminal() {
		return "", apperrors.Wrap(apperrors.ErrTurnActive, "Session.Retry", "a turn is already in flight")
	}

	n := len(s.messages)
	if n == 0 || s.messages[n-1].Role != RoleAssistant || !s.messages[n-1].Failed {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, "Session.Retry", "no trailing failed message")
	}
	s.messages = s.messages[:n-1]

	// 重复的用户回显 (连续两条同文用户消息) 一并移除
	if n := len(s.messages); n >= 2 &&
		s.messages[n-1].Role == RoleUser && s.messages[n-2].Role == RoleUser &&
		s.messages[n-1].Content == s.messages[n-2].Content {
		s.messages = s.messages[:n-1]
	}

	if s.persisted > len(s.messages) {
		s.persisted = len(s.messages)
	}

	if s.lastReq.Prompt == "" {
		return "", apperrors.Wrap(apperrors.ErrInvalidInput, "Session.Retry", "no prior submit to retry")
	}

	req := s.lastReq
	req.ConversationID = s.conversationID
	logger.Info("session: retrying last turn",
		logger.FieldConversationID, s.conversationID,
		logger.FieldLen, len(req.Prompt),
	)
	return s.startTurnLocked(req), nil
}

// startTurnLocked 创建 Turn + 渲染缓冲 + 取消句柄并启动读取循环。
// 调用方持有 s.mu。返回 turn ID。
func (s *Session) startTurnLocked(req stream.SubmitRequest) string {
	turnID := uuid.NewString()

	flush := s.opts.RenderFlushInterval
	if flush <= 0 {
		flush = 50 * time.Millisecond
	}
	rb := stream.NewRenderBuffer(flush, func(text string) {
		s.emit(Event{Type: EventRender, Data: RenderData{TurnID: turnID, Text: text}})
	})

	turn := stream.NewTurn(turnID, rb)
	handle := stream.NewCancelHandle(context.Background(), s.opts.TurnCeiling)
	s.turn = turn
	s.handle = handle

	logger.Info("session: turn started",
		logger.FieldTurnID, turnID,
		logger.FieldConversationID, req.ConversationID,
		logger.FieldModel, req.Model,
	)

	util.SafeGo(func() {
		s.runTurn(turn, handle, req)
	})
	return turnID
}

// runTurn 读取循环: 提交请求、逐帧驱动状态机、终态收尾。
func (s *Session) runTurn(turn *stream.Turn, handle *stream.CancelHandle, req stream.SubmitRequest) {
	err := s.client.Stream(handle.Context(), req, func(f stream.Frame) error {
		switch f.Kind {
		case stream.FrameStart:
			if d, derr := f.DecodeStart(); derr == nil && d.ConversationID != "" {
				s.adoptConversationID(d.ConversationID)
			}
		case stream.FrameStatus:
			if d, derr := f.DecodeText(); derr == nil && d.Text != "" {
				s.emit(Event{Type: EventStatus, Data: d.Text})
			}
		}
		return turn.Apply(f)
	})

	// 流结束后的终态判定。顺序有讲究: 自然终态 > 取消 > 协议失配 > 传输失败。
	switch {
	case turn.Phase().Terminal():
		// done/error 帧已终结, 或 Cancel 已同步 abort

	case handle.Cancelled():
		turn.Abort()

	case err != nil && errors.Is(err, apperrors.ErrProtocolMismatch):
		s.persistPendingInput(req.Prompt)
		s.emit(Event{Type: EventReloadRequired})
		turn.Fail(err)

	case err != nil:
		turn.Fail(err)

	case turn.Text() == "":
		// EOF 且无 done 无正文: 空补全
		turn.Fail(apperrors.Wrap(apperrors.ErrEmptyCompletion, "Session.runTurn", "stream ended before any content"))

	default:
		// EOF 且无 done 但有部分正文: 传输中断, 保留已得内容
		turn.Fail(apperrors.Wrap(apperrors.ErrTransport, "Session.runTurn", "stream ended without done frame"))
	}

	s.finishTurn(turn, handle)
}

// finishTurn 终态收尾: 释放句柄、按阶段入列消息、推送终态事件。
func (s *Session) finishTurn(turn *stream.Turn, handle *stream.CancelHandle) {
	handle.Release()

	phase := turn.Phase()
	var msg *Message
	switch phase {
	case stream.PhaseFinalized:
		meta := turn.Meta()
		msg = &Message{
			ID:             uuid.NewString(),
			Role:           RoleAssistant,
			Content:        turn.Text(),
			Citations:      meta.Citations,
			Sources:        meta.Sources,
			Confidence:     meta.Confidence,
			ReasoningTrace: turn.Reasoning(),
			CreatedAt:      time.Now(),
		}
	case stream.PhaseAborted:
		// 非空正文视为部分成功
		if turn.Text() != "" {
			msg = &Message{
				ID:             uuid.NewString(),
				Role:           RoleAssistant,
				Content:        turn.Text(),
				ReasoningTrace: turn.Reasoning(),
				CreatedAt:      time.Now(),
			}
		}
	case stream.PhaseFailed:
		// 失败占位: 已渲染的部分正文保留, 支撑一键重试
		msg = &Message{
			ID:             uuid.NewString(),
			Role:           RoleAssistant,
			Content:        turn.Text(),
			ReasoningTrace: turn.Reasoning(),
			Failed:         true,
			CreatedAt:      time.Now(),
		}
	}

	s.mu.Lock()
	if msg != nil {
		s.messages = append(s.messages, *msg)
	}
	convID := s.conversationID
	var unpersisted []Message
	if s.msgs != nil && convID != "" {
		unpersisted = append(unpersisted, s.messages[s.persisted:]...)
		s.persisted = len(s.messages)
	}
	s.mu.Unlock()

	// 用户消息在提交时还没有会话 ID, 统一在终态落库
	for _, m := range unpersisted {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.msgs.Append(ctx, convID, m); err != nil {
			logger.Warn("session: persist message failed",
				logger.FieldConversationID, convID,
				logger.FieldMessageID, m.ID,
				logger.FieldError, err,
			)
		}
		cancel()
	}

	var errText string
	if ferr := turn.Failure(); ferr != nil {
		errText = ferr.Error()
	}
	s.emit(Event{Type: EventPhase, Data: PhaseData{TurnID: turn.ID, Phase: phase.String(), Error: errText}})
	if msg != nil {
		s.emit(Event{Type: EventMessage, Data: *msg})
	}
}

// adoptConversationID 仅首个 start 帧生效。
func (s *Session) adoptConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		s.conversationID = id
		logger.Info("session: conversation assigned",
			logger.FieldConversationID, id,
		)
	}
}

// persistPendingInput 版本守卫命中: 把未送达的输入落盘, 重载后恢复。
func (s *Session) persistPendingInput(input string) {
	if s.pending == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.pending.Save(ctx, s.ID, input); err != nil {
		logger.Error("session: persist pending input failed",
			logger.FieldID, s.ID,
			logger.FieldError, err,
		)
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
