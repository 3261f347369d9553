// turn.go — 单次请求/响应周期的状态机。
//
// 迁移图:
//
//	idle → start-pending → reasoning → answering → {finalized, aborted, failed}
//
// 推理文本与正文永不交错: 第一个非空 delta 到来即宣告推理结束。
// 帧应用幂等 — 终态之后的解码帧一律忽略 (重复 done 不二次终结)。
package stream

import (
	"strings"
	"sync"
	"time"

	apperrors "github.com/Jochemderoos/workx-assistant/pkg/errors"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

// Phase turn 所处阶段。单一枚举字段, 不用散落的布尔标志。
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStartPending
	PhaseReasoning
	PhaseAnswering
	PhaseFinalized
	PhaseAborted
	PhaseFailed
)

// String 实现 fmt.Stringer。
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStartPending:
		return "start-pending"
	case PhaseReasoning:
		return "reasoning"
	case PhaseAnswering:
		return "answering"
	case PhaseFinalized:
		return "finalized"
	case PhaseAborted:
		return "aborted"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 返回该阶段是否为终态。
func (p Phase) Terminal() bool {
	return p == PhaseFinalized || p == PhaseAborted || p == PhaseFailed
}

// Turn 一次请求/响应周期。由所属 Session 独占持有, 同一会话至多一个活跃 Turn。
type Turn struct {
	ID string

	mu             sync.Mutex
	phase          Phase
	conversationID string
	text           strings.Builder
	reasoning      strings.Builder
	reasoningOpen  bool // 推理展示是否展开 (首个 delta 到来自动收起)
	meta           DoneData
	failure        error
	startedAt      time.Time

	rb *RenderBuffer
}

// NewTurn 创建处于 start-pending 的 Turn。rb 可为 nil (无渲染消费方)。
func NewTurn(id string, rb *RenderBuffer) *Turn {
	return &Turn{
		ID:        id,
		phase:     PhaseStartPending,
		startedAt: time.Now(),
		rb:        rb,
	}
}

// Phase 返回当前阶段。
func (t *Turn) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// ConversationID 返回服务端分配的会话 ID (start 帧之前为空)。
func (t *Turn) ConversationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

// Text 返回已累计的正文。
func (t *Turn) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// Reasoning 返回已累计的推理文本 (终结后仍可按需展示)。
func (t *Turn) Reasoning() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reasoning.String()
}

// ReasoningOpen 返回推理展示是否处于展开状态。
func (t *Turn) ReasoningOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reasoningOpen
}

// Meta 返回 done 帧携带的权威元数据。
func (t *Turn) Meta() DoneData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

// Failure 返回失败原因 (phase == failed 时非 nil)。
func (t *Turn) Failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// Apply 应用一个解码帧, 驱动状态迁移。
//
// 返回非 nil 仅在 error 帧 (整个 turn 硬失败) — 调用方据此停止读取。
// 终态之后的帧一律忽略 (幂等)。
func (t *Turn) Apply(f Frame) error {
	t.mu.Lock()
	wasTerminal := t.phase.Terminal()
	err := t.applyLocked(f)
	nowTerminal := t.phase.Terminal()
	t.mu.Unlock()

	// 渲染缓冲在锁外关闭 — Close 的最后一次同步 flush 会回调消费方,
	// 不能在持有 t.mu 时执行
	if nowTerminal && !wasTerminal {
		t.closeRender()
	}
	return err
}

func (t *Turn) applyLocked(f Frame) error {
	if t.phase.Terminal() {
		logger.Debug("turn: frame after terminal phase ignored",
			logger.FieldTurnID, t.ID,
			logger.FieldFrameType, string(f.Kind),
			logger.FieldPhase, t.phase.String(),
		)
		return nil
	}

	switch f.Kind {
	case FrameStart:
		d, err := f.DecodeStart()
		if err == nil && d.ConversationID != "" {
			t.conversationID = d.ConversationID
		}

	case FrameThinkingStart:
		if t.phase == PhaseStartPending {
			t.phase = PhaseReasoning
			t.reasoningOpen = true
		}

	case FrameThinking:
		d, err := f.DecodeText()
		if err != nil {
			return nil
		}
		if t.phase == PhaseStartPending {
			t.phase = PhaseReasoning
			t.reasoningOpen = true
		}
		if t.phase == PhaseReasoning {
			t.reasoning.WriteString(d.Text)
		}

	case FrameDelta:
		d, err := f.DecodeText()
		if err != nil || d.Text == "" {
			return nil
		}
		if t.phase != PhaseAnswering {
			// 正文开始 = 推理定义上结束, 展示自动收起
			t.phase = PhaseAnswering
			t.reasoningOpen = false
		}
		t.text.WriteString(d.Text)
		if t.rb != nil {
			t.rb.Set(t.text.String())
		}

	case FrameStatus:
		// 仅供展示, 不改变状态

	case FrameDone:
		t.finalizeLocked(f)

	case FrameError:
		d, _ := f.DecodeError()
		msg := d.Message
		if msg == "" {
			msg = "completion service reported an error"
		}
		err := apperrors.New("Turn.Apply", msg)
		t.failLocked(err)
		return err

	default:
		// 未知帧类型: 前向兼容, 跳过
		logger.Debug("turn: unknown frame kind skipped", logger.FieldFrameType, string(f.Kind))
	}
	return nil
}

// finalizeLocked done 帧处理: 权威元数据覆盖本地缓冲, 提取尾部置信度标记。
func (t *Turn) finalizeLocked(f Frame) {
	if t.text.Len() == 0 {
		// 零正文的 done 是失败, 不是静默 no-op
		t.failLocked(apperrors.Wrap(apperrors.ErrEmptyCompletion, "Turn.Apply", "done with no accumulated text"))
		return
	}

	meta, err := f.DecodeDone()
	if err != nil {
		logger.Warn("turn: malformed done payload, finalizing with buffered state",
			logger.FieldTurnID, t.ID, logger.FieldError, err)
	}

	clean, tagConf := extractTrailingConfidence(t.text.String())
	if clean != t.text.String() {
		t.text.Reset()
		t.text.WriteString(clean)
	}
	if meta.Confidence == "" {
		meta.Confidence = tagConf
	}

	t.meta = meta
	t.phase = PhaseFinalized
	t.reasoningOpen = false

	logger.Info("turn: finalized",
		logger.FieldTurnID, t.ID,
		logger.FieldConversationID, t.conversationID,
		logger.FieldLen, t.text.Len(),
		logger.FieldModel, meta.Model,
		logger.FieldDurationMS, time.Since(t.startedAt).Milliseconds(),
	)
}

// Abort 取消迁移。已累计正文保留 — 非空即视为部分成功。幂等。
func (t *Turn) Abort() {
	t.mu.Lock()
	if t.phase.Terminal() {
		t.mu.Unlock()
		return
	}
	t.phase = PhaseAborted
	t.reasoningOpen = false
	logger.Info("turn: aborted",
		logger.FieldTurnID, t.ID,
		logger.FieldLen, t.text.Len(),
		logger.FieldDurationMS, time.Since(t.startedAt).Milliseconds(),
	)
	t.mu.Unlock()
	t.closeRender()
}

// Fail 外部失败迁移 (传输错误、流中断等)。幂等; 已累计正文保留。
func (t *Turn) Fail(err error) {
	t.mu.Lock()
	if t.phase.Terminal() {
		t.mu.Unlock()
		return
	}
	t.failLocked(err)
	t.mu.Unlock()
	t.closeRender()
}

func (t *Turn) failLocked(err error) {
	t.phase = PhaseFailed
	t.failure = err
	t.reasoningOpen = false
	logger.Warn("turn: failed",
		logger.FieldTurnID, t.ID,
		logger.FieldError, err,
		logger.FieldLen, t.text.Len(),
	)
}

// closeRender 终态时停掉渲染缓冲并做最后一次同步 flush。只能在锁外调用。
func (t *Turn) closeRender() {
	if t.rb != nil {
		t.rb.Close()
	}
}

// ========================================
// 尾部置信度标记
// ========================================

const (
	confidenceTagOpen  = "[confidence:"
	confidenceTagClose = "]"
)

// extractTrailingConfidence 提取并剥离文本末尾的置信度标记。
//
// 仅匹配尾部位置 — 正文中间出现的同形标记视为合法内容, 原样保留
// (模型引用该标记时不应被破坏)。
func extractTrailingConfidence(text string) (clean, confidence string) {
	trimmed := strings.TrimRight(text, " \t\r\n")
	if !strings.HasSuffix(trimmed, confidenceTagClose) {
		return text, ""
	}
	open := strings.LastIndex(trimmed, confidenceTagOpen)
	if open < 0 {
		return text, ""
	}
	inner := trimmed[open+len(confidenceTagOpen) : len(trimmed)-len(confidenceTagClose)]
	// 标记内不允许换行或嵌套括号 — 防止把正文误当标记
	if strings.ContainsAny(inner, "\n[]") {
		return text, ""
	}
	confidence = strings.TrimSpace(inner)
	if confidence == "" {
		return text, ""
	}
	clean = strings.TrimRight(trimmed[:open], " \t\r\n")
	return clean, confidence
}
