// session_test.go — 会话编排: 生命周期 / 单活跃 Turn / 重试 / 版本守卫。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Jochemderoos/workx-assistant/internal/stream"
	apperrors "github.com/Jochemderoos/workx-assistant/pkg/errors"
)

// ========================================
// 测试替身
// ========================================

type fakeStreamer struct {
	mu    sync.Mutex
	calls []stream.SubmitRequest
	// script 按调用序号决定行为
	script func(call int, ctx context.Context, onFrame func(stream.Frame) error) error
}

func (f *fakeStreamer) Stream(ctx context.Context, req stream.SubmitRequest, onFrame func(stream.Frame) error) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	f.mu.Unlock()
	return f.script(call, ctx, onFrame)
}

func (f *fakeStreamer) requests() []stream.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stream.SubmitRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakePendingStore struct {
	mu    sync.Mutex
	saved map[string]string
}

func (f *fakePendingStore) Save(_ context.Context, sessionID, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string]string{}
	}
	f.saved[sessionID] = input
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) has(t EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func frame(kind stream.FrameKind, payload string) stream.Frame {
	if payload == "" {
		payload = "{}"
	}
	return stream.Frame{Kind: kind, Data: json.RawMessage(payload)}
}

func emitAll(onFrame func(stream.Frame) error, frames ...stream.Frame) error {
	for _, f := range frames {
		if err := onFrame(f); err != nil {
			return err
		}
	}
	return nil
}

func waitTerminal(t *testing.T, s *Session) stream.Phase {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if p := s.ActivePhase(); p.Terminal() {
			return p
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn never reached a terminal phase (phase %v)", s.ActivePhase())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// waitMessages 等消息列表达到 n 条 (终态入列发生在 ActivePhase 变为终态之后)。
func waitMessages(t *testing.T, s *Session, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs := s.Messages()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("messages = %d, want %d", len(msgs), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testOptions() Options {
	return Options{
		Model:               "workx-chat-1",
		Anonymize:           true,
		UseKnowledgeSources: true,
		TurnCeiling:         time.Minute,
		RenderFlushInterval: 10 * time.Millisecond,
	}
}

// ========================================
// 用例
// ========================================

// TestSessionFullExchange 完整问答: 提交 → 推理 → 正文 → 定稿消息入列。
func TestSessionFullExchange(t *testing.T) {
	cli := &fakeStreamer{script: func(_ int, _ context.Context, onFrame func(stream.Frame) error) error {
		return emitAll(onFrame,
			frame(stream.FrameStart, `{"conversationId":"c1"}`),
			frame(stream.FrameThinkingStart, ""),
			frame(stream.FrameThinking, `{"text":"overweegt..."}`),
			frame(stream.FrameDelta, `{"text":"De opzegtermijn "}`),
			frame(stream.FrameDelta, `{"text":"is een maand."}`),
			frame(stream.FrameDone, `{"citations":[],"model":"workx-chat-1"}`),
		)
	}}
	s := New(cli, nil, nil, testOptions())
	rec := &eventRecorder{}
	s.SetEventHandler(rec.record)

	if _, err := s.Submit("Wat is de opzegtermijn?", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if p := waitTerminal(t, s); p != stream.PhaseFinalized {
		t.Fatalf("phase = %v, want finalized", p)
	}
	msgs := waitMessages(t, s, 2)
	if msgs[0].Role != RoleUser || msgs[0].Content != "Wat is de opzegtermijn?" {
		t.Errorf("user message = %+v", msgs[0])
	}
	asst := msgs[1]
	if asst.Role != RoleAssistant || asst.Content != "De opzegtermijn is een maand." {
		t.Errorf("assistant message = %+v", asst)
	}
	if asst.ReasoningTrace != "overweegt..." {
		t.Errorf("reasoning trace = %q", asst.ReasoningTrace)
	}
	if s.ConversationID() != "c1" {
		t.Errorf("conversationID = %q", s.ConversationID())
	}

	// 推理文本按需取回
	trace, err := s.ReasoningTrace(asst.ID)
	if err != nil || trace != "overweegt..." {
		t.Errorf("ReasoningTrace = %q (err %v)", trace, err)
	}

	if !rec.has(EventPhase) || !rec.has(EventMessage) {
		t.Error("terminal events not emitted")
	}
}

// TestSessionSingleActiveTurn 活跃 Turn 存在时二次提交被拒。
func TestSessionSingleActiveTurn(t *testing.T) {
	release := make(chan struct{})
	cli := &fakeStreamer{script: func(_ int, ctx context.Context, onFrame func(stream.Frame) error) error {
		_ = onFrame(frame(stream.FrameDelta, `{"text":"bezig"}`))
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	s := New(cli, nil, nil, testOptions())

	if _, err := s.Submit("eerste", nil); err != nil {
		t.Fatal(err)
	}
	_, err := s.Submit("tweede", nil)
	if !errors.Is(err, apperrors.ErrTurnActive) {
		t.Errorf("err = %v, want ErrTurnActive", err)
	}
	close(release)
	waitTerminal(t, s)
}

// TestSessionCancelPreservesPartialText 取消同步生效, 部分正文入列。
func TestSessionCancelPreservesPartialText(t *testing.T) {
	started := make(chan struct{})
	cli := &fakeStreamer{script: func(_ int, ctx context.Context, onFrame func(stream.Frame) error) error {
		_ = onFrame(frame(stream.FrameDelta, `{"text":"De opzegtermijn "}`))
		close(started)
		<-ctx.Done()
		return nil
	}}
	s := New(cli, nil, nil, testOptions())

	if _, err := s.Submit("Wat is de opzegtermijn?", nil); err != nil {
		t.Fatal(err)
	}
	<-started

	s.Cancel()
	// Cancel 同步: 返回时阶段已定
	if p := s.ActivePhase(); p != stream.PhaseAborted {
		t.Fatalf("phase after Cancel = %v, want aborted", p)
	}
	s.Cancel() // 幂等

	msgs := waitMessages(t, s, 2)
	if msgs[1].Content != "De opzegtermijn " || msgs[1].Failed {
		t.Errorf("aborted message = %+v", msgs[1])
	}
}

// TestSessionRetry 失败占位被移除, 原请求原样重发。
func TestSessionRetry(t *testing.T) {
	cli := &fakeStreamer{script: func(call int, _ context.Context, onFrame func(stream.Frame) error) error {
		if call == 1 {
			return apperrors.Wrap(apperrors.ErrTransport, "Client.Stream", "connection reset")
		}
		return emitAll(onFrame,
			frame(stream.FrameStart, `{"conversationId":"c1"}`),
			frame(stream.FrameDelta, `{"text":"Gelukt."}`),
			frame(stream.FrameDone, ""),
		)
	}}
	s := New(cli, nil, nil, testOptions())

	if _, err := s.Submit("Wat is de opzegtermijn?", nil); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, s)
	msgs := waitMessages(t, s, 2)
	if !msgs[1].Failed {
		t.Fatalf("expected trailing failed placeholder, got %+v", msgs[1])
	}

	if _, err := s.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if p := waitTerminal(t, s); p != stream.PhaseFinalized {
		t.Fatalf("phase = %v, want finalized", p)
	}
	msgs = waitMessages(t, s, 2)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (placeholder replaced)", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Content != "Gelukt." || msgs[1].Failed {
		t.Errorf("messages = %+v", msgs)
	}

	reqs := cli.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	// 原样重发: prompt 与修饰符完全一致, 不叠加
	if reqs[1].Prompt != reqs[0].Prompt || reqs[1].Model != reqs[0].Model ||
		reqs[1].Anonymize != reqs[0].Anonymize || reqs[1].UseKnowledgeSources != reqs[0].UseKnowledgeSources {
		t.Errorf("retry request differs: %+v vs %+v", reqs[1], reqs[0])
	}
}

// TestSessionRetryWithoutFailure 无失败占位时重试被拒。
func TestSessionRetryWithoutFailure(t *testing.T) {
	s := New(&fakeStreamer{}, nil, nil, testOptions())
	if _, err := s.Retry(); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

// TestSessionProtocolMismatch 版本守卫: 输入落盘 + 强制重载事件。
func TestSessionProtocolMismatch(t *testing.T) {
	cli := &fakeStreamer{script: func(_ int, _ context.Context, _ func(stream.Frame) error) error {
		return apperrors.Wrap(apperrors.ErrProtocolMismatch, "Client.Stream", "client build-7 vs server build-99")
	}}
	pending := &fakePendingStore{}
	s := New(cli, pending, nil, testOptions())
	rec := &eventRecorder{}
	s.SetEventHandler(rec.record)

	if _, err := s.Submit("niet verstuurd", nil); err != nil {
		t.Fatal(err)
	}
	if p := waitTerminal(t, s); p != stream.PhaseFailed {
		t.Fatalf("phase = %v, want failed", p)
	}
	waitMessages(t, s, 2)

	if !rec.has(EventReloadRequired) {
		t.Error("reload_required event not emitted")
	}
	pending.mu.Lock()
	saved := pending.saved[s.ID]
	pending.mu.Unlock()
	if saved != "niet verstuurd" {
		t.Errorf("pending input = %q, want original prompt", saved)
	}
}

// TestSessionConversationIDAssignedOnce 首个 start 帧之后不再改写。
func TestSessionConversationIDAssignedOnce(t *testing.T) {
	cli := &fakeStreamer{script: func(call int, _ context.Context, onFrame func(stream.Frame) error) error {
		id := "c1"
		if call > 1 {
			id = "c2"
		}
		return emitAll(onFrame,
			frame(stream.FrameStart, `{"conversationId":"`+id+`"}`),
			frame(stream.FrameDelta, `{"text":"ok"}`),
			frame(stream.FrameDone, ""),
		)
	}}
	s := New(cli, nil, nil, testOptions())

	if _, err := s.Submit("een", nil); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, s)
	waitMessages(t, s, 2)
	if _, err := s.Submit("twee", nil); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, s)
	waitMessages(t, s, 4)

	if s.ConversationID() != "c1" {
		t.Errorf("conversationID = %q, want c1 (first start wins)", s.ConversationID())
	}
}

// TestSessionEmptyCompletion 无 done 无正文的流结束 → 空补全失败。
func TestSessionEmptyCompletion(t *testing.T) {
	cli := &fakeStreamer{script: func(_ int, _ context.Context, onFrame func(stream.Frame) error) error {
		return emitAll(onFrame, frame(stream.FrameStart, `{"conversationId":"c1"}`))
	}}
	s := New(cli, nil, nil, testOptions())

	if _, err := s.Submit("stil", nil); err != nil {
		t.Fatal(err)
	}
	if p := waitTerminal(t, s); p != stream.PhaseFailed {
		t.Fatalf("phase = %v, want failed", p)
	}
	msgs := waitMessages(t, s, 2)
	if !msgs[1].Failed {
		t.Errorf("expected failed placeholder, got %+v", msgs[1])
	}
}

// TestSessionRenderEventsFlow 渲染缓冲 flush 以事件形式到达。
func TestSessionRenderEventsFlow(t *testing.T) {
	cli := &fakeStreamer{script: func(_ int, _ context.Context, onFrame func(stream.Frame) error) error {
		return emitAll(onFrame,
			frame(stream.FrameDelta, `{"text":"stukje "}`),
			frame(stream.FrameDelta, `{"text":"voor stukje"}`),
			frame(stream.FrameDone, ""),
		)
	}}
	s := New(cli, nil, nil, testOptions())
	rec := &eventRecorder{}
	s.SetEventHandler(rec.record)

	if _, err := s.Submit("x", nil); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, s)
	waitMessages(t, s, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var last string
	for _, ev := range rec.events {
		if ev.Type == EventRender {
			last = ev.Data.(RenderData).Text
		}
	}
	// Close 的同步尾部 flush 保证最后一个值必达
	if last != "stukje voor stukje" {
		t.Errorf("last render = %q", last)
	}
}
