// cancel.go — turn 取消句柄。
//
// 每个 Turn 在提交时获得一个句柄。触发来源: 用户显式操作、提交起算的
// 硬性超时上限、网关取消端点。一个读者、一个取消者 — 读取循环在每次
// 迭代通过 Context() 观察取消, 无需额外锁。
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

// CancelHandle 单个 turn 的取消句柄。
//
// Cancel 幂等: 第二次触发是 no-op; 底层传输已自然完成时触发也不报错
// (自然完成与取消的竞争以完成为准, 由 Turn 的终态幂等保证)。
type CancelHandle struct {
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	mu     sync.Mutex
	reason string
	timer  *time.Timer
}

// NewCancelHandle 创建句柄。ceiling > 0 时启动硬性超时, 从提交时刻起算。
func NewCancelHandle(parent context.Context, ceiling time.Duration) *CancelHandle {
	ctx, cancel := context.WithCancel(parent)
	h := &CancelHandle{ctx: ctx, cancel: cancel}
	if ceiling > 0 {
		h.timer = time.AfterFunc(ceiling, func() {
			h.Cancel("ceiling_timeout")
		})
	}
	return h
}

// Context 返回与句柄绑定的 context, 注入读取循环与 HTTP 请求。
func (h *CancelHandle) Context() context.Context { return h.ctx }

// Cancel 触发取消。幂等, 并发安全。
func (h *CancelHandle) Cancel(reason string) {
	h.once.Do(func() {
		h.mu.Lock()
		h.reason = reason
		h.mu.Unlock()
		logger.Info("cancel handle fired", logger.FieldReason, reason)
		h.cancel()
	})
}

// Cancelled 返回句柄是否已触发。
func (h *CancelHandle) Cancelled() bool {
	select {
	case <-h.ctx.Done():
		return true
	default:
		return false
	}
}

// Reason 返回触发原因 (未触发为空)。
func (h *CancelHandle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Release 释放句柄资源 (停止超时定时器、释放 context)。
// turn 到达终态后必须调用, 使新 turn 可以立即提交。幂等。
func (h *CancelHandle) Release() {
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
	h.cancel()
}
