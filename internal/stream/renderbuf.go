// renderbuf.go — 渲染缓冲: 把突发的帧到达率与昂贵的消费速率解耦。
//
// 这是 last-value-wins 槽位, 不是队列: 两次 flush 之间的中间增量被
// 合并 — 累计文本本身是全量而非 diff, 丢弃中间值不损失信息。
package stream

import (
	"sync"
	"time"

	"github.com/Jochemderoos/workx-assistant/pkg/util"
)

// RenderBuffer 单槽渲染缓冲。
//
// 生命周期与一个 Turn 严格对应: 创建于 start-pending, 终态销毁。
// Close 会停止定时器并做最后一次同步 flush, 保证尾部文本不丢。
type RenderBuffer struct {
	mu          sync.Mutex
	latest      string
	lastFlushed string
	dirty       bool
	closed      bool

	interval time.Duration
	consumer func(text string)
	stop     chan struct{}
	done     chan struct{}
}

// NewRenderBuffer 创建并启动定时 flush。consumer 在独立 goroutine 中回调
// (Close 的最后一次 flush 除外, 它在调用方 goroutine 同步执行)。
func NewRenderBuffer(interval time.Duration, consumer func(text string)) *RenderBuffer {
	rb := &RenderBuffer{
		interval: interval,
		consumer: consumer,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	util.SafeGo(rb.flushLoop)
	return rb
}

// Set 覆写最新全量文本。
func (rb *RenderBuffer) Set(text string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.latest = text
	rb.dirty = true
}

// Close 停止定时器并同步执行最后一次 flush。幂等。
func (rb *RenderBuffer) Close() {
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return
	}
	rb.closed = true
	rb.mu.Unlock()

	close(rb.stop)
	<-rb.done // 等 flushLoop 退出, 避免与最后一次 flush 竞争
	rb.flush()
}

func (rb *RenderBuffer) flushLoop() {
	defer close(rb.done)
	ticker := time.NewTicker(rb.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rb.flush()
		case <-rb.stop:
			return
		}
	}
}

// flush 仅当内容自上次 flush 后变化时才回调消费方。
func (rb *RenderBuffer) flush() {
	rb.mu.Lock()
	if !rb.dirty || rb.latest == rb.lastFlushed {
		rb.dirty = false
		rb.mu.Unlock()
		return
	}
	text := rb.latest
	rb.lastFlushed = text
	rb.dirty = false
	consumer := rb.consumer
	rb.mu.Unlock()

	if consumer != nil {
		consumer(text)
	}
}
