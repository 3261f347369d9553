// ws.go — websocket 推送 hub。
//
// 每个会话一个 hub, 渲染 flush 与终态事件广播给所有连接。慢消费者的
// 出口缓冲写满时丢弃事件 — 渲染事件是全量文本, 丢中间值不损失信息,
// 终态事件随 REST 轮询兜底。
package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Jochemderoos/workx-assistant/internal/session"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
	"github.com/Jochemderoos/workx-assistant/pkg/util"
)

const (
	wsOutboxSize   = 64
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 网关与前端同源部署; 跨源控制交给反向代理
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHub 单会话的连接集合。
type wsHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]chan session.Event
}

func newWSHub() *wsHub {
	return &wsHub{conns: make(map[*websocket.Conn]chan session.Event)}
}

// Publish 广播事件。写满的出口直接丢。
func (h *wsHub) Publish(ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.conns {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *wsHub) add(conn *websocket.Conn) chan session.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan session.Event, wsOutboxSize)
	h.conns[conn] = ch
	return ch
}

func (h *wsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// wsHandler GET /api/sessions/:id/events — 升级为 websocket 并开始推送。
func (s *Server) wsHandler(c *gin.Context) {
	sessionID := c.Param("id")
	hub, ok := s.hub(sessionID)
	if !ok {
		notFound(c, "session not found")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("gateway: websocket upgrade failed",
			logger.FieldID, sessionID, logger.FieldError, err)
		return
	}

	ch := hub.add(conn)
	logger.Info("gateway: websocket client connected",
		logger.FieldID, sessionID, logger.FieldRemote, conn.RemoteAddr().String())

	// 写端: 出口 channel → 连接
	util.SafeGo(func() {
		defer hub.remove(conn)
		for ev := range ch {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug("gateway: websocket write failed, dropping client",
					logger.FieldID, sessionID, logger.FieldError, err)
				return
			}
		}
	})

	// 读端: 前端不上行数据, 只为感知断开
	util.SafeGo(func() {
		defer hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}
