// Package gateway 对话网关: gin HTTP 面 + websocket 推送。
//
// 网关不渲染 — 前端做 markdown。它只负责把会话操作 (提交/取消/重试)
// 映射到 HTTP, 并把渲染 flush 与终态事件推给前端。
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Jochemderoos/workx-assistant/internal/config"
	"github.com/Jochemderoos/workx-assistant/internal/editblock"
	"github.com/Jochemderoos/workx-assistant/internal/session"
	"github.com/Jochemderoos/workx-assistant/internal/store"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

// Stores 持久化依赖。任一项可为 nil — 网关退化为纯内存模式。
type Stores struct {
	Pending  *store.PendingInputStore
	Messages *store.MessageStore
}

// Server 对话网关。
type Server struct {
	router  *gin.Engine
	cfg     *config.Config
	client  session.Streamer
	applier *editblock.Applier
	stores  Stores

	mu       sync.Mutex
	sessions map[string]*session.Session
	hubs     map[string]*wsHub // sessionID → 推送 hub
}

// NewServer 创建网关。client 为 nil 时用配置里的完成服务地址建一个。
func NewServer(cfg *config.Config, client session.Streamer, stores Stores) *Server {
	r := gin.Default()
	s := &Server{
		router:   r,
		cfg:      cfg,
		client:   client,
		applier:  editblock.NewApplier(cfg.DocumentBaseURL, time.Duration(cfg.ApplyEditTimeoutSec)*time.Second),
		stores:   stores,
		sessions: make(map[string]*session.Session),
		hubs:     make(map[string]*wsHub),
	}
	s.registerRoutes()
	return s
}

// Engine 返回 gin 引擎 (测试与 main 共用)。
func (s *Server) Engine() *gin.Engine { return s.router }

// Run 阻塞运行。
func (s *Server) Run() error {
	logger.Info("gateway: listening", logger.FieldListen, s.cfg.GatewayListenAddr)
	return s.router.Run(s.cfg.GatewayListenAddr)
}

// createSession 新建会话并挂好事件推送。previousSessionId 非空时尝试
// 取回版本守卫落盘的待发输入 (取回即删)。
func (s *Server) createSession(ctx context.Context, previousSessionID string) (*session.Session, string) {
	opts := session.Options{
		Model:               s.cfg.CompletionModel,
		Anonymize:           s.cfg.AnonymizeByDefault,
		UseKnowledgeSources: s.cfg.UseKnowledgeSources,
		TurnCeiling:         s.cfg.TurnCeiling(),
		RenderFlushInterval: s.cfg.RenderFlushInterval(),
	}

	var pending session.PendingInputStore
	if s.stores.Pending != nil {
		pending = s.stores.Pending
	}
	var msgs session.MessageStore
	if s.stores.Messages != nil {
		msgs = s.stores.Messages
	}

	sess := session.New(s.client, pending, msgs, opts)
	hub := newWSHub()
	sess.SetEventHandler(hub.Publish)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.hubs[sess.ID] = hub
	s.mu.Unlock()

	var restored string
	if previousSessionID != "" && s.stores.Pending != nil {
		if input, ok, err := s.stores.Pending.Get(ctx, previousSessionID); err == nil && ok {
			restored = input
			if err := s.stores.Pending.Delete(ctx, previousSessionID); err != nil {
				logger.Warn("gateway: delete pending input failed",
					logger.FieldID, previousSessionID, logger.FieldError, err)
			}
		}
	}

	logger.Info("gateway: session created", logger.FieldID, sess.ID)
	return sess, restored
}

func (s *Server) session(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) hub(id string) (*wsHub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[id]
	return h, ok
}
