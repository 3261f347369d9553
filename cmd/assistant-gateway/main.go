// cmd/assistant-gateway — 对话网关主入口。
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/Jochemderoos/workx-assistant/internal/config"
	"github.com/Jochemderoos/workx-assistant/internal/database"
	"github.com/Jochemderoos/workx-assistant/internal/gateway"
	"github.com/Jochemderoos/workx-assistant/internal/store"
	"github.com/Jochemderoos/workx-assistant/internal/stream"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
	"github.com/Jochemderoos/workx-assistant/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	// 持久化可选: 无连接串时网关跑纯内存模式 (无历史、守卫不落盘)
	var stores gateway.Stores
	if cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("database init failed", logger.FieldError, err)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool, "./migrations"); err != nil {
			logger.Fatal("migration failed", logger.FieldError, err)
		}
		stores = gateway.Stores{
			Pending:  store.NewPendingInputStore(pool),
			Messages: store.NewMessageStore(pool),
		}
	} else {
		logger.Warn("no POSTGRES_CONNECTION_STRING, running in-memory")
	}

	client := stream.NewClient(cfg.CompletionBaseURL, cfg.ClientBuildToken)
	srv := gateway.NewServer(cfg, client, stores)

	logger.Info("assistant gateway starting",
		logger.FieldListen, cfg.GatewayListenAddr,
		logger.FieldURL, cfg.CompletionBaseURL,
		logger.FieldModel, cfg.CompletionModel,
	)
	util.SafeGo(func() {
		if err := srv.Run(); err != nil {
			logger.Fatal("gateway failed", logger.FieldError, err)
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
}
