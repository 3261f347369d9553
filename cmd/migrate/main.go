// cmd/migrate — 独立迁移工具。网关启动时自动迁移, 这个入口给 CI/运维手动跑。
package main

import (
	"context"
	"os"

	"github.com/Jochemderoos/workx-assistant/internal/config"
	"github.com/Jochemderoos/workx-assistant/internal/database"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

func main() {
	logger.Init("info")
	cfg := config.Load()

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Error("database init failed", logger.FieldError, err)
		os.Exit(1)
	}
	defer pool.Close()

	dir := "./migrations"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	if err := database.Migrate(ctx, pool, dir); err != nil {
		logger.Error("migration failed", logger.FieldError, err)
		os.Exit(1)
	}
	logger.Info("migrations up to date", logger.FieldPath, dir)
}
