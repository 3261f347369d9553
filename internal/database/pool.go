// Package database PostgreSQL 连接池与迁移。
//
// pgxpool 直连, 裸 SQL, 不引 ORM。网关的待发输入与消息历史都走这个池。
package database

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Jochemderoos/workx-assistant/internal/config"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

// NewPool 创建连接池并验证连通性。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.PostgresConnStr == "" {
		return nil, fmt.Errorf("POSTGRES_CONNECTION_STRING is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MinConns = clampInt32(cfg.PostgresPoolMinSize, "PostgresPoolMinSize")
	poolCfg.MaxConns = clampInt32(cfg.PostgresPoolMaxSize, "PostgresPoolMaxSize")

	// 非 public schema: AfterConnect 设置 search_path, quote_ident 防注入
	if schema := cfg.PostgresSchema; schema != "" && schema != "public" {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("postgres pool ready",
		"min_conns", cfg.PostgresPoolMinSize,
		"max_conns", cfg.PostgresPoolMaxSize,
		"schema", cfg.PostgresSchema,
	)
	return pool, nil
}

// clampInt32 int → int32, 越界 clamp 并告警。
func clampInt32(v int, name string) int32 {
	if v > math.MaxInt32 {
		logger.Warn("pool config overflow, clamped", logger.FieldName, name, "value", v)
		return math.MaxInt32
	}
	if v < 0 {
		logger.Warn("pool config negative, clamped to 0", logger.FieldName, name, "value", v)
		return 0
	}
	return int32(v)
}
