// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"time"

	"github.com/Jochemderoos/workx-assistant/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 完成服务 (completion service)
	CompletionBaseURL    string `env:"COMPLETION_BASE_URL" default:"http://127.0.0.1:9090"`
	CompletionModel      string `env:"COMPLETION_MODEL" default:"workx-chat-1"`
	TurnCeilingSec       int    `env:"TURN_CEILING_SEC" default:"300" min:"10"`
	SubmitTimeoutSec     int    `env:"SUBMIT_TIMEOUT_SEC" default:"30" min:"1"`
	AnonymizeByDefault   bool   `env:"ANONYMIZE_BY_DEFAULT" default:"true"`
	UseKnowledgeSources  bool   `env:"USE_KNOWLEDGE_SOURCES" default:"true"`
	ClientBuildToken     string `env:"CLIENT_BUILD_TOKEN"`
	RenderFlushMS        int    `env:"RENDER_FLUSH_MS" default:"50" min:"10"`

	// 文档服务 (apply edits)
	DocumentBaseURL     string `env:"DOCUMENT_BASE_URL" default:"http://127.0.0.1:9091"`
	ApplyEditTimeoutSec int    `env:"APPLY_EDIT_TIMEOUT_SEC" default:"60" min:"1"`

	// PostgreSQL
	PostgresConnStr        string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`

	// Gateway
	GatewayListenAddr string `env:"GATEWAY_LISTEN_ADDR" default:":8080"`
	HistoryListLimit  int    `env:"HISTORY_LIST_LIMIT" default:"200" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// TurnCeiling 返回单个 turn 的硬性超时上限。
func (c *Config) TurnCeiling() time.Duration {
	return time.Duration(c.TurnCeilingSec) * time.Second
}

// RenderFlushInterval 返回渲染缓冲的定时 flush 间隔。
func (c *Config) RenderFlushInterval() time.Duration {
	return time.Duration(c.RenderFlushMS) * time.Millisecond
}
