// client.go — 完成服务 HTTP 流式客户端。
//
// 生命周期: Submit (POST) → 长连接响应体 → Decoder 逐帧解码 → onFrame 回调。
// 网络 I/O 是唯一挂起点 — "等待响应体的下一个 chunk"。
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/Jochemderoos/workx-assistant/pkg/errors"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

// 版本守卫头: 服务端在任意响应上回显构建版本号。
const BuildTokenHeader = "X-Assistant-Build"

// SubmitRequest 提交载荷。Prompt 已与生效的行为修饰符合并完毕 —
// 重试时原样重发, 不得二次叠加。
type SubmitRequest struct {
	ConversationID      string   `json:"conversationId,omitempty"`
	Prompt              string   `json:"prompt"`
	DocumentIDs         []string `json:"documentIds,omitempty"`
	Anonymize           bool     `json:"anonymize"`
	Model               string   `json:"model,omitempty"`
	UseKnowledgeSources bool     `json:"useKnowledgeSources"`
}

// Client 完成服务客户端。
type Client struct {
	baseURL    string
	buildToken string
	httpCli    *http.Client
}

// NewClient 创建客户端。buildToken 非空时启用版本守卫。
//
// 不设整体超时 — 响应是长连接流, 生命周期由调用方 ctx (取消句柄) 控制。
func NewClient(baseURL, buildToken string) *Client {
	return &Client{
		baseURL:    baseURL,
		buildToken: buildToken,
		httpCli:    &http.Client{},
	}
}

// Stream 提交 prompt 并逐帧回调 onFrame, 直到流结束或 onFrame 返回错误。
//
// 错误分类:
//   - ErrProtocolMismatch: 版本守卫命中 — 任何帧之前即返回
//   - ErrTransport: 连接建立失败 / 非 200 / 响应体中途断开
//   - onFrame 返回的错误原样向上传播 (error 帧的硬失败路径)
//
// ctx 取消不作为错误返回 — 调用方通过句柄自行判定 aborted。
func (c *Client) Stream(ctx context.Context, req SubmitRequest, onFrame func(Frame) error) error {
	data, err := json.Marshal(req)
	if err != nil {
		return apperrors.Wrap(err, "Client.Stream", "marshal submit request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assistant/stream", bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(err, "Client.Stream", "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.buildToken != "" {
		httpReq.Header.Set(BuildTokenHeader, c.buildToken)
	}

	started := time.Now()
	resp, err := c.httpCli.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil // 取消不是错误
		}
		return apperrors.Wrap(apperrors.ErrTransport, "Client.Stream", err.Error())
	}
	defer resp.Body.Close()

	if err := c.checkBuildToken(resp); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return apperrors.Wrapf(apperrors.ErrTransport, "Client.Stream", "status %d: %s", resp.StatusCode, body)
	}

	dec := NewDecoder(resp.Body)
	frames := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := dec.Next()
		if errors.Is(err, io.EOF) {
			logger.Info("stream: completed",
				logger.FieldCount, frames,
				logger.FieldDurationMS, time.Since(started).Milliseconds(),
			)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperrors.Wrap(apperrors.ErrTransport, "Client.Stream", err.Error())
		}

		frames++
		if err := onFrame(frame); err != nil {
			return err
		}
	}
}

// checkBuildToken 版本守卫: 服务端回显的构建版本与本端不一致时失败。
// 有意的 fail-fast — 半兼容的客户端/服务端组合比中断更危险。
func (c *Client) checkBuildToken(resp *http.Response) error {
	if c.buildToken == "" {
		return nil
	}
	echoed := resp.Header.Get(BuildTokenHeader)
	if echoed == "" || echoed == c.buildToken {
		return nil
	}
	logger.Warn("stream: build token mismatch",
		logger.FieldVersion, c.buildToken,
		"server_version", echoed,
	)
	return apperrors.Wrapf(apperrors.ErrProtocolMismatch, "Client.Stream", "client %s vs server %s", c.buildToken, echoed)
}
