// decoder.go — 事件帧解码器: 把原始字节流切分为完整协议帧。
//
// 线格式: 帧之间以空行 ("\n\n") 分隔; 每帧的 payload 为单行
// "data: {json}", JSON 对象携带 type 字段与类型相关字段。
//
// 解码器跨 chunk 缓冲 — 分隔符可能落在任意读取边界内。
// 单个畸形帧跳过并告警, 不中断整条流; error 帧例外, 向上传播为整个
// turn 的硬失败 (由状态机处理, 解码器只负责完整地交付它)。
package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

const dataPrefix = "data: "

// frameEnvelope 线上 payload 的公共信封 (只取 type, 其余留给各帧类型解析)。
type frameEnvelope struct {
	Type string `json:"type"`
}

// Decoder 从 io.Reader 增量解码协议帧。
//
// 非并发安全 — 一条流只有一个读者。
type Decoder struct {
	r   io.Reader
	buf bytes.Buffer
	// chunk 读取缓冲, 复用避免每次分配
	chunk []byte
	eof   bool
}

// NewDecoder 创建解码器。
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, 4096)}
}

// Next 返回下一个完整帧。流结束返回 io.EOF, 读取失败返回底层错误。
//
// 畸形帧 (payload 不是合法 JSON 或缺少 type) 在内部跳过并记录告警,
// 调用方永远不会看到不完整或不合法的帧。
func (d *Decoder) Next() (Frame, error) {
	for {
		// 先消费缓冲里已经完整的帧
		if block, ok := d.takeBlock(); ok {
			frame, ok := parseBlock(block)
			if !ok {
				continue // 畸形帧: 跳过, 继续找下一帧
			}
			return frame, nil
		}

		if d.eof {
			// 流收尾: 残余不带分隔符的数据也要作为最后一帧处理
			if rest := strings.TrimSpace(d.buf.String()); rest != "" {
				d.buf.Reset()
				if frame, ok := parseBlock(rest); ok {
					return frame, nil
				}
			}
			return Frame{}, io.EOF
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf.Write(d.chunk[:n])
		}
		if err == io.EOF {
			d.eof = true
			continue
		}
		if err != nil {
			return Frame{}, err
		}
	}
}

// takeBlock 从缓冲中取出第一个以空行结尾的完整块。
func (d *Decoder) takeBlock() (string, bool) {
	raw := d.buf.Bytes()
	idx := bytes.Index(raw, []byte("\n\n"))
	if idx < 0 {
		return "", false
	}
	block := string(raw[:idx])
	d.buf.Next(idx + 2)
	return block, true
}

// parseBlock 把一个完整块解析成帧。返回 ok=false 表示该块应被跳过。
func parseBlock(block string) (Frame, bool) {
	payload := ""
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, dataPrefix) {
			payload = line[len(dataPrefix):]
			break
		}
	}
	if strings.TrimSpace(payload) == "" {
		// 注释行或 keepalive 块, 静默跳过
		return Frame{}, false
	}

	var env frameEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logger.Warn("stream: skipping malformed frame",
			logger.FieldError, err,
			logger.FieldDataLen, len(payload),
		)
		return Frame{}, false
	}
	if env.Type == "" {
		logger.Warn("stream: skipping frame without type", logger.FieldDataLen, len(payload))
		return Frame{}, false
	}

	return Frame{Kind: FrameKind(env.Type), Data: json.RawMessage(payload)}, true
}
