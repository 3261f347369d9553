// Package editblock 从定稿的助手回复中提取文档编辑指令。
//
// 编辑块由保留标记对包裹, 内容是严格 JSON。提取是确定性的纯函数 —
// 指令不单独持久化, 任何时刻都可以从消息原文重新推导。
package editblock

import (
	"encoding/json"
	"strings"

	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

const (
	markerOpen  = "[EDIT_DOCUMENT]"
	markerClose = "[/EDIT_DOCUMENT]"
)

// Edit 单条查找替换。
type Edit struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// Command 一次文档编辑指令。
type Command struct {
	DocumentID   string `json:"documentId"`
	DocumentName string `json:"documentName"`
	Edits        []Edit `json:"edits"`
}

// Extract 从文本中提取编辑指令。
//
// 返回 nil 的情形: 无标记、标记不闭合、JSON 畸形、缺 documentId、
// 编辑列表为空。畸形块静默忽略 (仅 debug 日志) — 可见回答本身仍然
// 有效, 不值得向用户报错。
func Extract(text string) *Command {
	raw, ok := blockBody(text)
	if !ok {
		return nil
	}

	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		logger.Debug("editblock: malformed block ignored", logger.FieldError, err)
		return nil
	}
	if cmd.DocumentID == "" || len(cmd.Edits) == 0 {
		logger.Debug("editblock: incomplete command ignored",
			logger.FieldDocumentID, cmd.DocumentID,
			logger.FieldCount, len(cmd.Edits),
		)
		return nil
	}
	return &cmd
}

// StripForDisplay 移除编辑块及其周围空白, 使原始块永不直接展示。
// 文本中出现多个块时全部移除。无块时原样返回。
func StripForDisplay(text string) string {
	for {
		open := strings.Index(text, markerOpen)
		if open < 0 {
			return text
		}
		rest := text[open+len(markerOpen):]
		end := strings.Index(rest, markerClose)
		if end < 0 {
			return text // 不闭合的块不视为块
		}

		before := strings.TrimRight(text[:open], " \t\r\n")
		after := strings.TrimLeft(rest[end+len(markerClose):], " \t\r\n")
		switch {
		case before == "":
			text = after
		case after == "":
			text = before
		default:
			text = before + "\n\n" + after
		}
	}
}

// blockBody 返回第一个闭合标记对之间的内容。
func blockBody(text string) (string, bool) {
	open := strings.Index(text, markerOpen)
	if open < 0 {
		return "", false
	}
	rest := text[open+len(markerOpen):]
	end := strings.Index(rest, markerClose)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
