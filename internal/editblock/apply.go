// apply.go — 文档服务客户端: 把编辑指令应用到源文档, 产出新工件。
//
// 应用是纯函数: 服务端每次都从未改动的原始文档重新推导, 不改存储状态 —
// 同一指令重复应用产出字节级相同的工件。
package editblock

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	apperrors "github.com/Jochemderoos/workx-assistant/pkg/errors"
	"github.com/Jochemderoos/workx-assistant/pkg/logger"
)

// 每条编辑的结果通过响应头旁路返回, 正文保留给工件字节。
const ResultsHeader = "X-Edit-Results"

const (
	StatusApplied  = "applied"
	StatusNotFound = "not_found"
)

// EditResult 单条编辑的应用结果。not_found 不是失败 — 部分应用是预期行为。
type EditResult struct {
	Find   string `json:"find"`
	Status string `json:"status"`
}

// Outcome 一次应用调用的完整结果。
type Outcome struct {
	Artifact []byte
	Results  []EditResult
	Skipped  int // not_found 条数, 由调用方向用户呈现
}

// Applier 文档服务客户端。跨文档的应用调用无共享状态, 可并发。
type Applier struct {
	baseURL string
	httpCli *http.Client
}

// NewApplier 创建客户端。应用调用有界, 不同于流式连接。
func NewApplier(baseURL string, timeout time.Duration) *Applier {
	return &Applier{
		baseURL: baseURL,
		httpCli: &http.Client{Timeout: timeout},
	}
}

type applyRequest struct {
	Edits []Edit `json:"edits"`
}

// Apply 把指令发送到文档服务, 返回新工件与逐条结果。
//
// 找不到 find 文本的编辑标记为 not_found 并计入 Skipped, 调用整体仍成功,
// 其余编辑照常应用。
func (a *Applier) Apply(ctx context.Context, cmd *Command) (*Outcome, error) {
	if cmd == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Applier.Apply", "nil command")
	}

	body, err := json.Marshal(applyRequest{Edits: cmd.Edits})
	if err != nil {
		return nil, apperrors.Wrap(err, "Applier.Apply", "marshal edits")
	}

	url := a.baseURL + "/documents/" + cmd.DocumentID + "/apply-edits"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, "Applier.Apply", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpCli.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "Applier.Apply", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "Applier.Apply", "document %s", cmd.DocumentID)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, apperrors.Newf("Applier.Apply", "document service status %d: %s", resp.StatusCode, msg)
	}

	artifact, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTransport, "Applier.Apply", err.Error())
	}

	var results []EditResult
	if raw := resp.Header.Get(ResultsHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &results); err != nil {
			return nil, apperrors.Wrap(err, "Applier.Apply", "decode edit results header")
		}
	}

	out := &Outcome{Artifact: artifact, Results: results}
	for _, r := range results {
		if r.Status == StatusNotFound {
			out.Skipped++
		}
	}

	logger.Info("editblock: edits applied",
		logger.FieldDocumentID, cmd.DocumentID,
		logger.FieldCount, len(cmd.Edits),
		"skipped", out.Skipped,
		logger.FieldBytes, len(artifact),
	)
	return out, nil
}
