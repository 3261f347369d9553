// Package store pgx 持久化: 待发输入与会话消息历史。
//
// 裸 SQL + pgxpool, 每个表一个 store 类型。
package store

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/Jochemderoos/workx-assistant/pkg/errors"
)

// PendingInputStore 版本守卫命中时落盘的未发送输入。
// 每个会话至多一条 — 重载后取回并删除。
type PendingInputStore struct {
	pool *pgxpool.Pool
}

func NewPendingInputStore(pool *pgxpool.Pool) *PendingInputStore {
	return &PendingInputStore{pool: pool}
}

// Save upsert 待发输入。
func (s *PendingInputStore) Save(ctx context.Context, sessionID, input string) error {
	if s.pool == nil {
		return apperrors.New("PendingInputStore.Save", "pool is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_inputs (session_id, input, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			input = EXCLUDED.input,
			updated_at = NOW()
	`, sessionID, input)
	if err != nil {
		return apperrors.Wrap(err, "PendingInputStore.Save", "upsert pending input")
	}
	return nil
}

// Get 取回待发输入。不存在时返回 ("", false, nil)。
func (s *PendingInputStore) Get(ctx context.Context, sessionID string) (string, bool, error) {
	if s.pool == nil {
		return "", false, apperrors.New("PendingInputStore.Get", "pool is required")
	}
	var input string
	err := s.pool.QueryRow(ctx, `SELECT input FROM pending_inputs WHERE session_id = $1`, sessionID).Scan(&input)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, apperrors.Wrap(err, "PendingInputStore.Get", "query pending input")
	}
	return input, true, nil
}

// Delete 删除待发输入。不存在时是 no-op。
func (s *PendingInputStore) Delete(ctx context.Context, sessionID string) error {
	if s.pool == nil {
		return apperrors.New("PendingInputStore.Delete", "pool is required")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM pending_inputs WHERE session_id = $1`, sessionID); err != nil {
		return apperrors.Wrap(err, "PendingInputStore.Delete", "delete pending input")
	}
	return nil
}
