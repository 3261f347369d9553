// message.go — 定稿消息历史。
package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Jochemderoos/workx-assistant/internal/session"
	"github.com/Jochemderoos/workx-assistant/internal/stream"
	apperrors "github.com/Jochemderoos/workx-assistant/pkg/errors"
)

// MessageStore 会话消息历史。只存终态消息 — 进行中的正文只活在 Turn 缓冲里。
type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// Append 追加一条终态消息。引用与知识源存 jsonb。
func (s *MessageStore) Append(ctx context.Context, conversationID string, msg session.Message) error {
	if s.pool == nil {
		return apperrors.New("MessageStore.Append", "pool is required")
	}

	citations, err := json.Marshal(msg.Citations)
	if err != nil {
		return apperrors.Wrap(err, "MessageStore.Append", "marshal citations")
	}
	sources, err := json.Marshal(msg.Sources)
	if err != nil {
		return apperrors.Wrap(err, "MessageStore.Append", "marshal sources")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_messages
			(id, conversation_id, role, content, citations, sources, confidence, reasoning_trace, failed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, conversationID, string(msg.Role), msg.Content, citations, sources,
		msg.Confidence, msg.ReasoningTrace, msg.Failed, msg.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, "MessageStore.Append", "insert message")
	}
	return nil
}

// ListByConversation 按时间顺序返回一个会话的消息。
func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]session.Message, error) {
	if s.pool == nil {
		return nil, apperrors.New("MessageStore.List", "pool is required")
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, role, content, citations, sources, confidence, reasoning_trace, failed, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "MessageStore.List", "query messages")
	}
	defer rows.Close()

	var out []session.Message
	for rows.Next() {
		var (
			m         session.Message
			role      string
			citations json.RawMessage
			sources   json.RawMessage
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &citations, &sources,
			&m.Confidence, &m.ReasoningTrace, &m.Failed, &m.CreatedAt); err != nil {
			return nil, apperrors.Wrap(err, "MessageStore.List", "scan message")
		}
		m.Role = session.Role(role)
		if len(citations) > 0 {
			var cs []stream.Citation
			if err := json.Unmarshal(citations, &cs); err == nil {
				m.Citations = cs
			}
		}
		if len(sources) > 0 {
			var ks []stream.KnowledgeSource
			if err := json.Unmarshal(sources, &ks); err == nil {
				m.Sources = ks
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "MessageStore.List", "iterate messages")
	}
	return out, nil
}
