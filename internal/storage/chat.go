package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) CreateChatSession(ctx context.Context, sess ChatSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, knowledge_base_id, title, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.KnowledgeBaseID, sess.Title, formatTime(s.nowUTC()))
	if err != nil {
		return fmt.Errorf("inserting chat session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	var sess ChatSession
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, knowledge_base_id, title, created_at FROM chat_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.KnowledgeBaseID, &sess.Title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &sess, nil
}

const messageColumns = `id, session_id, seq, role, content, status, provider, model, tokens_used,
	tokens_estimated, confidence_bucket, confidence_value, sources, error_message, created_at`

// AppendChatMessage stores msg as the next message of its session and
// returns it with Seq and CreatedAt filled in.
func (s *Store) AppendChatMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	if msg.Status == "" {
		msg.Status = MessageComplete
	}
	if msg.Sources == "" {
		msg.Sources = "[]"
	}
	msg.CreatedAt = s.nowUTC()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, session_id, seq, role, content, status, provider, model, tokens_used,
			tokens_estimated, confidence_bucket, confidence_value, sources, error_message, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		msg.ID, msg.SessionID, msg.SessionID, msg.Role, msg.Content, msg.Status, msg.Provider, msg.Model,
		msg.TokensUsed, msg.TokensEstimated, msg.ConfidenceBucket, msg.ConfidenceValue, msg.Sources,
		msg.ErrorMessage, formatTime(msg.CreatedAt),
	).Scan(&msg.Seq)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("inserting chat message: %w", err)
	}
	return msg, nil
}

// FinalizeChatMessage writes the terminal state of a streamed assistant message.
func (s *Store) FinalizeChatMessage(ctx context.Context, msg ChatMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages
		SET content = ?, status = ?, provider = ?, model = ?, tokens_used = ?, tokens_estimated = ?,
		    confidence_bucket = ?, confidence_value = ?, sources = ?, error_message = ?
		WHERE id = ? AND status = 'streaming'`,
		msg.Content, msg.Status, msg.Provider, msg.Model, msg.TokensUsed, msg.TokensEstimated,
		msg.ConfidenceBucket, msg.ConfidenceValue, msg.Sources, msg.ErrorMessage, msg.ID)
	if err != nil {
		return fmt.Errorf("finalizing chat message %s: %w", msg.ID, err)
	}
	return s.rowsAffectedOrMissing(res, "chat_messages", msg.ID)
}

func (s *Store) ListChatMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM chat_messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// LastChatMessage returns the most recent message of the session.
func (s *Store) LastChatMessage(ctx context.Context, sessionID string) (*ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM chat_messages WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *Store) DeleteChatMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chat message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SumTokensUsed totals tokens reported or estimated for a session's
// assistant messages.
func (s *Store) SumTokensUsed(ctx context.Context, sessionID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0) FROM chat_messages WHERE session_id = ? AND role = 'assistant'`,
		sessionID).Scan(&total)
	return total, err
}

func scanMessage(row scanner) (*ChatMessage, error) {
	var m ChatMessage
	var createdAt string
	if err := row.Scan(
		&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.Status, &m.Provider, &m.Model, &m.TokensUsed,
		&m.TokensEstimated, &m.ConfidenceBucket, &m.ConfidenceValue, &m.Sources, &m.ErrorMessage, &createdAt,
	); err != nil {
		return nil, err
	}
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
	}
	return &m, nil
}
