package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/koe/internal/model"
)

// InsertUserMessage persists a user utterance and notifies the messages
// channel. The intake handler calls this BEFORE enqueueing the orchestration
// job so the history loaded by the worker always includes it.
func (db *DB) InsertUserMessage(ctx context.Context, sessionID, turnID, content string) (model.Message, error) {
	msg := model.Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		TurnID:    turnID,
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.insertMessage(ctx, msg); err != nil {
		return model.Message{}, fmt.Errorf("storage: insert user message: %w", err)
	}
	return msg, nil
}

// InsertAssistantMessage persists the final assistant message under a
// pre-generated id and notifies the messages channel. This insert is the
// authoritative completeness signal for the turn.
func (db *DB) InsertAssistantMessage(ctx context.Context, id uuid.UUID, sessionID, turnID, content string, toolCallIDs []uuid.UUID) (model.Message, error) {
	msg := model.Message{
		ID:        id,
		SessionID: sessionID,
		TurnID:    turnID,
		Role:      model.RoleAssistant,
		Content:   content,
		ToolCalls: toolCallIDs,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.insertMessage(ctx, msg); err != nil {
		return model.Message{}, fmt.Errorf("storage: insert assistant message: %w", err)
	}
	return msg, nil
}

func (db *DB) insertMessage(ctx context.Context, msg model.Message) error {
	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		toolCalls = msg.ToolCalls
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO koe_messages (id, session_id, turn_id, role, content, tool_calls, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.SessionID, msg.TurnID, string(msg.Role), msg.Content, toolCalls, msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	db.notifyJSON(ctx, ChannelMessages, msg, func() any {
		slim := msg
		if cut := maxNotifyPayload / 2; len(slim.Content) > cut {
			slim.Content = truncateUTF8(slim.Content, cut) + TruncationMarker
		}
		return slim
	})
	return nil
}

// ListMessages returns all messages for a session in insertion order.
func (db *DB) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, turn_id, role, content, tool_calls, created_at
		 FROM koe_messages WHERE session_id = $1
		 ORDER BY created_at ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnID, &m.Role, &m.Content, &m.ToolCalls, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage retrieves one message by id.
func (db *DB) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	var m model.Message
	err := db.pool.QueryRow(ctx,
		`SELECT id, session_id, turn_id, role, content, tool_calls, created_at
		 FROM koe_messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.SessionID, &m.TurnID, &m.Role, &m.Content, &m.ToolCalls, &m.CreatedAt)
	if err != nil {
		return model.Message{}, ErrNotFound
	}
	return m, nil
}

// notifyJSON marshals v and sends it on the channel; when the payload exceeds
// the pg_notify cap, slim() supplies a reduced row instead. Notification
// failures are logged, never propagated: the row is committed, and clients
// that miss the signal recover by re-fetching history.
func (db *DB) notifyJSON(ctx context.Context, channel string, v any, slim func() any) {
	payload, err := json.Marshal(v)
	if err != nil {
		db.logger.Error("storage: marshal notification", "channel", channel, "error", err)
		return
	}
	if len(payload) > maxNotifyPayload && slim != nil {
		payload, err = json.Marshal(slim())
		if err != nil {
			db.logger.Error("storage: marshal slim notification", "channel", channel, "error", err)
			return
		}
	}
	if err := db.Notify(ctx, channel, string(payload)); err != nil {
		db.logger.Warn("storage: notify failed", "channel", channel, "error", err)
	}
}
