package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/koe/internal/model"
)

// CreateToolCallParams holds the fields for persisting one tool invocation.
type CreateToolCallParams struct {
	ToolCallID string
	SessionID  string
	MessageID  uuid.UUID // pre-generated assistant message id
	ToolName   string
	Input      json.RawMessage
	Output     json.RawMessage
	Status     model.ToolCallStatus
	DurationMs int64
}

// InsertToolCall persists a tool-call record and notifies the tool-calls
// channel. Exactly one record is written per executed tool call, whether it
// completed or errored; there is no transactional coupling with the final
// message insert.
func (db *DB) InsertToolCall(ctx context.Context, p CreateToolCallParams) (model.ToolCallRecord, error) {
	rec := model.ToolCallRecord{
		ID:         uuid.New(),
		ToolCallID: p.ToolCallID,
		SessionID:  p.SessionID,
		MessageID:  &p.MessageID,
		ToolName:   p.ToolName,
		Input:      p.Input,
		Output:     p.Output,
		Status:     p.Status,
		DurationMs: p.DurationMs,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO koe_tool_calls (id, tool_call_id, session_id, message_id, tool_name, input, output, status, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.ToolCallID, rec.SessionID, rec.MessageID, rec.ToolName,
		rec.Input, rec.Output, string(rec.Status), rec.DurationMs, rec.CreatedAt,
	)
	if err != nil {
		return model.ToolCallRecord{}, fmt.Errorf("storage: insert tool call: %w", err)
	}

	db.notifyJSON(ctx, ChannelToolCalls, rec, func() any {
		slim := rec
		slim.Output = json.RawMessage(`{"truncated":true}`)
		return slim
	})
	return rec, nil
}

// ListToolCalls returns all tool-call records for a session, oldest first.
func (db *DB) ListToolCalls(ctx context.Context, sessionID string) ([]model.ToolCallRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tool_call_id, session_id, message_id, tool_name, input, output, status, duration_ms, created_at
		 FROM koe_tool_calls WHERE session_id = $1
		 ORDER BY created_at ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls: %w", err)
	}
	defer rows.Close()

	var recs []model.ToolCallRecord
	for rows.Next() {
		var r model.ToolCallRecord
		if err := rows.Scan(&r.ID, &r.ToolCallID, &r.SessionID, &r.MessageID, &r.ToolName,
			&r.Input, &r.Output, &r.Status, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool call: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
