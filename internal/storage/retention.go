package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DeleteExpiredSessions removes messages and tool-call records belonging to
// sessions whose most recent message is older than the retention window.
// Returns the number of sessions purged. Sessions are never explicitly
// destroyed by clients, so this sweep is the only cleanup path.
func (db *DB) DeleteExpiredSessions(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := db.pool.Query(ctx,
		`SELECT session_id FROM koe_messages
		 GROUP BY session_id
		 HAVING max(created_at) < $1
		 LIMIT $2`, cutoff, batch,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: find expired sessions: %w", err)
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("storage: scan expired session: %w", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if _, err := db.pool.Exec(ctx,
		`DELETE FROM koe_tool_calls WHERE session_id = ANY($1)`, expired,
	); err != nil {
		return 0, fmt.Errorf("storage: delete expired tool calls: %w", err)
	}
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM koe_messages WHERE session_id = ANY($1)`, expired,
	); err != nil {
		return 0, fmt.Errorf("storage: delete expired messages: %w", err)
	}
	return len(expired), nil
}

// RetentionSweeper periodically purges expired sessions.
type RetentionSweeper struct {
	db        *DB
	logger    *slog.Logger
	retention time.Duration
	interval  time.Duration
}

// NewRetentionSweeper creates a sweeper. Call Run in a goroutine.
func NewRetentionSweeper(db *DB, logger *slog.Logger, retention, interval time.Duration) *RetentionSweeper {
	return &RetentionSweeper{db: db, logger: logger, retention: retention, interval: interval}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.db.DeleteExpiredSessions(ctx, s.retention, 500)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("retention sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				s.logger.Info("retention sweep purged sessions", "count", n)
			}
		}
	}
}
