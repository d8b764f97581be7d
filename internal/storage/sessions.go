package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shardminer/backend/internal/mining"
)

// CreateSessionIfIdle runs the rate-limit check and the insert in one
// transaction. Postgres serializes callers per user with a transaction
// scoped advisory lock; SQLite has a single connection.
func (s *Store) CreateSessionIfIdle(ctx context.Context, session mining.Session, since int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == Postgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, session.UserID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
	}

	var recent int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mining_sessions
		WHERE user_id = $1 AND status = 'active' AND created_at > $2`,
		session.UserID, since,
	).Scan(&recent)
	if err != nil {
		return fmt.Errorf("counting recent sessions: %w", err)
	}
	if recent > 0 {
		return mining.ErrRateLimited
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mining_sessions (id, user_id, order_id, target_mbps, duration_ms, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		session.ID, session.UserID, session.OrderID, session.TargetMbps, session.DurationMs,
		string(mining.SessionActive), session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetSessionByOrderID(ctx context.Context, orderID string) (mining.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM mining_sessions WHERE order_id = $1`, orderID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mining.Session{}, mining.ErrSessionNotFound
	}
	if err != nil {
		return mining.Session{}, fmt.Errorf("loading session %s: %w", orderID, err)
	}
	return session, nil
}

func (s *Store) CompleteSession(ctx context.Context, orderID string, metrics mining.Metrics, completedAt int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mining_sessions
		SET status = 'completed', completed_at = $1, bytes_received = $2, bytes_sent = $3, loss_rate = $4, jitter_ms = $5
		WHERE order_id = $6 AND status = 'active'`,
		completedAt, metrics.BytesRx, metrics.BytesTx, metrics.Loss, metrics.Jitter, orderID,
	)
	if err != nil {
		return fmt.Errorf("completing session %s: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("completing session %s: %w", orderID, err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := s.GetSessionByOrderID(ctx, orderID); err != nil {
		return err
	}
	return mining.ErrSessionNotActive
}
