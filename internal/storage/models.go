package storage

import (
	"database/sql"

	"shardminer/backend/internal/mining"
)

const sessionColumns = `id, user_id, order_id, target_mbps, duration_ms, status, created_at, completed_at, bytes_received, bytes_sent, loss_rate, jitter_ms`

const payoutColumns = `id, user_id, session_id, bytes_processed, quality_score, final_score, proof_signature, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (mining.Session, error) {
	var (
		session     mining.Session
		status      string
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.OrderID,
		&session.TargetMbps,
		&session.DurationMs,
		&status,
		&session.CreatedAt,
		&completedAt,
		&session.BytesReceived,
		&session.BytesSent,
		&session.LossRate,
		&session.JitterMs,
	)
	if err != nil {
		return mining.Session{}, err
	}
	session.Status = mining.SessionStatus(status)
	if completedAt.Valid {
		session.CompletedAt = completedAt.Int64
	}
	return session, nil
}

func scanPayout(row rowScanner) (mining.Payout, error) {
	var payout mining.Payout
	err := row.Scan(
		&payout.ID,
		&payout.UserID,
		&payout.SessionID,
		&payout.BytesProcessed,
		&payout.QualityScore,
		&payout.FinalScore,
		&payout.ProofSignature,
		&payout.CreatedAt,
	)
	return payout, err
}
