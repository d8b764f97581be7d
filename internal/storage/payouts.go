package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shardminer/backend/internal/mining"
)

func (s *Store) GetPayoutBySignature(ctx context.Context, signature string) (mining.Payout, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM mining_payouts WHERE proof_signature = $1`, signature)
	payout, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mining.Payout{}, false, nil
	}
	if err != nil {
		return mining.Payout{}, false, fmt.Errorf("loading payout: %w", err)
	}
	return payout, true, nil
}

// CreatePayout relies on the unique proof_signature and session_id
// constraints for idempotency under concurrent claims. A session is paid
// at most once, whichever of its proofs arrives first.
func (s *Store) CreatePayout(ctx context.Context, payout mining.Payout, metrics mining.Metrics, completedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mining_payouts (id, user_id, session_id, bytes_processed, quality_score, final_score, proof_signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		payout.ID, payout.UserID, payout.SessionID, payout.BytesProcessed,
		payout.QualityScore, payout.FinalScore, payout.ProofSignature, payout.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return mining.ErrAlreadyClaimed
		}
		return fmt.Errorf("inserting payout: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mining_sessions
		SET status = 'completed', completed_at = $1, bytes_received = $2, bytes_sent = $3, loss_rate = $4, jitter_ms = $5
		WHERE id = $6`,
		completedAt, metrics.BytesRx, metrics.BytesTx, metrics.Loss, metrics.Jitter, payout.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", payout.SessionID, err)
	}

	return tx.Commit()
}

func (s *Store) UserTotals(ctx context.Context, userID string) (mining.Totals, error) {
	totals := mining.Totals{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(final_score), 0), COUNT(*), COALESCE(SUM(bytes_processed), 0)
		FROM mining_payouts WHERE user_id = $1`, userID,
	).Scan(&totals.Shards, &totals.Claims, &totals.BytesTotal)
	if err != nil {
		return mining.Totals{}, fmt.Errorf("summing payouts for %s: %w", userID, err)
	}
	return totals, nil
}
