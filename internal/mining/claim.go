package mining

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"shardminer/backend/internal/token"
)

// postCommitTimeout bounds the leaderboard refreshes and notification
// that follow a committed payout. They run detached from the request so
// a client hanging up does not skip them.
const postCommitTimeout = 5 * time.Second

// Claim redeems a proof for shards. The gates run in a fixed order:
// proof authenticity, consistency with the submission, replay,
// session lookup. The score is computed from the submitted values.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	proof, err := token.Verify[ProofData](s.proofs, req.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProof, err)
	}

	if err := s.crossCheck(proof, req); err != nil {
		return nil, err
	}

	if _, found, err := s.store.GetPayoutBySignature(ctx, req.Signature); err != nil {
		return nil, fmt.Errorf("looking up payout: %w", err)
	} else if found {
		return nil, ErrAlreadyClaimed
	}

	session, err := s.store.GetSessionByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	score := ComputeScore(req.BytesRx, req.Loss, req.Jitter)
	now := s.clock.Now().UnixMilli()
	payout := Payout{
		ID:             uuid.NewString(),
		UserID:         session.UserID,
		SessionID:      session.ID,
		BytesProcessed: req.BytesRx,
		QualityScore:   score.QualityScore,
		FinalScore:     score.FinalScore,
		ProofSignature: req.Signature,
		CreatedAt:      now,
	}
	metrics := Metrics{Loss: req.Loss, Jitter: req.Jitter, BytesRx: req.BytesRx, BytesTx: req.BytesTx}

	if err := s.store.CreatePayout(ctx, payout, metrics, now); err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return nil, err
		}
		return nil, fmt.Errorf("persisting payout: %w", err)
	}

	entry := s.logger.WithFields(log.Fields{
		"user_id":     session.UserID,
		"order_id":    req.OrderID,
		"payout_id":   payout.ID,
		"final_score": payout.FinalScore,
	})
	entry.Info("claim credited")

	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postCommitTimeout)
	defer cancel()

	for _, r := range s.refreshers {
		if err := r.Refresh(postCtx, payout); err != nil {
			entry.WithError(err).Warn("failed to refresh leaderboard aggregates")
		}
	}

	result := &ClaimResult{
		UserID:         session.UserID,
		AddedScore:     payout.FinalScore,
		QualityScore:   payout.QualityScore,
		BytesProcessed: payout.BytesProcessed,
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyClaim(postCtx, session.UserID, *result); err != nil {
			entry.WithError(err).Warn("failed to send claim notification")
		}
	}

	return result, nil
}

// crossCheck compares the decoded proof with the submitted values. Loss
// and jitter must match exactly; bytesRx may drift by ByteTolerance.
func (s *Service) crossCheck(proof ProofData, req ClaimRequest) error {
	if proof.OrderID != req.OrderID {
		return ErrProofMismatch
	}
	if proof.Loss != req.Loss || proof.Jitter != req.Jitter {
		return ErrProofMismatch
	}
	diff := proof.BytesRx - req.BytesRx
	if diff < 0 {
		diff = -diff
	}
	if diff > s.cfg.ByteTolerance {
		return ErrProofMismatch
	}
	if !validMetrics(req.BytesRx, req.BytesTx, req.Loss, req.Jitter) {
		return ErrInvalidMetrics
	}
	return nil
}
