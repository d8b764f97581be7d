package mining

import (
	"context"
	"fmt"

	"shardminer/backend/internal/token"
)

// GenerateProof signs a snapshot of a completed session's metrics.
// Unknown orders yield ErrSessionNotFound, sessions still running
// ErrSessionNotCompleted.
func (s *Service) GenerateProof(ctx context.Context, orderID string) (*Proof, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id required", ErrInvalidRequest)
	}

	session, err := s.store.GetSessionByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionCompleted {
		return nil, ErrSessionNotCompleted
	}

	data := ProofData{
		OrderID:   orderID,
		BytesRx:   session.BytesReceived,
		BytesTx:   session.BytesSent,
		Loss:      session.LossRate,
		Jitter:    session.JitterMs,
		Timestamp: s.clock.Now().UnixMilli(),
	}

	signature, err := token.Sign(s.proofs, data)
	if err != nil {
		return nil, fmt.Errorf("signing proof: %w", err)
	}
	return &Proof{ProofData: data, Signature: signature}, nil
}
