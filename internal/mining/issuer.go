package mining

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"shardminer/backend/internal/token"
)

// IssueWorkOrder creates a signed work order and its active session.
// A user holding an active session younger than the rate-limit window
// gets ErrRateLimited.
func (s *Service) IssueWorkOrder(ctx context.Context, userID string) (*IssuedOrder, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}

	now := s.clock.Now()
	order := WorkOrder{
		ID:         uuid.NewString(),
		UserID:     userID,
		TargetMbps: s.cfg.MinMbps + rand.Intn(s.cfg.MaxMbps-s.cfg.MinMbps+1),
		DurationMs: s.cfg.Duration.Milliseconds(),
		CreatedAt:  now.UnixMilli(),
	}

	signed, err := token.Sign(s.orders, order)
	if err != nil {
		return nil, fmt.Errorf("signing work order: %w", err)
	}

	session := Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		OrderID:    order.ID,
		TargetMbps: order.TargetMbps,
		DurationMs: order.DurationMs,
		Status:     SessionActive,
		CreatedAt:  order.CreatedAt,
	}
	since := now.Add(-s.cfg.RateLimitWindow).UnixMilli()

	if err := s.store.CreateSessionIfIdle(ctx, session, since); err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.logger.WithField("user_id", userID).Debug("work order rate limited")
			return nil, err
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"user_id":     userID,
		"order_id":    order.ID,
		"target_mbps": order.TargetMbps,
	}).Info("work order issued")

	return &IssuedOrder{WorkOrder: order, Token: signed}, nil
}
