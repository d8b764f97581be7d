package mining

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"shardminer/backend/internal/clock"
	"shardminer/backend/internal/token"
)

type Config struct {
	MinMbps         int
	MaxMbps         int
	Duration        time.Duration
	RateLimitWindow time.Duration
	// ByteTolerance is how far a claimed bytesRx may drift from the
	// proof before the claim is rejected.
	ByteTolerance int64
}

func DefaultConfig() Config {
	return Config{
		MinMbps:         3,
		MaxMbps:         7,
		Duration:        30 * time.Second,
		RateLimitWindow: time.Minute,
		ByteTolerance:   1024,
	}
}

func (c Config) validate() error {
	if c.MinMbps <= 0 || c.MaxMbps < c.MinMbps {
		return fmt.Errorf("mining: invalid target rate range [%d, %d]", c.MinMbps, c.MaxMbps)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("mining: duration must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("mining: rate limit window must be positive")
	}
	if c.ByteTolerance < 0 {
		return fmt.Errorf("mining: byte tolerance must not be negative")
	}
	return nil
}

// Service runs the work order, proof and claim protocol. It holds no
// mutable state of its own; the Store is the source of truth.
type Service struct {
	store      Store
	orders     *token.Codec
	proofs     *token.Codec
	cfg        Config
	clock      clock.Clock
	logger     *log.Entry
	refreshers []AggregateRefresher
	notifier   Notifier
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *log.Entry) Option {
	return func(s *Service) { s.logger = l }
}

func WithRefreshers(r ...AggregateRefresher) Option {
	return func(s *Service) { s.refreshers = append(s.refreshers, r...) }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// NewService wires the protocol. orders and proofs must be built from
// different secrets.
func NewService(store Store, orders, proofs *token.Codec, cfg Config, opts ...Option) (*Service, error) {
	if store == nil || orders == nil || proofs == nil {
		return nil, fmt.Errorf("mining: store and codecs are required")
	}
	if orders == proofs {
		return nil, fmt.Errorf("mining: work order and proof codecs must be distinct")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Service{
		store:  store,
		orders: orders,
		proofs: proofs,
		cfg:    cfg,
		clock:  clock.Real(),
		logger: log.WithField("component", "mining"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// VerifyWorkOrder decodes a work token. Errors wrap token.ErrExpired or
// token.ErrInvalidToken.
func (s *Service) VerifyWorkOrder(tokenString string) (WorkOrder, error) {
	return token.Verify[WorkOrder](s.orders, tokenString)
}

func (s *Service) Balance(ctx context.Context, userID string) (Totals, error) {
	if userID == "" {
		return Totals{}, fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}
	totals, err := s.store.UserTotals(ctx, userID)
	if err != nil {
		return Totals{}, fmt.Errorf("loading totals: %w", err)
	}
	return totals, nil
}

// RateLimitWindow is how long a fresh active session blocks new work
// orders for its user.
func (s *Service) RateLimitWindow() time.Duration {
	return s.cfg.RateLimitWindow
}
