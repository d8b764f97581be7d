package mining

import "context"

// Store is the persistence contract of the protocol. Implementations
// must make CreateSessionIfIdle and CreatePayout atomic.
type Store interface {
	// CreateSessionIfIdle inserts session unless the user already has an
	// active session created after since (epoch ms), in which case it
	// returns ErrRateLimited.
	CreateSessionIfIdle(ctx context.Context, session Session, since int64) error

	// GetSessionByOrderID returns ErrSessionNotFound for unknown orders.
	GetSessionByOrderID(ctx context.Context, orderID string) (Session, error)

	// CompleteSession moves an active session to completed and stores
	// the metrics. Returns ErrSessionNotFound or ErrSessionNotActive.
	CompleteSession(ctx context.Context, orderID string, metrics Metrics, completedAt int64) error

	GetPayoutBySignature(ctx context.Context, signature string) (Payout, bool, error)

	// CreatePayout inserts the payout and rewrites the session metrics in
	// one transaction. A duplicate proof signature yields
	// ErrAlreadyClaimed and leaves no trace.
	CreatePayout(ctx context.Context, payout Payout, metrics Metrics, completedAt int64) error

	UserTotals(ctx context.Context, userID string) (Totals, error)
}

// AggregateRefresher updates a read-optimized view after a payout.
// Failures never fail the claim.
type AggregateRefresher interface {
	Refresh(ctx context.Context, payout Payout) error
}

// Notifier tells the user a claim was credited.
type Notifier interface {
	NotifyClaim(ctx context.Context, userID string, result ClaimResult) error
}
