package mining

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidMetrics      = errors.New("invalid metrics")
	ErrRateLimited         = errors.New("rate limited - wait before requesting new work")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotCompleted = errors.New("session not completed")
	ErrSessionNotActive    = errors.New("session already completed")
	ErrInvalidProof        = errors.New("invalid proof signature")
	ErrProofMismatch       = errors.New("proof data mismatch")
	ErrAlreadyClaimed      = errors.New("proof already claimed")
)
