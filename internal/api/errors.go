package api

import (
	"errors"
	"net/http"

	"shardminer/backend/internal/mining"
	"shardminer/backend/internal/token"
	"shardminer/backend/internal/transfer"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable maps domain errors to responses. Order matters: an expired
// proof is also an invalid proof.
var errorTable = []errorMapping{
	{token.ErrExpired, http.StatusBadRequest, "EXPIRED"},
	{token.ErrInvalidToken, http.StatusBadRequest, "INVALID_TOKEN"},
	{mining.ErrInvalidProof, http.StatusBadRequest, "INVALID_TOKEN"},
	{mining.ErrProofMismatch, http.StatusBadRequest, "PROOF_MISMATCH"},
	{mining.ErrAlreadyClaimed, http.StatusBadRequest, "ALREADY_CLAIMED"},
	{mining.ErrInvalidMetrics, http.StatusBadRequest, "INVALID_METRICS"},
	{mining.ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
	{mining.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{mining.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{mining.ErrSessionNotCompleted, http.StatusConflict, "SESSION_NOT_COMPLETED"},
	{mining.ErrSessionNotActive, http.StatusConflict, "SESSION_NOT_ACTIVE"},
	{transfer.ErrPeerBusy, http.StatusServiceUnavailable, "PEER_BUSY"},
}

type apiError struct {
	status  int
	code    string
	message string
}

// classify returns the response for err. Unknown errors become a
// generic 500 so storage details never reach the client.
func classify(err error) apiError {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return apiError{status: m.status, code: m.code, message: m.err.Error()}
		}
	}
	return apiError{status: http.StatusInternalServerError, code: "INTERNAL", message: "internal server error"}
}
