package mining_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardminer/backend/internal/clock"
	"shardminer/backend/internal/mining"
	"shardminer/backend/internal/storage"
	"shardminer/backend/internal/token"
)

type fixture struct {
	svc       *mining.Service
	store     *storage.Store
	clock     *clock.FakeClock
	proofs    *token.Codec
	refresher *recordingRefresher
	notifier  *recordingNotifier
}

type recordingRefresher struct {
	mu      sync.Mutex
	payouts []mining.Payout
	err     error
	hook    func()
}

func (r *recordingRefresher) Refresh(_ context.Context, p mining.Payout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payouts = append(r.payouts, p)
	if r.hook != nil {
		r.hook()
	}
	return r.err
}

type recordingNotifier struct {
	mu          sync.Mutex
	users       []string
	results     []mining.ClaimResult
	ctxErrs     []error
	hasDeadline []bool
	err         error
}

func (n *recordingNotifier) NotifyClaim(ctx context.Context, userID string, result mining.ClaimResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, deadline := ctx.Deadline()
	n.ctxErrs = append(n.ctxErrs, ctx.Err())
	n.hasDeadline = append(n.hasDeadline, deadline)
	n.users = append(n.users, userID)
	n.results = append(n.results, result)
	return n.err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))

	store, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", URL: ":memory:", Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orders, err := token.New([]byte("work-secret-for-tests"), 5*time.Minute, clk)
	require.NoError(t, err)
	proofs, err := token.New([]byte("proof-secret-for-tests"), 10*time.Minute, clk)
	require.NoError(t, err)

	f := &fixture{
		store:     store,
		clock:     clk,
		proofs:    proofs,
		refresher: &recordingRefresher{},
		notifier:  &recordingNotifier{},
	}
	f.svc, err = mining.NewService(store, orders, proofs, mining.DefaultConfig(),
		mining.WithClock(clk),
		mining.WithRefreshers(f.refresher),
		mining.WithNotifier(f.notifier),
	)
	require.NoError(t, err)
	return f
}

func ptr[T any](v T) *T { return &v }

// completedProof issues an order, completes its session with the given
// metrics and returns a fresh proof.
func (f *fixture) completedProof(t *testing.T, user string, m mining.Metrics) *mining.Proof {
	t.Helper()
	ctx := context.Background()
	order, err := f.svc.IssueWorkOrder(ctx, user)
	require.NoError(t, err)

	_, err = f.svc.RecordSessionCompletion(ctx, mining.CompletionReport{
		OrderID: order.ID, BytesRx: m.BytesRx, BytesTx: m.BytesTx,
		Loss: ptr(m.Loss), Jitter: ptr(m.Jitter),
	})
	require.NoError(t, err)

	proof, err := f.svc.GenerateProof(ctx, order.ID)
	require.NoError(t, err)
	return proof
}

func claimFor(p *mining.Proof) mining.ClaimRequest {
	return mining.ClaimRequest{
		Signature: p.Signature,
		OrderID:   p.OrderID,
		BytesRx:   p.BytesRx,
		BytesTx:   p.BytesTx,
		Loss:      p.Loss,
		Jitter:    p.Jitter,
	}
}

func TestNewServiceRejectsSharedCodec(t *testing.T) {
	c, err := token.New([]byte("s"), time.Minute, nil)
	require.NoError(t, err)
	_, err = mining.NewService(&storage.Store{}, c, c, mining.DefaultConfig())
	assert.Error(t, err)
}

func TestIssueWorkOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.IssueWorkOrder(ctx, "  u1 ")
	require.NoError(t, err)
	assert.Equal(t, "u1", order.UserID)
	assert.NotEmpty(t, order.ID)
	assert.GreaterOrEqual(t, order.TargetMbps, 3)
	assert.LessOrEqual(t, order.TargetMbps, 7)
	assert.Equal(t, int64(30000), order.DurationMs)
	assert.Equal(t, f.clock.Now().UnixMilli(), order.CreatedAt)

	decoded, err := f.svc.VerifyWorkOrder(order.Token)
	require.NoError(t, err)
	assert.Equal(t, order.WorkOrder, decoded)

	session, err := f.store.GetSessionByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.SessionActive, session.Status)
	assert.Equal(t, order.TargetMbps, session.TargetMbps)

	_, err = f.svc.IssueWorkOrder(ctx, "   ")
	assert.ErrorIs(t, err, mining.ErrInvalidRequest)
}

func TestIssueWorkOrderTargetRange(t *testing.T) {
	f := newFixture(t)
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		order, err := f.svc.IssueWorkOrder(context.Background(), "spread")
		require.NoError(t, err)
		require.GreaterOrEqual(t, order.TargetMbps, 3)
		require.LessOrEqual(t, order.TargetMbps, 7)
		seen[order.TargetMbps] = true
		f.clock.Advance(61 * time.Second)
	}
	assert.Len(t, seen, 5)
}

func TestWorkOrderTokenExpires(t *testing.T) {
	f := newFixture(t)
	order, err := f.svc.IssueWorkOrder(context.Background(), "u1")
	require.NoError(t, err)

	f.clock.Advance(5*time.Minute + time.Second)
	_, err = f.svc.VerifyWorkOrder(order.Token)
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestRateLimitWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.IssueWorkOrder(ctx, "u1")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	_, err = f.svc.IssueWorkOrder(ctx, "u1")
	assert.ErrorIs(t, err, mining.ErrRateLimited)

	_, err = f.svc.IssueWorkOrder(ctx, "u2")
	require.NoError(t, err, "other users are not limited")

	f.clock.Advance(31 * time.Second)
	_, err = f.svc.IssueWorkOrder(ctx, "u1")
	assert.NoError(t, err)
}

func TestCompletedSessionDoesNotBlockIssuance(t *testing.T) {
	f := newFixture(t)
	f.completedProof(t, "u1", mining.Metrics{BytesRx: 1, BytesTx: 1})

	_, err := f.svc.IssueWorkOrder(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestRecordSessionCompletionSynthesizesMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, err := f.svc.IssueWorkOrder(ctx, "u1")
	require.NoError(t, err)

	metrics, err := f.svc.RecordSessionCompletion(ctx, mining.CompletionReport{
		OrderID: order.ID, BytesRx: 1000, BytesTx: 2000, SessionDurationMs: 30000,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, metrics.Loss, 0.0)
	assert.LessOrEqual(t, metrics.Loss, 0.05)
	assert.GreaterOrEqual(t, metrics.Jitter, 0.0)
	assert.LessOrEqual(t, metrics.Jitter, 50.0)

	session, err := f.store.GetSessionByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.SessionCompleted, session.Status)
	assert.Equal(t, metrics.Loss, session.LossRate)
	assert.Equal(t, metrics.Jitter, session.JitterMs)
}

func TestRecordSessionCompletionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordSessionCompletion(ctx, mining.CompletionReport{OrderID: "nope"})
	assert.ErrorIs(t, err, mining.ErrSessionNotFound)

	_, err = f.svc.RecordSessionCompletion(ctx, mining.CompletionReport{})
	assert.ErrorIs(t, err, mining.ErrInvalidRequest)

	order, err := f.svc.IssueWorkOrder(ctx, "u1")
	require.NoError(t, err)

	for _, report := range []mining.CompletionReport{
		{OrderID: order.ID, BytesRx: -1},
		{OrderID: order.ID, Loss: ptr(1.5)},
		{OrderID: order.ID, Loss: ptr(-0.1)},
		{OrderID: order.ID, Jitter: ptr(-3.0)},
	} {
		_, err = f.svc.RecordSessionCompletion(ctx, report)
		assert.ErrorIs(t, err, mining.ErrInvalidMetrics)
	}

	_, err = f.svc.RecordSessionCompletion(ctx, mining.CompletionReport{OrderID: order.ID, Loss: ptr(0.0), Jitter: ptr(0.0)})
	require.NoError(t, err)
	_, err = f.svc.RecordSessionCompletion(ctx, mining.CompletionReport{OrderID: order.ID, BytesRx: 1 << 40})
	assert.ErrorIs(t, err, mining.ErrSessionNotActive)
}

func TestGenerateProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GenerateProof(ctx, "unknown")
	assert.ErrorIs(t, err, mining.ErrSessionNotFound)

	order, err := f.svc.IssueWorkOrder(ctx, "u1")
	require.NoError(t, err)
	_, err = f.svc.GenerateProof(ctx, order.ID)
	assert.ErrorIs(t, err, mining.ErrSessionNotCompleted)

	_, err = f.svc.RecordSessionCompletion(ctx, mining.CompletionReport{
		OrderID: order.ID, BytesRx: 4242, BytesTx: 4343, Loss: ptr(0.0125), Jitter: ptr(7.5),
	})
	require.NoError(t, err)

	proof, err := f.svc.GenerateProof(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.ProofData{
		OrderID: order.ID, BytesRx: 4242, BytesTx: 4343, Loss: 0.0125, Jitter: 7.5,
		Timestamp: f.clock.Now().UnixMilli(),
	}, proof.ProofData)

	decoded, err := token.Verify[mining.ProofData](f.proofs, proof.Signature)
	require.NoError(t, err)
	assert.Equal(t, proof.ProofData, decoded)

	again, err := f.svc.GenerateProof(ctx, order.ID)
	require.NoError(t, err)
	assert.NotEqual(t, proof.Signature, again.Signature)
}

func TestClaimEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	metrics := mining.Metrics{BytesRx: 5_000_000, BytesTx: 5_000_000, Loss: 0.02, Jitter: 10}
	proof := f.completedProof(t, "u1", metrics)

	result, err := f.svc.Claim(ctx, claimFor(proof))
	require.NoError(t, err)

	want := mining.ComputeScore(5_000_000, 0.02, 10)
	assert.Equal(t, want.FinalScore, result.AddedScore)
	assert.Equal(t, want.QualityScore, result.QualityScore)
	assert.Equal(t, int64(5_000_000), result.BytesProcessed)
	assert.InDelta(t, 5_000_000.0/1048576*0.98*0.95, result.AddedScore, 1e-6)

	session, err := f.store.GetSessionByOrderID(ctx, proof.OrderID)
	require.NoError(t, err)
	assert.Equal(t, mining.SessionCompleted, session.Status)

	require.Len(t, f.refresher.payouts, 1)
	assert.Equal(t, "u1", f.refresher.payouts[0].UserID)
	assert.Equal(t, []string{"u1"}, f.notifier.users)

	totals, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, result.AddedScore, totals.Shards)
	assert.Equal(t, int64(1), totals.Claims)
}

func TestClaimIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proof := f.completedProof(t, "u1", mining.Metrics{BytesRx: 10_485_760, BytesTx: 10_000_000, Loss: 0.1, Jitter: 20})

	first, err := f.svc.Claim(ctx, claimFor(proof))
	require.NoError(t, err)
	assert.Equal(t, 8.1, first.AddedScore)

	_, err = f.svc.Claim(ctx, claimFor(proof))
	assert.ErrorIs(t, err, mining.ErrAlreadyClaimed)

	totals, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Claims)
	assert.Equal(t, 8.1, totals.Shards)
}

func TestRegeneratedProofDoesNotPayTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.completedProof(t, "u1", mining.Metrics{BytesRx: 10_485_760, BytesTx: 10_485_760, Loss: 0.1, Jitter: 20})

	_, err := f.svc.Claim(ctx, claimFor(first))
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	second, err := f.svc.GenerateProof(ctx, first.OrderID)
	require.NoError(t, err)
	require.NotEqual(t, first.Signature, second.Signature)

	_, err = f.svc.Claim(ctx, claimFor(second))
	assert.ErrorIs(t, err, mining.ErrAlreadyClaimed)

	totals, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Claims)
	assert.Equal(t, 8.1, totals.Shards)
	assert.Len(t, f.refresher.payouts, 1)
}

func TestClaimSideEffectsOutliveRequest(t *testing.T) {
	f := newFixture(t)
	proof := f.completedProof(t, "42", mining.Metrics{BytesRx: 2 << 20, BytesTx: 2 << 20})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The client hangs up right after the payout is committed.
	f.refresher.hook = cancel

	_, err := f.svc.Claim(ctx, claimFor(proof))
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	require.Len(t, f.notifier.users, 1)
	assert.NoError(t, f.notifier.ctxErrs[0])
	assert.True(t, f.notifier.hasDeadline[0])
}

func TestConcurrentClaimsPayOnce(t *testing.T) {
	f := newFixture(t)
	proof := f.completedProof(t, "u1", mining.Metrics{BytesRx: 2 << 20, BytesTx: 2 << 20})

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Claim(context.Background(), claimFor(proof))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, mining.ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, succeeded)
}

func TestClaimRejectsForgedProofs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	proof := f.completedProof(t, "u1", mining.Metrics{BytesRx: 3_000_000, BytesTx: 3_000_000, Loss: 0.01, Jitter: 4})

	foreign, err := token.New([]byte("attacker-secret"), 10*time.Minute, f.clock)
	require.NoError(t, err)
	forgedSig, err := token.Sign(foreign, proof.ProofData)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*mining.ClaimRequest)
		want   error
	}{
		{"foreign secret", func(r *mining.ClaimRequest) { r.Signature = forgedSig }, token.ErrInvalidToken},
		{"garbage signature", func(r *mining.ClaimRequest) { r.Signature = "not-a-token" }, mining.ErrInvalidProof},
		{"other order", func(r *mining.ClaimRequest) { r.OrderID = "someone-else" }, mining.ErrProofMismatch},
		{"better loss", func(r *mining.ClaimRequest) { r.Loss = 0 }, mining.ErrProofMismatch},
		{"better jitter", func(r *mining.ClaimRequest) { r.Jitter = 3.9999 }, mining.ErrProofMismatch},
		{"inflated bytes", func(r *mining.ClaimRequest) { r.BytesRx += 1025 }, mining.ErrProofMismatch},
		{"deflated bytes", func(r *mining.ClaimRequest) { r.BytesRx -= 1025 }, mining.ErrProofMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := claimFor(proof)
			tt.mutate(&req)
			_, err := f.svc.Claim(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	totals, err := f.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, totals.Claims)
}

func TestClaimByteTolerance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	proof := f.completedProof(t, "u1", mining.Metrics{BytesRx: 1_000_000, BytesTx: 1_000_000})
	req := claimFor(proof)
	req.BytesRx += 1024
	result, err := f.svc.Claim(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1_001_024), result.BytesProcessed, "score uses the submitted byte count")

	f.clock.Advance(time.Minute)
	proof = f.completedProof(t, "u2", mining.Metrics{BytesRx: 1_000_000, BytesTx: 1_000_000})
	req = claimFor(proof)
	req.BytesRx -= 1024
	_, err = f.svc.Claim(ctx, req)
	require.NoError(t, err)
}

func TestClaimExpiredProof(t *testing.T) {
	f := newFixture(t)
	proof := f.completedProof(t, "u1", mining.Metrics{BytesRx: 1 << 20, BytesTx: 1 << 20})

	f.clock.Advance(10*time.Minute + time.Second)
	_, err := f.svc.Claim(context.Background(), claimFor(proof))
	assert.ErrorIs(t, err, mining.ErrInvalidProof)
	assert.ErrorIs(t, err, token.ErrExpired)
}

func TestClaimSurvivesRefresherAndNotifierFailures(t *testing.T) {
	f := newFixture(t)
	f.refresher.err = errors.New("redis down")
	f.notifier.err = errors.New("telegram down")

	proof := f.completedProof(t, "u1", mining.Metrics{BytesRx: 1 << 20, BytesTx: 1 << 20})
	result, err := f.svc.Claim(context.Background(), claimFor(proof))
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.AddedScore)
}

func TestClaimRejectsInvalidSubmittedMetrics(t *testing.T) {
	f := newFixture(t)
	proof := f.completedProof(t, "u1", mining.Metrics{BytesRx: 100, BytesTx: 100})

	req := claimFor(proof)
	req.BytesTx = -5
	_, err := f.svc.Claim(context.Background(), req)
	assert.ErrorIs(t, err, mining.ErrInvalidMetrics)
}
