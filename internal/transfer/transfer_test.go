package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPeerRunnerLoopback runs a short order against an in-process echo
// peer over loopback ICE candidates.
func TestPeerRunnerLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("WebRTC loopback test")
	}
	echo := NewEchoPeer(EchoConfig{})
	defer echo.Close()

	runner := NewPeerRunner(echo)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := runner.Run(ctx, Order{ID: "order-1", TargetMbps: 3, Duration: 500 * time.Millisecond})
	require.NoError(t, err)

	assert.Greater(t, result.PacketsSent, int64(0))
	assert.Greater(t, result.PacketsEchoed, int64(0))
	assert.Equal(t, result.PacketsSent*ChunkSize, result.BytesSent)
	assert.LessOrEqual(t, result.BytesReceived, result.BytesSent)
	assert.GreaterOrEqual(t, result.Loss, 0.0)
	assert.Less(t, result.Loss, 0.5)
	assert.GreaterOrEqual(t, result.JitterMs, 0.0)
}

func TestPeerRunnerRejectsInvalidOrder(t *testing.T) {
	runner := NewPeerRunner(NewEchoPeer(EchoConfig{}))
	_, err := runner.Run(context.Background(), Order{ID: "x", TargetMbps: 0, Duration: time.Second})
	assert.Error(t, err)
}

type failingSignaler struct{}

func (failingSignaler) Exchange(context.Context, string, string) (string, error) {
	return "", errors.New("signaling down")
}

func TestPeerRunnerSignalingFailure(t *testing.T) {
	runner := NewPeerRunner(failingSignaler{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	_, err := runner.Run(ctx, Order{ID: "x", TargetMbps: 3, Duration: time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signaling down")
}

func TestEchoPeerCapacity(t *testing.T) {
	echo := NewEchoPeer(EchoConfig{MaxSessions: 1})
	defer echo.Close()
	ctx := context.Background()

	offer := offerSDP(t)
	_, err := echo.Answer(ctx, "a", offer)
	require.NoError(t, err)

	_, err = echo.Answer(ctx, "b", offerSDP(t))
	assert.ErrorIs(t, err, ErrPeerBusy)

	// Re-offering the same order replaces its session.
	_, err = echo.Answer(ctx, "a", offerSDP(t))
	require.NoError(t, err)
	assert.Equal(t, 1, echo.Sessions())
}

func TestEchoPeerRejectsGarbageOffer(t *testing.T) {
	echo := NewEchoPeer(EchoConfig{})
	defer echo.Close()
	_, err := echo.Answer(context.Background(), "a", "not sdp")
	assert.Error(t, err)
	assert.Zero(t, echo.Sessions())
}

func TestEchoPeerCapacityUnderConcurrentOffers(t *testing.T) {
	echo := NewEchoPeer(EchoConfig{MaxSessions: 1})
	defer echo.Close()

	offers := make([]string, 4)
	for i := range offers {
		offers[i] = offerSDP(t)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(offers))
	for i, offer := range offers {
		wg.Add(1)
		go func(i int, offer string) {
			defer wg.Done()
			_, errs[i] = echo.Answer(context.Background(), fmt.Sprintf("order-%d", i), offer)
		}(i, offer)
	}
	wg.Wait()

	answered := 0
	for _, err := range errs {
		if err == nil {
			answered++
			continue
		}
		assert.ErrorIs(t, err, ErrPeerBusy)
	}
	assert.Equal(t, 1, answered)
	assert.LessOrEqual(t, echo.Sessions(), 1)
}

func TestEchoPeerSessionExpires(t *testing.T) {
	echo := NewEchoPeer(EchoConfig{Lifetime: 300 * time.Millisecond})
	defer echo.Close()

	// The timer may fire while ICE is still gathering; either way the
	// slot must be freed.
	_, _ = echo.Answer(context.Background(), "a", offerSDP(t))
	assert.Eventually(t, func() bool { return echo.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

// offerSDP builds a complete offer carrying the shard channel.
func offerSDP(t *testing.T) string {
	t.Helper()
	pc, err := newPeerConnection(ICEConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.CreateDataChannel(ChannelLabel, nil)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	require.NoError(t, waitGathered(context.Background(), gathered))
	return pc.LocalDescription().SDP
}
