// Package transfer moves shard traffic between a miner and the echo
// peer over an unreliable WebRTC data channel and measures what comes
// back.
//
// Signaling is vanilla ICE: both sides gather every candidate before
// the SDP is exchanged, so one offer/answer round trip is enough. The
// Signaler interface carries that round trip (HTTP in production, an
// in-process call in tests).
package transfer

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"shardminer/backend/internal/mining"
)

const (
	// ChunkSize is the payload size of every datagram.
	ChunkSize = 16 * 1024
	// TickInterval is how often a batch of datagrams is sent.
	TickInterval = 50 * time.Millisecond
	// ChannelLabel names the data channel both peers use.
	ChannelLabel = "shards"
)

type Order struct {
	ID         string
	TargetMbps int
	Duration   time.Duration
}

func OrderFrom(w mining.WorkOrder) Order {
	return Order{
		ID:         w.ID,
		TargetMbps: w.TargetMbps,
		Duration:   time.Duration(w.DurationMs) * time.Millisecond,
	}
}

// Result is the runner's view of a finished transfer. BytesReceived
// counts echoed bytes only.
type Result struct {
	BytesSent     int64
	BytesReceived int64
	PacketsSent   int64
	PacketsEchoed int64
	SendFailures  int64
	Loss          float64
	JitterMs      float64
	Duration      time.Duration
}

// Report turns the result into the completion report the server
// expects for the given order.
func (r Result) Report(orderID string) mining.CompletionReport {
	loss, jitter := r.Loss, r.JitterMs
	return mining.CompletionReport{
		OrderID:           orderID,
		BytesRx:           r.BytesReceived,
		BytesTx:           r.BytesSent,
		SessionDurationMs: r.Duration.Milliseconds(),
		Loss:              &loss,
		Jitter:            &jitter,
	}
}

type Runner interface {
	Run(ctx context.Context, order Order) (Result, error)
}

// Signaler delivers a complete SDP offer for an order to the echo peer
// and returns its complete answer.
type Signaler interface {
	Exchange(ctx context.Context, orderID, offerSDP string) (string, error)
}

// ICEConfig lists the STUN/TURN urls handed to pion. An empty config
// means host candidates only, which is enough on one machine.
type ICEConfig struct {
	URLs []string
}

func (c ICEConfig) configuration() webrtc.Configuration {
	if len(c.URLs) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: c.URLs}}}
}

func newPeerConnection(ice ICEConfig) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(ice.configuration())
}

// waitGathered blocks until ICE gathering is complete.
func waitGathered(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-time.After(iceGatherTimeout):
		return errGatherTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
