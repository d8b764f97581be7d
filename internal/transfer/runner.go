package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	log "github.com/sirupsen/logrus"
)

const (
	iceGatherTimeout   = 15 * time.Second
	channelOpenTimeout = 15 * time.Second
	// echoDrain is how long the runner keeps listening for echoes after
	// the last send.
	echoDrain = 500 * time.Millisecond
	// maxBuffered caps the bytes queued in the SCTP send buffer. Sends
	// above it count as failures and are skipped.
	maxBuffered = 4 * 1024 * 1024
)

var errGatherTimeout = errors.New("transfer: ICE gathering timed out")

// PeerRunner runs an order against the echo peer over an unordered
// data channel with retransmissions disabled, so lost datagrams stay
// lost and show up in the measured loss.
type PeerRunner struct {
	signaler Signaler
	ice      ICEConfig
	logger   *log.Entry
	tick     time.Duration
	chunk    int
}

type RunnerOption func(*PeerRunner)

func WithICE(ice ICEConfig) RunnerOption {
	return func(r *PeerRunner) { r.ice = ice }
}

func WithRunnerLogger(l *log.Entry) RunnerOption {
	return func(r *PeerRunner) { r.logger = l }
}

func NewPeerRunner(signaler Signaler, opts ...RunnerOption) *PeerRunner {
	r := &PeerRunner{
		signaler: signaler,
		logger:   log.WithField("component", "transfer"),
		tick:     TickInterval,
		chunk:    ChunkSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *PeerRunner) Run(ctx context.Context, order Order) (Result, error) {
	if order.TargetMbps <= 0 || order.Duration <= 0 {
		return Result{}, fmt.Errorf("transfer: invalid order %s", order.ID)
	}
	logger := r.logger.WithField("order_id", order.ID)

	pc, err := newPeerConnection(r.ice)
	if err != nil {
		return Result{}, fmt.Errorf("creating PeerConnection: %w", err)
	}
	defer pc.Close()

	ordered := false
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return Result{}, fmt.Errorf("creating data channel: %w", err)
	}

	m := newMeter()
	start := time.Now()
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		seq, sentAt, err := decodePacket(msg.Data)
		if err != nil {
			return
		}
		m.echo(seq, sentAt, time.Since(start), len(msg.Data))
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return Result{}, fmt.Errorf("creating SDP offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return Result{}, fmt.Errorf("setting local description: %w", err)
	}
	if err := waitGathered(ctx, gatherComplete); err != nil {
		return Result{}, err
	}

	answerSDP, err := r.signaler.Exchange(ctx, order.ID, pc.LocalDescription().SDP)
	if err != nil {
		return Result{}, fmt.Errorf("exchanging SDP: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return Result{}, fmt.Errorf("setting remote description: %w", err)
	}

	select {
	case <-opened:
	case <-time.After(channelOpenTimeout):
		return Result{}, fmt.Errorf("data channel did not open within %s", channelOpenTimeout)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	logger.WithField("target_mbps", order.TargetMbps).Debug("data channel open")

	began := time.Now()
	r.pump(ctx, dc, m, order, start)

	select {
	case <-time.After(echoDrain):
	case <-ctx.Done():
	}

	result := m.result(time.Since(began))
	logger.WithFields(log.Fields{
		"bytes_sent":    result.BytesSent,
		"bytes_echoed":  result.BytesReceived,
		"send_failures": result.SendFailures,
		"loss":          result.Loss,
		"jitter_ms":     result.JitterMs,
	}).Info("transfer finished")
	return result, nil
}

// pump sends batches of chunks every tick until the order's duration
// has elapsed or ctx is done.
func (r *PeerRunner) pump(ctx context.Context, dc *webrtc.DataChannel, m *meter, order Order, start time.Time) {
	perTick := packetsPerTick(order.TargetMbps, r.tick, r.chunk)
	deadline := time.NewTimer(order.Duration)
	defer deadline.Stop()
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			for i := 0; i < perTick; i++ {
				if dc.BufferedAmount() > maxBuffered {
					m.failed()
					continue
				}
				buf := make([]byte, r.chunk)
				encodePacket(buf, seq, time.Since(start))
				if err := dc.Send(buf); err != nil {
					m.failed()
					continue
				}
				m.sent(len(buf))
				seq++
			}
		}
	}
}
