package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	log "github.com/sirupsen/logrus"
)

var ErrPeerBusy = errors.New("transfer: echo peer at capacity")

var errEchoClosed = errors.New("transfer: echo peer closed")

const (
	defaultMaxSessions = 256
	defaultLifetime    = 2 * time.Minute
)

// EchoPeer answers miner offers and reflects every datagram received on
// the shard channel back to its sender. One PeerConnection per order;
// a new offer for the same order replaces the old connection.
type EchoPeer struct {
	ice         ICEConfig
	logger      *log.Entry
	maxSessions int
	lifetime    time.Duration

	mu       sync.Mutex
	sessions map[string]*echoSession
	closed   bool
}

type echoSession struct {
	orderID string
	pc      *webrtc.PeerConnection
	timer   *time.Timer
	done    chan struct{}
	packets atomic.Int64
	bytes   atomic.Int64
	once    sync.Once
}

type EchoConfig struct {
	ICE         ICEConfig
	Logger      *log.Entry
	MaxSessions int
	// Lifetime bounds how long a connection may stay up.
	Lifetime time.Duration
}

func NewEchoPeer(cfg EchoConfig) *EchoPeer {
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "echo-peer")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaultLifetime
	}
	return &EchoPeer{
		ice:         cfg.ICE,
		logger:      cfg.Logger,
		maxSessions: cfg.MaxSessions,
		lifetime:    cfg.Lifetime,
		sessions:    make(map[string]*echoSession),
	}
}

// Answer accepts a complete SDP offer for orderID and returns the
// complete answer once ICE gathering has finished. The session slot is
// reserved before any ICE work starts.
func (e *EchoPeer) Answer(ctx context.Context, orderID, offerSDP string) (string, error) {
	pc, err := newPeerConnection(e.ice)
	if err != nil {
		return "", fmt.Errorf("creating PeerConnection: %w", err)
	}
	s := &echoSession{orderID: orderID, pc: pc, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = pc.Close()
		return "", errEchoClosed
	}
	previous := e.sessions[orderID]
	if previous == nil && len(e.sessions) >= e.maxSessions {
		e.mu.Unlock()
		_ = pc.Close()
		return "", ErrPeerBusy
	}
	e.sessions[orderID] = s
	e.mu.Unlock()
	if previous != nil {
		e.release(previous)
	}

	s.timer = time.NewTimer(e.lifetime)
	go e.expire(s)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			dc.OnOpen(func() { dc.Close() })
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			s.packets.Add(1)
			s.bytes.Add(int64(len(msg.Data)))
			// Unreliable channel: a failed echo is just loss.
			_ = dc.Send(msg.Data)
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			e.release(s)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		e.release(s)
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.release(s)
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		e.release(s)
		return "", fmt.Errorf("setting local description: %w", err)
	}
	if err := waitGathered(ctx, gatherComplete); err != nil {
		e.release(s)
		return "", err
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		e.release(s)
		return "", errEchoClosed
	}

	e.logger.WithField("order_id", orderID).Debug("echo session answered")
	return pc.LocalDescription().SDP, nil
}

func (e *EchoPeer) expire(s *echoSession) {
	select {
	case <-s.timer.C:
		e.release(s)
	case <-s.done:
		s.timer.Stop()
	}
}

// Exchange lets the echo peer serve as its own in-process Signaler.
func (e *EchoPeer) Exchange(ctx context.Context, orderID, offerSDP string) (string, error) {
	return e.Answer(ctx, orderID, offerSDP)
}

// Sessions returns the number of live echo sessions.
func (e *EchoPeer) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *EchoPeer) release(s *echoSession) {
	s.once.Do(func() {
		e.mu.Lock()
		if current, ok := e.sessions[s.orderID]; ok && current == s {
			delete(e.sessions, s.orderID)
		}
		e.mu.Unlock()
		close(s.done)
		go s.pc.Close()

		e.logger.WithFields(log.Fields{
			"order_id":       s.orderID,
			"packets_echoed": s.packets.Load(),
			"bytes_echoed":   s.bytes.Load(),
		}).Info("echo session closed")
	})
}

func (e *EchoPeer) Close() error {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*echoSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		e.release(s)
	}
	return nil
}
