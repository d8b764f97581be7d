package transfer

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const headerSize = 16

var errShortPacket = errors.New("transfer: packet shorter than header")

// encodePacket writes the sequence number and send offset into the
// first 16 bytes of buf.
func encodePacket(buf []byte, seq uint64, sentAt time.Duration) {
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(sentAt))
}

func decodePacket(buf []byte) (uint64, time.Duration, error) {
	if len(buf) < headerSize {
		return 0, 0, errShortPacket
	}
	return binary.BigEndian.Uint64(buf[0:8]), time.Duration(binary.BigEndian.Uint64(buf[8:16])), nil
}

// meter accumulates send and echo counters for one transfer. Jitter is
// the mean absolute difference between consecutive round-trip times.
type meter struct {
	mu sync.Mutex

	packetsSent   int64
	bytesSent     int64
	sendFailures  int64
	packetsEchoed int64
	bytesEchoed   int64

	echoed map[uint64]struct{}

	lastRTT       time.Duration
	haveRTT       bool
	jitterSum     time.Duration
	jitterSamples int64
}

func newMeter() *meter {
	return &meter{echoed: make(map[uint64]struct{})}
}

func (m *meter) sent(n int) {
	m.mu.Lock()
	m.packetsSent++
	m.bytesSent += int64(n)
	m.mu.Unlock()
}

func (m *meter) failed() {
	m.mu.Lock()
	m.sendFailures++
	m.mu.Unlock()
}

// echo records a returned datagram. Repeated sequence numbers are
// ignored.
func (m *meter) echo(seq uint64, sentAt, receivedAt time.Duration, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.echoed[seq]; dup {
		return
	}
	m.echoed[seq] = struct{}{}
	m.packetsEchoed++
	m.bytesEchoed += int64(n)

	rtt := receivedAt - sentAt
	if m.haveRTT {
		diff := rtt - m.lastRTT
		if diff < 0 {
			diff = -diff
		}
		m.jitterSum += diff
		m.jitterSamples++
	}
	m.lastRTT = rtt
	m.haveRTT = true
}

func (m *meter) result(elapsed time.Duration) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Result{
		BytesSent:     m.bytesSent,
		BytesReceived: m.bytesEchoed,
		PacketsSent:   m.packetsSent,
		PacketsEchoed: m.packetsEchoed,
		SendFailures:  m.sendFailures,
		Duration:      elapsed,
	}
	if m.packetsSent > 0 {
		r.Loss = 1 - float64(m.packetsEchoed)/float64(m.packetsSent)
	}
	if m.jitterSamples > 0 {
		r.JitterMs = float64(m.jitterSum) / float64(m.jitterSamples) / float64(time.Millisecond)
	}
	return r
}

// packetsPerTick is how many chunks per tick sustain the target rate,
// at least one.
func packetsPerTick(targetMbps int, tick time.Duration, chunk int) int {
	bytesPerTick := float64(targetMbps) * 1e6 / 8 * tick.Seconds()
	n := int(bytesPerTick) / chunk
	if int(bytesPerTick)%chunk != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}
