package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"shardminer/backend/internal/clock"
)

// microShards converts scores, which carry six decimals, to integer
// counts so they can be summed atomically.
const microShards = 1e6

type MetricsCollector struct {
	workIssued        int64
	rateLimited       int64
	sessionsCompleted int64
	proofsGenerated   int64
	claimsCredited    int64
	bytesCredited     int64
	shardsCredited    int64 // micro-shards
	notifyFailures    int64

	rejections map[string]*int64
	mu         sync.RWMutex

	clock     clock.Clock
	startTime time.Time
}

type ProtocolMetrics struct {
	WorkIssued        int64            `json:"work_issued"`
	RateLimited       int64            `json:"rate_limited"`
	SessionsCompleted int64            `json:"sessions_completed"`
	ProofsGenerated   int64            `json:"proofs_generated"`
	ClaimsCredited    int64            `json:"claims_credited"`
	ClaimRejections   map[string]int64 `json:"claim_rejections"`
	BytesCredited     int64            `json:"bytes_credited"`
	ShardsCredited    float64          `json:"shards_credited"`
	Uptime            time.Duration    `json:"uptime"`
}

func NewMetricsCollector(clk clock.Clock) *MetricsCollector {
	if clk == nil {
		clk = clock.Real()
	}
	return &MetricsCollector{
		rejections: make(map[string]*int64),
		clock:      clk,
		startTime:  clk.Now(),
	}
}

func (mc *MetricsCollector) RecordWorkIssued()       { atomic.AddInt64(&mc.workIssued, 1) }
func (mc *MetricsCollector) RecordRateLimited()      { atomic.AddInt64(&mc.rateLimited, 1) }
func (mc *MetricsCollector) RecordSessionCompleted() { atomic.AddInt64(&mc.sessionsCompleted, 1) }
func (mc *MetricsCollector) RecordProofGenerated()   { atomic.AddInt64(&mc.proofsGenerated, 1) }

func (mc *MetricsCollector) RecordClaim(bytes int64, shards float64) {
	atomic.AddInt64(&mc.claimsCredited, 1)
	atomic.AddInt64(&mc.bytesCredited, bytes)
	atomic.AddInt64(&mc.shardsCredited, int64(shards*microShards+0.5))
}

// RecordClaimRejection counts a rejected claim under its error code.
func (mc *MetricsCollector) RecordClaimRejection(code string) {
	mc.mu.RLock()
	counter, exists := mc.rejections[code]
	mc.mu.RUnlock()

	if !exists {
		mc.mu.Lock()
		if counter, exists = mc.rejections[code]; !exists {
			counter = new(int64)
			mc.rejections[code] = counter
		}
		mc.mu.Unlock()
	}

	atomic.AddInt64(counter, 1)
}

func (mc *MetricsCollector) GetProtocolMetrics() ProtocolMetrics {
	mc.mu.RLock()
	rejections := make(map[string]int64, len(mc.rejections))
	for code, counter := range mc.rejections {
		rejections[code] = atomic.LoadInt64(counter)
	}
	mc.mu.RUnlock()

	return ProtocolMetrics{
		WorkIssued:        atomic.LoadInt64(&mc.workIssued),
		RateLimited:       atomic.LoadInt64(&mc.rateLimited),
		SessionsCompleted: atomic.LoadInt64(&mc.sessionsCompleted),
		ProofsGenerated:   atomic.LoadInt64(&mc.proofsGenerated),
		ClaimsCredited:    atomic.LoadInt64(&mc.claimsCredited),
		ClaimRejections:   rejections,
		BytesCredited:     atomic.LoadInt64(&mc.bytesCredited),
		ShardsCredited:    float64(atomic.LoadInt64(&mc.shardsCredited)) / microShards,
		Uptime:            mc.clock.Now().Sub(mc.startTime),
	}
}

type SystemMetrics struct {
	GoRoutines   int           `json:"goroutines"`
	HeapAlloc    uint64        `json:"heap_alloc"`
	HeapSys      uint64        `json:"heap_sys"`
	NumGC        uint32        `json:"num_gc"`
	GCPauseTotal time.Duration `json:"gc_pause_total"`
}

func GetSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		GoRoutines:   runtime.NumGoroutine(),
		HeapAlloc:    m.HeapAlloc,
		HeapSys:      m.HeapSys,
		NumGC:        m.NumGC,
		GCPauseTotal: time.Duration(m.PauseTotalNs),
	}
}
