package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"shardminer/backend/internal/clock"
)

// Actions recorded by the protocol handlers.
const (
	ActionWorkIssued       = "work_issued"
	ActionSessionCompleted = "session_completed"
	ActionProofGenerated   = "proof_generated"
	ActionClaim            = "claim"
	ActionInvoiceSent      = "invoice_sent"
)

type AuditLogger struct {
	out        io.Writer
	file       *os.File
	buffer     []AuditEntry
	bufferSize int
	clock      clock.Clock
	mu         sync.Mutex
	writeMu    sync.Mutex
	flushChan  chan struct{}
	stopChan   chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Action    string    `json:"action"`
	Details   Details   `json:"details"`
	IPAddress string    `json:"ip_address,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

type Details struct {
	TargetMbps   int     `json:"target_mbps,omitempty"`
	BytesRx      int64   `json:"bytes_rx,omitempty"`
	BytesTx      int64   `json:"bytes_tx,omitempty"`
	Loss         float64 `json:"loss,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
	AddedScore   float64 `json:"added_score,omitempty"`
	Stars        int64   `json:"stars,omitempty"`
	Payload      string  `json:"payload,omitempty"`
}

type AuditConfig struct {
	LogPath       string        `mapstructure:"log_path"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// NewAuditLogger appends entries to the file at config.LogPath.
func NewAuditLogger(config AuditConfig, clk clock.Clock) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(config.LogPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	logFile, err := os.OpenFile(config.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	al := NewWriterLogger(logFile, config, clk)
	al.file = logFile
	return al, nil
}

// NewWriterLogger writes JSON lines to w.
func NewWriterLogger(w io.Writer, config AuditConfig, clk clock.Clock) *AuditLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}

	al := &AuditLogger{
		out:        w,
		buffer:     make([]AuditEntry, 0, config.BufferSize),
		bufferSize: config.BufferSize,
		clock:      clk,
		flushChan:  make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	go al.flushWorker(config.FlushInterval)
	return al
}

func (al *AuditLogger) Log(entry AuditEntry) {
	entry.ID = uuid.New()
	entry.Timestamp = al.clock.Now().UTC()

	al.mu.Lock()
	al.buffer = append(al.buffer, entry)
	shouldFlush := len(al.buffer) >= al.bufferSize
	al.mu.Unlock()

	if shouldFlush {
		select {
		case al.flushChan <- struct{}{}:
		default:
		}
	}
}

func (al *AuditLogger) LogAction(action, userID, orderID string, details Details, ipAddress string, err error) {
	entry := AuditEntry{
		UserID:    userID,
		OrderID:   orderID,
		Action:    action,
		Details:   details,
		IPAddress: ipAddress,
		Success:   err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	al.Log(entry)
}

func (al *AuditLogger) flushWorker(interval time.Duration) {
	defer close(al.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			al.Flush()
		case <-al.flushChan:
			al.Flush()
		case <-al.stopChan:
			al.Flush()
			return
		}
	}
}

// Flush writes buffered entries.
func (al *AuditLogger) Flush() {
	al.mu.Lock()
	if len(al.buffer) == 0 {
		al.mu.Unlock()
		return
	}
	entries := make([]AuditEntry, len(al.buffer))
	copy(entries, al.buffer)
	al.buffer = al.buffer[:0]
	al.mu.Unlock()

	al.writeMu.Lock()
	defer al.writeMu.Unlock()
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if _, err := al.out.Write(append(data, '\n')); err != nil {
			log.WithError(err).Warn("audit write failed")
			return
		}
	}
	if al.file != nil {
		al.file.Sync()
	}
}

func (al *AuditLogger) Close() error {
	var err error
	al.closeOnce.Do(func() {
		close(al.stopChan)
		<-al.done
		if al.file != nil {
			err = al.file.Close()
		}
	})
	return err
}

type AuditFilter struct {
	UserID    string
	OrderID   string
	Action    string
	StartTime time.Time
	EndTime   time.Time
	Success   *bool
	Limit     int
}

// Query scans a JSON-lines audit log for matching entries.
func Query(r io.Reader, filter AuditFilter) ([]AuditEntry, error) {
	var entries []AuditEntry
	decoder := json.NewDecoder(r)

	for decoder.More() {
		var entry AuditEntry
		if err := decoder.Decode(&entry); err != nil {
			return entries, fmt.Errorf("decoding audit entry: %w", err)
		}
		if !matchesFilter(entry, filter) {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries, nil
}

func matchesFilter(entry AuditEntry, filter AuditFilter) bool {
	if filter.UserID != "" && entry.UserID != filter.UserID {
		return false
	}
	if filter.OrderID != "" && entry.OrderID != filter.OrderID {
		return false
	}
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
		return false
	}
	if filter.Success != nil && entry.Success != *filter.Success {
		return false
	}
	return true
}
