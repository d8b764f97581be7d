package mining

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// WorkOrder describes the transfer a client must perform. It is signed
// into the work token and never persisted verbatim; the Session row
// carries the same parameters.
type WorkOrder struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	TargetMbps int    `json:"targetMbps"`
	DurationMs int64  `json:"durationMs"`
	CreatedAt  int64  `json:"createdAt"`
}

type IssuedOrder struct {
	WorkOrder
	Token string `json:"token"`
}

// Session timestamps are epoch milliseconds. CompletedAt is zero while
// the session is active.
type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	OrderID       string        `json:"orderId"`
	TargetMbps    int           `json:"targetMbps"`
	DurationMs    int64         `json:"durationMs"`
	Status        SessionStatus `json:"status"`
	CreatedAt     int64         `json:"createdAt"`
	CompletedAt   int64         `json:"completedAt,omitempty"`
	BytesReceived int64         `json:"bytesReceived"`
	BytesSent     int64         `json:"bytesSent"`
	LossRate      float64       `json:"lossRate"`
	JitterMs      float64       `json:"jitterMs"`
}

// Metrics is what a finished transfer leaves behind on the session.
type Metrics struct {
	Loss    float64 `json:"loss"`
	Jitter  float64 `json:"jitter"`
	BytesRx int64   `json:"bytesRx"`
	BytesTx int64   `json:"bytesTx"`
}

// CompletionReport is sent by the transfer runner when it stops. Loss
// and Jitter are optional.
type CompletionReport struct {
	OrderID           string
	BytesRx           int64
	BytesTx           int64
	SessionDurationMs int64
	Loss              *float64
	Jitter            *float64
}

// ProofData is the server-attested snapshot of a completed session.
type ProofData struct {
	OrderID   string  `json:"orderId"`
	BytesRx   int64   `json:"bytesRx"`
	BytesTx   int64   `json:"bytesTx"`
	Loss      float64 `json:"loss"`
	Jitter    float64 `json:"jitter"`
	Timestamp int64   `json:"timestamp"`
}

type Proof struct {
	ProofData
	Signature string `json:"signature"`
}

// Payout rows are append-only. ProofSignature is unique.
type Payout struct {
	ID             string  `json:"id"`
	UserID         string  `json:"userId"`
	SessionID      string  `json:"sessionId"`
	BytesProcessed int64   `json:"bytesProcessed"`
	QualityScore   float64 `json:"qualityScore"`
	FinalScore     float64 `json:"finalScore"`
	ProofSignature string  `json:"-"`
	CreatedAt      int64   `json:"createdAt"`
}

type ClaimRequest struct {
	Signature string
	OrderID   string
	BytesRx   int64
	BytesTx   int64
	Loss      float64
	Jitter    float64
}

type ClaimResult struct {
	UserID         string  `json:"-"`
	AddedScore     float64 `json:"addedScore"`
	QualityScore   float64 `json:"qualityScore"`
	BytesProcessed int64   `json:"bytesProcessed"`
}

// Totals is a user's lifetime balance of shards.
type Totals struct {
	UserID     string  `json:"userId"`
	Shards     float64 `json:"shards"`
	Claims     int64   `json:"claims"`
	BytesTotal int64   `json:"bytesTotal"`
}
