package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"shardminer/backend/internal/audit"
	"shardminer/backend/internal/auth"
	"shardminer/backend/internal/metrics"
	"shardminer/backend/internal/mining"
	"shardminer/backend/internal/notify"
	"shardminer/backend/internal/telegram"
)

const (
	defaultLeaderboardLimit = 10
	healthTimeout           = 2 * time.Second
)

// PeerAnswerer answers a miner's SDP offer for an order.
type PeerAnswerer interface {
	Answer(ctx context.Context, orderID, offerSDP string) (string, error)
}

// BotAPI is the slice of the Telegram Bot API the Mini App proxies.
type BotAPI interface {
	AvailableGifts(ctx context.Context) ([]notify.Gift, error)
	SendInvoice(ctx context.Context, inv notify.Invoice) (json.RawMessage, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	mining      *mining.Service
	leaderboard mining.LeaderboardReader
	peer        PeerAnswerer
	telegram    *telegram.Verifier
	bot         BotAPI
	audit       *audit.AuditLogger
	metrics     *metrics.MetricsCollector
	health      map[string]Pinger
	logger      *log.Entry
}

type Deps struct {
	Mining      *mining.Service
	Leaderboard mining.LeaderboardReader
	Peer        PeerAnswerer
	Telegram    *telegram.Verifier
	Bot         BotAPI
	Audit       *audit.AuditLogger
	Metrics     *metrics.MetricsCollector
	// Health lists dependencies probed by GET /health, keyed by name.
	Health map[string]Pinger
	Logger *log.Entry
}

func NewHandlers(deps Deps) *Handlers {
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "api")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetricsCollector(nil)
	}
	return &Handlers{
		mining:      deps.Mining,
		leaderboard: deps.Leaderboard,
		peer:        deps.Peer,
		telegram:    deps.Telegram,
		bot:         deps.Bot,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		health:      deps.Health,
		logger:      deps.Logger,
	}
}

func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{}
	healthy := true
	for name, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			h.logger.WithError(err).WithField("dependency", name).Warn("health check failed")
			checks[name] = "unavailable"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

type workRequest struct {
	UserID string `json:"userId" binding:"required"`
}

func (h *Handlers) IssueWork(c *gin.Context) {
	var req workRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId required"})
		return
	}

	order, err := h.mining.IssueWorkOrder(c.Request.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, mining.ErrRateLimited) {
			h.metrics.RecordRateLimited()
			c.Header("Retry-After", strconv.Itoa(int(h.mining.RateLimitWindow().Seconds())))
		}
		h.fail(c, err)
		return
	}

	h.metrics.RecordWorkIssued()
	h.record(audit.ActionWorkIssued, order.UserID, order.ID, audit.Details{TargetMbps: order.TargetMbps}, c.ClientIP(), nil)
	c.JSON(http.StatusCreated, order)
}

type sessionRequest struct {
	OrderID         string   `json:"orderId" binding:"required"`
	BytesRx         int64    `json:"bytesRx"`
	BytesTx         int64    `json:"bytesTx"`
	SessionDuration int64    `json:"sessionDuration"`
	Loss            *float64 `json:"loss"`
	Jitter          *float64 `json:"jitter"`
}

// ReportSession records the runner's completion report. The work token
// must belong to the reported order.
func (h *Handlers) ReportSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderId required"})
		return
	}
	order, _ := auth.OrderFrom(c)
	if !auth.SameOrder(order, req.OrderID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "work token does not match order"})
		return
	}

	m, err := h.mining.RecordSessionCompletion(c.Request.Context(), mining.CompletionReport{
		OrderID:           req.OrderID,
		BytesRx:           req.BytesRx,
		BytesTx:           req.BytesTx,
		SessionDurationMs: req.SessionDuration,
		Loss:              req.Loss,
		Jitter:            req.Jitter,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	h.metrics.RecordSessionCompleted()
	h.record(audit.ActionSessionCompleted, order.UserID, order.ID, audit.Details{
		BytesRx: m.BytesRx, BytesTx: m.BytesTx, Loss: m.Loss, Jitter: m.Jitter,
	}, c.ClientIP(), nil)
	c.JSON(http.StatusOK, gin.H{"ok": true, "metrics": m})
}

type peerRequest struct {
	SDP string `json:"sdp" binding:"required"`
}

// PeerOffer is the signaling endpoint of the echo peer.
func (h *Handlers) PeerOffer(c *gin.Context) {
	if h.peer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "echo peer disabled"})
		return
	}
	var req peerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sdp required"})
		return
	}

	answer, err := h.peer.Answer(c.Request.Context(), c.Param("orderId"), req.SDP)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sdp": answer})
}

func (h *Handlers) GetProof(c *gin.Context) {
	orderID := c.Param("orderId")
	proof, err := h.mining.GenerateProof(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	order, _ := auth.OrderFrom(c)
	h.metrics.RecordProofGenerated()
	h.record(audit.ActionProofGenerated, order.UserID, orderID, audit.Details{BytesRx: proof.BytesRx}, c.ClientIP(), nil)
	c.JSON(http.StatusOK, proof)
}

type claimRequest struct {
	Signature string  `json:"signature" binding:"required"`
	OrderID   string  `json:"orderId" binding:"required"`
	BytesRx   int64   `json:"bytesRx"`
	BytesTx   int64   `json:"bytesTx"`
	Loss      float64 `json:"loss"`
	Jitter    float64 `json:"jitter"`
}

// Claim responds with {ok:true, ...} on success and {ok:false, error,
// code} otherwise.
func (h *Handlers) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "signature and orderId required", "code": "INVALID_REQUEST"})
		return
	}

	result, err := h.mining.Claim(c.Request.Context(), mining.ClaimRequest{
		Signature: req.Signature,
		OrderID:   req.OrderID,
		BytesRx:   req.BytesRx,
		BytesTx:   req.BytesTx,
		Loss:      req.Loss,
		Jitter:    req.Jitter,
	})
	if err != nil {
		e := classify(err)
		if e.status == http.StatusInternalServerError {
			h.logger.WithError(err).WithField("order_id", req.OrderID).Error("claim failed")
		}
		h.metrics.RecordClaimRejection(e.code)
		h.record(audit.ActionClaim, "", req.OrderID, audit.Details{BytesRx: req.BytesRx}, c.ClientIP(), err)
		c.JSON(e.status, gin.H{"ok": false, "error": e.message, "code": e.code})
		return
	}

	h.metrics.RecordClaim(result.BytesProcessed, result.AddedScore)
	h.record(audit.ActionClaim, result.UserID, req.OrderID, audit.Details{
		BytesRx:      result.BytesProcessed,
		Loss:         req.Loss,
		Jitter:       req.Jitter,
		QualityScore: result.QualityScore,
		AddedScore:   result.AddedScore,
	}, c.ClientIP(), nil)
	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"addedScore":     result.AddedScore,
		"qualityScore":   result.QualityScore,
		"bytesProcessed": result.BytesProcessed,
	})
}

func (h *Handlers) Leaderboard(c *gin.Context) {
	period, err := mining.ParsePeriod(c.Query("period"))
	if err != nil {
		h.fail(c, err)
		return
	}
	limit := defaultLeaderboardLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	entries, err := h.leaderboard.Top(c.Request.Context(), period, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": period, "entries": entries})
}

func (h *Handlers) Balance(c *gin.Context) {
	totals, err := h.mining.Balance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

type verifyRequest struct {
	InitData string `json:"initData" binding:"required"`
}

// VerifyTelegram checks Mini App launch data. A bad hash is a normal
// {ok:false} answer, not an HTTP error.
func (h *Handlers) VerifyTelegram(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request"})
		return
	}

	var data *telegram.InitData
	err := telegram.ErrNotConfigured
	if h.telegram != nil {
		data, err = h.telegram.Verify(req.InitData)
	}
	switch {
	case errors.Is(err, telegram.ErrNotConfigured):
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "bot token not configured"})
	case err != nil:
		h.logger.WithError(err).Debug("telegram initData rejected")
		c.JSON(http.StatusOK, gin.H{"ok": false})
	default:
		resp := gin.H{"ok": true}
		if data.User != nil {
			resp["user"] = data.User
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Gifts proxies the bot's gift catalogue.
func (h *Handlers) Gifts(c *gin.Context) {
	if h.bot == nil {
		h.botFailed(c, notify.ErrNotConfigured)
		return
	}
	gifts, err := h.bot.AvailableGifts(c.Request.Context())
	if err != nil {
		h.botFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "gifts": gifts})
}

// Invoice sends a Telegram Stars invoice to a chat.
func (h *Handlers) Invoice(c *gin.Context) {
	var req notify.Invoice
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid request"})
		return
	}
	if h.bot == nil {
		h.botFailed(c, notify.ErrNotConfigured)
		return
	}
	msg, err := h.bot.SendInvoice(c.Request.Context(), req)
	if err != nil {
		h.botFailed(c, err)
		return
	}
	h.record(audit.ActionInvoiceSent, strconv.FormatInt(req.ChatID, 10), "", audit.Details{
		Stars:   req.Prices[0].Amount,
		Payload: req.Payload,
	}, c.ClientIP(), nil)
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": msg})
}

func (h *Handlers) botFailed(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notify.ErrNotConfigured):
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "bot token not configured"})
	case errors.Is(err, notify.ErrInvalidInvoice):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
	default:
		h.logger.WithError(err).WithField("path", c.FullPath()).Warn("telegram bot api call failed")
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "telegram request failed"})
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	e := classify(err)
	if e.status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(e.status, gin.H{"error": e.message, "code": e.code})
}

func (h *Handlers) record(action, userID, orderID string, details audit.Details, ip string, err error) {
	if h.audit == nil {
		return
	}
	h.audit.LogAction(action, userID, orderID, details, ip, err)
}
