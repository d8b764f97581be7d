// Package notify talks to the Telegram Bot API: claim notifications,
// the gift catalogue and Telegram Stars invoices.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"shardminer/backend/internal/mining"
)

const DefaultAPIURL = "https://api.telegram.org"

type Config struct {
	BotToken string
	APIURL   string
	Timeout  time.Duration
}

type Telegram struct {
	token  string
	apiURL string
	client *http.Client
	logger *log.Entry
}

func NewTelegram(cfg Config, logger *log.Entry) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.WithField("component", "notify")
	}
	return &Telegram{
		token:  cfg.BotToken,
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// ErrNotConfigured is returned by calls that need a bot token when none
// is set. NotifyClaim treats a missing token as "notifications off".
var ErrNotConfigured = errors.New("notify: bot token not configured")

// NotifyClaim messages the miner. User ids that are not Telegram chat
// ids (non-numeric) are skipped, as is everything when no bot token is
// configured.
func (t *Telegram) NotifyClaim(ctx context.Context, userID string, result mining.ClaimResult) error {
	if t.token == "" {
		return nil
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		t.logger.WithField("user_id", userID).Debug("skipping notification for non-telegram user")
		return nil
	}
	return t.SendMessage(ctx, chatID, ClaimMessage(result))
}

func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	return t.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text}, nil)
}

// call invokes a Bot API method. A nil body sends a GET; result, when
// not nil, receives the decoded "result" field.
func (t *Telegram) call(ctx context.Context, method string, body, result any) error {
	if t.token == "" {
		return ErrNotConfigured
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.apiURL, t.token, method)

	httpMethod := http.MethodGet
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		httpMethod, reader = http.MethodPost, bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return fmt.Errorf("notify: building %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// The url embeds the bot token; keep it out of the error.
		return fmt.Errorf("notify: %s failed", method)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("notify: decoding %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !out.OK {
		return fmt.Errorf("notify: %s rejected (status %d): %s", method, resp.StatusCode, out.Description)
	}
	if result != nil {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return fmt.Errorf("notify: decoding %s result: %w", method, err)
		}
	}
	return nil
}

func ClaimMessage(result mining.ClaimResult) string {
	shards := decimal.NewFromFloat(result.AddedScore).StringFixed(2)
	quality := decimal.NewFromFloat(result.QualityScore).Shift(2).StringFixed(0)
	mib := decimal.NewFromInt(result.BytesProcessed).Div(decimal.NewFromInt(1 << 20)).StringFixed(1)
	return fmt.Sprintf("+%s shards credited for %s MiB at %s%% quality.", shards, mib, quality)
}
