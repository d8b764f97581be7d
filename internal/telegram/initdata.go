// Package telegram checks Telegram WebApp launch parameters.
//
// Signature validation and decoding are delegated to init-data-golang;
// this package adds the bot token lookup, a clock-driven age limit and
// the error values the HTTP layer maps.
package telegram

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	initdata "github.com/telegram-mini-apps/init-data-golang"

	"shardminer/backend/internal/clock"
)

var (
	ErrNotConfigured = errors.New("telegram: bot token not configured")
	ErrMissingHash   = errors.New("telegram: initData has no hash")
	ErrBadHash       = errors.New("telegram: initData hash mismatch")
	ErrStale         = errors.New("telegram: initData too old")
)

type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type InitData struct {
	User     *User
	AuthDate time.Time
	Fields   url.Values
}

type Verifier struct {
	botToken string
	maxAge   time.Duration
	clock    clock.Clock
}

// NewVerifier returns a verifier for the bot. A zero maxAge accepts any
// auth_date.
func NewVerifier(botToken string, maxAge time.Duration, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.Real()
	}
	return &Verifier{botToken: botToken, maxAge: maxAge, clock: clk}
}

func (v *Verifier) Verify(raw string) (*InitData, error) {
	if v.botToken == "" {
		return nil, ErrNotConfigured
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("telegram: parsing initData: %w", err)
	}
	if values.Get("hash") == "" {
		return nil, ErrMissingHash
	}

	// Expiry is checked below against the injected clock.
	if err := initdata.Validate(raw, v.botToken, 0); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadHash, err)
	}
	values.Del("hash")

	out := &InitData{Fields: values}
	if rawDate := values.Get("auth_date"); rawDate != "" {
		secs, err := strconv.ParseInt(rawDate, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram: bad auth_date %q", rawDate)
		}
		out.AuthDate = time.Unix(secs, 0)
	}
	if v.maxAge > 0 && (out.AuthDate.IsZero() || v.clock.Now().Sub(out.AuthDate) > v.maxAge) {
		return nil, ErrStale
	}

	if values.Get("user") != "" {
		data, err := initdata.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("telegram: decoding initData: %w", err)
		}
		out.User = &User{
			ID:        int64(data.User.ID),
			FirstName: data.User.FirstName,
			LastName:  data.User.LastName,
			Username:  data.User.Username,
		}
	}
	return out, nil
}

// SignedInitData builds a signed initData query string for fields at
// authDate. Used by tests and local tooling that impersonate the
// Telegram client.
func SignedInitData(fields map[string]string, botToken string, authDate time.Time) string {
	values := url.Values{}
	for k, val := range fields {
		values.Set(k, val)
	}
	values.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	values.Set("hash", initdata.Sign(fields, botToken, authDate))
	return values.Encode()
}
