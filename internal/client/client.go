// Package client speaks the mining HTTP protocol from the miner side.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"shardminer/backend/internal/mining"
	"shardminer/backend/internal/transfer"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

type Client struct {
	base *url.URL
	http *http.Client
}

func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parsing base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: base url %q needs scheme and host", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, http: httpClient}, nil
}

func (c *Client) IssueWork(ctx context.Context, userID string) (*mining.IssuedOrder, error) {
	var out mining.IssuedOrder
	if err := c.do(ctx, http.MethodPost, "/mining/work", "", map[string]string{"userId": userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportSession(ctx context.Context, workToken string, report mining.CompletionReport) (mining.Metrics, error) {
	body := map[string]any{
		"orderId":         report.OrderID,
		"bytesRx":         report.BytesRx,
		"bytesTx":         report.BytesTx,
		"sessionDuration": report.SessionDurationMs,
	}
	if report.Loss != nil {
		body["loss"] = *report.Loss
	}
	if report.Jitter != nil {
		body["jitter"] = *report.Jitter
	}

	var out struct {
		OK      bool           `json:"ok"`
		Metrics mining.Metrics `json:"metrics"`
	}
	if err := c.do(ctx, http.MethodPost, "/mining/session", workToken, body, &out); err != nil {
		return mining.Metrics{}, err
	}
	return out.Metrics, nil
}

func (c *Client) Proof(ctx context.Context, workToken, orderID string) (*mining.Proof, error) {
	var out mining.Proof
	if err := c.do(ctx, http.MethodGet, "/mining/proof/"+url.PathEscape(orderID), workToken, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Claim redeems proof with the values it attests.
func (c *Client) Claim(ctx context.Context, proof *mining.Proof) (*mining.ClaimResult, error) {
	body := map[string]any{
		"signature": proof.Signature,
		"orderId":   proof.OrderID,
		"bytesRx":   proof.BytesRx,
		"bytesTx":   proof.BytesTx,
		"loss":      proof.Loss,
		"jitter":    proof.Jitter,
	}
	var out mining.ClaimResult
	if err := c.do(ctx, http.MethodPost, "/mining/claim", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Balance(ctx context.Context, userID string) (mining.Totals, error) {
	var out mining.Totals
	err := c.do(ctx, http.MethodGet, "/mining/balance/"+url.PathEscape(userID), "", nil, &out)
	return out, err
}

// Signaler returns a transfer.Signaler that posts offers for the order
// owning workToken.
func (c *Client) Signaler(workToken string) *PeerSignaler {
	return &PeerSignaler{client: c, token: workToken}
}

type PeerSignaler struct {
	client *Client
	token  string
}

var _ transfer.Signaler = (*PeerSignaler)(nil)

func (s *PeerSignaler) Exchange(ctx context.Context, orderID, offerSDP string) (string, error) {
	var out struct {
		SDP string `json:"sdp"`
	}
	path := "/mining/peer/" + url.PathEscape(orderID)
	if err := s.client.do(ctx, http.MethodPost, path, s.token, map[string]string{"sdp": offerSDP}, &out); err != nil {
		return "", err
	}
	return out.SDP, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: reading body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &e) == nil {
			apiErr.Message, apiErr.Code = e.Error, e.Code
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}
