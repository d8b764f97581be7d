package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StarsCurrency is the currency code of Telegram Stars. Stars invoices
// carry no payment provider token.
const StarsCurrency = "XTR"

var ErrInvalidInvoice = errors.New("notify: invalid invoice")

type Gift struct {
	ID               string          `json:"id"`
	StarCount        int64           `json:"star_count"`
	UpgradeStarCount int64           `json:"upgrade_star_count,omitempty"`
	TotalCount       int64           `json:"total_count,omitempty"`
	RemainingCount   int64           `json:"remaining_count,omitempty"`
	Sticker          json.RawMessage `json:"sticker,omitempty"`
}

type giftList struct {
	Gifts []Gift `json:"gifts"`
}

// AvailableGifts lists the gifts the bot can send.
func (t *Telegram) AvailableGifts(ctx context.Context) ([]Gift, error) {
	var out giftList
	if err := t.call(ctx, "getAvailableGifts", nil, &out); err != nil {
		return nil, err
	}
	if out.Gifts == nil {
		out.Gifts = []Gift{}
	}
	return out.Gifts, nil
}

type LabeledPrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

type Invoice struct {
	ChatID      int64          `json:"chat_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     string         `json:"payload"`
	Prices      []LabeledPrice `json:"prices"`
}

type sendInvoiceRequest struct {
	Invoice
	ProviderToken string `json:"provider_token"`
	Currency      string `json:"currency"`
}

// Validate applies the Bot API limits for Stars invoices.
func (inv Invoice) Validate() error {
	switch {
	case inv.ChatID == 0:
		return fmt.Errorf("%w: chat_id is required", ErrInvalidInvoice)
	case len(strings.TrimSpace(inv.Title)) == 0 || len(strings.TrimSpace(inv.Title)) > 32:
		return fmt.Errorf("%w: title must be 1-32 characters", ErrInvalidInvoice)
	case len(strings.TrimSpace(inv.Description)) == 0 || len(strings.TrimSpace(inv.Description)) > 255:
		return fmt.Errorf("%w: description must be 1-255 characters", ErrInvalidInvoice)
	case len(inv.Payload) == 0 || len(inv.Payload) > 128:
		return fmt.Errorf("%w: payload must be 1-128 bytes", ErrInvalidInvoice)
	case len(inv.Prices) != 1:
		// Stars invoices take exactly one price.
		return fmt.Errorf("%w: exactly one price is required", ErrInvalidInvoice)
	case inv.Prices[0].Amount <= 0:
		return fmt.Errorf("%w: price amount must be positive", ErrInvalidInvoice)
	}
	return nil
}

// SendInvoice sends a Telegram Stars invoice to the chat and returns the
// sent message as Telegram reported it.
func (t *Telegram) SendInvoice(ctx context.Context, inv Invoice) (json.RawMessage, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	var msg json.RawMessage
	req := sendInvoiceRequest{Invoice: inv, ProviderToken: "", Currency: StarsCurrency}
	if err := t.call(ctx, "sendInvoice", req, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
