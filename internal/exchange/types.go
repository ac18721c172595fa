package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/config"
	"tradegate/internal/signer"
	"tradegate/logger"
)

// Venue identifies a supported exchange.
type Venue string

const (
	VenueBinance Venue = config.VenueBinance
	VenueBybit   Venue = config.VenueBybit
)

// ParseVenue normalises a venue name.
func ParseVenue(name string) (Venue, error) {
	switch v := Venue(strings.ToLower(strings.TrimSpace(name))); v {
	case VenueBinance, VenueBybit:
		return v, nil
	default:
		return "", fmt.Errorf("unknown venue %q", name)
	}
}

// Credential is an immutable API key pair bound to one venue and account.
// The secret is only ever read by the signing step.
type Credential struct {
	venue     Venue
	apiKey    string
	apiSecret string
	sandbox   bool
	accountID string
}

// NewCredential validates and builds a credential.
func NewCredential(venue Venue, apiKey, apiSecret string, sandbox bool, accountID string) (Credential, error) {
	if _, err := ParseVenue(string(venue)); err != nil {
		return Credential{}, err
	}
	if apiKey == "" || apiSecret == "" {
		return Credential{}, errors.New("api key and secret are required")
	}
	return Credential{
		venue:     venue,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		sandbox:   sandbox,
		accountID: accountID,
	}, nil
}

// CredentialFromConfig converts a configured credential.
func CredentialFromConfig(cc config.CredentialConfig) (Credential, error) {
	venue, err := ParseVenue(cc.Venue)
	if err != nil {
		return Credential{}, err
	}
	return NewCredential(venue, cc.APIKey, cc.APISecret, cc.Sandbox, cc.AccountID)
}

func (c Credential) Venue() Venue      { return c.venue }
func (c Credential) APIKey() string    { return c.apiKey }
func (c Credential) Sandbox() bool     { return c.sandbox }
func (c Credential) AccountID() string { return c.accountID }

// String renders the credential with the key masked and the secret omitted.
func (c Credential) String() string {
	return fmt.Sprintf("%s/%s key=%s sandbox=%t", c.venue, c.accountID, logger.MaskKey(c.apiKey), c.sandbox)
}

// MarshalJSON never exposes the secret.
func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"venue":      c.venue,
		"account_id": c.accountID,
		"api_key":    logger.MaskKey(c.apiKey),
		"sandbox":    c.sandbox,
	})
}

// RequestSpec describes one venue call before signing.
type RequestSpec struct {
	Method string
	Path   string
	Params signer.Params
	Signed bool
	// Endpoint is a short label used in logs and metrics.
	Endpoint string
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Position is one open position. Size is signed: negative means short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Size          decimal.Decimal `json:"size"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
}

// AccountSnapshot replaces any previously fetched snapshot wholesale.
type AccountSnapshot struct {
	TotalBalance     decimal.Decimal `json:"total_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	Positions        []Position      `json:"positions"`
}

// OrderRequest is the venue-neutral order description.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	Price       *decimal.Decimal
	StopLoss    *decimal.Decimal
	TakeProfit  *decimal.Decimal
	TimeInForce string
}

// Validate checks the request before it reaches a venue.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return errors.New("symbol is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if r.Price == nil || !r.Price.IsPositive() {
			return errors.New("limit orders require a positive price")
		}
	default:
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	if !r.Quantity.IsPositive() {
		return errors.New("quantity must be positive")
	}
	return nil
}

// OrderRecord is the result of a successful placement. It is not tracked
// afterwards; callers re-query the venue for later state.
type OrderRecord struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Status    OrderStatus     `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}
