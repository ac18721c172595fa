package exchange

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Prepared is an encoded request ready to be sent.
type Prepared struct {
	Query  string
	Body   []byte
	Header http.Header
}

// VenueError is a rejection reported by a venue.
type VenueError struct {
	Code         string
	Message      string
	Unauthorized bool
}

func (e *VenueError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
}

// VenueAdapter captures everything that differs between venues: paths, field
// casing, signature placement and response shapes. Client is generic over it.
type VenueAdapter interface {
	Venue() Venue
	BaseURL(sandbox bool) string

	// Prepare encodes spec and, when spec.Signed, signs it with cred.
	Prepare(spec RequestSpec, cred Credential, now time.Time, recvWindow time.Duration) (Prepared, error)
	// CheckResponse returns a non-nil error when the venue rejected the call,
	// either through the HTTP status or an error code in the body.
	CheckResponse(status int, body []byte) *VenueError

	Ping() RequestSpec
	Ticker(symbol string) RequestSpec
	ParseTicker(body []byte, symbol string) (decimal.Decimal, error)
	// Account returns the signed reads whose bodies ParseAccount merges.
	Account() []RequestSpec
	ParseAccount(bodies [][]byte) (AccountSnapshot, error)
	PlaceOrder(req OrderRequest) (RequestSpec, error)
	ParseOrder(body []byte, req OrderRequest) (OrderRecord, error)
	CancelOrder(symbol, orderID string) RequestSpec
}

// AdapterFor returns the built-in adapter for venue.
func AdapterFor(venue Venue) (VenueAdapter, error) {
	switch venue {
	case VenueBinance:
		return BinanceAdapter{}, nil
	case VenueBybit:
		return BybitAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown venue %q", venue)
	}
}

func millis(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	return d, nil
}
