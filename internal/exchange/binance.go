package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"tradegate/internal/signer"
)

// ErrSymbolNotFound is returned by ticker parsing when the venue response does
// not contain the requested symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// Binance error codes that mean the key, signature or caller IP was rejected.
var binanceAuthCodes = map[int64]bool{
	-1022: true, // invalid signature
	-2014: true, // bad api key format
	-2015: true, // invalid key, IP or permissions
}

// BinanceAdapter talks to USDⓈ-M futures. Requests are signed query-string
// style and every parameter travels in the query, including for POST/DELETE.
type BinanceAdapter struct{}

func (BinanceAdapter) Venue() Venue { return VenueBinance }

func (BinanceAdapter) BaseURL(sandbox bool) string {
	if sandbox {
		return futures.BaseApiTestnetUrl
	}
	return futures.BaseApiMainUrl
}

func (BinanceAdapter) Prepare(spec RequestSpec, cred Credential, now time.Time, recvWindow time.Duration) (Prepared, error) {
	if !spec.Signed {
		return Prepared{Query: spec.Params.Encode()}, nil
	}
	params := spec.Params
	if recvWindow > 0 {
		params = params.Add("recvWindow", strconv.FormatInt(recvWindow.Milliseconds(), 10))
	}
	signed := signer.SignQuery(cred.apiSecret, params, millis(now))
	header := http.Header{}
	header.Set("X-MBX-APIKEY", cred.apiKey)
	return Prepared{Query: signed.Query, Header: header}, nil
}

func (BinanceAdapter) CheckResponse(status int, body []byte) *VenueError {
	var apiErr common.APIError
	decoded := json.Unmarshal(body, &apiErr) == nil && apiErr.Message != ""

	if status >= 200 && status < 300 {
		if decoded && apiErr.Code < 0 {
			return binanceError(status, apiErr)
		}
		return nil
	}
	if !decoded {
		return &VenueError{
			Message:      fallbackMessage(status, body),
			Unauthorized: unauthorizedStatus(status),
		}
	}
	return binanceError(status, apiErr)
}

func binanceError(status int, apiErr common.APIError) *VenueError {
	return &VenueError{
		Code:         strconv.FormatInt(apiErr.Code, 10),
		Message:      apiErr.Message,
		Unauthorized: unauthorizedStatus(status) || binanceAuthCodes[apiErr.Code],
	}
}

func (BinanceAdapter) Ping() RequestSpec {
	return RequestSpec{Method: http.MethodGet, Path: "/fapi/v1/ping", Endpoint: "ping"}
}

func (BinanceAdapter) Ticker(symbol string) RequestSpec {
	return RequestSpec{
		Method:   http.MethodGet,
		Path:     "/fapi/v1/ticker/price",
		Params:   signer.Params{}.Add("symbol", symbol),
		Endpoint: "ticker",
	}
}

type binanceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (BinanceAdapter) ParseTicker(body []byte, symbol string) (decimal.Decimal, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tickers []binanceTicker
		if err := json.Unmarshal(trimmed, &tickers); err != nil {
			return decimal.Zero, err
		}
		for _, t := range tickers {
			if strings.EqualFold(t.Symbol, symbol) && t.Price != "" {
				return parseDecimal("price", t.Price)
			}
		}
		return decimal.Zero, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	var t binanceTicker
	if err := json.Unmarshal(trimmed, &t); err != nil {
		return decimal.Zero, err
	}
	if t.Price == "" || (t.Symbol != "" && !strings.EqualFold(t.Symbol, symbol)) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return parseDecimal("price", t.Price)
}

func (BinanceAdapter) Account() []RequestSpec {
	return []RequestSpec{
		{Method: http.MethodGet, Path: "/fapi/v2/account", Signed: true, Endpoint: "account"},
		{Method: http.MethodGet, Path: "/fapi/v2/positionRisk", Signed: true, Endpoint: "positions"},
	}
}

type binanceAccount struct {
	TotalMarginBalance string `json:"totalMarginBalance"`
	AvailableBalance   string `json:"availableBalance"`
}

type binancePosition struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
}

func (BinanceAdapter) ParseAccount(bodies [][]byte) (AccountSnapshot, error) {
	if len(bodies) != 2 {
		return AccountSnapshot{}, fmt.Errorf("expected account and position bodies, got %d", len(bodies))
	}
	var acc binanceAccount
	if err := json.Unmarshal(bodies[0], &acc); err != nil {
		return AccountSnapshot{}, fmt.Errorf("decode account: %w", err)
	}
	var raw []binancePosition
	if err := json.Unmarshal(bodies[1], &raw); err != nil {
		return AccountSnapshot{}, fmt.Errorf("decode positions: %w", err)
	}

	total, err := parseDecimal("totalMarginBalance", acc.TotalMarginBalance)
	if err != nil {
		return AccountSnapshot{}, err
	}
	available, err := parseDecimal("availableBalance", acc.AvailableBalance)
	if err != nil {
		return AccountSnapshot{}, err
	}

	snap := AccountSnapshot{TotalBalance: total, AvailableBalance: available, Positions: []Position{}}
	for _, p := range raw {
		size, err := parseDecimal("positionAmt", p.PositionAmt)
		if err != nil {
			return AccountSnapshot{}, err
		}
		if size.IsZero() {
			continue
		}
		pos := Position{Symbol: p.Symbol, Size: size}
		if pos.EntryPrice, err = parseDecimal("entryPrice", p.EntryPrice); err != nil {
			return AccountSnapshot{}, err
		}
		if pos.MarkPrice, err = parseDecimal("markPrice", p.MarkPrice); err != nil {
			return AccountSnapshot{}, err
		}
		if pos.UnrealizedPnl, err = parseDecimal("unRealizedProfit", p.UnRealizedProfit); err != nil {
			return AccountSnapshot{}, err
		}
		snap.Positions = append(snap.Positions, pos)
	}
	return snap, nil
}

func (BinanceAdapter) PlaceOrder(req OrderRequest) (RequestSpec, error) {
	if req.StopLoss != nil || req.TakeProfit != nil {
		return RequestSpec{}, errors.New("binance takes stop loss and take profit as separate conditional orders")
	}
	side := futures.SideTypeBuy
	if req.Side == SideSell {
		side = futures.SideTypeSell
	}
	orderType := futures.OrderTypeMarket
	if req.Type == OrderTypeLimit {
		orderType = futures.OrderTypeLimit
	}

	params := signer.Params{}.
		Add("symbol", req.Symbol).
		Add("side", string(side)).
		Add("type", string(orderType)).
		Add("quantity", req.Quantity.String())
	if req.Type == OrderTypeLimit {
		tif := strings.ToUpper(req.TimeInForce)
		if tif == "" {
			tif = string(futures.TimeInForceTypeGTC)
		}
		params = params.Add("price", req.Price.String()).Add("timeInForce", tif)
	}
	return RequestSpec{Method: http.MethodPost, Path: "/fapi/v1/order", Params: params, Signed: true, Endpoint: "order"}, nil
}

type binanceOrder struct {
	OrderID    int64  `json:"orderId"`
	Symbol     string `json:"symbol"`
	OrigQty    string `json:"origQty"`
	Price      string `json:"price"`
	Status     string `json:"status"`
	UpdateTime int64  `json:"updateTime"`
}

func (BinanceAdapter) ParseOrder(body []byte, req OrderRequest) (OrderRecord, error) {
	var o binanceOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return OrderRecord{}, err
	}
	if o.OrderID == 0 {
		return OrderRecord{}, errors.New("order response has no orderId")
	}

	rec := OrderRecord{
		OrderID:   strconv.FormatInt(o.OrderID, 10),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Status:    binanceStatus(futures.OrderStatusType(o.Status)),
		Timestamp: time.Now().UTC(),
	}
	if o.Symbol != "" {
		rec.Symbol = o.Symbol
	}
	if qty, err := parseDecimal("origQty", o.OrigQty); err == nil && qty.IsPositive() {
		rec.Quantity = qty
	}
	if price, err := parseDecimal("price", o.Price); err == nil && price.IsPositive() {
		rec.Price = price
	} else if req.Price != nil {
		rec.Price = *req.Price
	}
	if o.UpdateTime > 0 {
		rec.Timestamp = time.UnixMilli(o.UpdateTime).UTC()
	}
	return rec, nil
}

func binanceStatus(s futures.OrderStatusType) OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return OrderStatusRejected
	default:
		return OrderStatusNew
	}
}

func (BinanceAdapter) CancelOrder(symbol, orderID string) RequestSpec {
	return RequestSpec{
		Method:   http.MethodDelete,
		Path:     "/fapi/v1/order",
		Params:   signer.Params{}.Add("symbol", symbol).Add("orderId", orderID),
		Signed:   true,
		Endpoint: "cancel",
	}
}

func unauthorizedStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTeapot, http.StatusUnavailableForLegalReasons:
		return true
	default:
		return false
	}
}

// fallbackMessage is used when an error body is not the venue's JSON shape.
func fallbackMessage(status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256]
	}
	if text == "" {
		return fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return text
}
