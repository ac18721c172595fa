package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/bybit-exchange/bybit.go.api/models"
	"github.com/shopspring/decimal"

	"tradegate/internal/signer"
)

const (
	bybitCategory    = models.CategoryLinear
	bybitAccountType = "UNIFIED"
)

// Bybit retCodes that mean the key, signature, permissions or caller IP was rejected.
var bybitAuthCodes = map[int]bool{
	10003: true, // invalid api key
	10004: true, // signature error
	10005: true, // permission denied
	10010: true, // unmatched IP
	33004: true, // api key expired
}

// BybitAdapter talks to the v5 unified API. Requests are signed concatenation
// style: timestamp + key + recvWindow + payload, where payload is the sorted
// query string for GET and the JSON body for POST. Signature and timestamp
// travel as X-BAPI-* headers.
type BybitAdapter struct{}

func (BybitAdapter) Venue() Venue { return VenueBybit }

func (BybitAdapter) BaseURL(sandbox bool) string {
	if sandbox {
		return bybit.TESTNET
	}
	return bybit.MAINNET
}

func (BybitAdapter) Prepare(spec RequestSpec, cred Credential, now time.Time, recvWindow time.Duration) (Prepared, error) {
	var (
		out     Prepared
		payload string
	)
	if spec.Method == http.MethodGet || spec.Method == http.MethodDelete {
		out.Query = signer.ConcatPayload(spec.Params)
		payload = out.Query
	} else {
		body := make(map[string]string, len(spec.Params))
		for _, kv := range spec.Params {
			body[kv.Key] = kv.Value
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return Prepared{}, err
		}
		out.Body = raw
		payload = string(raw)
	}
	if !spec.Signed {
		return out, nil
	}

	ts := millis(now)
	window := ""
	if recvWindow > 0 {
		window = strconv.FormatInt(recvWindow.Milliseconds(), 10)
	}
	out.Header = http.Header{}
	out.Header.Set("X-BAPI-API-KEY", cred.apiKey)
	out.Header.Set("X-BAPI-TIMESTAMP", ts)
	out.Header.Set("X-BAPI-SIGN", signer.SignConcat(cred.apiSecret, cred.apiKey, ts, window, payload))
	out.Header.Set("X-BAPI-SIGN-TYPE", "2")
	if window != "" {
		out.Header.Set("X-BAPI-RECV-WINDOW", window)
	}
	return out, nil
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func (BybitAdapter) CheckResponse(status int, body []byte) *VenueError {
	var env bybitEnvelope
	decoded := json.Unmarshal(body, &env) == nil && (env.RetCode != 0 || env.RetMsg != "")

	ok := status >= 200 && status < 300
	if ok && (!decoded || env.RetCode == 0) {
		return nil
	}
	if !decoded {
		return &VenueError{
			Message:      fallbackMessage(status, body),
			Unauthorized: unauthorizedStatus(status),
		}
	}
	msg := env.RetMsg
	if msg == "" {
		msg = fallbackMessage(status, nil)
	}
	return &VenueError{
		Code:         strconv.Itoa(env.RetCode),
		Message:      msg,
		Unauthorized: unauthorizedStatus(status) || bybitAuthCodes[env.RetCode],
	}
}

func (BybitAdapter) Ping() RequestSpec {
	return RequestSpec{Method: http.MethodGet, Path: "/v5/market/time", Endpoint: "ping"}
}

func (BybitAdapter) Ticker(symbol string) RequestSpec {
	return RequestSpec{
		Method:   http.MethodGet,
		Path:     "/v5/market/tickers",
		Params:   signer.Params{}.Add("category", string(bybitCategory)).Add("symbol", symbol),
		Endpoint: "ticker",
	}
}

func decodeResult(body []byte, out interface{}) (bybitEnvelope, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, err
	}
	if len(env.Result) == 0 {
		return env, errors.New("response has no result")
	}
	return env, json.Unmarshal(env.Result, out)
}

func (BybitAdapter) ParseTicker(body []byte, symbol string) (decimal.Decimal, error) {
	var result models.MarketTickers
	if _, err := decodeResult(body, &result); err != nil {
		return decimal.Zero, err
	}
	for _, t := range result.List {
		if t != nil && strings.EqualFold(t.Symbol, symbol) && t.LastPrice != "" {
			return parseDecimal("lastPrice", t.LastPrice)
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
}

func (BybitAdapter) Account() []RequestSpec {
	return []RequestSpec{{
		Method:   http.MethodGet,
		Path:     "/v5/account/wallet-balance",
		Params:   signer.Params{}.Add("accountType", bybitAccountType),
		Signed:   true,
		Endpoint: "wallet",
	}}
}

// ParseAccount reads the wallet entry for the unified account. A response with
// several entries and none marked UNIFIED is rejected rather than guessed.
func (BybitAdapter) ParseAccount(bodies [][]byte) (AccountSnapshot, error) {
	if len(bodies) != 1 {
		return AccountSnapshot{}, fmt.Errorf("expected one wallet body, got %d", len(bodies))
	}
	var result struct {
		List []models.WalletAccountInfo `json:"list"`
	}
	if _, err := decodeResult(bodies[0], &result); err != nil {
		return AccountSnapshot{}, fmt.Errorf("decode wallet: %w", err)
	}

	wallet, err := selectWallet(result.List)
	if err != nil {
		return AccountSnapshot{}, err
	}
	total, err := parseDecimal("totalEquity", wallet.TotalEquity)
	if err != nil {
		return AccountSnapshot{}, err
	}
	available, err := parseDecimal("totalAvailableBalance", wallet.TotalAvailableBalance)
	if err != nil {
		return AccountSnapshot{}, err
	}
	return AccountSnapshot{TotalBalance: total, AvailableBalance: available, Positions: []Position{}}, nil
}

func selectWallet(list []models.WalletAccountInfo) (models.WalletAccountInfo, error) {
	switch len(list) {
	case 0:
		return models.WalletAccountInfo{}, errors.New("wallet response has no accounts")
	case 1:
		return list[0], nil
	}
	for _, w := range list {
		if strings.EqualFold(w.AccountType, bybitAccountType) {
			return w, nil
		}
	}
	return models.WalletAccountInfo{}, fmt.Errorf("wallet response has %d accounts and none is %s", len(list), bybitAccountType)
}

func (BybitAdapter) PlaceOrder(req OrderRequest) (RequestSpec, error) {
	side := "Buy"
	if req.Side == SideSell {
		side = "Sell"
	}
	orderType := models.OrderTypeMarket
	if req.Type == OrderTypeLimit {
		orderType = models.Limit
	}

	params := signer.Params{}.
		Add("category", string(bybitCategory)).
		Add("symbol", req.Symbol).
		Add("side", side).
		Add("orderType", string(orderType)).
		Add("qty", req.Quantity.String())
	if req.Type == OrderTypeLimit {
		tif := strings.ToUpper(req.TimeInForce)
		if tif == "" {
			tif = string(models.TimeInForceGTC)
		}
		params = params.Add("price", req.Price.String()).Add("timeInForce", tif)
	}
	if req.StopLoss != nil {
		params = params.Add("stopLoss", req.StopLoss.String())
	}
	if req.TakeProfit != nil {
		params = params.Add("takeProfit", req.TakeProfit.String())
	}
	return RequestSpec{Method: http.MethodPost, Path: "/v5/order/create", Params: params, Signed: true, Endpoint: "order"}, nil
}

// ParseOrder maps a create response. Bybit only acknowledges the order id, so
// the record is always new.
func (BybitAdapter) ParseOrder(body []byte, req OrderRequest) (OrderRecord, error) {
	var result models.OrderResult
	env, err := decodeResult(body, &result)
	if err != nil {
		return OrderRecord{}, err
	}
	if result.OrderId == "" {
		return OrderRecord{}, errors.New("order response has no orderId")
	}

	rec := OrderRecord{
		OrderID:   result.OrderId,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Status:    OrderStatusNew,
		Timestamp: time.Now().UTC(),
	}
	if req.Price != nil {
		rec.Price = *req.Price
	}
	if env.Time > 0 {
		rec.Timestamp = time.UnixMilli(env.Time).UTC()
	}
	return rec, nil
}

func (BybitAdapter) CancelOrder(symbol, orderID string) RequestSpec {
	return RequestSpec{
		Method:   http.MethodPost,
		Path:     "/v5/order/cancel",
		Params:   signer.Params{}.Add("category", string(bybitCategory)).Add("symbol", symbol).Add("orderId", orderID),
		Signed:   true,
		Endpoint: "cancel",
	}
}
