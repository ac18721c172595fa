package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradegate/config"
	"tradegate/internal/metrics"
	ratemetrics "tradegate/internal/metrics/rate"
	"tradegate/logger"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultSource  = "tradegate"
	maxBodyBytes   = 4 << 20
)

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	// BaseURL overrides the adapter's production or sandbox URL.
	BaseURL    string
	Timeout    time.Duration
	RecvWindow time.Duration
	Source     string
	Version    string
	Limiter    *rate.Limiter
	HTTPClient *http.Client
	Log        *logger.Log
	Now        func() time.Time
}

// Client executes operations against one venue for one credential. Every
// operation returns a Result; expected failures never surface as Go errors.
// Nothing is retried: a failed order placement must not be duplicated.
//
// A Client holds no mutable state between calls and is safe for concurrent use.
type Client struct {
	adapter    VenueAdapter
	cred       Credential
	public     bool
	sandbox    bool
	baseURL    string
	timeout    time.Duration
	recvWindow time.Duration
	http       *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
	now        func() time.Time
}

// NewClient builds an authenticated client. A missing credential or a
// credential for another venue is a programming error and fails here.
func NewClient(adapter VenueAdapter, cred Credential, opts Options) (*Client, error) {
	if adapter == nil {
		return nil, errors.New("venue adapter is required")
	}
	if cred.apiKey == "" || cred.apiSecret == "" {
		return nil, errors.New("credential is required")
	}
	if cred.venue != adapter.Venue() {
		return nil, fmt.Errorf("credential for %s used with %s adapter", cred.venue, adapter.Venue())
	}
	c := newClient(adapter, cred.sandbox, opts)
	c.cred = cred
	c.log.WithComponent("exchange_client").WithFields(logger.Fields{
		"venue":    adapter.Venue(),
		"account":  cred.accountID,
		"api_key":  logger.MaskKey(cred.apiKey),
		"sandbox":  cred.sandbox,
		"base_url": c.baseURL,
	}).Info("exchange client ready")
	return c, nil
}

// NewPublicClient builds a client limited to unauthenticated calls such as
// TestConnection and GetSymbolPrice. Signed calls return an unauthorized Err.
func NewPublicClient(adapter VenueAdapter, sandbox bool, opts Options) (*Client, error) {
	if adapter == nil {
		return nil, errors.New("venue adapter is required")
	}
	c := newClient(adapter, sandbox, opts)
	c.public = true
	return c, nil
}

func newClient(adapter VenueAdapter, sandbox bool, opts Options) *Client {
	c := &Client{
		adapter:    adapter,
		sandbox:    sandbox,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		recvWindow: opts.RecvWindow,
		limiter:    opts.Limiter,
		log:        opts.Log,
		now:        opts.Now,
	}
	if c.baseURL == "" {
		c.baseURL = adapter.BaseURL(sandbox)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.log == nil {
		c.log = logger.GetLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}

	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	hc := *base
	agent := opts.Source
	if opts.Version != "" {
		agent += "/" + opts.Version
	}
	hc.Transport = identityTransport{source: opts.Source, userAgent: agent, base: base.Transport}
	c.http = &hc
	return c
}

// NewFromConfig builds an authenticated client for a configured credential.
func NewFromConfig(cfg *config.Config, cc config.CredentialConfig) (*Client, error) {
	cred, err := CredentialFromConfig(cc)
	if err != nil {
		return nil, err
	}
	adapter, err := AdapterFor(cred.venue)
	if err != nil {
		return nil, err
	}
	opts, err := optionsFromConfig(cfg, cred.venue, cred.sandbox)
	if err != nil {
		return nil, err
	}
	return NewClient(adapter, cred, opts)
}

// NewPublicFromConfig builds an unauthenticated client for venue.
func NewPublicFromConfig(cfg *config.Config, venue Venue, sandbox bool) (*Client, error) {
	adapter, err := AdapterFor(venue)
	if err != nil {
		return nil, err
	}
	opts, err := optionsFromConfig(cfg, venue, sandbox)
	if err != nil {
		return nil, err
	}
	return NewPublicClient(adapter, sandbox, opts)
}

// VerifyCredential reads the balances of cc once and releases the client
// again. Construction failures are invalid_request Errs.
func VerifyCredential(ctx context.Context, cfg *config.Config, cc config.CredentialConfig) Result[AccountSnapshot] {
	c, err := NewFromConfig(cfg, cc)
	if err != nil {
		return Err[AccountSnapshot](ErrKindInvalid, err.Error())
	}
	defer c.Close()
	return c.GetAccountInfo(ctx)
}

func optionsFromConfig(cfg *config.Config, venue Venue, sandbox bool) (Options, error) {
	vc, ok := cfg.Venue(string(venue))
	if !ok {
		return Options{}, fmt.Errorf("venue %s is not configured", venue)
	}
	opts := Options{
		BaseURL:    vc.BaseURL,
		Timeout:    vc.Timeout,
		RecvWindow: vc.RecvWindow,
		Source:     cfg.Gateway.Source,
		Version:    cfg.Gateway.Version,
		HTTPClient: &http.Client{Transport: newPooledTransport(vc)},
	}
	if sandbox {
		opts.BaseURL = vc.SandboxURL
	}
	if vc.RateLimit.RequestsPerSecond > 0 {
		burst := vc.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(vc.RateLimit.RequestsPerSecond), burst)
	}
	return opts, nil
}

func (c *Client) Venue() Venue { return c.adapter.Venue() }

// AccountID is empty for public clients.
func (c *Client) AccountID() string { return c.cred.accountID }

func (c *Client) Sandbox() bool { return c.sandbox }

// Close releases idle pooled connections. There are no background tasks.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// TestConnection calls the venue's unauthenticated ping endpoint.
func (c *Client) TestConnection(ctx context.Context) Result[Empty] {
	if _, f := c.execute(ctx, c.adapter.Ping()); f != nil {
		return failWith[Empty](f)
	}
	return Ok(Empty{})
}

// GetSymbolPrice returns the last traded price. A symbol missing from the
// venue response is an Err.
func (c *Client) GetSymbolPrice(ctx context.Context, symbol string) Result[decimal.Decimal] {
	if symbol == "" {
		return Err[decimal.Decimal](ErrKindInvalid, "symbol is required")
	}
	resp, f := c.execute(ctx, c.adapter.Ticker(symbol))
	if f != nil {
		return failWith[decimal.Decimal](f)
	}
	price, err := c.adapter.ParseTicker(resp.body, symbol)
	if errors.Is(err, ErrSymbolNotFound) {
		return Err[decimal.Decimal](ErrKindVenue, err.Error()).withStatus(resp.status)
	}
	if err != nil {
		return failWith[decimal.Decimal](c.decodeErr(resp, "ticker", err))
	}
	return Ok(price)
}

// GetAccountInfo fetches balances and open positions. Zero-size positions are
// dropped. Each call returns a fresh snapshot.
func (c *Client) GetAccountInfo(ctx context.Context) Result[AccountSnapshot] {
	specs := c.adapter.Account()
	bodies := make([][]byte, 0, len(specs))
	for _, spec := range specs {
		resp, f := c.execute(ctx, spec)
		if f != nil {
			return failWith[AccountSnapshot](f)
		}
		bodies = append(bodies, resp.body)
	}
	snap, err := c.adapter.ParseAccount(bodies)
	if err != nil {
		return failWith[AccountSnapshot](c.decodeErr(response{}, "account", err))
	}
	return Ok(snap)
}

// CreateOrder places an order. It is never retried.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) Result[OrderRecord] {
	if err := req.Validate(); err != nil {
		return Err[OrderRecord](ErrKindInvalid, err.Error())
	}
	spec, err := c.adapter.PlaceOrder(req)
	if err != nil {
		return Err[OrderRecord](ErrKindInvalid, err.Error())
	}
	resp, f := c.execute(ctx, spec)
	if f != nil {
		return failWith[OrderRecord](f)
	}
	rec, err := c.adapter.ParseOrder(resp.body, req)
	if err != nil {
		return failWith[OrderRecord](c.decodeErr(resp, "order", err))
	}

	c.log.WithComponent("exchange_client").WithFields(logger.Fields{
		"venue":    c.Venue(),
		"account":  c.cred.accountID,
		"order_id": rec.OrderID,
		"symbol":   rec.Symbol,
		"side":     rec.Side,
		"type":     rec.Type,
		"quantity": rec.Quantity.String(),
		"status":   rec.Status,
	}).Info("order placed")
	return Ok(rec)
}

// CancelOrder cancels an order. Cancelling an order that is already terminal
// returns the venue's message as an Err. No local state is reconciled.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) Result[Empty] {
	if symbol == "" || orderID == "" {
		return Err[Empty](ErrKindInvalid, "symbol and order id are required")
	}
	if _, f := c.execute(ctx, c.adapter.CancelOrder(symbol, orderID)); f != nil {
		return failWith[Empty](f)
	}
	c.log.WithComponent("exchange_client").WithFields(logger.Fields{
		"venue":    c.Venue(),
		"account":  c.cred.accountID,
		"order_id": orderID,
		"symbol":   symbol,
	}).Info("order cancelled")
	return Ok(Empty{})
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) decodeErr(resp response, what string, err error) *failure {
	c.log.WithComponent("exchange_client").WithFields(logger.Fields{
		"venue":  c.Venue(),
		"status": resp.status,
	}).WithError(err).Warn("failed to decode " + what + " response")
	return &failure{kind: ErrKindDecode, msg: fmt.Sprintf("decode %s response: %v", what, err), status: resp.status}
}

func (c *Client) execute(ctx context.Context, spec RequestSpec) (response, *failure) {
	venue := string(c.Venue())
	requestID := uuid.NewString()
	entry := c.log.WithComponent("exchange_client").WithFields(logger.Fields{
		"venue":      venue,
		"account":    c.cred.accountID,
		"endpoint":   spec.Endpoint,
		"method":     spec.Method,
		"path":       spec.Path,
		"request_id": requestID,
	})

	if spec.Signed && c.public {
		return response{}, &failure{kind: ErrKindUnauthorized, msg: "no credential configured for signed request"}
	}

	start := time.Now()
	resp, f := c.roundTrip(ctx, spec, requestID)
	elapsed := time.Since(start)

	outcome := "ok"
	if f != nil {
		outcome = string(f.kind)
	}
	metrics.ObserveRequest(venue, spec.Endpoint, outcome, elapsed)
	logger.RecordEvent(venue+"_request", len(resp.body))
	logger.LogPerformanceEntry(entry, "exchange_client", spec.Endpoint, elapsed, logger.Fields{"status": resp.status})

	if f != nil {
		entry.WithFields(logger.Fields{
			"status": f.status,
			"kind":   f.kind,
			"error":  f.msg,
		}).Warn("venue request failed")
	}
	return resp, f
}

func (c *Client) roundTrip(ctx context.Context, spec RequestSpec, requestID string) (response, *failure) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return response{}, transportFailure(ctx, err)
		}
	}

	prepared, err := c.adapter.Prepare(spec, c.cred, c.now(), c.recvWindow)
	if err != nil {
		return response{}, &failure{kind: ErrKindInvalid, msg: err.Error()}
	}

	target := c.baseURL + spec.Path
	if prepared.Query != "" {
		target += "?" + prepared.Query
	}
	var body io.Reader
	if len(prepared.Body) > 0 {
		body = bytes.NewReader(prepared.Body)
	}
	req, err := http.NewRequestWithContext(ctx, spec.Method, target, body)
	if err != nil {
		return response{}, &failure{kind: ErrKindInvalid, msg: err.Error()}
	}
	for k, vs := range prepared.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, requestID)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return response{}, transportFailure(ctx, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return response{status: httpResp.StatusCode}, transportFailure(ctx, err)
	}
	resp := response{status: httpResp.StatusCode, header: httpResp.Header, body: raw}

	ratemetrics.ReportUsedWeight(c.log, string(c.Venue()), httpResp.Header, c.cred.accountID)

	if verr := c.adapter.CheckResponse(httpResp.StatusCode, raw); verr != nil {
		kind := ErrKindVenue
		limit := ratemetrics.ReportLimit(c.log, string(c.Venue()), c.cred.accountID, spec.Endpoint, verr.Message)
		if verr.Unauthorized || limit == ratemetrics.LimitIPBan {
			kind = ErrKindUnauthorized
		}
		return resp, &failure{kind: kind, msg: verr.Message, status: httpResp.StatusCode}
	}
	return resp, nil
}

// transportFailure converts a client-side failure. Deadline expiry becomes the
// "timeout" Err; a caller cancellation stays a transport error.
func transportFailure(ctx context.Context, err error) *failure {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &failure{kind: ErrKindTransport, msg: err.Error()}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &failure{kind: ErrKindTimeout, msg: "timeout"}
	}
	if strings.Contains(err.Error(), "would exceed context deadline") {
		return &failure{kind: ErrKindTimeout, msg: "timeout"}
	}
	return &failure{kind: ErrKindTransport, msg: err.Error()}
}
