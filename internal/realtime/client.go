// Package realtime is a subscription-aware websocket client. Desired channels
// and rooms survive disconnects and are replayed on every new connection
// because the server keeps no session state across reconnects.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/config"
	"tradegate/internal/metrics"
	"tradegate/internal/metrics/rate"
	"tradegate/logger"
)

const (
	defaultReconnectInterval = 3 * time.Second
	defaultHandshakeTimeout  = 15 * time.Second
	writeTimeout             = 5 * time.Second
	eventBuffer              = 1024
)

var (
	ErrClosed           = errors.New("realtime client is closed")
	ErrConnectCancelled = errors.New("realtime connect cancelled")
)

// Handlers are invoked one at a time from a single dispatcher goroutine, in
// the order the events happened. Any of them may be nil.
type Handlers struct {
	OnMessage    func(Message)
	OnConnect    func()
	OnDisconnect func(code int, reason string)
	OnError      func(error)
}

type Options struct {
	Handlers Handlers
	// Header is sent with every handshake.
	Header http.Header
	Log    *logger.Log
}

// Stats is a point-in-time view of the client counters.
type Stats struct {
	State             string   `json:"state"`
	ReconnectAttempts int      `json:"reconnect_attempts"`
	MessagesReceived  int64    `json:"messages_received"`
	MessagesSent      int64    `json:"messages_sent"`
	Channels          []string `json:"channels"`
	Rooms             []string `json:"rooms"`
}

type eventKind int

const (
	evConnect eventKind = iota
	evMessage
	evDisconnect
	evError
)

type event struct {
	kind   eventKind
	msg    Message
	err    error
	code   int
	reason string
}

// Client owns at most one websocket connection at a time. Public methods are
// safe to call from any goroutine, including while a reconnect is pending.
type Client struct {
	cfg      config.RealtimeConfig
	handlers Handlers
	header   http.Header
	dialer   *websocket.Dialer
	log      *logger.Entry
	tracker  *rate.WSTracker

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	gen        uint64 // bumped whenever the current connection is abandoned
	attempts   int
	channels   map[string]struct{}
	rooms      map[string]struct{}
	timer      *time.Timer
	timerSeq   uint64
	dialCancel context.CancelFunc
	stopPing   context.CancelFunc
	closed     bool

	writeMu sync.Mutex

	received atomic.Int64
	sent     atomic.Int64

	events    chan event
	quit      chan struct{}
	closeOnce sync.Once
}

// New validates cfg and starts the event dispatcher. No connection is opened
// until Connect.
func New(cfg config.RealtimeConfig, opts Options) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("realtime url must use ws or wss, got %q", cfg.URL)
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}

	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	c := &Client{
		cfg:      cfg,
		handlers: opts.Handlers,
		header:   opts.Header.Clone(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:      log.WithComponent("realtime_client").WithField("url", cfg.URL),
		tracker:  rate.NewWSTracker(),
		channels: make(map[string]struct{}),
		rooms:    make(map[string]struct{}),
		events:   make(chan event, eventBuffer),
		quit:     make(chan struct{}),
	}
	go c.dispatchLoop()
	return c, nil
}

// Connect opens the connection and replays every desired channel and room.
// It is a no-op while connected or connecting. A failed dial counts as an
// abnormal close and schedules an automatic retry when attempts remain.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithCancel(ctx)
	c.dialCancel = cancel
	c.mu.Unlock()

	c.tracker.RegisterConnectionAttempt()
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, c.header)
	cancel()

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrConnectCancelled
	}
	c.dialCancel = nil
	if err != nil {
		c.state = Disconnected
		scheduled := c.scheduleReconnectLocked()
		attempts := c.attempts
		c.mu.Unlock()

		c.log.WithError(err).WithFields(logger.Fields{
			"reconnect_scheduled": scheduled,
			"attempts":            attempts,
		}).Warn("realtime connect failed")
		c.dispatch(event{kind: evError, err: err})
		return err
	}

	c.state = Connected
	c.conn = conn
	c.attempts = 0
	channels := sortedKeys(c.channels)
	rooms := sortedKeys(c.rooms)
	pingCtx, stopPing := context.WithCancel(context.Background())
	c.stopPing = stopPing
	c.mu.Unlock()

	if c.cfg.PingInterval > 0 {
		deadline := 3 * c.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	metrics.SetRealtimeConnected(true)
	c.log.WithFields(logger.Fields{
		"channels": len(channels),
		"rooms":    len(rooms),
	}).Info("realtime client connected")
	c.dispatch(event{kind: evConnect})

	go c.readLoop(conn, gen)
	go c.pingLoop(pingCtx, conn)

	for _, ch := range channels {
		c.write(gen, controlMessage(TypeSubscribe, "channel", ch))
	}
	for _, room := range rooms {
		c.write(gen, controlMessage(TypeJoinRoom, "room", room))
	}
	return nil
}

// Disconnect cancels any pending reconnect and closes the connection with the
// normal closure code. The client stays disconnected until Connect or
// Reconnect is called.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelTimerLocked()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	wasConnected := c.state == Connected
	conn := c.conn
	c.conn = nil
	c.gen++
	c.state = Disconnected
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}
	c.mu.Unlock()

	if conn != nil {
		closeConn(conn, websocket.CloseNormalClosure, "client disconnect")
	}
	if wasConnected {
		metrics.SetRealtimeConnected(false)
		c.log.Info("realtime client disconnected")
		c.dispatch(event{kind: evDisconnect, code: websocket.CloseNormalClosure, reason: "client disconnect"})
	}
}

// Reconnect drops any current connection, resets the attempt counter and
// connects again. Used after automatic attempts are exhausted.
func (c *Client) Reconnect(ctx context.Context) error {
	c.Disconnect()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.attempts = 0
	c.mu.Unlock()
	return c.Connect(ctx)
}

// Close disconnects and stops the dispatcher. The client cannot be reused.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.quit) })
}

// Send transmits msg and reports whether it was handed to the transport. It
// returns false when not connected. There is no delivery acknowledgement.
func (c *Client) Send(msg Message) bool {
	if msg.Type() == "" {
		c.log.Warn("refusing to send realtime message without type")
		return false
	}
	return c.write(0, msg)
}

// Subscribe records channel and sends the subscribe message when connected.
// Otherwise the next Connect replays it.
func (c *Client) Subscribe(channel string) {
	c.mutate(c.channels, channel, true, TypeSubscribe, "channel")
}

func (c *Client) Unsubscribe(channel string) {
	c.mutate(c.channels, channel, false, TypeUnsubscribe, "channel")
}

func (c *Client) JoinRoom(room string) {
	c.mutate(c.rooms, room, true, TypeJoinRoom, "room")
}

func (c *Client) LeaveRoom(room string) {
	c.mutate(c.rooms, room, false, TypeLeaveRoom, "room")
}

func (c *Client) mutate(set map[string]struct{}, name string, add bool, msgType, key string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	if add {
		set[name] = struct{}{}
	} else {
		delete(set, name)
	}
	connected := c.state == Connected
	c.mu.Unlock()

	if connected {
		c.write(0, controlMessage(msgType, key, name))
	}
}

func (c *Client) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) MessagesReceived() int64 { return c.received.Load() }
func (c *Client) MessagesSent() int64     { return c.sent.Load() }

// Channels returns the desired channels, sorted.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.channels)
}

// Rooms returns the joined rooms, sorted.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.rooms)
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		State:             c.state.String(),
		ReconnectAttempts: c.attempts,
		MessagesReceived:  c.received.Load(),
		MessagesSent:      c.sent.Load(),
		Channels:          sortedKeys(c.channels),
		Rooms:             sortedKeys(c.rooms),
	}
}

// write sends msg on the current connection. A non-zero gen pins the write to
// that connection so replay never leaks onto a newer one.
func (c *Client) write(gen uint64, msg Message) bool {
	c.mu.Lock()
	conn := c.conn
	ok := c.state == Connected && conn != nil && (gen == 0 || gen == c.gen)
	c.mu.Unlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(msg.stamped(time.Now()))
	if err != nil {
		c.log.WithError(err).WithField("type", msg.Type()).Warn("failed to encode realtime message")
		c.dispatch(event{kind: evError, err: err})
		return false
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.WithError(err).WithField("type", msg.Type()).Warn("failed to send realtime message")
		c.dispatch(event{kind: evError, err: err})
		return false
	}

	c.sent.Add(1)
	c.tracker.RegisterOutgoing(1)
	logger.RecordEvent("realtime_out", len(data))
	metrics.IncRealtimeMessages("out")
	return true
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		if c.cfg.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))
		}

		msg, err := parseMessage(data, time.Now())
		if err != nil {
			c.log.WithError(err).WithField("size", len(data)).Warn("dropping malformed realtime message")
			continue
		}
		if !c.isCurrent(gen) {
			return
		}
		c.received.Add(1)
		metrics.IncRealtimeMessages("in")
		logger.RecordEvent("realtime_in", len(data))
		c.dispatch(event{kind: evMessage, msg: msg})
	}
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// handleClose runs when the read loop of connection gen ends. Anything but a
// normal closure schedules a reconnect while attempts remain.
func (c *Client) handleClose(gen uint64, err error) {
	code, reason := closeDetails(err)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}
	scheduled := false
	if code != websocket.CloseNormalClosure && !c.closed {
		scheduled = c.scheduleReconnectLocked()
	}
	attempts := c.attempts
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	metrics.SetRealtimeConnected(false)

	entry := c.log.WithFields(logger.Fields{
		"code":                code,
		"reason":              reason,
		"reconnect_scheduled": scheduled,
		"attempts":            attempts,
	})
	if code == websocket.CloseNormalClosure {
		entry.Info("realtime connection closed")
	} else {
		entry.Warn("realtime connection lost")
	}
	c.dispatch(event{kind: evDisconnect, code: code, reason: reason})
}

func (c *Client) scheduleReconnectLocked() bool {
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		return false
	}
	c.attempts++
	c.cancelTimerLocked()
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.cfg.ReconnectInterval, func() { c.fireReconnect(seq) })
	return true
}

// cancelTimerLocked stops the pending reconnect. Bumping the sequence also
// neutralises a timer whose callback is already running.
func (c *Client) cancelTimerLocked() {
	c.timerSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) fireReconnect(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq || c.closed || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	if err := c.Connect(context.Background()); err != nil && !errors.Is(err, ErrConnectCancelled) {
		c.log.WithError(err).Debug("automatic reconnect failed")
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.WithError(err).Warn("failed to send realtime ping")
				return
			}
			rate.ReportWSWeight(nil, c.tracker, "realtime_client")
		}
	}
}

func (c *Client) dispatch(ev event) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *Client) handle(ev event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", fmt.Sprint(r)).Error("realtime handler panicked")
		}
	}()
	h := c.handlers
	switch ev.kind {
	case evConnect:
		if h.OnConnect != nil {
			h.OnConnect()
		}
	case evMessage:
		if h.OnMessage != nil {
			h.OnMessage(ev.msg)
		}
	case evDisconnect:
		if h.OnDisconnect != nil {
			h.OnDisconnect(ev.code, ev.reason)
		}
	case evError:
		if h.OnError != nil {
			h.OnError(ev.err)
		}
	}
}

func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func closeConn(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	conn.Close()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
