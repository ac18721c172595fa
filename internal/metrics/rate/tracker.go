package rate

import (
	"sync"
	"time"

	"tradegate/internal/metrics"
	"tradegate/logger"
)

// WSTracker counts outgoing websocket frames in a one second window and the
// total number of connection attempts.
type WSTracker struct {
	mu       sync.Mutex
	window   time.Time
	msgs     int
	attempts int
	now      func() time.Time
}

func NewWSTracker() *WSTracker {
	return &WSTracker{window: time.Now(), now: time.Now}
}

// RegisterOutgoing records n outgoing frames.
func (t *WSTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Sub(t.window) >= time.Second {
		t.msgs = 0
		t.window = now
	}
	t.msgs += n
}

func (t *WSTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Stats returns frames sent in the current window and total attempts.
func (t *WSTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs, t.attempts
}

// ReportWSWeight emits the tracker state as gauges.
func ReportWSWeight(log *logger.Log, t *WSTracker, component string) {
	msgs, attempts := t.Stats()
	metrics.EmitMetric(log, component, "outgoing_messages", float64(msgs), "gauge", nil)
	metrics.EmitMetric(log, component, "connection_attempts", float64(attempts), "counter", nil)
}
