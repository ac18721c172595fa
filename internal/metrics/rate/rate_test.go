package rate

import (
	"net/http"
	"testing"
	"time"

	"tradegate/internal/metrics"
	"tradegate/logger"
)

func TestDetectLimit(t *testing.T) {
	cases := []struct {
		venue string
		msg   string
		want  Limit
	}{
		{"binance", "Too many requests; current limit is 2400", LimitRate},
		{"binance", "Way too much request weight used; IP banned until 1700000000000", LimitIPBan},
		{"bybit", "IP rate limit reached", LimitIPBan},
		{"bybit", "Too many visits!", LimitRate},
		{"binance", "Invalid symbol.", LimitNone},
		{"unknown", "hello world", LimitNone},
	}
	for _, c := range cases {
		if got := DetectLimit(c.venue, c.msg); got != c.want {
			t.Errorf("DetectLimit(%s, %q) = %s, want %s", c.venue, c.msg, got, c.want)
		}
	}
}

func captureMetrics(t *testing.T) *[]metrics.Metric {
	t.Helper()
	got := &[]metrics.Metric{}
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) { *got = append(*got, m) })
	t.Cleanup(func() { metrics.UnregisterMetricHandler(id) })
	return got
}

func TestReportLimitEmitsMetric(t *testing.T) {
	got := captureMetrics(t)
	if l := ReportLimit(logger.GetLogger(), "binance", "acc", "ticker", "IP banned"); l != LimitIPBan {
		t.Fatalf("expected ip ban, got %s", l)
	}
	if l := ReportLimit(nil, "binance", "acc", "ticker", "ok"); l != LimitNone {
		t.Fatalf("expected none, got %s", l)
	}
	if len(*got) != 1 || (*got)[0].Name != "ip_ban" {
		t.Fatalf("unexpected metrics: %+v", *got)
	}
}

func TestReportUsedWeight(t *testing.T) {
	cases := []struct {
		name   string
		venue  string
		header http.Header
		want   float64
		found  bool
	}{
		{"binance 1m", "binance", http.Header{"X-Mbx-Used-Weight-1m": {"42"}}, 42, true},
		{"binance garbage", "binance", http.Header{"X-Mbx-Used-Weight-1m": {"x"}}, 0, false},
		{"bybit legacy", "bybit", http.Header{"X-Bapi-Limit": {"120"}, "X-Bapi-Limit-Status": {"100"}}, 20, true},
		{"bybit new", "bybit", http.Header{"X-Ratelimit-Limit": {"10"}, "X-Ratelimit-Remaining": {"12"}}, 0, true},
		{"bybit missing", "bybit", http.Header{}, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			used, found := ReportUsedWeight(nil, c.venue, c.header, "acc")
			if used != c.want || found != c.found {
				t.Fatalf("got (%v, %v), want (%v, %v)", used, found, c.want, c.found)
			}
		})
	}
}

func TestWSTrackerWindow(t *testing.T) {
	base := time.Now()
	tr := NewWSTracker()
	tr.now = func() time.Time { return base }
	tr.window = base

	tr.RegisterOutgoing(3)
	tr.RegisterConnectionAttempt()
	if msgs, attempts := tr.Stats(); msgs != 3 || attempts != 1 {
		t.Fatalf("unexpected stats %d/%d", msgs, attempts)
	}

	tr.now = func() time.Time { return base.Add(2 * time.Second) }
	tr.RegisterOutgoing(1)
	if msgs, _ := tr.Stats(); msgs != 1 {
		t.Fatalf("window did not reset, msgs=%d", msgs)
	}
	ReportWSWeight(nil, tr, "realtime")
}
