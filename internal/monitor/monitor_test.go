package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradegate/internal/exchange"
)

type fakeProber struct {
	calls int32
	kind  exchange.ErrorKind
	delay time.Duration
	panic bool
}

func (f *fakeProber) TestConnection(ctx context.Context) exchange.Result[exchange.Empty] {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.kind == "" {
		return exchange.Ok(exchange.Empty{})
	}
	return exchange.Err[exchange.Empty](f.kind, "failed: "+string(f.kind))
}

func newMonitor(t *testing.T, opts Options, probers map[string]Prober) *Monitor {
	t.Helper()
	targets := make([]Target, 0, len(probers))
	for _, name := range []string{"binance", "bybit"} {
		if p, ok := probers[name]; ok {
			targets = append(targets, Target{Name: name, Prober: p})
		}
	}
	m, err := New(targets, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestRunOnceAggregates(t *testing.T) {
	cases := []struct {
		name    string
		binance exchange.ErrorKind
		bybit   exchange.ErrorKind
		want    Health
	}{
		{"both reachable", "", "", HealthHealthy},
		{"one unreachable", "", exchange.ErrKindTransport, HealthDegraded},
		{"both unreachable", exchange.ErrKindTimeout, exchange.ErrKindTransport, HealthCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMonitor(t, Options{Source: "railway-test", Concurrent: true}, map[string]Prober{
				"binance": &fakeProber{kind: tc.binance},
				"bybit":   &fakeProber{kind: tc.bybit},
			})
			report := m.RunOnce(context.Background())
			if report.Status != tc.want {
				t.Fatalf("status = %s, want %s", report.Status, tc.want)
			}
			if report.Counts.Total != 2 || len(report.Connections) != 2 {
				t.Fatalf("unexpected counts %+v", report.Counts)
			}
			last, ok := m.LastReport()
			if !ok || last.Status != tc.want || !last.Timestamp.Equal(report.Timestamp) {
				t.Fatalf("last report not replaced: %+v", last)
			}
		})
	}
}

func TestRunOnceAgainstUnreachableVenue(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := down.URL
	down.Close()

	binance, err := exchange.NewPublicClient(exchange.BinanceAdapter{}, false, exchange.Options{BaseURL: up.URL, HTTPClient: up.Client()})
	if err != nil {
		t.Fatal(err)
	}
	bybit, err := exchange.NewPublicClient(exchange.BybitAdapter{}, false, exchange.Options{BaseURL: downURL, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	m := newMonitor(t, Options{}, map[string]Prober{"binance": binance, "bybit": bybit})
	report := m.RunOnce(context.Background())
	if report.Status != HealthDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if report.Connections[0].Status != StatusConnected || report.Connections[1].Status != StatusError {
		t.Fatalf("unexpected statuses %+v", report.Connections)
	}
}

func TestProbeMapsKinds(t *testing.T) {
	cases := map[exchange.ErrorKind]Status{
		"":                           StatusConnected,
		exchange.ErrKindTimeout:      StatusTimeout,
		exchange.ErrKindUnauthorized: StatusUnauthorized,
		exchange.ErrKindVenue:        StatusError,
		exchange.ErrKindDecode:       StatusError,
	}
	for kind, want := range cases {
		m := newMonitor(t, Options{}, map[string]Prober{"binance": &fakeProber{kind: kind}})
		got := m.Probe(context.Background(), "binance")
		if got.Status != want {
			t.Errorf("kind %q: status %s, want %s", kind, got.Status, want)
		}
		if want != StatusConnected && got.Error == "" {
			t.Errorf("kind %q: error detail missing", kind)
		}
	}

	m := newMonitor(t, Options{}, map[string]Prober{"binance": &fakeProber{}})
	if got := m.Probe(context.Background(), "kraken"); got.Status != StatusError {
		t.Fatalf("unknown venue should be an error, got %s", got.Status)
	}
}

func TestProbeMeasuresLatency(t *testing.T) {
	m := newMonitor(t, Options{}, map[string]Prober{"binance": &fakeProber{delay: 30 * time.Millisecond}})
	if got := m.Probe(context.Background(), "binance"); got.LatencyMs < 30 {
		t.Fatalf("latency %dms shorter than the call", got.LatencyMs)
	}
}

func TestPanickingProberDoesNotAbortOthers(t *testing.T) {
	bybit := &fakeProber{}
	m := newMonitor(t, Options{}, map[string]Prober{
		"binance": &fakeProber{panic: true},
		"bybit":   bybit,
	})
	report := m.RunOnce(context.Background())
	if report.Status != HealthDegraded || atomic.LoadInt32(&bybit.calls) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestHealthCheckProjection(t *testing.T) {
	m := newMonitor(t, Options{Source: "railway-test"}, map[string]Prober{
		"binance": &fakeProber{},
		"bybit":   &fakeProber{kind: exchange.ErrKindUnauthorized},
	})
	hc := m.HealthCheck(context.Background())
	if hc.Status != HealthDegraded || hc.Source != "railway-test" || hc.Timestamp.IsZero() {
		t.Fatalf("unexpected health check %+v", hc)
	}
	if hc.Venues["binance"] != StatusConnected || hc.Venues["bybit"] != StatusUnauthorized {
		t.Fatalf("unexpected venue map %+v", hc.Venues)
	}
}

func TestStartTwiceKeepsSingleLoop(t *testing.T) {
	p := &fakeProber{}
	m := newMonitor(t, Options{}, map[string]Prober{"binance": p})

	if err := m.Start(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(110 * time.Millisecond)
	m.Stop()

	calls := atomic.LoadInt32(&p.calls)
	// one loop: 2 immediate runs plus ~5 ticks; two loops would be about double
	if calls > 9 {
		t.Fatalf("duplicate timers suspected: %d probes", calls)
	}
	if m.Running() {
		t.Fatalf("monitor still running after Stop")
	}

	time.Sleep(50 * time.Millisecond)
	if after := atomic.LoadInt32(&p.calls); after != calls {
		t.Fatalf("probes continued after Stop: %d -> %d", calls, after)
	}
}

func TestStopWhenIdle(t *testing.T) {
	m := newMonitor(t, Options{}, map[string]Prober{"binance": &fakeProber{}})
	m.Stop()
	m.Stop()
	if err := m.Start(context.Background(), 0); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	reports []MonitoringReport
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Store(_ context.Context, r MonitoringReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func TestSinkFailureIsNotFatal(t *testing.T) {
	failing := &recordingSink{err: errors.New("bucket unavailable")}
	ok := &recordingSink{}
	m := newMonitor(t, Options{Sinks: []ReportSink{failing, ok}}, map[string]Prober{"binance": &fakeProber{}})

	report := m.RunOnce(context.Background())
	if report.Status != HealthHealthy {
		t.Fatalf("unexpected status %s", report.Status)
	}
	if len(failing.reports) != 1 || len(ok.reports) != 1 {
		t.Fatalf("sinks not invoked: %d/%d", len(failing.reports), len(ok.reports))
	}
}

func TestNewValidatesTargets(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for no targets")
	}
	p := &fakeProber{}
	if _, err := New([]Target{{Name: "a", Prober: p}, {Name: "a", Prober: p}}, Options{}); err == nil {
		t.Fatalf("expected error for duplicate targets")
	}
}

func TestAggregateEmptyIsCritical(t *testing.T) {
	if h, _ := Aggregate(nil); h != HealthCritical {
		t.Fatalf("expected critical, got %s", h)
	}
}

// hangingProber answers at once until hang is set, then waits for its
// context like a venue that is slow to respond.
type hangingProber struct {
	hang atomic.Bool
}

func (h *hangingProber) TestConnection(ctx context.Context) exchange.Result[exchange.Empty] {
	if !h.hang.Load() {
		return exchange.Ok(exchange.Empty{})
	}
	select {
	case <-ctx.Done():
		return exchange.Err[exchange.Empty](exchange.ErrKindTransport, ctx.Err().Error())
	case <-time.After(5 * time.Second):
		return exchange.Ok(exchange.Empty{})
	}
}

func TestStopDuringRoundKeepsLastReport(t *testing.T) {
	binance, bybit := &hangingProber{}, &hangingProber{}
	sink := &recordingSink{}
	m := newMonitor(t, Options{Concurrent: true, Sinks: []ReportSink{sink}}, map[string]Prober{
		"binance": binance,
		"bybit":   bybit,
	})

	first := m.RunOnce(context.Background())
	if first.Status != HealthHealthy {
		t.Fatalf("expected healthy first round, got %s", first.Status)
	}

	binance.hang.Store(true)
	bybit.hang.Store(true)
	if err := m.Start(context.Background(), time.Hour); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	m.Stop()

	last, ok := m.LastReport()
	if !ok || last.Status != HealthHealthy || !last.Timestamp.Equal(first.Timestamp) {
		t.Fatalf("interrupted round replaced the last report: %+v", last)
	}
	sink.mu.Lock()
	stored := len(sink.reports)
	sink.mu.Unlock()
	if stored != 1 {
		t.Fatalf("interrupted round forwarded to sinks: %d reports", stored)
	}
}

func TestCancelledHealthCheckStoresNothing(t *testing.T) {
	p := &hangingProber{}
	p.hang.Store(true)
	m := newMonitor(t, Options{}, map[string]Prober{"binance": p})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.HealthCheck(ctx)

	if _, ok := m.LastReport(); ok {
		t.Fatalf("abandoned health check stored a report")
	}
}
