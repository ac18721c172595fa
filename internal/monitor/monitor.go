// Package monitor probes venue connectivity and keeps the latest health report.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tradegate/internal/exchange"
	"tradegate/internal/metrics"
	"tradegate/logger"
)

// Prober is the slice of exchange.Client the monitor needs.
type Prober interface {
	TestConnection(ctx context.Context) exchange.Result[exchange.Empty]
}

// Target names one probed venue.
type Target struct {
	Name   string
	Prober Prober
}

// ReportSink receives every completed report. Sink failures are logged only.
type ReportSink interface {
	Name() string
	Store(ctx context.Context, report MonitoringReport) error
}

type Options struct {
	// Source identifies this gateway in reports and health checks.
	Source string
	// Concurrent probes all venues in parallel when set.
	Concurrent  bool
	Sinks       []ReportSink
	SinkTimeout time.Duration
	Log         *logger.Log
}

// Monitor is created and owned by the caller; nothing runs until Start.
type Monitor struct {
	targets []Target
	opts    Options
	log     *logger.Entry

	last  atomic.Pointer[MonitoringReport]
	runMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(targets []Target, opts Options) (*Monitor, error) {
	if len(targets) == 0 {
		return nil, errors.New("monitor needs at least one target")
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.Name == "" || t.Prober == nil {
			return nil, errors.New("monitor target needs a name and a prober")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate monitor target %q", t.Name)
		}
		seen[t.Name] = true
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 10 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Monitor{
		targets: append([]Target(nil), targets...),
		opts:    opts,
		log:     log.WithComponent("connectivity_monitor"),
	}, nil
}

// Probe tests one venue and measures wall-clock latency around the call.
// A panicking prober is reported as an error status.
func (m *Monitor) Probe(ctx context.Context, name string) ConnectionStatus {
	for _, t := range m.targets {
		if t.Name == name {
			return probe(ctx, t)
		}
	}
	return ConnectionStatus{
		Venue:     name,
		Status:    StatusError,
		Timestamp: time.Now().UTC(),
		Error:     "venue is not configured",
	}
}

func probe(ctx context.Context, t Target) (status ConnectionStatus) {
	start := time.Now()
	status = ConnectionStatus{Venue: t.Name, Timestamp: start.UTC()}
	defer func() {
		if r := recover(); r != nil {
			status.Status = StatusError
			status.Error = fmt.Sprintf("probe panicked: %v", r)
			status.LatencyMs = time.Since(start).Milliseconds()
		}
	}()

	res := t.Prober.TestConnection(ctx)
	status.LatencyMs = time.Since(start).Milliseconds()
	if res.IsOk() {
		status.Status = StatusConnected
		return status
	}
	status.Error = res.Error()
	switch res.Kind() {
	case exchange.ErrKindTimeout:
		status.Status = StatusTimeout
	case exchange.ErrKindUnauthorized:
		status.Status = StatusUnauthorized
	default:
		status.Status = StatusError
	}
	return status
}

// RunOnce probes every venue, replaces the stored report and forwards it to
// the sinks. Concurrent callers are serialised. A round whose context ends
// while probing is returned to the caller but neither stored nor forwarded.
func (m *Monitor) RunOnce(ctx context.Context) MonitoringReport {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	start := time.Now()
	statuses := make([]ConnectionStatus, len(m.targets))
	if m.opts.Concurrent {
		var g errgroup.Group
		for i, t := range m.targets {
			i, t := i, t
			g.Go(func() error {
				statuses[i] = probe(ctx, t)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, t := range m.targets {
			statuses[i] = probe(ctx, t)
		}
	}

	health, counts := Aggregate(statuses)
	report := &MonitoringReport{
		Timestamp:   time.Now().UTC(),
		Status:      health,
		Source:      m.opts.Source,
		Connections: statuses,
		Counts:      counts,
	}
	if err := ctx.Err(); err != nil {
		m.log.WithError(err).WithField("duration_ms", time.Since(start).Milliseconds()).Debug("discarding interrupted connectivity round")
		return report.clone()
	}
	m.last.Store(report)

	m.record(*report, time.Since(start))
	m.forward(ctx, report.clone())
	return report.clone()
}

func (m *Monitor) record(report MonitoringReport, elapsed time.Duration) {
	for _, c := range report.Connections {
		metrics.SetVenueStatus(c.Venue, string(c.Status))
		metrics.EmitMetric(nil, "connectivity_monitor", "probe_latency_ms", float64(c.LatencyMs), "gauge", logger.Fields{
			"venue":  c.Venue,
			"status": string(c.Status),
			"unit":   "milliseconds",
		})
		if c.Status != StatusConnected {
			m.log.WithFields(logger.Fields{
				"venue":      c.Venue,
				"status":     c.Status,
				"latency_ms": c.LatencyMs,
				"error":      c.Error,
			}).Warn("venue probe failed")
		}
	}
	logger.RecordEvent("monitor_run", 1)

	entry := m.log.WithFields(logger.Fields{
		"status":      report.Status,
		"connected":   report.Counts.Connected,
		"total":       report.Counts.Total,
		"duration_ms": elapsed.Milliseconds(),
	})
	if report.Status == HealthCritical {
		entry.Error("connectivity report")
	} else {
		entry.Info("connectivity report")
	}
}

func (m *Monitor) forward(ctx context.Context, report MonitoringReport) {
	for _, sink := range m.opts.Sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, m.opts.SinkTimeout)
		err := sink.Store(sinkCtx, report)
		cancel()
		if err != nil {
			m.log.WithField("sink", sink.Name()).WithError(err).Warn("failed to store monitoring report")
		}
	}
}

// LastReport returns the most recent report, if any.
func (m *Monitor) LastReport() (MonitoringReport, bool) {
	r := m.last.Load()
	if r == nil {
		return MonitoringReport{}, false
	}
	return r.clone(), true
}

// HealthCheck projects the latest report, running a round first when none
// exists yet.
func (m *Monitor) HealthCheck(ctx context.Context) HealthCheck {
	if r := m.last.Load(); r != nil {
		return r.healthCheck()
	}
	return m.RunOnce(ctx).healthCheck()
}

// Start runs RunOnce immediately and then every interval. A running loop is
// stopped first so at most one timer exists.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %s", interval)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.RunOnce(loopCtx)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.RunOnce(loopCtx)
			}
		}
	}()

	m.log.WithField("interval", interval.String()).Info("connectivity monitor started")
	return nil
}

// Stop cancels the loop and waits for an in-flight round to finish. It is a
// no-op when the monitor is not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopLocked() {
		m.log.Info("connectivity monitor stopped")
	}
}

func (m *Monitor) stopLocked() bool {
	if m.cancel == nil {
		return false
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	return true
}

// Running reports whether the periodic loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}
