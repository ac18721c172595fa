package dashboard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"tradegate/internal/metrics"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: float64(i)})
	}

	snapshot := store.snapshot("")
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}

	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestMetricStoreFiltersComponent(t *testing.T) {
	store := newMetricStore(10)
	store.handle(metrics.Metric{Component: "connectivity_monitor", Name: "probe_latency_ms"})
	store.handle(metrics.Metric{Component: "exchange_client", Name: "used_weight"})

	got := store.snapshot("exchange_client")
	if len(got) != 1 || got[0].Name != "used_weight" {
		t.Fatalf("unexpected filtered snapshot: %#v", got)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "warning"
	entry.Data = logrus.Fields{"component": "realtime_client", "code": 1006}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot("", logrus.TraceLevel)
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}

	if snapshot[0].Component != "realtime_client" || snapshot[0].Fields["code"] != 1006 {
		t.Fatalf("unexpected snapshot data: %#v", snapshot[0])
	}
}

func TestLogStoreFiltersLevelAndComponent(t *testing.T) {
	store := newLogStore(10)
	for _, e := range []struct {
		level     logrus.Level
		component string
	}{
		{logrus.DebugLevel, "exchange_client"},
		{logrus.WarnLevel, "exchange_client"},
		{logrus.ErrorLevel, "connectivity_monitor"},
	} {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = e.level
		entry.Data = logrus.Fields{"component": e.component}
		store.Fire(entry)
	}

	if got := store.snapshot("", logrus.WarnLevel); len(got) != 2 {
		t.Fatalf("expected warn and error entries, got %d", len(got))
	}
	if got := store.snapshot("exchange_client", logrus.WarnLevel); len(got) != 1 || got[0].Level != "warning" {
		t.Fatalf("unexpected component filter result: %#v", got)
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot("", logrus.TraceLevel)
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}

	snapshot = store.snapshot("", logrus.TraceLevel)
	if len(snapshot) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}
