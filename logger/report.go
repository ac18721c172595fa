package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type counter struct {
	count int64
	bytes int64
}

var (
	warnsByComponent  sync.Map // map[string]*int64
	errorsByComponent sync.Map // map[string]*int64
	counters          sync.Map // map[string]*counter
)

func bump(m *sync.Map, component string) {
	component = strings.ToLower(component)
	v, _ := m.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&warnsByComponent, component)
}

func recordError(component string) {
	bump(&errorsByComponent, component)
}

// RecordEvent counts one occurrence of name together with its payload size.
// The totals are included in the periodic runtime report.
func RecordEvent(name string, size int) {
	v, _ := counters.LoadOrStore(name, &counter{})
	c := v.(*counter)
	atomic.AddInt64(&c.count, 1)
	atomic.AddInt64(&c.bytes, int64(size))
}

// EventCount returns how many times name was recorded.
func EventCount(name string) int64 {
	v, ok := counters.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&v.(*counter).count)
}

// StartReport begins periodic logging of gateway counters until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func logReport(log *Log) {
	events := map[string]map[string]int64{}
	counters.Range(func(k, v any) bool {
		c := v.(*counter)
		events[k.(string)] = map[string]int64{
			"count": atomic.LoadInt64(&c.count),
			"bytes": atomic.LoadInt64(&c.bytes),
		}
		return true
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	log.WithComponent("report").WithFields(Fields{
		"warns":      snapshotCounts(&warnsByComponent),
		"errors":     snapshotCounts(&errorsByComponent),
		"events":     events,
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    int64(mem.HeapAlloc) / 1024 / 1024,
	}).Info("runtime report")
}
