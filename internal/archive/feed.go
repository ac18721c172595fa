package archive

import (
	"context"
	"errors"

	"tradegate/internal/monitor"
	"tradegate/internal/realtime"
)

// TypeHealthReport is the realtime event carrying a monitoring report.
const TypeHealthReport = "health_report"

var errFeedOffline = errors.New("realtime feed not connected")

type sender interface {
	Send(realtime.Message) bool
}

// FeedSink pushes every report onto the realtime feed so connected views can
// update their connectivity indicator without polling.
type FeedSink struct {
	client sender
	room   string
}

// NewFeedSink publishes to room; an empty room broadcasts.
func NewFeedSink(client *realtime.Client, room string) *FeedSink {
	return &FeedSink{client: client, room: room}
}

func (f *FeedSink) Name() string { return "realtime_feed" }

func (f *FeedSink) Store(_ context.Context, report monitor.MonitoringReport) error {
	fields := map[string]interface{}{
		"status":    report.Status,
		"source":    report.Source,
		"counts":    report.Counts,
		"venues":    report.Connections,
		"timestamp": report.Timestamp,
	}
	if f.room != "" {
		fields["room"] = f.room
	}
	if !f.client.Send(realtime.NewMessage(TypeHealthReport, fields)) {
		return errFeedOffline
	}
	return nil
}
