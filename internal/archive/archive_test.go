package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"tradegate/config"
	"tradegate/internal/monitor"
	"tradegate/internal/realtime"
)

var _ monitor.ReportSink = (*S3Sink)(nil)
var _ monitor.ReportSink = (*RedisSink)(nil)

func sampleReport() monitor.MonitoringReport {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	statuses := []monitor.ConnectionStatus{
		{Venue: "binance", Status: monitor.StatusConnected, LatencyMs: 42, Timestamp: ts},
		{Venue: "bybit", Status: monitor.StatusTimeout, LatencyMs: 10000, Timestamp: ts, Error: "timeout"},
	}
	health, counts := monitor.Aggregate(statuses)
	return monitor.MonitoringReport{Timestamp: ts, Status: health, Source: "railway-test", Connections: statuses, Counts: counts}
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkStore(t *testing.T) {
	fake := &fakeS3{}
	sink := newS3Sink(fake, config.S3Config{Bucket: "health", Prefix: "/gateway/"}, "1.2.0", nil)

	report := sampleReport()
	if err := sink.Store(context.Background(), report); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("expected one upload, got %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if *in.Bucket != "health" {
		t.Fatalf("bucket = %s", *in.Bucket)
	}
	if !strings.HasPrefix(*in.Key, "gateway/date=2026-03-14/20260314T092653.000Z_") || !strings.HasSuffix(*in.Key, ".json") {
		t.Fatalf("unexpected key %s", *in.Key)
	}
	if in.Metadata["health"] != "degraded" || in.Metadata["tradegate-version"] != "1.2.0" {
		t.Fatalf("unexpected metadata %v", in.Metadata)
	}

	var decoded monitor.MonitoringReport
	if err := json.Unmarshal(fake.bodies[0], &decoded); err != nil {
		t.Fatalf("body is not a report: %v", err)
	}
	if decoded.Status != monitor.HealthDegraded || len(decoded.Connections) != 2 || decoded.Connections[1].Error != "timeout" {
		t.Fatalf("unexpected body %+v", decoded)
	}
}

func TestS3SinkKeyWithoutPrefix(t *testing.T) {
	sink := newS3Sink(&fakeS3{}, config.S3Config{Bucket: "health"}, "", nil)
	key := sink.objectKey(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if !strings.HasPrefix(key, "date=2026-01-02/") {
		t.Fatalf("unexpected key %s", key)
	}
}

func TestS3SinkPropagatesUploadError(t *testing.T) {
	sink := newS3Sink(&fakeS3{err: errors.New("access denied")}, config.S3Config{Bucket: "health"}, "", nil)
	if err := sink.Store(context.Background(), sampleReport()); err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected upload error, got %v", err)
	}
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	if _, err := NewS3Sink(context.Background(), config.S3Config{}, "", nil); err == nil {
		t.Fatalf("expected error without bucket")
	}
}

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisSinkStoreAndLatest(t *testing.T) {
	fake := newFakeRedis()
	sink := newRedisSink(fake, config.RedisConfig{TTL: 15 * time.Minute}, nil)

	if _, err := sink.Latest(context.Background()); !errors.Is(err, ErrNoReport) {
		t.Fatalf("expected ErrNoReport before any store, got %v", err)
	}

	report := sampleReport()
	if err := sink.Store(context.Background(), report); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if fake.ttls["tradegate:health:latest"] != 15*time.Minute {
		t.Fatalf("ttl not applied: %v", fake.ttls)
	}

	got, err := sink.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.Status != report.Status || got.Source != "railway-test" || !got.Timestamp.Equal(report.Timestamp) {
		t.Fatalf("unexpected report %+v", got)
	}
}

func TestRedisSinkStoreError(t *testing.T) {
	fake := newFakeRedis()
	fake.setErr = errors.New("connection refused")
	sink := newRedisSink(fake, config.RedisConfig{Key: "custom"}, nil)
	if err := sink.Store(context.Background(), sampleReport()); err == nil || !strings.Contains(err.Error(), "custom") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestNewRedisSinkRequiresAddr(t *testing.T) {
	if _, err := NewRedisSink(config.RedisConfig{}, nil); err == nil {
		t.Fatalf("expected error without address")
	}
}

type fakeSender struct {
	sent []realtime.Message
	ok   bool
}

func (f *fakeSender) Send(m realtime.Message) bool {
	if f.ok {
		f.sent = append(f.sent, m)
	}
	return f.ok
}

func TestFeedSink(t *testing.T) {
	fake := &fakeSender{ok: true}
	sink := &FeedSink{client: fake, room: "ops"}
	if err := sink.Store(context.Background(), sampleReport()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(fake.sent))
	}
	msg := fake.sent[0]
	if msg.Type() != TypeHealthReport || msg.String("room") != "ops" || msg["status"] != monitor.HealthDegraded {
		t.Fatalf("unexpected message %v", msg)
	}

	offline := &FeedSink{client: &fakeSender{}}
	if err := offline.Store(context.Background(), sampleReport()); err == nil {
		t.Fatalf("expected error while the feed is offline")
	}
}

func TestS3SinkParquetFormat(t *testing.T) {
	fake := &fakeS3{}
	sink := newS3Sink(fake, config.S3Config{Bucket: "health", Format: "parquet"}, "", nil)
	if err := sink.Store(context.Background(), sampleReport()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasSuffix(*fake.inputs[0].Key, ".parquet") {
		t.Fatalf("unexpected key %s", *fake.inputs[0].Key)
	}
	body := fake.bodies[0]
	if len(body) < 8 || string(body[:4]) != "PAR1" || string(body[len(body)-4:]) != "PAR1" {
		t.Fatalf("body is not a parquet file (%d bytes)", len(body))
	}
}

func TestStatusRowsFlattenReport(t *testing.T) {
	rows := statusRows(sampleReport())
	if len(rows) != 2 {
		t.Fatalf("expected a row per venue, got %d", len(rows))
	}
	if rows[1].Venue != "bybit" || rows[1].Status != "timeout" || rows[1].Health != "degraded" || rows[1].LatencyMs != 10000 {
		t.Fatalf("unexpected row %+v", rows[1])
	}
}
