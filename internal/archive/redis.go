package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tradegate/config"
	"tradegate/internal/monitor"
	"tradegate/logger"
)

// ErrNoReport is returned by Latest when nothing has been stored yet or the
// stored report expired.
var ErrNoReport = errors.New("no archived report")

type redisAPI interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// RedisSink keeps the latest report under a single key so other processes
// can read the gateway health without calling it.
type RedisSink struct {
	client redisAPI
	key    string
	ttl    time.Duration
	log    *logger.Log
}

func NewRedisSink(cfg config.RedisConfig, log *logger.Log) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis archive requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisSink(client, cfg, log), nil
}

func newRedisSink(client redisAPI, cfg config.RedisConfig, log *logger.Log) *RedisSink {
	if log == nil {
		log = logger.GetLogger()
	}
	key := cfg.Key
	if key == "" {
		key = "tradegate:health:latest"
	}
	return &RedisSink{client: client, key: key, ttl: cfg.TTL, log: log}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Store(ctx context.Context, report monitor.MonitoringReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	r.log.WithComponent("redis_archive").WithFields(logger.Fields{
		"key":    r.key,
		"health": report.Status,
	}).Debug("latest report cached")
	return nil
}

// Latest reads back the most recently stored report.
func (r *RedisSink) Latest(ctx context.Context) (monitor.MonitoringReport, error) {
	var report monitor.MonitoringReport
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return report, ErrNoReport
	}
	if err != nil {
		return report, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
