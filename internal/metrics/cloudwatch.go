package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tradegate/config"
	"tradegate/logger"
)

const defaultNamespace = "TradeGate"

// putMetricDataAPI is the slice of the CloudWatch client used for publishing.
type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type cloudWatchState struct {
	client    putMetricDataAPI
	namespace string
	region    string
	publish   func(context.Context, *cloudWatchState, []cwtypes.MetricDatum)

	queue   chan cwtypes.MetricDatum
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
}

const (
	cloudWatchQueueSize = 512
	// PutMetricData accepts at most 1000 datums per call.
	cloudWatchBatchSize = 500
)

var (
	cwState atomic.Pointer[cloudWatchState]

	// cloudWatchPublishInterval bounds how often a single metric series is sent.
	cloudWatchPublishInterval = 10 * time.Second
	timeNow                   = time.Now

	lastPublishMu sync.Mutex
	lastPublish   = make(map[string]time.Time)
)

// newCloudWatchState starts the worker that drains queued datums. EmitMetric
// only enqueues and never waits on PutMetricData.
func newCloudWatchState(client putMetricDataAPI, namespace, region string, publish func(context.Context, *cloudWatchState, []cwtypes.MetricDatum)) *cloudWatchState {
	if publish == nil {
		publish = publishMetrics
	}
	s := &cloudWatchState{
		client:    client,
		namespace: namespace,
		region:    region,
		publish:   publish,
		queue:     make(chan cwtypes.MetricDatum, cloudWatchQueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *cloudWatchState) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case datum := <-s.queue:
			batch := []cwtypes.MetricDatum{datum}
		drain:
			for len(batch) < cloudWatchBatchSize {
				select {
				case next := <-s.queue:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			s.publish(context.Background(), s, batch)
		}
	}
}

// enqueue never blocks; datums are dropped while the queue is full.
func (s *cloudWatchState) enqueue(datum cwtypes.MetricDatum) bool {
	select {
	case s.queue <- datum:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// close stops the worker after its current batch.
func (s *cloudWatchState) close() {
	close(s.stop)
	<-s.done
}

func swapCloudWatchState(next *cloudWatchState) {
	if prev := cwState.Swap(next); prev != nil {
		prev.close()
	}
}

// InitCloudWatch enables CloudWatch publishing using the default AWS credential
// chain. A disabled config leaves publishing off.
func InitCloudWatch(ctx context.Context, cfg config.CloudWatchConfig) error {
	if !cfg.Enabled {
		return nil
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return err
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}
	swapCloudWatchState(newCloudWatchState(cloudwatch.NewFromConfig(awsCfg), namespace, awsCfg.Region, nil))

	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    awsCfg.Region,
		"namespace": namespace,
	}).Info("initialized CloudWatch client")
	return nil
}

// DisableCloudWatch stops publishing and waits for the worker to exit.
func DisableCloudWatch() {
	swapCloudWatchState(nil)
}

func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil {
		return
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	keys := make([]string, 0, len(metric.Fields))
	for k := range metric.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "unit" {
			continue
		}
		if s, ok := metric.Fields[k].(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	if !shouldPublish(seriesKey(metric.Name, dims)) {
		return
	}

	unit := cwtypes.StandardUnitCount
	if raw, ok := metric.Fields["unit"].(string); ok {
		if parsed, found := metricUnitFromString(raw); found {
			unit = parsed
		}
	}

	state.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(metric.Timestamp),
	})
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
	}
}

func seriesKey(name string, dims []cwtypes.Dimension) string {
	var b strings.Builder
	b.WriteString(name)
	for _, d := range dims {
		b.WriteByte('|')
		b.WriteString(aws.ToString(d.Name))
		b.WriteByte('=')
		b.WriteString(aws.ToString(d.Value))
	}
	return b.String()
}

func shouldPublish(key string) bool {
	now := timeNow()
	lastPublishMu.Lock()
	defer lastPublishMu.Unlock()
	if last, ok := lastPublish[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		return false
	}
	lastPublish[key] = now
	return true
}

func resetMetricPublishTimes() {
	lastPublishMu.Lock()
	lastPublish = make(map[string]time.Time)
	lastPublishMu.Unlock()
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "milliseconds", "ms":
		return cwtypes.StandardUnitMilliseconds, true
	case "seconds", "s":
		return cwtypes.StandardUnitSeconds, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
