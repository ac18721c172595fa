// Package archive persists monitoring reports outside the process so health
// history survives restarts.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"tradegate/config"
	"tradegate/internal/metrics"
	"tradegate/internal/monitor"
	"tradegate/logger"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes every report as one object under <prefix>/date=YYYY-MM-DD/,
// either as JSON or as a parquet table with one row per venue.
type S3Sink struct {
	client  putObjectAPI
	bucket  string
	prefix  string
	parquet bool
	version string
	log     *logger.Log
}

// NewS3Sink builds the client from the default AWS chain, overridden by
// static credentials when both keys are configured.
func NewS3Sink(ctx context.Context, cfg config.S3Config, version string, log *logger.Log) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Sink(client, cfg, version, log), nil
}

func newS3Sink(client putObjectAPI, cfg config.S3Config, version string, log *logger.Log) *S3Sink {
	if log == nil {
		log = logger.GetLogger()
	}
	return &S3Sink{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		parquet: strings.EqualFold(cfg.Format, "parquet"),
		version: version,
		log:     log,
	}
}

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) Store(ctx context.Context, report monitor.MonitoringReport) error {
	data, contentType, err := s.encode(report)
	if err != nil {
		return err
	}

	key := s.objectKey(report.Timestamp)
	start := time.Now()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"health":            string(report.Status),
			"source":            report.Source,
			"tradegate-version": s.version,
		},
	})
	if err != nil {
		return fmt.Errorf("upload report %s: %w", key, err)
	}

	logger.LogPerformanceEntry(s.log.WithComponent("s3_archive"), "s3_archive", "put_report", time.Since(start), logger.Fields{
		"key":   key,
		"bytes": len(data),
	})
	metrics.EmitMetric(s.log, "s3_archive", "reports_archived", 1, "counter", logger.Fields{"health": string(report.Status)})
	return nil
}

func (s *S3Sink) encode(report monitor.MonitoringReport) ([]byte, string, error) {
	if s.parquet {
		data, err := encodeParquet(report)
		return data, "application/octet-stream", err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return nil, "", fmt.Errorf("encode report: %w", err)
	}
	return data, "application/json", nil
}

func (s *S3Sink) objectKey(ts time.Time) string {
	ts = ts.UTC()
	ext := "json"
	if s.parquet {
		ext = "parquet"
	}
	name := fmt.Sprintf("%s_%s.%s", ts.Format("20060102T150405.000Z"), uuid.NewString()[:8], ext)
	parts := []string{fmt.Sprintf("date=%s", ts.Format("2006-01-02")), name}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}
