package archive

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"tradegate/internal/monitor"
)

// statusRow flattens one venue probe together with its report context.
type statusRow struct {
	ReportTimestamp int64  `parquet:"name=report_timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Health          string `parquet:"name=health, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source          string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Venue           string `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	LatencyMs       int64  `parquet:"name=latency_ms, type=INT64"`
	ProbedAt        int64  `parquet:"name=probed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Error           string `parquet:"name=error, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type memFile struct {
	buffer *bytes.Buffer
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }

func statusRows(report monitor.MonitoringReport) []statusRow {
	rows := make([]statusRow, 0, len(report.Connections))
	for _, c := range report.Connections {
		rows = append(rows, statusRow{
			ReportTimestamp: report.Timestamp.UnixMilli(),
			Health:          string(report.Status),
			Source:          report.Source,
			Venue:           c.Venue,
			Status:          string(c.Status),
			LatencyMs:       c.LatencyMs,
			ProbedAt:        c.Timestamp.UnixMilli(),
			Error:           c.Error,
		})
	}
	return rows
}

// encodeParquet writes one snappy-compressed row per venue.
func encodeParquet(report monitor.MonitoringReport) ([]byte, error) {
	mem := &memFile{buffer: &bytes.Buffer{}}
	pw, err := writer.NewParquetWriter(mem, new(statusRow), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range statusRows(report) {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalise parquet: %w", err)
	}
	return mem.buffer.Bytes(), nil
}
