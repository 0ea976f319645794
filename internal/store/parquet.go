package store

import (
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"flurrysync/internal/domain"
)

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// MetricRecord is the Parquet schema of an exported snapshot row.
type MetricRecord struct {
	App              string `parquet:"app_name"`
	Platform         string `parquet:"platform_name"`
	DateTime         string `parquet:"date_time"`
	Timestamp        int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Date             string `parquet:"date"`
	NewDevices       *int64 `parquet:"new_devices,optional"`
	ActiveDevices    *int64 `parquet:"active_devices,optional"`
	CompleteSessions *int64 `parquet:"complete_sessions,optional"`
	ActiveUsers      *int64 `parquet:"active_users,optional"`
	Key              string `parquet:"key"`
}

// WriteSnapshotParquet writes rows to a single Parquet file at path,
// preserving row order. Counters without a value are written as nulls;
// Row.Extra columns are not exported.
func WriteSnapshotParquet(path string, rows []domain.Row) error {
	records := make([]MetricRecord, 0, len(rows))
	for _, r := range rows {
		var ts int64
		if !r.Time.IsZero() {
			ts = r.Time.UnixMilli()
		}
		records = append(records, MetricRecord{
			App:              r.App,
			Platform:         r.Platform,
			DateTime:         r.DateTime,
			Timestamp:        ts,
			Date:             r.Date,
			NewDevices:       optionalCount(r.Metrics, domain.NewDevices),
			ActiveDevices:    optionalCount(r.Metrics, domain.ActiveDevices),
			CompleteSessions: optionalCount(r.Metrics, domain.CompleteSessions),
			ActiveUsers:      optionalCount(r.Metrics, domain.ActiveUsers),
			Key:              r.Key,
		})
	}
	return writeParquetFile(path, records)
}

// ReadSnapshotParquet reads a file written by WriteSnapshotParquet.
func ReadSnapshotParquet(path string) ([]domain.Row, error) {
	records, err := readParquetFile[MetricRecord](path)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.Row, 0, len(records))
	for _, rec := range records {
		r := domain.Row{
			App:      rec.App,
			Platform: rec.Platform,
			DateTime: rec.DateTime,
			Date:     rec.Date,
			Key:      rec.Key,
		}
		counts := map[domain.Counter]*int64{
			domain.NewDevices:       rec.NewDevices,
			domain.ActiveDevices:    rec.ActiveDevices,
			domain.CompleteSessions: rec.CompleteSessions,
			domain.ActiveUsers:      rec.ActiveUsers,
		}
		for c, v := range counts {
			if v == nil {
				r.Missing |= c
				continue
			}
			*r.Field(c) = *v
		}
		if rec.Timestamp != 0 {
			r.Time = time.UnixMilli(rec.Timestamp)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func optionalCount(m domain.Metrics, c domain.Counter) *int64 {
	if !m.Has(c) {
		return nil
	}
	v := *m.Field(c)
	return &v
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
