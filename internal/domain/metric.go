// Package domain defines the metric row shared by the fetcher, the snapshot
// codec and the storage backends, and the merge rules applied to it.
package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DateLayout is the day-granularity layout of Row.Date, of the configured
// default start date and of the request window bounds.
const DateLayout = "2006-01-02"

// Canonical text layouts for Row.DateTime. Zoned timestamps keep their
// offset; naive ones are written without one.
const (
	zonedLayout = "2006-01-02 15:04:05.999999-07:00"
	naiveLayout = "2006-01-02 15:04:05.999999"
)

var zonedParseLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05-0700",
}

var naiveParseLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	DateLayout,
}

// Row is one daily observation for an app on a platform.
type Row struct {
	App      string
	Platform string
	// DateTime is the canonical text form of Time.
	DateTime string
	Time     time.Time
	Date     string

	Metrics

	// Key is the synthetic dedup key, see MetricKey.
	Key string

	// Extra holds snapshot columns not interpreted here, by header name.
	// They are carried through to the next published snapshot.
	Extra map[string]string
}

// Counter identifies one of the four metric counters. Counters combine as a
// bit set in Metrics.Missing.
type Counter uint8

const (
	NewDevices Counter = 1 << iota
	ActiveDevices
	CompleteSessions
	ActiveUsers
)

// Counters lists every counter in snapshot column order.
var Counters = []Counter{NewDevices, ActiveDevices, CompleteSessions, ActiveUsers}

// String returns the metric name used by the API and as the column header.
func (c Counter) String() string {
	switch c {
	case NewDevices:
		return "newDevices"
	case ActiveDevices:
		return "activeDevices"
	case CompleteSessions:
		return "completeSessions"
	case ActiveUsers:
		return "activeUsers"
	}
	return fmt.Sprintf("Counter(%d)", uint8(c))
}

// Metrics holds the four counters reported per row.
type Metrics struct {
	NewDevices       int64
	ActiveDevices    int64
	CompleteSessions int64
	ActiveUsers      int64

	// Missing flags counters the source had no value for. They read as zero
	// and are written back blank.
	Missing Counter
}

// Has reports whether c carries a value.
func (m Metrics) Has(c Counter) bool { return m.Missing&c == 0 }

// Field returns the storage of counter c.
func (m *Metrics) Field(c Counter) *int64 {
	switch c {
	case NewDevices:
		return &m.NewDevices
	case ActiveDevices:
		return &m.ActiveDevices
	case CompleteSessions:
		return &m.CompleteSessions
	case ActiveUsers:
		return &m.ActiveUsers
	}
	panic(fmt.Sprintf("domain: unknown counter %d", uint8(c)))
}

// CountFromFloat converts a counter received as a float. NaN, infinities,
// fractions and values outside the int64 range are rejected.
func CountFromFloat(f float64) (int64, error) {
	const limit = 1 << 63
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0, fmt.Errorf("count %v is not finite", f)
	case f != math.Trunc(f):
		return 0, fmt.Errorf("count %v is not a whole number", f)
	case f < -limit || f >= limit:
		return 0, fmt.Errorf("count %v is out of range", f)
	}
	return int64(f), nil
}

// MetricKey joins app, platform and the raw dateTime with underscores.
func MetricKey(app, platform, dateTime string) string {
	return app + "_" + platform + "_" + dateTime
}

// ParseDateTime parses a timestamp as returned by the metrics API or as
// stored in a snapshot and returns it with its canonical text form.
func ParseDateTime(s string) (time.Time, string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range zonedParseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, t.Format(zonedLayout), nil
		}
	}
	for _, layout := range naiveParseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, t.Format(naiveLayout), nil
		}
	}
	return time.Time{}, "", fmt.Errorf("unrecognised dateTime %q", s)
}

// NewRow builds a row from fetched fields. The key is derived from the raw
// dateTime before it is normalised.
func NewRow(app, platform, rawDateTime string, m Metrics) (Row, error) {
	t, canonical, err := ParseDateTime(rawDateTime)
	if err != nil {
		return Row{}, err
	}
	return Row{
		App:      app,
		Platform: platform,
		DateTime: canonical,
		Time:     t,
		Date:     t.Format(DateLayout),
		Metrics:  m,
		Key:      MetricKey(app, platform, rawDateTime),
	}, nil
}

// SortByTime orders rows by timestamp ascending. Equal timestamps keep their
// input order.
func SortByTime(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Time.Before(rows[j].Time)
	})
}

// Merge concatenates existing and incoming and drops every row whose key
// already appeared earlier in that sequence. An existing row therefore always
// wins over a fetched row with the same key. Order is otherwise preserved.
func Merge(existing, incoming []Row) []Row {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]Row, 0, len(existing)+len(incoming))

	for _, batch := range [][]Row{existing, incoming} {
		for _, r := range batch {
			if _, dup := seen[r.Key]; dup {
				continue
			}
			seen[r.Key] = struct{}{}
			merged = append(merged, r)
		}
	}
	return merged
}

// LastDate returns the latest Date among rows. ok is false when rows is empty.
func LastDate(rows []Row) (last time.Time, ok bool, err error) {
	var latest string
	for _, r := range rows {
		if r.Date > latest {
			latest = r.Date
		}
	}
	if latest == "" {
		return time.Time{}, false, nil
	}
	last, err = time.Parse(DateLayout, latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing last date %q: %w", latest, err)
	}
	return last, true, nil
}
