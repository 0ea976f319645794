// Package snapshot converts metric rows to and from the delimited-text
// snapshot format: UTF-8 CSV with a header row and no index column.
package snapshot

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"flurrysync/internal/domain"
)

// Column names, in the order Encode writes them. Columns not listed here
// are kept in Row.Extra and written after these, sorted by name.
const (
	ColApp      = "app|name"
	ColPlatform = "platform|name"
	ColDateTime = "dateTime"
	ColKey      = "key"
	ColDate     = "date"
)

// Header is the fixed part of the header row written by Encode.
var Header = []string{
	ColApp, ColPlatform, ColDateTime,
	domain.NewDevices.String(), domain.ActiveDevices.String(),
	domain.CompleteSessions.String(), domain.ActiveUsers.String(),
	ColKey, ColDate,
}

// ErrMissingColumn is returned by Decode when a required column is absent.
var ErrMissingColumn = errors.New("snapshot: missing required column")

// Encode serialises rows as CSV. Counters without a value are written blank.
func Encode(rows []domain.Row) ([]byte, error) {
	extra := extraColumns(rows)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(append(append([]string(nil), Header...), extra...)); err != nil {
		return nil, err
	}
	for _, r := range rows {
		rec := make([]string, 0, len(Header)+len(extra))
		rec = append(rec, r.App, r.Platform, r.DateTime)
		for _, c := range domain.Counters {
			if !r.Has(c) {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, strconv.FormatInt(*r.Field(c), 10))
		}
		rec = append(rec, r.Key, r.Date)
		for _, col := range extra {
			rec = append(rec, r.Extra[col])
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extraColumns(rows []domain.Row) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, r := range rows {
		for col := range r.Extra {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				cols = append(cols, col)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// Decode parses CSV snapshot content. Columns are located by header name so
// column order does not matter; key and date are required. Empty content
// decodes to no rows.
func Decode(data []byte) ([]domain.Row, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot header: %w", err)
	}

	known := make(map[string]bool, len(Header))
	for _, col := range Header {
		known[col] = true
	}
	idx := make(map[string]int, len(header))
	var extra []string
	for i, col := range header {
		col = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		if _, dup := idx[col]; dup {
			continue
		}
		idx[col] = i
		if !known[col] {
			extra = append(extra, col)
		}
	}
	for _, col := range []string{ColKey, ColDate} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingColumn, col)
		}
	}

	field := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var rows []domain.Row
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading snapshot: %w", err)
		}
		line, _ := reader.FieldPos(0)

		r := domain.Row{
			App:      field(rec, ColApp),
			Platform: field(rec, ColPlatform),
			DateTime: field(rec, ColDateTime),
			Key:      field(rec, ColKey),
			Date:     field(rec, ColDate),
		}
		if r.DateTime != "" {
			t, canonical, err := domain.ParseDateTime(r.DateTime)
			if err != nil {
				return nil, fmt.Errorf("snapshot line %d: %w", line, err)
			}
			r.Time, r.DateTime = t, canonical
		}

		for _, c := range domain.Counters {
			v, ok, err := parseCount(field(rec, c.String()))
			if err != nil {
				return nil, fmt.Errorf("snapshot line %d column %s: %w", line, c, err)
			}
			if !ok {
				r.Missing |= c
				continue
			}
			*r.Field(c) = v
		}

		if len(extra) > 0 {
			r.Extra = make(map[string]string, len(extra))
			for _, col := range extra {
				r.Extra[col] = field(rec, col)
			}
		}

		rows = append(rows, r)
	}
	return rows, nil
}

// parseCount accepts integers and integral floats ("12.0"). Blank reports
// ok == false.
func parseCount(s string) (v int64, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, true, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid count %q", s)
	}
	v, err = domain.CountFromFloat(f)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}
