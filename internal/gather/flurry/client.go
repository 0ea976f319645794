// Package flurry fetches app usage metrics from the Flurry metrics API and
// merges them into the snapshot kept in object storage.
package flurry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flurrysync/internal/domain"
	"flurrysync/internal/gather"
)

// ErrMissingRows is returned when the API response has no "rows" field.
var ErrMissingRows = errors.New("flurry: response has no rows field")

// Client calls the metrics API.
type Client struct {
	baseURL    string
	apiKey     string
	metrics    []string
	httpClient *http.Client
}

// NewClient creates a Client for the report endpoint at baseURL.
func NewClient(baseURL, apiKey string, metrics []string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type apiResponse struct {
	Rows *[]apiRow `json:"rows"`
}

// apiRow counters are pointers so that a metric absent from the response
// stays distinguishable from zero.
type apiRow struct {
	App              string   `json:"app|name"`
	Platform         string   `json:"platform|name"`
	DateTime         string   `json:"dateTime"`
	NewDevices       *float64 `json:"newDevices"`
	ActiveDevices    *float64 `json:"activeDevices"`
	CompleteSessions *float64 `json:"completeSessions"`
	ActiveUsers      *float64 `json:"activeUsers"`
}

func (ar *apiRow) metrics() (domain.Metrics, error) {
	var m domain.Metrics
	values := map[domain.Counter]*float64{
		domain.NewDevices:       ar.NewDevices,
		domain.ActiveDevices:    ar.ActiveDevices,
		domain.CompleteSessions: ar.CompleteSessions,
		domain.ActiveUsers:      ar.ActiveUsers,
	}
	for _, c := range domain.Counters {
		f := values[c]
		if f == nil {
			m.Missing |= c
			continue
		}
		v, err := domain.CountFromFloat(*f)
		if err != nil {
			return m, fmt.Errorf("%s: %w", c, err)
		}
		*m.Field(c) = v
	}
	return m, nil
}

// FetchRows requests the configured metrics over r and returns the rows
// sorted by timestamp.
func (c *Client) FetchRows(ctx context.Context, r gather.DateRange) ([]domain.Row, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}
	q := u.Query()
	q.Set("metrics", strings.Join(c.metrics, ","))
	q.Set("dateTime", r.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting metrics: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading metrics response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("metrics api returned %s: %s", resp.Status, excerpt(body))
	}

	return decodeRows(body)
}

func decodeRows(body []byte) ([]domain.Row, error) {
	var payload apiResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding metrics response: %w", err)
	}
	if payload.Rows == nil {
		return nil, ErrMissingRows
	}

	rows := make([]domain.Row, 0, len(*payload.Rows))
	for i, ar := range *payload.Rows {
		if ar.App == "" || ar.Platform == "" || ar.DateTime == "" {
			return nil, fmt.Errorf("row %d: app|name, platform|name and dateTime are required", i)
		}
		m, err := ar.metrics()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		row, err := domain.NewRow(ar.App, ar.Platform, ar.DateTime, m)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, row)
	}

	domain.SortByTime(rows)
	return rows, nil
}

func excerpt(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
