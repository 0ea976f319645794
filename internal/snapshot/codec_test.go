package snapshot

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"flurrysync/internal/domain"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r1, err := domain.NewRow("App", "iOS", "2024-03-10T00:00:00.000-07:00", domain.Metrics{
		NewDevices: 1, ActiveDevices: 2, CompleteSessions: 3, ActiveUsers: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := domain.NewRow("App, Inc", "Android", "2024-03-11T00:00:00", domain.Metrics{ActiveUsers: 7})
	if err != nil {
		t.Fatal(err)
	}

	data, err := Encode([]domain.Row{r1, r2})
	if err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines[0] != "app|name,platform|name,dateTime,newDevices,activeDevices,completeSessions,activeUsers,key,date" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}

	rows, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]domain.Row{r1, r2}, rows); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	again, err := Encode(rows)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(data) {
		t.Errorf("re-encoded snapshot differs:\n%s\nvs\n%s", again, data)
	}
}

func TestDecodeLegacyLayout(t *testing.T) {
	// Column order and float counters as written by the previous tooling.
	csv := "app|name,platform|name,dateTime,activeUsers,newDevices,key,date,extra\n" +
		"App,iOS,2024-03-10 00:00:00-07:00,12.0,3,App_iOS_2024-03-10T00:00:00.000-07:00,2024-03-10,x\n"

	rows, err := Decode([]byte(csv))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.ActiveUsers != 12 || r.NewDevices != 3 || r.CompleteSessions != 0 {
		t.Errorf("counters = %d/%d/%d, want 12/3/0", r.ActiveUsers, r.NewDevices, r.CompleteSessions)
	}
	if want := domain.ActiveDevices | domain.CompleteSessions; r.Missing != want {
		t.Errorf("Missing = %b, want %b (columns absent from the header)", r.Missing, want)
	}
	if diff := cmp.Diff(map[string]string{"extra": "x"}, r.Extra); diff != "" {
		t.Errorf("Extra mismatch (-want +got):\n%s", diff)
	}
	if r.Key != "App_iOS_2024-03-10T00:00:00.000-07:00" {
		t.Errorf("Key = %q", r.Key)
	}
	if r.Date != "2024-03-10" {
		t.Errorf("Date = %q, want 2024-03-10", r.Date)
	}
	if r.Time.IsZero() {
		t.Error("Time should be parsed from dateTime")
	}
}

func TestDecodeEmpty(t *testing.T) {
	rows, err := Decode(nil)
	if err != nil || rows != nil {
		t.Errorf("Decode(nil) = %v, %v; want nil, nil", rows, err)
	}

	rows, err = Decode([]byte(strings.Join(Header, ",") + "\n"))
	if err != nil || len(rows) != 0 {
		t.Errorf("Decode(header only) = %v, %v; want no rows", rows, err)
	}
}

func TestDecodeMissingKey(t *testing.T) {
	_, err := Decode([]byte("app|name,date\nApp,2024-03-10\n"))
	if !errors.Is(err, ErrMissingColumn) {
		t.Errorf("Decode error = %v, want ErrMissingColumn", err)
	}
}

func TestDecodeBadCounter(t *testing.T) {
	_, err := Decode([]byte("key,date,activeUsers\nk,2024-03-10,many\n"))
	if err == nil || !strings.Contains(err.Error(), "activeUsers") {
		t.Errorf("Decode error = %v, want error naming activeUsers", err)
	}
}

func TestDecodeRejectsUnrepresentableCounts(t *testing.T) {
	for _, v := range []string{"nan", "NaN", "inf", "-Inf", "1e30", "-1e19", "2.7", "0.5"} {
		data := "key,date,activeUsers\nk,2024-03-10,1\nk2,2024-03-11," + v + "\n"
		_, err := Decode([]byte(data))
		if err == nil {
			t.Errorf("Decode(activeUsers=%s) succeeded, want error", v)
			continue
		}
		if !strings.Contains(err.Error(), "line 3") || !strings.Contains(err.Error(), "activeUsers") {
			t.Errorf("Decode(activeUsers=%s) error = %q, want line 3 and column name", v, err)
		}
	}
}

func TestDecodeAcceptsIntegralFloats(t *testing.T) {
	rows, err := Decode([]byte("key,date,activeUsers,newDevices\nk,2024-03-10,12.0,1e3\n"))
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].ActiveUsers != 12 || rows[0].NewDevices != 1000 {
		t.Errorf("counters = %d/%d, want 12/1000", rows[0].ActiveUsers, rows[0].NewDevices)
	}
}

func TestBlankCountersAndExtraColumnsSurviveRewrite(t *testing.T) {
	in := "app|name,platform|name,dateTime,newDevices,activeDevices,completeSessions,activeUsers,key,date,country|name\n" +
		"App,iOS,2024-03-10 00:00:00,,4,,7,App_iOS_2024-03-10T00:00:00,2024-03-10,FR\n"

	rows, err := Decode([]byte(in))
	if err != nil {
		t.Fatal(err)
	}
	r := rows[0]
	if r.Has(domain.NewDevices) || r.Has(domain.CompleteSessions) || !r.Has(domain.ActiveDevices) {
		t.Errorf("Missing = %b, want newDevices and completeSessions only", r.Missing)
	}

	// A fetched row has neither the extra column nor missing counters.
	fresh, err := domain.NewRow("App", "iOS", "2024-03-11T00:00:00", domain.Metrics{ActiveUsers: 9})
	if err != nil {
		t.Fatal(err)
	}

	out, err := Encode([]domain.Row{r, fresh})
	if err != nil {
		t.Fatal(err)
	}
	want := in + "App,iOS,2024-03-11 00:00:00,0,0,0,9,App_iOS_2024-03-11T00:00:00,2024-03-11,\n"
	if string(out) != want {
		t.Errorf("Encode =\n%s\nwant\n%s", out, want)
	}
}

func TestEncodeSortsExtraColumns(t *testing.T) {
	r, err := domain.NewRow("App", "iOS", "2024-03-10T00:00:00", domain.Metrics{})
	if err != nil {
		t.Fatal(err)
	}
	r.Extra = map[string]string{"zone": "z", "country|name": "FR"}

	out, err := Encode([]domain.Row{r})
	if err != nil {
		t.Fatal(err)
	}
	header := strings.SplitN(string(out), "\n", 2)[0]
	if !strings.HasSuffix(header, ",date,country|name,zone") {
		t.Errorf("header = %q, want extra columns sorted after date", header)
	}
}
