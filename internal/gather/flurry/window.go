package flurry

import (
	"fmt"
	"strings"
	"time"

	"flurrysync/internal/domain"
	"flurrysync/internal/gather"
)

// Window returns the range to request. With a previous snapshot it starts
// one day before the latest stored date so late same-day data is picked up
// again; otherwise it starts at defaultStart. It always ends today in now's
// location.
func Window(prev []domain.Row, defaultStart string, now time.Time) (gather.DateRange, error) {
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	last, ok, err := domain.LastDate(prev)
	if err != nil {
		return gather.DateRange{}, err
	}
	if ok {
		return gather.DateRange{Start: last.AddDate(0, 0, -1), End: end}, nil
	}

	start, err := time.Parse(domain.DateLayout, defaultStart)
	if err != nil {
		return gather.DateRange{}, fmt.Errorf("default start date %q: %w", defaultStart, err)
	}
	return gather.DateRange{Start: start, End: end}, nil
}

const backupStampLayout = "20060102_150405"

// BackupName returns the name of the backup blob written at t.
func BackupName(t time.Time, suffix string) string {
	return t.Format(backupStampLayout) + "_" + suffix
}

// backupTime parses the timestamp prefix of a name built by BackupName.
func backupTime(name, suffix string) (time.Time, bool) {
	stamp, ok := strings.CutSuffix(name, "_"+suffix)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(backupStampLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
