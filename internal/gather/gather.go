// Package gather defines the contract shared by data gathering jobs.
package gather

import (
	"context"
	"time"

	"flurrysync/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run executes one gathering pass and returns when it is complete or
	// ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// String formats the range as "YYYY-MM-DD/YYYY-MM-DD".
func (r DateRange) String() string {
	return r.Start.Format(domain.DateLayout) + "/" + r.End.Format(domain.DateLayout)
}
