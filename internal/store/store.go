// Package store defines the object-storage and run-history interfaces used
// by the sync job, and their implementations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that the named blob does not exist. Any other
	// error from Get means the read itself failed.
	ErrNotFound = errors.New("store: blob not found")

	// ErrConflict reports that a conditional Put lost: the blob changed (or
	// appeared) after the version the caller observed.
	ErrConflict = errors.New("store: blob version conflict")
)

// Blob is the content of a stored object together with an opaque version
// token usable as a Put precondition.
type Blob struct {
	Name    string
	Data    []byte
	Version string
}

// PutOptions carries write preconditions. At most one should be set.
type PutOptions struct {
	// IfVersion makes the write succeed only if the blob still has this
	// version.
	IfVersion string
	// IfAbsent makes the write succeed only if the blob does not exist.
	IfAbsent bool
	// ContentType is recorded where the backend supports it.
	ContentType string
}

// BlobStore is a flat key/value blob container.
type BlobStore interface {
	// Get returns the named blob, or ErrNotFound.
	Get(ctx context.Context, name string) (*Blob, error)

	// Put writes data under name and returns the new version. A failed
	// precondition yields ErrConflict.
	Put(ctx context.Context, name string, data []byte, opts PutOptions) (string, error)

	// List returns the names of every blob in the container.
	List(ctx context.Context) ([]string, error)

	// Delete removes the named blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
}

// Run statuses recorded in the run log.
const (
	RunInProgress = "in_progress"
	RunSuccess    = "success"
	RunPartial    = "partial"
	RunFailed     = "failed"
)

// Run is one execution of the sync job.
type Run struct {
	ID            int64
	RunID         string
	StartTime     time.Time
	EndTime       time.Time
	Status        string
	Window        string
	RowsFetched   int
	RowsPublished int
	BackupName    string
	ErrorMessage  string
}

// RunLog records sync job executions.
type RunLog interface {
	// StartRun inserts an in-progress run and returns its row id.
	StartRun(ctx context.Context, runID string, start time.Time) (int64, error)

	// FinishRun stores the outcome of a run started with StartRun.
	FinishRun(ctx context.Context, id int64, run Run) error

	// LastRuns returns up to limit most recent runs, newest first.
	LastRuns(ctx context.Context, limit int) ([]Run, error)
}
