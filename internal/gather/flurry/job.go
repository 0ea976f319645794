package flurry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"flurrysync/internal/config"
	"flurrysync/internal/domain"
	"flurrysync/internal/gather"
	"flurrysync/internal/snapshot"
	"flurrysync/internal/store"
	"flurrysync/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface check
// ---------------------------------------------------------------------------

var _ gather.Gatherer = (*Job)(nil)

// ErrPartial marks a run whose snapshot was published but whose follow-up
// steps (backup pruning, local export) failed.
var ErrPartial = errors.New("flurry: snapshot published, follow-up steps failed")

const csvContentType = "text/csv; charset=utf-8"

// retryBaseDelay is the first backoff when fetch.max_attempts > 1.
var retryBaseDelay = 2 * time.Second

// Fetcher retrieves metric rows for a date range.
type Fetcher interface {
	FetchRows(ctx context.Context, r gather.DateRange) ([]domain.Row, error)
}

// Result summarises one sync pass.
type Result struct {
	RunID         string
	Window        gather.DateRange
	RowsFetched   int
	RowsPublished int
	// BackupName is empty when there was no previous snapshot to back up.
	BackupName string
	Pruned     []string
	Blobs      []string
}

func (r *Result) windowText() string {
	if r.Window.Start.IsZero() {
		return ""
	}
	return r.Window.String()
}

// Job runs the fetch, merge, backup and publish pipeline against one
// snapshot blob.
type Job struct {
	cfg     *config.Config
	fetcher Fetcher
	blobs   store.BlobStore
	runLog  store.RunLog
	log     *slog.Logger
	now     func() time.Time
}

// NewJob creates a Job. runLog may be nil to disable run recording.
func NewJob(cfg *config.Config, fetcher Fetcher, blobs store.BlobStore, runLog store.RunLog, logger *slog.Logger) *Job {
	if logger == nil {
		logger = util.Discard()
	}
	return &Job{
		cfg:     cfg,
		fetcher: fetcher,
		blobs:   blobs,
		runLog:  runLog,
		log:     logger,
		now:     time.Now,
	}
}

// Name returns the gatherer identifier.
func (j *Job) Name() string { return "flurry-sync" }

// Run executes one sync pass and records it in the run log.
func (j *Job) Run(ctx context.Context) error {
	_, err := j.Sync(ctx)
	return err
}

// Sync executes one pass and returns what it did. On ErrPartial the result
// is still populated.
func (j *Job) Sync(ctx context.Context) (*Result, error) {
	res := &Result{RunID: uuid.NewString()}
	log := j.log.With("run_id", res.RunID)
	started := j.now()

	var logID int64
	if j.runLog != nil {
		id, err := j.runLog.StartRun(ctx, res.RunID, started)
		if err != nil {
			log.Warn("run log unavailable", "error", err)
		} else {
			logID = id
		}
	}

	err := j.sync(ctx, log, res, started)

	status := store.RunSuccess
	switch {
	case errors.Is(err, ErrPartial):
		status = store.RunPartial
	case err != nil:
		status = store.RunFailed
	}
	log.Info("sync finished", "status", status, "window", res.windowText(),
		"fetched", res.RowsFetched, "published", res.RowsPublished,
		"elapsed", j.now().Sub(started).Round(time.Millisecond))

	if logID != 0 {
		run := store.Run{
			RunID:         res.RunID,
			EndTime:       j.now(),
			Status:        status,
			Window:        res.windowText(),
			RowsFetched:   res.RowsFetched,
			RowsPublished: res.RowsPublished,
			BackupName:    res.BackupName,
		}
		if err != nil {
			run.ErrorMessage = err.Error()
		}
		// The run outcome is recorded even when ctx was cancelled.
		if ferr := j.runLog.FinishRun(context.WithoutCancel(ctx), logID, run); ferr != nil {
			log.Warn("recording run outcome", "error", ferr)
		}
	}

	return res, err
}

func (j *Job) sync(ctx context.Context, log *slog.Logger, res *Result, started time.Time) error {
	cfg := j.cfg

	// 1. Current snapshot. Only "not found" counts as a first run.
	prev, err := j.blobs.Get(ctx, cfg.Filename)
	switch {
	case errors.Is(err, store.ErrNotFound):
		prev = nil
		log.Info("no previous snapshot", "blob", cfg.Filename)
	case err != nil:
		return fmt.Errorf("reading snapshot %s: %w", cfg.Filename, err)
	}

	var prevRows []domain.Row
	if prev != nil {
		prevRows, err = snapshot.Decode(prev.Data)
		if err != nil {
			return fmt.Errorf("decoding snapshot %s: %w", cfg.Filename, err)
		}
		log.Info("loaded snapshot", "blob", cfg.Filename, "rows", len(prevRows))
	}

	// 2. Window.
	res.Window, err = Window(prevRows, cfg.DefaultIniDate, started)
	if err != nil {
		return err
	}

	// 3. Fetch.
	log.Info("fetching metrics", "window", res.Window.String())
	var fetched []domain.Row
	err = util.Retry(ctx, cfg.Fetch.MaxAttempts, retryBaseDelay, func() error {
		var ferr error
		fetched, ferr = j.fetcher.FetchRows(ctx, res.Window)
		return ferr
	}, func(attempt int, ferr error) {
		log.Warn("fetch failed, retrying", "attempt", attempt, "error", ferr)
	})
	if err != nil {
		return fmt.Errorf("fetching metrics for %s: %w", res.Window, err)
	}
	res.RowsFetched = len(fetched)

	// 4. Merge.
	merged := domain.Merge(prevRows, fetched)
	res.RowsPublished = len(merged)
	log.Info("merged rows", "previous", len(prevRows), "fetched", len(fetched), "merged", len(merged))

	data, err := snapshot.Encode(merged)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	// 5. Backup of the pre-merge snapshot, before anything is replaced.
	if prev != nil {
		name := BackupName(j.now(), cfg.Backup.Suffix)
		if _, err := j.blobs.Put(ctx, name, prev.Data, store.PutOptions{ContentType: csvContentType}); err != nil {
			return fmt.Errorf("writing backup %s: %w", name, err)
		}
		res.BackupName = name
		log.Info("wrote backup", "blob", name, "bytes", len(prev.Data))
	}

	// 6. Publish, conditional on the snapshot not having moved under us.
	opts := store.PutOptions{ContentType: csvContentType}
	if prev != nil {
		opts.IfVersion = prev.Version
	} else {
		opts.IfAbsent = true
	}
	if _, err := j.blobs.Put(ctx, cfg.Filename, data, opts); err != nil {
		return fmt.Errorf("publishing snapshot %s: %w", cfg.Filename, err)
	}
	log.Info("published snapshot", "blob", cfg.Filename, "rows", len(merged), "bytes", len(data))

	// 7. Follow-up steps. Failures here leave a published snapshot behind,
	// so they are collected and reported as a partial run.
	var followUp []error
	if err := j.exportLocal(merged, data); err != nil {
		followUp = append(followUp, err)
	}
	pruned, err := j.pruneBackups(ctx, log, res.BackupName)
	res.Pruned = pruned
	if err != nil {
		followUp = append(followUp, err)
	}

	// 8. Diagnostic listing.
	res.Blobs = j.listBlobs(ctx, log)

	if len(followUp) > 0 {
		return fmt.Errorf("%w: %w", ErrPartial, errors.Join(followUp...))
	}
	return nil
}

// pruneBackups deletes backup blobs beyond the newest cfg.Backup.Keep. The
// backup written by this run (current) is always kept.
func (j *Job) pruneBackups(ctx context.Context, log *slog.Logger, current string) ([]string, error) {
	names, err := j.blobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}

	var backups []string
	for _, name := range names {
		if strings.HasSuffix(name, j.cfg.Backup.Suffix) && name != current {
			backups = append(backups, name)
		}
	}
	// Newest first by the timestamp in the name. Names without a valid
	// timestamp rank as oldest.
	sort.SliceStable(backups, func(a, b int) bool {
		ta, okA := backupTime(backups[a], j.cfg.Backup.Suffix)
		tb, okB := backupTime(backups[b], j.cfg.Backup.Suffix)
		if okA != okB {
			return okA
		}
		if !okA {
			return backups[a] > backups[b]
		}
		return ta.After(tb)
	})

	keep := j.cfg.Backup.Keep
	if current != "" {
		keep--
	}
	if keep >= len(backups) {
		return nil, nil
	}

	var (
		pruned []string
		errs   []error
	)
	for _, name := range backups[keep:] {
		if err := j.blobs.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("deleting backup %s: %w", name, err))
			continue
		}
		pruned = append(pruned, name)
		log.Info("deleted backup", "blob", name)
	}
	return pruned, errors.Join(errs...)
}

func (j *Job) listBlobs(ctx context.Context, log *slog.Logger) []string {
	names, err := j.blobs.List(ctx)
	if err != nil {
		log.Warn("listing blobs", "error", err)
		return nil
	}
	for _, name := range names {
		log.Info("blob", "name", name)
	}
	return names
}

// exportLocal writes the merged snapshot under cfg.LocalPath, as CSV or as
// Parquet. An empty LocalPath disables it.
func (j *Job) exportLocal(rows []domain.Row, csvData []byte) error {
	if j.cfg.LocalPath == "" {
		return nil
	}

	if j.cfg.Export.LocalFormat == "parquet" {
		base := strings.TrimSuffix(j.cfg.Filename, filepath.Ext(j.cfg.Filename))
		path := filepath.Join(j.cfg.LocalPath, base+".parquet")
		if err := store.WriteSnapshotParquet(path, rows); err != nil {
			return fmt.Errorf("exporting %s: %w", path, err)
		}
		j.log.Debug("exported snapshot", "path", path)
		return nil
	}

	path := filepath.Join(j.cfg.LocalPath, j.cfg.Filename)
	if err := os.MkdirAll(j.cfg.LocalPath, 0o755); err != nil {
		return fmt.Errorf("exporting %s: %w", path, err)
	}
	if err := os.WriteFile(path, csvData, 0o644); err != nil {
		return fmt.Errorf("exporting %s: %w", path, err)
	}
	j.log.Debug("exported snapshot", "path", path)
	return nil
}
