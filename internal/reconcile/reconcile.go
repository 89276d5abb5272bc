// Package reconcile closes the gap between the object store and the file
// ledger. Uploads write the object before the ledger row and deletes remove
// the object before the row, so a failure between the two steps leaves either
// an orphaned object or a stale row. A Reconciler pass finds both.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"s3-gateway/internal/ledger"
	"s3-gateway/internal/storage"
)

// Config configures a Reconciler.
type Config struct {
	Store  storage.Store
	Ledger ledger.Ledger

	// Interval between passes. Run returns immediately when it is zero.
	Interval time.Duration
	// Grace is the minimum age of an object or record before it is judged.
	// It keeps in-flight uploads and registrations from being touched.
	Grace time.Duration
	// DeleteOrphans removes orphaned objects instead of only reporting them.
	DeleteOrphans bool

	Logger *slog.Logger
	// OnReport, if set, is called after every pass.
	OnReport func(Report)
}

// Report summarises one pass.
type Report struct {
	Records        int
	Objects        int
	StaleRemoved   []string // keys whose ledger row was removed
	Orphans        []string // keys stored without a ledger row
	OrphansDeleted int
	Failures       int
	Duration       time.Duration
}

type Reconciler struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

func New(cfg Config) *Reconciler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{cfg: cfg, log: log.With("component", "reconcile"), now: time.Now}
}

// Run performs a pass immediately and then every Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		r.log.Info("disabled")
		return
	}

	r.log.Info("starting",
		"interval", r.cfg.Interval,
		"grace", r.cfg.Grace,
		"delete_orphans", r.cfg.DeleteOrphans,
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("shutting down")
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	rep, err := r.RunOnce(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.log.Error("pass failed", "err", err)
		}
		return
	}
	r.log.Info("pass complete",
		"records", rep.Records,
		"objects", rep.Objects,
		"stale_removed", len(rep.StaleRemoved),
		"orphans", len(rep.Orphans),
		"orphans_deleted", rep.OrphansDeleted,
		"failures", rep.Failures,
		"duration_ms", rep.Duration.Milliseconds(),
	)
}

// RunOnce performs a single pass. Failures on individual keys are counted in
// the report; an error is returned only when the ledger or the listing
// cannot be read.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	start := r.now()
	cutoff := start.Add(-r.cfg.Grace)
	bucket := r.cfg.Store.Bucket()

	recs, err := r.cfg.Ledger.All(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read ledger: %w", err)
	}

	listed, err := storage.Collect(r.cfg.Store.ListObjects(ctx, ""))
	if err != nil {
		return Report{}, fmt.Errorf("list objects: %w", err)
	}
	objects := make(map[string]storage.ObjectInfo, len(listed))
	for _, obj := range listed {
		objects[obj.Key] = obj
	}

	rep := Report{Records: len(recs), Objects: len(objects)}
	recorded := make(map[string]struct{}, len(recs))

	for _, rec := range recs {
		if rec.Bucket != bucket {
			continue
		}
		recorded[rec.Key] = struct{}{}
		if _, ok := objects[rec.Key]; ok || !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if err := r.cfg.Ledger.DeleteByID(ctx, rec.ID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			rep.Failures++
			r.log.Error("remove stale record failed", "id", rec.ID, "key", rec.Key, "err", err)
			continue
		}
		r.log.Warn("removed stale record", "id", rec.ID, "key", rec.Key)
		rep.StaleRemoved = append(rep.StaleRemoved, rec.Key)
	}

	for _, key := range slices.Sorted(maps.Keys(objects)) {
		obj := objects[key]
		if _, ok := recorded[key]; ok || !obj.LastModified.Before(cutoff) {
			continue
		}
		rep.Orphans = append(rep.Orphans, key)
		if !r.cfg.DeleteOrphans {
			r.log.Warn("orphaned object", "key", key, "size", obj.Size, "last_modified", obj.LastModified)
			continue
		}
		if err := r.cfg.Store.DeleteObject(ctx, key); err != nil {
			rep.Failures++
			r.log.Error("delete orphaned object failed", "key", key, "err", err)
			continue
		}
		r.log.Warn("deleted orphaned object", "key", key)
		rep.OrphansDeleted++
	}

	rep.Duration = r.now().Sub(start)
	if r.cfg.OnReport != nil {
		r.cfg.OnReport(rep)
	}
	return rep, nil
}
