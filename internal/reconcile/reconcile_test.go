package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3-gateway/internal/db"
	"s3-gateway/internal/ledger"
	"s3-gateway/internal/storage/storagetest"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*ledger.SQLLedger, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, db.Migrate(db.DriverSQLite, conn, ":memory:"))

	l, err := ledger.New(conn, ledger.DialectSQLite)
	require.NoError(t, err)
	return l, conn
}

// insertWithTime writes a row directly so created_at can be backdated.
func (f *fixture) insertWithTime(t *testing.T, key string, at time.Time) {
	t.Helper()
	_, err := f.conn.ExecContext(context.Background(),
		`INSERT INTO files (user_id, bucket, s3_key, original_name, public_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"u1", "uploads", key, "f", "http://x/uploads/"+key, at)
	require.NoError(t, err)
}

type fixture struct {
	store  *storagetest.Store
	ledger *ledger.SQLLedger
	conn   *sql.DB
	rec    *Reconciler
}

func newFixture(t *testing.T, deleteOrphans bool) *fixture {
	t.Helper()
	f := &fixture{store: storagetest.New("uploads")}
	f.ledger, f.conn = newLedger(t)
	f.rec = New(Config{
		Store:         f.store,
		Ledger:        f.ledger,
		Interval:      time.Minute,
		Grace:         time.Hour,
		DeleteOrphans: deleteOrphans,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.rec.now = func() time.Time { return now }
	return f
}

func TestRunOnce_Consistent(t *testing.T) {
	f := newFixture(t, false)
	old := now.Add(-2 * time.Hour)

	f.store.Seed("u1/a", []byte("a"), old)
	f.insertWithTime(t, "u1/a", old)

	rep, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Records)
	assert.Equal(t, 1, rep.Objects)
	assert.Empty(t, rep.StaleRemoved)
	assert.Empty(t, rep.Orphans)
}

func TestRunOnce_RemovesOnlyOldStaleRows(t *testing.T) {
	f := newFixture(t, false)

	f.insertWithTime(t, "u1/old-stale", now.Add(-2*time.Hour))
	f.insertWithTime(t, "u1/fresh-stale", now.Add(-time.Minute))

	rep, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1/old-stale"}, rep.StaleRemoved)

	all, err := f.ledger.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u1/fresh-stale", all[0].Key)
}

func TestRunOnce_ReportsOrphansWithoutDeleting(t *testing.T) {
	f := newFixture(t, false)

	f.store.Seed("u1/orphan", []byte("x"), now.Add(-3*time.Hour))
	f.store.Seed("u1/in-flight", []byte("x"), now.Add(-time.Minute))

	rep, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1/orphan"}, rep.Orphans)
	assert.Zero(t, rep.OrphansDeleted)
	assert.Equal(t, 2, f.store.Len())
	assert.Empty(t, f.store.Deletes)
}

func TestRunOnce_DeletesOrphansWhenEnabled(t *testing.T) {
	f := newFixture(t, true)

	f.store.Seed("u1/orphan-b", []byte("x"), now.Add(-3*time.Hour))
	f.store.Seed("u1/orphan-a", []byte("x"), now.Add(-3*time.Hour))
	f.store.Seed("u1/in-flight", []byte("x"), now.Add(-time.Minute))

	var reported Report
	f.rec.cfg.OnReport = func(r Report) { reported = r }

	rep, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"u1/orphan-a", "u1/orphan-b"}, rep.Orphans)
	assert.Equal(t, 2, rep.OrphansDeleted)
	assert.Equal(t, []string{"u1/orphan-a", "u1/orphan-b"}, f.store.Deletes)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, rep.Orphans, reported.Orphans)
}

func TestRunOnce_CountsDeleteFailures(t *testing.T) {
	f := newFixture(t, true)
	f.store.Seed("u1/orphan", []byte("x"), now.Add(-3*time.Hour))
	f.store.DeleteErr = storagetest.Unavailable("delete object", errors.New("timeout"))

	rep, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failures)
	assert.Zero(t, rep.OrphansDeleted)
}

func TestRunOnce_IgnoresOtherBuckets(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.conn.ExecContext(context.Background(),
		`INSERT INTO files (user_id, bucket, s3_key, original_name, public_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"u1", "archive", "u1/elsewhere", "f", "http://x/archive/u1/elsewhere", now.Add(-24*time.Hour))
	require.NoError(t, err)

	rep, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.StaleRemoved)
}

func TestRunOnce_ReadsEveryListingPage(t *testing.T) {
	f := newFixture(t, false)
	f.store.PageSize = 2
	old := now.Add(-2 * time.Hour)

	for _, key := range []string{"u1/a", "u1/b", "u1/c", "u2/d", "u2/e"} {
		f.store.Seed(key, []byte("x"), old)
		f.insertWithTime(t, key, old)
	}

	rep, err := f.rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Objects)
	assert.Empty(t, rep.Orphans)
	assert.Empty(t, rep.StaleRemoved)
}

func TestRunOnce_ListFailure(t *testing.T) {
	f := newFixture(t, false)
	f.store.ListErr = storagetest.Unavailable("list objects", errors.New("refused"))

	_, err := f.rec.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRun_DisabledReturns(t *testing.T) {
	r := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return when the interval is zero")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, false)
	passes := make(chan Report, 4)
	f.rec.cfg.OnReport = func(r Report) { passes <- r }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.rec.Run(ctx)
		close(done)
	}()

	select {
	case <-passes:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an immediate pass")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
