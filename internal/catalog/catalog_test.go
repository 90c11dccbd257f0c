package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/encoderd/internal/config"
	"github.com/jmylchreest/encoderd/internal/database"
	"github.com/jmylchreest/encoderd/internal/encoder"
	"github.com/jmylchreest/encoderd/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(config.CatalogConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "catalog.db"),
		LogLevel: "silent",
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func info(root string, idx int, opened time.Time) encoder.SegmentInfo {
	dir := filepath.Join(root, "route--"+string(rune('0'+idx)))
	return encoder.SegmentInfo{
		Segment:  idx,
		Path:     dir,
		Files:    segment.PathsFor(dir, encoder.DefaultFileName),
		OpenedAt: opened,
	}
}

func TestCatalog_RecordsSegmentLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	root := t.TempDir()

	c, err := Open(ctx, db, "route", root, testLogger())
	require.NoError(t, err)
	assert.False(t, c.Route().ID.IsZero())

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := info(root, 0, t0)
	c.SegmentOpened(first)
	first.ClosedAt = t0.Add(time.Minute)
	first.Frames = 1200
	first.Bytes = 4_000_000
	c.SegmentClosed(first)

	second := info(root, 1, t0.Add(time.Minute))
	c.SegmentOpened(second)
	require.NoError(t, c.Close())

	segs, err := c.ListSegments(ctx, SegmentFilter{Route: "route"})
	require.NoError(t, err)
	require.Len(t, segs, 2)

	assert.Equal(t, 1, segs[0].Index, "newest first")
	assert.True(t, segs[0].Open())

	assert.Equal(t, 0, segs[1].Index)
	assert.Equal(t, 1200, segs[1].Frames)
	assert.Equal(t, int64(4_000_000), segs[1].Bytes)
	assert.Equal(t, first.Files.Data, segs[1].DataFile)
	require.NotNil(t, segs[1].ClosedAt)
	assert.Equal(t, time.Minute, segs[1].Duration())

	open, err := c.ListSegments(ctx, SegmentFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.Path, open[0].Path)

	limited, err := c.ListSegments(ctx, SegmentFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = c.ListSegments(ctx, SegmentFilter{Route: "missing"})
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

func TestCatalog_ReopenedRouteKeepsID(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	a, err := Open(ctx, db, "drive", "/data", testLogger())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(ctx, db, "drive", "/elsewhere", testLogger())
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, a.Route().ID, b.Route().ID)
	assert.Equal(t, "/data", b.Route().Root)

	c, err := Open(ctx, db, "other", "/data", testLogger())
	require.NoError(t, err)
	defer c.Close()

	routes, err := c.ListRoutes(ctx)
	require.NoError(t, err)
	assert.Len(t, routes, 2)
}

func TestCatalog_ReopenedSegmentRestartsRecord(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	root := t.TempDir()

	c, err := Open(ctx, db, "route", root, testLogger())
	require.NoError(t, err)

	t0 := time.Now().UTC().Truncate(time.Second)
	seg := info(root, 0, t0)
	c.SegmentOpened(seg)
	seg.ClosedAt = t0.Add(time.Second)
	seg.Frames = 20
	c.SegmentClosed(seg)

	again := info(root, 0, t0.Add(2*time.Second))
	c.SegmentOpened(again)
	require.NoError(t, c.Close())

	segs, err := c.ListSegments(ctx, SegmentFilter{})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].Open())

	routes, err := c.ListRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, int64(1), routes[0].SegmentCount)
	assert.Zero(t, routes[0].Frames)
}

func TestCatalog_CloseIsIdempotent(t *testing.T) {
	c, err := Open(context.Background(), openTestDB(t), "route", "/", testLogger())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Zero(t, c.Dropped())
}

func TestBrowse_ReadsWithoutRecording(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	root := t.TempDir()

	w, err := Open(ctx, db, "route", root, testLogger())
	require.NoError(t, err)
	w.SegmentOpened(info(root, 0, time.Now().UTC()))
	require.NoError(t, w.Close())

	b, err := Browse(ctx, db, testLogger())
	require.NoError(t, err)

	routes, err := b.ListRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "route", routes[0].Name)

	b.SegmentOpened(info(root, 1, time.Now().UTC()))
	assert.Equal(t, uint64(1), b.Dropped())
	require.NoError(t, b.Close())

	segs, err := b.ListSegments(ctx, SegmentFilter{})
	require.NoError(t, err)
	assert.Len(t, segs, 1)
}
