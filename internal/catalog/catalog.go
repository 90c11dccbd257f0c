// Package catalog records routes and their segments in a database. It
// observes the encoder session and persists segment transitions off the
// encode path.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/encoderd/internal/database"
	"github.com/jmylchreest/encoderd/internal/database/migrations"
	"github.com/jmylchreest/encoderd/internal/encoder"
	"github.com/jmylchreest/encoderd/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRouteNotFound is returned when a route name is unknown.
var ErrRouteNotFound = errors.New("route not found")

const queueSize = 64

type eventKind int

const (
	eventOpened eventKind = iota
	eventClosed
)

type event struct {
	kind eventKind
	info encoder.SegmentInfo
}

// Catalog persists segment transitions for one route.
type Catalog struct {
	db     *database.DB
	logger *slog.Logger
	route  models.Route

	events  chan event
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

// Open migrates the schema, ensures the route exists and starts the writer.
func Open(ctx context.Context, db *database.DB, route, root string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "catalog"))

	if err := migrations.NewMigrator(db.DB, logger, migrations.AllMigrations()...).Up(ctx); err != nil {
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}

	r := models.Route{Name: route, Root: root}
	err := db.WithContext(ctx).
		Where(models.Route{Name: route}).
		Attrs(models.Route{Root: root}).
		FirstOrCreate(&r).Error
	if err != nil {
		return nil, fmt.Errorf("ensuring route %s: %w", route, err)
	}

	c := &Catalog{
		db:     db,
		logger: logger.With(slog.String("route", route)),
		route:  r,
		events: make(chan event, queueSize),
	}
	c.wg.Add(1)
	go c.run()
	c.logger.Info("catalog opened", slog.String("route_id", r.ID.String()))
	return c, nil
}

// Browse migrates the schema and returns a catalog for queries only.
// Segment events sent to it are counted as dropped.
func Browse(ctx context.Context, db *database.DB, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "catalog"))
	if err := migrations.NewMigrator(db.DB, logger, migrations.AllMigrations()...).Up(ctx); err != nil {
		return nil, fmt.Errorf("migrating catalog: %w", err)
	}
	return &Catalog{db: db, logger: logger}, nil
}

// Route returns the route segments are recorded under.
func (c *Catalog) Route() models.Route {
	return c.route
}

// SegmentOpened queues the creation of a segment row.
func (c *Catalog) SegmentOpened(info encoder.SegmentInfo) {
	c.enqueue(event{kind: eventOpened, info: info})
}

// SegmentClosed queues the final counters of a segment.
func (c *Catalog) SegmentClosed(info encoder.SegmentInfo) {
	c.enqueue(event{kind: eventClosed, info: info})
}

func (c *Catalog) enqueue(ev event) {
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
		c.logger.Warn("catalog queue full, dropping segment event", slog.String("path", ev.info.Path))
	}
}

// Dropped is the number of events lost to a full queue.
func (c *Catalog) Dropped() uint64 {
	return c.dropped.Load()
}

// Close writes queued events and stops the writer. The database stays open.
func (c *Catalog) Close() error {
	c.once.Do(func() {
		if c.events == nil {
			return
		}
		close(c.events)
		c.wg.Wait()
	})
	return nil
}

func (c *Catalog) run() {
	defer c.wg.Done()
	for ev := range c.events {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		switch ev.kind {
		case eventOpened:
			err = c.recordOpened(ctx, ev.info)
		case eventClosed:
			err = c.recordClosed(ctx, ev.info)
		}
		cancel()
		if err != nil {
			c.logger.Error("recording segment",
				slog.String("path", ev.info.Path),
				slog.String("error", err.Error()))
		}
	}
}

func (c *Catalog) recordOpened(ctx context.Context, info encoder.SegmentInfo) error {
	seg := models.Segment{
		RouteID:  c.route.ID,
		Index:    info.Segment,
		Path:     info.Path,
		DataFile: info.Files.Data,
		OpenedAt: info.OpenedAt,
	}
	// Reopening a directory restarts its record.
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "path"}},
		DoUpdates: clause.Assignments(map[string]any{
			"route_id":      c.route.ID,
			"segment_index": info.Segment,
			"opened_at":     info.OpenedAt,
			"closed_at":     nil,
			"frames":        0,
			"bytes":         0,
			"header_bytes":  0,
		}),
	}).Create(&seg).Error
}

func (c *Catalog) recordClosed(ctx context.Context, info encoder.SegmentInfo) error {
	closedAt := info.ClosedAt
	res := c.db.WithContext(ctx).Model(&models.Segment{}).
		Where("path = ?", info.Path).
		Updates(map[string]any{
			"closed_at":    &closedAt,
			"frames":       info.Frames,
			"bytes":        info.Bytes,
			"header_bytes": info.HeaderBytes,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("segment %s was never opened", info.Path)
	}
	return nil
}

// MarkInterrupted synchronously records the final counters of a segment
// that was never closed.
func (c *Catalog) MarkInterrupted(ctx context.Context, info encoder.SegmentInfo) error {
	return c.recordClosed(ctx, info)
}

// SegmentFilter narrows ListSegments.
type SegmentFilter struct {
	// Route is a route name; empty lists every route.
	Route    string
	OpenOnly bool
	Limit    int
}

// ListSegments returns segments newest first.
func (c *Catalog) ListSegments(ctx context.Context, f SegmentFilter) ([]models.Segment, error) {
	q := c.db.WithContext(ctx).Model(&models.Segment{})
	if f.Route != "" {
		var r models.Route
		if err := c.db.WithContext(ctx).Where("name = ?", f.Route).First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, f.Route)
			}
			return nil, err
		}
		q = q.Where("route_id = ?", r.ID)
	}
	if f.OpenOnly {
		q = q.Where("closed_at IS NULL")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var segs []models.Segment
	if err := q.Order("opened_at DESC").Order("segment_index DESC").Find(&segs).Error; err != nil {
		return nil, fmt.Errorf("listing segments: %w", err)
	}
	return segs, nil
}

// RouteSummary is a route with aggregate segment counters.
type RouteSummary struct {
	models.Route
	SegmentCount int64 `json:"segment_count"`
	Frames       int64 `json:"frames"`
	Bytes        int64 `json:"bytes"`
}

// ListRoutes returns every route with its totals, newest first.
func (c *Catalog) ListRoutes(ctx context.Context) ([]RouteSummary, error) {
	var routes []models.Route
	if err := c.db.WithContext(ctx).Order("created_at DESC").Find(&routes).Error; err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}

	out := make([]RouteSummary, 0, len(routes))
	for _, r := range routes {
		var agg struct {
			Count  int64
			Frames int64
			Bytes  int64
		}
		err := c.db.WithContext(ctx).Model(&models.Segment{}).
			Select("COUNT(*) AS count, COALESCE(SUM(frames), 0) AS frames, COALESCE(SUM(bytes), 0) AS bytes").
			Where("route_id = ?", r.ID).
			Scan(&agg).Error
		if err != nil {
			return nil, fmt.Errorf("summarising route %s: %w", r.Name, err)
		}
		out = append(out, RouteSummary{Route: r, SegmentCount: agg.Count, Frames: agg.Frames, Bytes: agg.Bytes})
	}
	return out, nil
}
