package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/encoderd/internal/catalog"
	"github.com/jmylchreest/encoderd/internal/config"
	"github.com/jmylchreest/encoderd/internal/database"
	"github.com/jmylchreest/encoderd/internal/encoder"
	internalhttp "github.com/jmylchreest/encoderd/internal/http"
	"github.com/jmylchreest/encoderd/internal/http/handlers"
	"github.com/jmylchreest/encoderd/internal/hwcodec"
	"github.com/jmylchreest/encoderd/internal/models"
	"github.com/jmylchreest/encoderd/internal/observability"
	"github.com/jmylchreest/encoderd/internal/scheduler"
	"github.com/jmylchreest/encoderd/internal/source"
	"github.com/jmylchreest/encoderd/internal/startup"
	"github.com/jmylchreest/encoderd/internal/storage"
	"github.com/jmylchreest/encoderd/internal/telemetry"
	"github.com/jmylchreest/encoderd/internal/version"
)

const fallbackShutdownTimeout = 30 * time.Second

// daemon owns every long-lived component of serve. Components are built
// in dependency order by start and torn down in reverse by shutdown.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	route  string

	publisher *telemetry.Publisher
	db        *database.DB
	catalog   *catalog.Catalog
	session   *encoder.Session
	rotator   *scheduler.Rotator
	src       source.Source
	pump      *source.Pump
	server    *internalhttp.Server

	pumpCancel   context.CancelFunc
	pumpDone     chan error
	serverCancel context.CancelFunc
	serverDone   chan error
}

func newDaemon(cfg *config.Config, logger *slog.Logger) *daemon {
	route := cfg.Rotation.Route
	if route == "" {
		route = models.NewULID().String()
	}
	return &daemon{cfg: cfg, logger: logger, route: route}
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.startTelemetry(ctx); err != nil {
		return err
	}
	if err := d.startCatalog(ctx); err != nil {
		return err
	}
	d.recoverSegments(ctx)
	if err := d.startSession(ctx); err != nil {
		return err
	}
	if err := d.startRotation(ctx); err != nil {
		return err
	}
	if err := d.startSource(ctx); err != nil {
		return err
	}
	return d.startServer()
}

func (d *daemon) startTelemetry(ctx context.Context) error {
	tc := d.cfg.Telemetry
	if !tc.Enabled {
		return nil
	}
	clientID := tc.ClientID
	if clientID == "" {
		clientID = version.ApplicationName + "-" + d.route
	}
	pub, err := telemetry.Connect(ctx, telemetry.Config{
		Broker:         tc.Broker,
		Topic:          tc.Topic,
		ClientID:       clientID,
		QoS:            byte(tc.QoS),
		QueueSize:      tc.QueueSize,
		ConnectTimeout: tc.ConnectTimeout,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	d.publisher = pub
	return nil
}

func (d *daemon) startCatalog(ctx context.Context) error {
	if !d.cfg.Catalog.Enabled {
		return nil
	}
	db, err := database.New(d.cfg.Catalog, d.logger)
	if err != nil {
		return fmt.Errorf("opening catalog database: %w", err)
	}
	d.db = db

	cat, err := catalog.Open(ctx, db, d.route, d.cfg.Storage.Root, d.logger)
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	d.catalog = cat
	return nil
}

// recoverSegments repairs what a previous unclean stop left behind. It
// runs before the session opens anything, so every lock and open row found
// belongs to an earlier run.
func (d *daemon) recoverSegments(ctx context.Context) {
	name := d.cfg.Encoder.FileName
	if name == "" {
		name = encoder.DefaultFileName
	}

	stale, err := startup.FindStaleSegments(d.logger, d.cfg.Storage.Root, name)
	if err != nil {
		d.logger.Warn("failed to scan for stale segments", slog.String("error", err.Error()))
	} else if n := startup.ReleaseStaleLocks(d.logger, stale, startup.DefaultLockAge); n > 0 {
		d.logger.Info("released stale segment locks on startup", slog.Int("released_count", n))
	}

	if d.catalog == nil {
		return
	}
	n, err := startup.RecoverOpenSegments(ctx, d.logger, d.catalog, name)
	if err != nil {
		d.logger.Warn("failed to recover interrupted segments", slog.String("error", err.Error()))
	} else if n > 0 {
		d.logger.Info("recovered interrupted segments on startup", slog.Int("recovered_count", n))
	}
}

func (d *daemon) startSession(ctx context.Context) error {
	ec := d.cfg.Encoder
	cfg := encoder.Config{
		Width:    ec.Width,
		Height:   ec.Height,
		FPS:      ec.FPS,
		Bitrate:  int(ec.Bitrate),
		FileName: ec.FileName,
		Logger:   d.logger,

		DrainTimeout: ec.StateTimeout,
	}
	// Only assign non-nil values so the interfaces stay nil when disabled.
	if d.publisher != nil {
		cfg.Publisher = d.publisher
	}
	if d.catalog != nil {
		cfg.Observer = d.catalog
	}

	if ec.StateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ec.StateTimeout)
		defer cancel()
	}

	opts := hwcodec.Options{Logger: d.logger, Params: d.cfg.ComponentParams()}
	s, err := encoder.New(ctx, cfg, func(cb hwcodec.Callbacks) (hwcodec.Component, error) {
		return hwcodec.Open(ec.Codec, cb, opts)
	})
	if err != nil {
		return fmt.Errorf("starting encoder session: %w", err)
	}
	d.session = s
	return nil
}

func (d *daemon) startRotation(ctx context.Context) error {
	if !d.cfg.Rotation.Enabled {
		d.logger.Info("automatic rotation disabled, segments are opened through the API")
		return nil
	}
	rot, err := scheduler.New(scheduler.Config{
		Root:         d.cfg.Storage.Root,
		Route:        d.route,
		Schedule:     d.cfg.Rotation.Schedule,
		MinFreeSpace: uint64(d.cfg.Storage.MinFreeSpace),
	}, d.session, d.logger)
	if err != nil {
		return fmt.Errorf("creating rotator: %w", err)
	}
	d.rotator = rot
	if err := rot.Start(ctx); err != nil {
		return fmt.Errorf("starting rotation: %w", err)
	}
	return nil
}

func (d *daemon) startSource(ctx context.Context) error {
	sc := d.cfg.Source
	if sc.Type == source.TypeNone {
		return nil
	}
	src, err := source.Open(source.Config{
		Type:   sc.Type,
		Path:   sc.Path,
		Loop:   sc.Loop,
		Width:  d.cfg.Encoder.Width,
		Height: d.cfg.Encoder.Height,
	})
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	d.src = src
	d.pump = source.NewPump(src, d.session, d.cfg.Encoder.FPS, d.logger)

	pctx, cancel := context.WithCancel(ctx)
	d.pumpCancel = cancel
	d.pumpDone = make(chan error, 1)
	go func() {
		d.pumpDone <- d.pump.Run(pctx)
	}()
	return nil
}

func (d *daemon) startServer() error {
	if !d.cfg.Server.Enabled {
		return nil
	}
	d.server = internalhttp.NewServer(d.cfg.Server, d.logger, version.Version)
	api := d.server.API()

	sandbox, err := storage.NewSandbox(d.cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("preparing storage root: %w", err)
	}

	enc := handlers.NewEncoderHandler(d.session).WithPaths(sandbox)
	if d.rotator != nil {
		enc.WithRotator(d.rotator)
	}
	if d.publisher != nil {
		enc.WithTelemetry(d.publisher.Stats)
	}
	if d.pump != nil {
		enc.WithSource(d.pump.Stats)
	}
	enc.Register(api)

	health := handlers.NewHealthHandler(version.Version).
		WithSession(d.session).
		WithStorage(d.cfg.Storage.Root)
	if d.db != nil {
		health.WithDB(d.db)
	}
	health.Register(api)

	if d.catalog != nil {
		handlers.NewSegmentHandler(d.catalog).Register(api)
	}

	// The server outlives the session so status stays reachable while
	// the last segment is closed.
	sctx, cancel := context.WithCancel(context.Background())
	d.serverCancel = cancel
	d.serverDone = make(chan error, 1)
	go func() {
		d.serverDone <- d.server.ListenAndServe(sctx)
	}()
	return nil
}

// wait blocks until ctx is done or a worker fails, then shuts down.
func (d *daemon) wait(ctx context.Context) error {
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-d.pumpDone:
		d.pumpDone = nil
		if err != nil {
			runErr = fmt.Errorf("frame source: %w", err)
			d.logger.Error("frame source stopped", slog.String("error", err.Error()))
		} else {
			// An exhausted source leaves the session running for API use.
			select {
			case <-ctx.Done():
			case err := <-d.serverDone:
				d.serverDone = nil
				runErr = err
			}
		}
	case err := <-d.serverDone:
		d.serverDone = nil
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	return errors.Join(runErr, d.shutdown())
}

// shutdown stops producers first, then closes the open segment, releases
// the component and finally flushes the catalog and publisher.
func (d *daemon) shutdown() (err error) {
	defer observability.TimedOperation(context.Background(), d.logger, "shutdown", &err)()

	timeout := d.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = fallbackShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if d.pumpCancel != nil {
		d.pumpCancel()
		if d.pumpDone != nil {
			<-d.pumpDone
		}
	}
	if d.rotator != nil {
		d.rotator.Stop()
	}
	if d.session != nil {
		if err := d.session.Close(ctx); err != nil && !errors.Is(err, encoder.ErrNotOpen) {
			errs = append(errs, fmt.Errorf("closing segment: %w", err))
		}
		if err := d.session.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down encoder: %w", err))
		}
	}
	if d.src != nil {
		if err := d.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing source: %w", err))
		}
	}
	if d.catalog != nil {
		if err := d.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing catalog: %w", err))
		}
		if dropped := d.catalog.Dropped(); dropped > 0 {
			d.logger.Warn("catalog dropped segment events", slog.Uint64("dropped", dropped))
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing telemetry: %w", err))
		}
	}
	if d.serverCancel != nil {
		d.serverCancel()
		if d.serverDone != nil {
			if err := <-d.serverDone; err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
