// Package scheduler rotates encoder segments on a cron schedule.
//
// Segments of a route are written to <root>/<route>--<idx>, with idx
// counting up from the first free index. Each tick asks the encoder to
// rotate to the next directory; the switch happens on the next submitted
// frame.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/jmylchreest/encoderd/internal/encoder"
	"github.com/jmylchreest/encoderd/internal/models"
)

// ErrLowDiskSpace is returned when the recording root is below the free
// space floor. Recording is paused until space is available again.
var ErrLowDiskSpace = errors.New("recording root below minimum free space")

// Target is the session being rotated.
type Target interface {
	Rotate(path string, seg int) error
}

// Config configures a Rotator.
type Config struct {
	Root string
	// Route names the recording run; empty generates a ULID.
	Route string
	// Schedule is a cron expression or descriptor such as "@every 1m".
	// Empty disables timed rotation.
	Schedule     string
	MinFreeSpace uint64
}

// Status describes the rotator.
type Status struct {
	Route    string    `json:"route"`
	Root     string    `json:"root"`
	Schedule string    `json:"schedule,omitempty"`
	Segment  int       `json:"segment"`
	Path     string    `json:"path,omitempty"`
	NextRun  time.Time `json:"next_run,omitzero"`
	Paused   bool      `json:"paused"`
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron expression.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Rotator advances a Target through the segments of one route.
type Rotator struct {
	cfg    Config
	target Target
	logger *slog.Logger
	free   func(path string) (uint64, error)

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	next    int
	current int
	paused  bool
}

// New creates a rotator. Numbering continues after any segment
// directories of the route already under root.
func New(cfg Config, target Target, logger *slog.Logger) (*Rotator, error) {
	if cfg.Root == "" {
		return nil, errors.New("scheduler: root is required")
	}
	if cfg.Route == "" {
		cfg.Route = models.NewULID().String()
	}
	if strings.ContainsAny(cfg.Route, `/\`) {
		return nil, fmt.Errorf("scheduler: invalid route name %q", cfg.Route)
	}
	if cfg.Schedule != "" {
		if err := ValidateSchedule(cfg.Schedule); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	next, err := nextIndex(cfg.Root, cfg.Route)
	if err != nil {
		return nil, err
	}

	return &Rotator{
		cfg:     cfg,
		target:  target,
		logger:  logger.With(slog.String("component", "scheduler"), slog.String("route", cfg.Route)),
		free:    freeSpace,
		next:    next,
		current: encoder.NoSegment,
	}, nil
}

func freeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// nextIndex returns one past the highest existing segment index.
func nextIndex(root, route string) (int, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", root, err)
	}
	next := 0
	prefix := route + "--"
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix)); err == nil && idx >= next {
			next = idx + 1
		}
	}
	return next, nil
}

// Route returns the route name.
func (r *Rotator) Route() string {
	return r.cfg.Route
}

// Dir returns the directory of segment idx.
func (r *Rotator) Dir(idx int) string {
	return filepath.Join(r.cfg.Root, fmt.Sprintf("%s--%d", r.cfg.Route, idx))
}

// Start requests the first segment and begins timed rotation.
func (r *Rotator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return errors.New("scheduler already started")
	}
	if err := os.MkdirAll(r.cfg.Root, 0o755); err != nil {
		return fmt.Errorf("creating root: %w", err)
	}
	if _, err := r.advanceLocked(); err != nil && !errors.Is(err, ErrLowDiskSpace) {
		return err
	}

	r.cron = cron.New(cron.WithParser(parser))
	if r.cfg.Schedule != "" {
		id, err := r.cron.AddFunc(r.cfg.Schedule, r.tick)
		if err != nil {
			return fmt.Errorf("scheduling rotation: %w", err)
		}
		r.entry = id
	}
	r.cron.Start()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			r.Stop()
		}()
	}

	r.logger.Info("rotation started",
		slog.String("root", r.cfg.Root),
		slog.String("schedule", r.cfg.Schedule),
		slog.Int("segment", r.current))
	return nil
}

// Stop ends timed rotation. The current segment stays open.
func (r *Rotator) Stop() {
	r.mu.Lock()
	c := r.cron
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

func (r *Rotator) tick() {
	if _, err := r.RotateNext(); err != nil && !errors.Is(err, ErrLowDiskSpace) {
		r.logger.Error("scheduled rotation failed", slog.String("error", err.Error()))
	}
}

// RotateNext moves the session to the next segment of the route and
// returns its index.
func (r *Rotator) RotateNext() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advanceLocked()
}

func (r *Rotator) advanceLocked() (int, error) {
	if r.cfg.MinFreeSpace > 0 {
		free, err := r.free(r.cfg.Root)
		if err != nil {
			r.logger.Warn("free space check failed", slog.String("error", err.Error()))
		} else if free < r.cfg.MinFreeSpace {
			if !r.paused {
				r.logger.Warn("pausing recording, low disk space",
					slog.Uint64("free_bytes", free),
					slog.Uint64("min_free_bytes", r.cfg.MinFreeSpace))
			}
			r.paused = true
			r.current = encoder.NoSegment
			if err := r.target.Rotate("", encoder.NoSegment); err != nil {
				return encoder.NoSegment, err
			}
			return encoder.NoSegment, ErrLowDiskSpace
		} else if r.paused {
			r.logger.Info("resuming recording", slog.Uint64("free_bytes", free))
			r.paused = false
		}
	}

	idx := r.next
	if err := r.target.Rotate(r.Dir(idx), idx); err != nil {
		return encoder.NoSegment, err
	}
	r.next++
	r.current = idx
	r.logger.Debug("rotation requested", slog.Int("segment", idx), slog.String("path", r.Dir(idx)))
	return idx, nil
}

// Status returns the rotator state.
func (r *Rotator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Route:    r.cfg.Route,
		Root:     r.cfg.Root,
		Schedule: r.cfg.Schedule,
		Segment:  r.current,
		Paused:   r.paused,
	}
	if r.current != encoder.NoSegment {
		st.Path = r.Dir(r.current)
	}
	if r.cron != nil && r.entry != 0 {
		st.NextRun = r.cron.Entry(r.entry).Next
	}
	return st
}
