// Package source produces raw I420 frames for the encoder at a fixed rate.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/encoderd/internal/encoder"
)

// Source types.
const (
	// TypeNone disables the built-in producer; frames arrive from elsewhere.
	TypeNone      = "none"
	TypeSynthetic = "synthetic"
	TypeFile      = "file"
)

// Source yields I420 frames. Next fills f's planes; the planes may be
// reused by the following call. Next returns io.EOF when exhausted.
type Source interface {
	Next(f *encoder.Frame) error
	Close() error
}

// Sink consumes frames.
type Sink interface {
	Submit(ctx context.Context, f encoder.Frame) (encoder.FrameResult, error)
}

// Config selects and configures a Source.
type Config struct {
	Type   string
	Path   string
	Loop   bool
	Width  int
	Height int
}

// Open creates the source described by cfg.
func Open(cfg Config) (Source, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("source: frame size %dx%d must be positive and even", cfg.Width, cfg.Height)
	}
	switch cfg.Type {
	case "", TypeSynthetic:
		return NewSynthetic(cfg.Width, cfg.Height), nil
	case TypeFile:
		return OpenFile(cfg.Path, cfg.Width, cfg.Height, cfg.Loop)
	default:
		return nil, fmt.Errorf("source: unknown type %q", cfg.Type)
	}
}

// Stats counts pump activity.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Skipped   uint64 `json:"skipped"`
}

// Pump feeds a Sink from a Source at a fixed frame rate.
type Pump struct {
	src    Source
	sink   Sink
	period time.Duration
	logger *slog.Logger
	now    func() time.Time

	submitted atomic.Uint64
	skipped   atomic.Uint64
}

// NewPump creates a pump delivering fps frames per second.
func NewPump(src Source, sink Sink, fps int, logger *slog.Logger) *Pump {
	if fps <= 0 {
		fps = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		src:    src,
		sink:   sink,
		period: time.Second / time.Duration(fps),
		logger: logger.With(slog.String("component", "source")),
		now:    time.Now,
	}
}

// Run delivers frames until ctx is done or the source is exhausted.
// Frames submitted while no segment is open are counted as skipped. Any
// other submit error ends the run and is returned.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	var f encoder.Frame
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := p.src.Next(&f); err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Info("source exhausted", slog.Uint64("submitted", p.submitted.Load()))
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		f.TimestampEOF = uint64(p.now().UnixNano())

		res, err := p.sink.Submit(ctx, f)
		switch {
		case err == nil:
			p.submitted.Add(1)
			if res.Index == 0 {
				p.logger.Debug("first frame of segment", slog.Int("segment", res.Segment))
			}
		case errors.Is(err, encoder.ErrNotOpen):
			p.skipped.Add(1)
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("submitting frame: %w", err)
		}
	}
}

// Stats returns the pump counters.
func (p *Pump) Stats() Stats {
	return Stats{Submitted: p.submitted.Load(), Skipped: p.skipped.Load()}
}
