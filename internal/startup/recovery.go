// Package startup repairs state left behind when a previous run stopped
// without closing its segment.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmylchreest/encoderd/internal/catalog"
	"github.com/jmylchreest/encoderd/internal/encoder"
	"github.com/jmylchreest/encoderd/internal/models"
	"github.com/jmylchreest/encoderd/internal/segment"
)

// DefaultLockAge is how old a segment must be before its lock is released.
const DefaultLockAge = 1 * time.Minute

// StaleSegment is a segment directory that still holds a lock file.
type StaleSegment struct {
	Dir      string
	Report   segment.Report
	Modified time.Time
	Err      error
}

// FindStaleSegments scans the directories directly below root for segments
// named name whose lock file survived.
func FindStaleSegments(logger *slog.Logger, root, name string) ([]StaleSegment, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		logger.Debug("storage root does not exist, skipping stale segment scan", "path", root)
		return nil, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading storage root: %w", err)
	}

	var stale []StaleSegment
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if !segment.Locked(dir, name) {
			continue
		}

		s := StaleSegment{Dir: dir}
		s.Report, s.Err = segment.Verify(dir, name, -1)
		if info, err := os.Stat(s.Report.Paths.Data); err == nil {
			s.Modified = info.ModTime()
		}

		if s.Err != nil {
			logger.Warn("stale segment is unreadable", "path", dir, "error", s.Err)
		} else {
			logger.Warn("found segment left open by a previous run",
				"path", dir,
				"frames", s.Report.Frames,
				"consistent", s.Report.Consistent(),
			)
		}
		stale = append(stale, s)
	}
	return stale, nil
}

// ReleaseStaleLocks removes the lock file of every stale segment that was
// last written more than maxAge ago and whose size records cover its data.
// Inconsistent segments keep their lock. Returns the number released.
func ReleaseStaleLocks(logger *slog.Logger, stale []StaleSegment, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var released int
	for _, s := range stale {
		if s.Err != nil || !s.Report.Consistent() {
			continue
		}
		if s.Modified.After(cutoff) {
			logger.Debug("preserving recently written segment lock", "path", s.Dir)
			continue
		}
		if err := os.Remove(s.Report.Paths.Lock); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to release stale segment lock", "path", s.Dir, "error", err)
			continue
		}
		logger.Info("released stale segment lock", "path", s.Dir, "frames", s.Report.Frames)
		released++
	}
	return released
}

// SegmentStore lists and closes catalog rows.
type SegmentStore interface {
	ListSegments(ctx context.Context, f catalog.SegmentFilter) ([]models.Segment, error)
	MarkInterrupted(ctx context.Context, info encoder.SegmentInfo) error
}

// RecoverOpenSegments closes catalog rows still marked open. Their final
// counters are read back from the segment files; a segment that can no
// longer be read is closed with zero counters. It must run before the
// session opens its first segment.
//
// Returns the number of segments recovered and any error encountered.
func RecoverOpenSegments(ctx context.Context, logger *slog.Logger, store SegmentStore, name string) (int, error) {
	open, err := store.ListSegments(ctx, catalog.SegmentFilter{OpenOnly: true})
	if err != nil {
		return 0, fmt.Errorf("listing open segments: %w", err)
	}

	var recovered int
	for _, seg := range open {
		info := encoder.SegmentInfo{
			Segment:  seg.Index,
			Path:     seg.Path,
			Files:    segment.PathsFor(seg.Path, name),
			OpenedAt: seg.OpenedAt,
			ClosedAt: time.Now().UTC(),
		}

		report, verr := segment.Verify(seg.Path, name, -1)
		if verr == nil {
			info.Frames = report.Frames
			info.Bytes = report.DataBytes
			info.HeaderBytes = int(max(report.HeaderBytes, 0))
			if st, err := os.Stat(report.Paths.Data); err == nil {
				info.ClosedAt = st.ModTime().UTC()
			}
		}

		logger.Warn("recovering segment interrupted by restart",
			"path", seg.Path,
			"frames", info.Frames,
			"readable", verr == nil,
		)
		if err := store.MarkInterrupted(ctx, info); err != nil {
			logger.Error("failed to recover interrupted segment", "path", seg.Path, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}
