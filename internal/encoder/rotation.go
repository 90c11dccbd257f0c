package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/encoderd/internal/segment"
)

// segmentState is the rotation state of a session. Pending transitions are
// applied by the next Submit.
type segmentState int

const (
	stateClosed segmentState = iota
	stateIdle
	statePendingOpen
	statePendingRotate
	statePendingClose
)

func (st segmentState) String() string {
	switch st {
	case stateClosed:
		return "closed"
	case stateIdle:
		return "open"
	case statePendingOpen:
		return "pending_open"
	case statePendingRotate:
		return "pending_rotate"
	case statePendingClose:
		return "pending_close"
	default:
		return "unknown"
	}
}

// open reports whether a segment is active.
func (st segmentState) open() bool {
	return st == stateIdle || st == statePendingRotate || st == statePendingClose
}

type rotateTarget struct {
	path    string
	segment int
}

// Open starts a segment in path immediately.
func (s *Session) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if s.seg.open() {
		return ErrAlreadyOpen
	}
	return s.openLocked(path)
}

// Close ends the active segment, draining the component first if any frame
// was submitted since it opened. A pending open is cancelled.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	return s.closeLocked(ctx)
}

// Rotate requests a switch to segment seg in path. Nothing on disk changes
// until the next Submit. seg == NoSegment stops recording.
func (s *Session) Rotate(path string, seg int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}

	if s.seg.open() {
		if seg == NoSegment {
			s.seg = statePendingClose
		} else {
			s.next = rotateTarget{path: path, segment: seg}
			s.seg = statePendingRotate
		}
	} else if seg == NoSegment {
		s.seg = stateClosed
		s.segment = NoSegment
	} else {
		s.segment = seg
		s.next = rotateTarget{path: path, segment: seg}
		s.seg = statePendingOpen
	}

	s.logger.Debug("rotation requested",
		slog.String("path", path),
		slog.Int("segment", seg),
		slog.String("state", s.seg.String()))
	return nil
}

// advanceLocked applies a pending open or rotate. A pending close is left
// for the end of Submit so the in-flight frame lands in the closing segment.
func (s *Session) advanceLocked(ctx context.Context) error {
	switch s.seg {
	case statePendingOpen:
		return s.openLocked(s.next.path)
	case statePendingRotate:
		next := s.next
		if err := s.closeLocked(ctx); err != nil {
			return err
		}
		s.segment = next.segment
		return s.openLocked(next.path)
	}
	return nil
}

func (s *Session) openLocked(path string) error {
	w, err := segment.Create(path, s.cfg.FileName)
	if err != nil {
		return s.failLocked("open segment", err)
	}
	if len(s.codecConfig) > 0 {
		if err := w.WriteHeader(s.codecConfig); err != nil {
			_ = w.Close()
			return s.failLocked("write codec config", err)
		}
	}

	s.writer = w
	s.path = path
	s.counter = 0
	s.openedAt = time.Now()
	s.seg = stateIdle

	s.logger.Info("segment opened",
		slog.String("path", path),
		slog.Int("segment", s.segment),
		slog.Int("header_bytes", len(s.codecConfig)))
	if s.cfg.Observer != nil {
		s.cfg.Observer.SegmentOpened(s.segmentInfoLocked())
	}
	return nil
}

func (s *Session) closeLocked(ctx context.Context) error {
	if !s.seg.open() {
		s.seg = stateClosed
		return nil
	}

	if s.dirty {
		if err := s.drainLocked(ctx); err != nil {
			return err
		}
	}

	info := s.segmentInfoLocked()
	info.ClosedAt = time.Now()
	w := s.writer
	s.writer = nil
	s.seg = stateClosed
	if err := w.Close(); err != nil {
		return s.failLocked("close segment", err)
	}

	s.logger.Info("segment closed",
		slog.String("path", info.Path),
		slog.Int("segment", info.Segment),
		slog.Int("frames", info.Frames),
		slog.Int64("bytes", info.Bytes))
	if s.cfg.Observer != nil {
		s.cfg.Observer.SegmentClosed(info)
	}
	return nil
}

// drainLocked pushes end-of-stream through the component and persists every
// output up to and including the one that carries it. Cancelling ctx only
// interrupts the wait for an input buffer, which leaves the segment open.
// Once end-of-stream is queued the drain runs to completion, bounded by
// Config.DrainTimeout.
func (s *Session) drainLocked(ctx context.Context) error {
	lease, err := s.acquireInput(ctx, true)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return fmt.Errorf("drain: acquiring input buffer: %w", err)
		}
		return s.failLocked("drain: acquire input", err)
	}
	lease.endOfStream()
	if err := s.submitInput(lease); err != nil {
		return s.failLocked("drain: empty this buffer", err)
	}

	wait := context.WithoutCancel(ctx)
	if s.cfg.DrainTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(wait, s.cfg.DrainTimeout)
		defer cancel()
	}
	for {
		buf, err := s.doneOut.Pop(wait)
		if err != nil {
			return s.failLocked("drain: await end of stream", err)
		}
		eos, err := s.handleOutputLocked(buf)
		if err != nil {
			return err
		}
		if eos {
			break
		}
	}
	s.dirty = false
	return nil
}

func (s *Session) segmentInfoLocked() SegmentInfo {
	info := SegmentInfo{
		Segment:  s.segment,
		Path:     s.path,
		OpenedAt: s.openedAt,
		Frames:   s.counter,
	}
	if s.writer != nil {
		info.Files = s.writer.Paths()
		info.Bytes = s.writer.Bytes()
		info.HeaderBytes = s.writer.HeaderLen()
	}
	return info
}
