package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/encoderd/internal/hwcodec"
)

// Submit encodes one frame into the active segment and returns its index
// within the segment. It blocks while the component holds every input
// buffer. Pending rotations are applied before the frame is encoded; a
// pending close is applied after.
//
// If the segment is closed while Submit waits for a buffer, the buffer is
// returned unused and ErrNotOpen is reported.
func (s *Session) Submit(ctx context.Context, f Frame) (FrameResult, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return FrameResult{}, err
	}
	if err := s.advanceLocked(ctx); err != nil {
		s.mu.Unlock()
		return FrameResult{}, err
	}
	if !s.seg.open() {
		s.mu.Unlock()
		return FrameResult{}, ErrNotOpen
	}
	s.mu.Unlock()

	// Rotation needs the session lock, so the wait for hardware happens
	// without it.
	lease, err := s.acquireInput(ctx, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if IsFatal(err) || errors.Is(err, ErrShutdown) {
			return FrameResult{}, err
		}
		return FrameResult{}, fmt.Errorf("acquiring input buffer: %w", err)
	}
	if err := s.usableLocked(); err != nil {
		s.releaseInput(lease)
		return FrameResult{}, err
	}
	if err := s.advanceLocked(ctx); err != nil {
		s.releaseInput(lease)
		return FrameResult{}, err
	}
	if !s.seg.open() {
		s.releaseInput(lease)
		return FrameResult{}, ErrNotOpen
	}

	if err := lease.fill(s.layout, f, s.cfg.Width, s.cfg.Height); err != nil {
		s.releaseInput(lease)
		return FrameResult{}, fmt.Errorf("converting frame: %w", err)
	}
	if err := s.submitInput(lease); err != nil {
		return FrameResult{}, s.failLocked("empty this buffer", err)
	}

	if err := s.persistCompletedLocked(); err != nil {
		return FrameResult{}, err
	}

	s.dirty = true
	res := FrameResult{Index: s.counter, Segment: s.segment}
	s.counter++
	s.totalFrames++

	if s.seg == statePendingClose {
		if err := s.closeLocked(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// acquireInput waits for a free input buffer. Outputs completed in the
// meantime are persisted and handed back, since the component may need an
// output buffer before it can finish an input. locked reports whether the
// caller holds s.mu.
func (s *Session) acquireInput(ctx context.Context, locked bool) (*inputLease, error) {
	for {
		if buf, ok := s.freeIn.TryPop(); ok {
			if err := s.inputs.move(buf, OwnerQueuedFree, OwnerSoftware); err != nil {
				return nil, err
			}
			return &inputLease{buf: buf}, nil
		}
		if s.doneOut.Len() > 0 {
			if err := s.persistCompleted(locked); err != nil {
				return nil, err
			}
			continue
		}
		select {
		case <-s.freeIn.Ready():
		case <-s.doneOut.Ready():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Session) persistCompleted(locked bool) error {
	if !locked {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.usableLocked(); err != nil {
			return err
		}
	}
	return s.persistCompletedLocked()
}

// persistCompletedLocked handles every output the component has finished.
func (s *Session) persistCompletedLocked() error {
	for {
		buf, ok := s.doneOut.TryPop()
		if !ok {
			return nil
		}
		if _, err := s.handleOutputLocked(buf); err != nil {
			return err
		}
	}
}

// releaseInput puts an unused input buffer back on the free queue.
func (s *Session) releaseInput(l *inputLease) {
	buf, err := l.take()
	if err != nil {
		return
	}
	buf.Reset()
	if err := s.inputs.move(buf, OwnerSoftware, OwnerQueuedFree); err != nil {
		s.failLocked("release input", err)
		return
	}
	s.freeIn.Push(buf)
}

func (s *Session) submitInput(l *inputLease) error {
	buf, err := l.take()
	if err != nil {
		return err
	}
	// The component may complete the buffer before EmptyThisBuffer returns.
	if err := s.inputs.move(buf, OwnerSoftware, OwnerHardware); err != nil {
		return err
	}
	return s.comp.EmptyThisBuffer(buf)
}

func (s *Session) returnOutput(buf *hwcodec.BufferHeader, from Owner) error {
	buf.Reset()
	if err := s.outputs.move(buf, from, OwnerHardware); err != nil {
		return err
	}
	return s.comp.FillThisBuffer(buf)
}

// handleOutputLocked persists one completed output and hands the buffer
// back to the component. It reports whether the buffer carried
// end-of-stream.
func (s *Session) handleOutputLocked(buf *hwcodec.BufferHeader) (bool, error) {
	if err := s.outputs.move(buf, OwnerQueuedCompleted, OwnerSoftware); err != nil {
		return false, s.failLocked("take output", err)
	}

	payload := buf.Payload()
	flags := buf.Flags
	ticks := buf.Timestamp

	if flags.Has(hwcodec.FlagCodecConfig) {
		s.captureConfigLocked(payload)
	}

	if len(payload) > 0 {
		if s.cfg.Publisher != nil {
			s.cfg.Publisher.PublishFrame(uint64(ticks), payload)
		}
		if s.writer != nil {
			if err := s.writer.WriteFrame(payload); err != nil {
				return false, s.failLocked("write payload", err)
			}
			s.totalBytes += int64(len(payload))
		}
		if ticks > 0 && !flags.Has(hwcodec.FlagCodecConfig) && s.logger.Enabled(context.Background(), slog.LevelDebug) {
			eof := time.Unix(0, ticks*tickDivisor)
			s.logger.Debug("frame encoded",
				slog.Int("bytes", len(payload)),
				slog.Bool("sync", flags.Has(hwcodec.FlagSyncFrame)),
				slog.Float64("latency_ms", float64(time.Since(eof).Microseconds())/1000))
		}
	}

	eos := flags.Has(hwcodec.FlagEndOfStream)
	if err := s.returnOutput(buf, OwnerSoftware); err != nil {
		return eos, s.failLocked("fill this buffer", err)
	}
	return eos, nil
}

func (s *Session) captureConfigLocked(payload []byte) {
	if len(payload) == 0 {
		return
	}
	if s.codecConfig == nil {
		s.codecConfig = append([]byte(nil), payload...)
		s.logger.Info("codec config captured", slog.Int("bytes", len(payload)))
		return
	}
	if !bytes.Equal(s.codecConfig, payload) {
		s.logger.Warn("ignoring changed codec config",
			slog.Int("captured_bytes", len(s.codecConfig)),
			slog.Int("new_bytes", len(payload)))
	}
}
