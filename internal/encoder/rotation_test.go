package encoder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/encoderd/internal/hwcodec/loopback"
	"github.com/jmylchreest/encoderd/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentState(t *testing.T) {
	tests := []struct {
		state segmentState
		name  string
		open  bool
	}{
		{stateClosed, "closed", false},
		{stateIdle, "open", true},
		{statePendingOpen, "pending_open", false},
		{statePendingRotate, "pending_rotate", true},
		{statePendingClose, "pending_close", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.state.String())
			assert.Equal(t, tt.open, tt.state.open())
		})
	}
}

func TestOpen_OnlyFromClosed(t *testing.T) {
	f := newFixture(t, loopback.Config{}, nil)

	require.NoError(t, f.s.Open(f.segDir(0)))
	assert.True(t, segment.Locked(f.segDir(0), DefaultFileName))
	assert.ErrorIs(t, f.s.Open(f.segDir(1)), ErrAlreadyOpen)

	_, err := os.Stat(f.segDir(1))
	assert.True(t, os.IsNotExist(err), "rejected open must not touch disk")
}

func TestOpen_FileFailureIsFatal(t *testing.T) {
	f := newFixture(t, loopback.Config{}, nil)

	blocker := filepath.Join(f.dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := f.s.Open(filepath.Join(blocker, "seg"))
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.True(t, f.s.Status().Dead)
}

func TestClose_WithoutFramesDoesNotDrain(t *testing.T) {
	f := newFixture(t, loopback.Config{InputBuffers: 2}, nil)

	require.NoError(t, f.s.Open(f.segDir(0)))

	// A drain would need the component to process an end-of-stream buffer.
	f.comp.Pause()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.s.Close(ctx))

	assert.Equal(t, uint64(0), f.comp.Received(), "no input buffer may be consumed")
	assert.Equal(t, OwnerCounts{QueuedFree: 2}, f.s.Status().Inputs)
	assert.False(t, segment.Locked(f.segDir(0), DefaultFileName))
}

func TestClose_DrainsEverySubmittedFrame(t *testing.T) {
	f := newFixture(t, loopback.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, f.s.Open(f.segDir(0)))
	const frames = 10
	for i := range frames {
		res, err := f.s.Submit(ctx, testFrame(uint64(i+1)*1_000_000))
		require.NoError(t, err)
		assert.Equal(t, i, res.Index)
	}
	require.NoError(t, f.s.Close(ctx))

	header, payloads, err := segment.ReadFrames(f.segDir(0), DefaultFileName)
	require.NoError(t, err)
	assert.Empty(t, header, "first segment carries the config as its first payload")
	require.Len(t, payloads, frames+1)
	assert.Equal(t, loopback.DefaultCodecConfig, payloads[0])
	for i, p := range payloads[1:] {
		seq, _, ok := loopback.DecodeFrame(p)
		require.True(t, ok)
		assert.Equal(t, uint64(i), seq, "frames are persisted in submission order")
	}

	report, err := segment.Verify(f.segDir(0), DefaultFileName, 0)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, frames+1, report.Frames)
}

func TestRotate_CodecConfigReplayedOnEverySegment(t *testing.T) {
	f := newFixture(t, loopback.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, f.s.Open(f.segDir(0)))
	for seg := range 3 {
		if seg > 0 {
			require.NoError(t, f.s.Rotate(f.segDir(seg), seg))
		}
		for i := range 3 {
			res, err := f.s.Submit(ctx, testFrame(uint64(seg*10+i+1)))
			require.NoError(t, err)
			assert.Equal(t, i, res.Index)
			if seg > 0 {
				assert.Equal(t, seg, res.Segment)
			}
		}
	}
	require.NoError(t, f.s.Close(ctx))
	assert.Equal(t, loopback.DefaultCodecConfig, f.s.CodecConfig())

	for seg := 1; seg < 3; seg++ {
		data, err := os.ReadFile(segment.PathsFor(f.segDir(seg), DefaultFileName).Data)
		require.NoError(t, err)
		require.Greater(t, len(data), len(loopback.DefaultCodecConfig))
		assert.Equal(t, loopback.DefaultCodecConfig, data[:len(loopback.DefaultCodecConfig)], "segment %d", seg)

		report, err := segment.Verify(f.segDir(seg), DefaultFileName, len(loopback.DefaultCodecConfig))
		require.NoError(t, err)
		assert.True(t, report.Consistent(), "segment %d", seg)
		assert.Equal(t, 3, report.Frames)
		assert.False(t, report.Locked)
	}
}

func TestRotate_WhileClosedDefersOpen(t *testing.T) {
	f := newFixture(t, loopback.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, f.s.Rotate(f.segDir(3), 3))

	st := f.s.Status()
	assert.Equal(t, "pending_open", st.State)
	assert.Equal(t, 3, st.Segment)
	assert.False(t, st.Open)
	_, err := os.Stat(f.segDir(3))
	assert.True(t, os.IsNotExist(err), "rotate must not touch disk")

	res, err := f.s.Submit(ctx, testFrame(1))
	require.NoError(t, err)
	assert.Equal(t, FrameResult{Index: 0, Segment: 3}, res)
	assert.True(t, segment.Locked(f.segDir(3), DefaultFileName))
}

func TestRotate_SentinelWhileClosedCancelsPendingOpen(t *testing.T) {
	f := newFixture(t, loopback.Config{}, nil)

	require.NoError(t, f.s.Rotate(f.segDir(0), 0))
	require.NoError(t, f.s.Rotate("", NoSegment))

	st := f.s.Status()
	assert.Equal(t, "closed", st.State)
	assert.Equal(t, NoSegment, st.Segment)

	_, err := f.s.Submit(context.Background(), testFrame(1))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestRotate_SentinelWhileOpenDefersClose(t *testing.T) {
	f := newFixture(t, loopback.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, f.s.Rotate(f.segDir(0), 0))
	_, err := f.s.Submit(ctx, testFrame(1))
	require.NoError(t, err)

	require.NoError(t, f.s.Rotate("", NoSegment))
	assert.Equal(t, "pending_close", f.s.Status().State)
	assert.True(t, segment.Locked(f.segDir(0), DefaultFileName), "close is deferred")

	res, err := f.s.Submit(ctx, testFrame(2))
	require.NoError(t, err)
	assert.Equal(t, FrameResult{Index: 1, Segment: 0}, res)

	st := f.s.Status()
	assert.False(t, st.Open)
	assert.False(t, segment.Locked(f.segDir(0), DefaultFileName))

	_, err = f.s.Submit(ctx, testFrame(3))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestRotate_AppliedToSubmitBlockedOnBuffer(t *testing.T) {
	f := newFixture(t, loopback.Config{InputBuffers: 2}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.s.Open(f.segDir(0)))

	// Hold every input buffer in the component.
	f.comp.Pause()
	for i := range 2 {
		_, err := f.s.Submit(ctx, testFrame(uint64(i+1)))
		require.NoError(t, err)
	}
	require.Equal(t, 2, f.comp.Held())

	type result struct {
		res FrameResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := f.s.Submit(ctx, testFrame(3))
		done <- result{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	rotated := make(chan error, 1)
	go func() { rotated <- f.s.Rotate(f.segDir(1), 1) }()
	select {
	case err := <-rotated:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("rotate deadlocked against a blocked submit")
	}

	select {
	case <-done:
		t.Fatal("submit completed while the component held every buffer")
	default:
	}

	f.comp.Resume()
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, FrameResult{Index: 0, Segment: 1}, r.res)

	require.NoError(t, f.s.Close(ctx))

	_, old, err := segment.ReadFrames(f.segDir(0), DefaultFileName)
	require.NoError(t, err)
	assert.Len(t, old, 3, "config plus the two frames submitted before the rotation")

	header, cur, err := segment.ReadFrames(f.segDir(1), DefaultFileName)
	require.NoError(t, err)
	assert.Equal(t, loopback.DefaultCodecConfig, header)
	require.Len(t, cur, 1)
	seq, _, ok := loopback.DecodeFrame(cur[0])
	require.True(t, ok)
	assert.Equal(t, uint64(2), seq)
}

func TestSubmit_ClosedWhileWaitingForBufferIsNotEncoded(t *testing.T) {
	f := newFixture(t, loopback.Config{InputBuffers: 2}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, f.s.Open(f.segDir(0)))
	f.comp.Pause()
	for i := range 2 {
		_, err := f.s.Submit(ctx, testFrame(uint64(i+1)))
		require.NoError(t, err)
	}

	submitted := make(chan error, 1)
	go func() {
		_, err := f.s.Submit(ctx, testFrame(3))
		submitted <- err
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- f.s.Close(ctx) }()
	time.Sleep(50 * time.Millisecond)
	f.comp.Resume()

	require.NoError(t, <-closed)
	assert.ErrorIs(t, <-submitted, ErrNotOpen)
	assert.Equal(t, uint64(2), f.comp.Frames(), "the late frame must not reach the component")

	require.Eventually(t, func() bool {
		return f.s.Status().Inputs == OwnerCounts{QueuedFree: 2}
	}, time.Second, 5*time.Millisecond)
}

func TestSegmentObserver(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, loopback.Config{}, func(c *Config) { c.Observer = obs })
	ctx := context.Background()

	require.NoError(t, f.s.Rotate(f.segDir(0), 0))
	for i := range 4 {
		_, err := f.s.Submit(ctx, testFrame(uint64(i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, f.s.Rotate(f.segDir(1), 1))
	_, err := f.s.Submit(ctx, testFrame(5))
	require.NoError(t, err)
	require.NoError(t, f.s.Close(ctx))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.opened, 2)
	require.Len(t, obs.closed, 2)

	assert.Equal(t, 0, obs.closed[0].Segment)
	assert.Equal(t, 4, obs.closed[0].Frames)
	assert.Equal(t, f.segDir(0), obs.closed[0].Path)
	assert.False(t, obs.closed[0].ClosedAt.Before(obs.closed[0].OpenedAt))

	assert.Equal(t, 1, obs.closed[1].Segment)
	assert.Equal(t, 1, obs.closed[1].Frames)
	assert.Equal(t, len(loopback.DefaultCodecConfig), obs.closed[1].HeaderBytes)
}

func TestRotate_DrainOutlivesCancelledSubmit(t *testing.T) {
	f := newFixture(t, loopback.Config{}, nil)

	require.NoError(t, f.s.Open(f.segDir(0)))
	_, err := f.s.Submit(context.Background(), testFrame(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.comp.Frames() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.s.Rotate(f.segDir(1), 1))
	f.comp.Pause()

	// The end-of-stream buffer is queued before ctx expires, so the drain
	// must finish once the component resumes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	type result struct {
		res FrameResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := f.s.Submit(ctx, testFrame(2))
		done <- result{res, err}
	}()

	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	f.comp.Resume()

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not complete after resume")
	}
	require.NoError(t, r.err)
	assert.Equal(t, FrameResult{Index: 0, Segment: 1}, r.res)

	st := f.s.Status()
	assert.False(t, st.Dead)
	assert.Equal(t, 1, st.Segment)
	assert.False(t, segment.Locked(f.segDir(0), DefaultFileName))

	_, old, err := segment.ReadFrames(f.segDir(0), DefaultFileName)
	require.NoError(t, err)
	require.Len(t, old, 2, "config plus the frame submitted before the rotation")
	seq, _, ok := loopback.DecodeFrame(old[1])
	require.True(t, ok)
	assert.Equal(t, uint64(0), seq)

	require.NoError(t, f.s.Close(context.Background()))
}

func TestRotate_CancelledBeforeEndOfStreamKeepsSegmentOpen(t *testing.T) {
	f := newFixture(t, loopback.Config{InputBuffers: 2}, nil)
	bg := context.Background()

	require.NoError(t, f.s.Open(f.segDir(0)))
	f.comp.Pause()
	for i := range 2 {
		_, err := f.s.Submit(bg, testFrame(uint64(i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, f.s.Rotate(f.segDir(1), 1))

	ctx, cancel := context.WithTimeout(bg, 50*time.Millisecond)
	defer cancel()
	_, err := f.s.Submit(ctx, testFrame(3))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsFatal(err))

	st := f.s.Status()
	assert.False(t, st.Dead)
	assert.Equal(t, "pending_rotate", st.State)
	assert.Equal(t, 0, st.Segment)

	f.comp.Resume()
	res, err := f.s.Submit(bg, testFrame(4))
	require.NoError(t, err)
	assert.Equal(t, FrameResult{Index: 0, Segment: 1}, res)

	_, old, err := segment.ReadFrames(f.segDir(0), DefaultFileName)
	require.NoError(t, err)
	assert.Len(t, old, 3, "config plus both held frames")

	require.NoError(t, f.s.Close(bg))
}

func TestClose_CancelledBeforeEndOfStreamIsNotFatal(t *testing.T) {
	f := newFixture(t, loopback.Config{InputBuffers: 2}, nil)
	bg := context.Background()

	require.NoError(t, f.s.Open(f.segDir(0)))
	f.comp.Pause()
	for i := range 2 {
		_, err := f.s.Submit(bg, testFrame(uint64(i+1)))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(bg)
	cancel()
	err := f.s.Close(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsFatal(err))
	assert.True(t, f.s.Status().Open)

	f.comp.Resume()
	require.NoError(t, f.s.Close(bg))
	assert.False(t, f.s.Status().Dead)

	_, frames, err := segment.ReadFrames(f.segDir(0), DefaultFileName)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
}
