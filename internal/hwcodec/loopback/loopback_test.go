package loopback

import (
	"hash/crc32"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jmylchreest/encoderd/internal/hwcodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events chan hwcodec.Event
	empty  chan *hwcodec.BufferHeader
	fill   chan *hwcodec.BufferHeader
}

func newRecorder() *recorder {
	return &recorder{
		events: make(chan hwcodec.Event, 16),
		empty:  make(chan *hwcodec.BufferHeader, 16),
		fill:   make(chan *hwcodec.BufferHeader, 16),
	}
}

func (r *recorder) OnEvent(ev hwcodec.Event)                  { r.events <- ev }
func (r *recorder) OnEmptyBufferDone(b *hwcodec.BufferHeader) { r.empty <- b }
func (r *recorder) OnFillBufferDone(b *hwcodec.BufferHeader)  { r.fill <- b }

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		var zero T
		return zero
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// bringUp takes a component to Executing and returns its buffers.
func bringUp(t *testing.T, c *Component, rec *recorder) (in, out []*hwcodec.BufferHeader) {
	t.Helper()
	require.NoError(t, c.SetPortDefinition(hwcodec.PortDefinition{
		Port: hwcodec.PortInput, FrameWidth: 64, FrameHeight: 48, ColorFormat: hwcodec.ColorFormatNV12Venus,
	}))
	require.NoError(t, c.SetPortDefinition(hwcodec.PortDefinition{
		Port: hwcodec.PortOutput, FrameWidth: 64, FrameHeight: 48, Compression: hwcodec.CompressionHEVC, Bitrate: 1000,
	}))
	inDef, err := c.PortDefinition(hwcodec.PortInput)
	require.NoError(t, err)
	outDef, err := c.PortDefinition(hwcodec.PortOutput)
	require.NoError(t, err)

	require.NoError(t, c.SendCommand(hwcodec.CommandStateSet, hwcodec.StateIdle))
	for range inDef.BufferCountActual {
		b, err := c.AllocateBuffer(hwcodec.PortInput, inDef.BufferSize)
		require.NoError(t, err)
		in = append(in, b)
	}
	for range outDef.BufferCountActual {
		b, err := c.AllocateBuffer(hwcodec.PortOutput, outDef.BufferSize)
		require.NoError(t, err)
		out = append(out, b)
	}
	assert.Equal(t, hwcodec.StateIdle, recv(t, rec.events).State)

	require.NoError(t, c.SendCommand(hwcodec.CommandStateSet, hwcodec.StateExecuting))
	assert.Equal(t, hwcodec.StateExecuting, recv(t, rec.events).State)
	return in, out
}

func TestComponent_NegotiatesVenusLayout(t *testing.T) {
	c := New(newRecorder(), Config{}, testLogger())
	defer c.Close()

	require.NoError(t, c.SetPortDefinition(hwcodec.PortDefinition{
		Port: hwcodec.PortInput, FrameWidth: 1164, FrameHeight: 874, ColorFormat: hwcodec.ColorFormatNV12Venus,
	}))
	def, err := c.PortDefinition(hwcodec.PortInput)
	require.NoError(t, err)
	assert.Equal(t, 1280, def.Stride)
	assert.Equal(t, 896, def.SliceHeight)
	assert.Equal(t, hwcodec.NV12Layout(1164, 874).Size, def.BufferSize)
	assert.Equal(t, 4, def.BufferCountActual)
}

func TestComponent_EncodeAndEndOfStream(t *testing.T) {
	rec := newRecorder()
	c := New(rec, Config{InputBuffers: 2, OutputBuffers: 3}, testLogger())
	defer c.Close()

	in, out := bringUp(t, c, rec)
	require.Len(t, in, 2)
	for _, b := range out {
		require.NoError(t, c.FillThisBuffer(b))
	}

	frame := in[0]
	for i := range frame.Data {
		frame.Data[i] = byte(i)
	}
	frame.FilledLen = len(frame.Data)
	frame.Flags = hwcodec.FlagEndOfFrame
	frame.Timestamp = 1234
	require.NoError(t, c.EmptyThisBuffer(frame))

	cfg := recv(t, rec.fill)
	assert.True(t, cfg.Flags.Has(hwcodec.FlagCodecConfig))
	assert.Equal(t, DefaultCodecConfig, cfg.Payload())

	assert.Same(t, frame, recv(t, rec.empty))
	encoded := recv(t, rec.fill)
	assert.True(t, encoded.Flags.Has(hwcodec.FlagSyncFrame))
	assert.Equal(t, int64(1234), encoded.Timestamp)
	seq, sum, ok := DecodeFrame(encoded.Payload())
	require.True(t, ok)
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, crc32.ChecksumIEEE(frame.Data), sum)

	eos := in[1]
	eos.FilledLen = 0
	eos.Flags = hwcodec.FlagEndOfStream
	require.NoError(t, c.EmptyThisBuffer(eos))
	assert.Same(t, eos, recv(t, rec.empty))
	last := recv(t, rec.fill)
	assert.True(t, last.Flags.Has(hwcodec.FlagEndOfStream))
	assert.Zero(t, last.FilledLen)
	assert.Equal(t, uint64(1), c.Frames())
	assert.Equal(t, uint64(2), c.Received())
}

func TestComponent_PauseHoldsInputs(t *testing.T) {
	rec := newRecorder()
	c := New(rec, Config{InputBuffers: 2, OutputBuffers: 2, CodecConfig: []byte{}}, testLogger())
	defer c.Close()

	in, out := bringUp(t, c, rec)
	for _, b := range out {
		require.NoError(t, c.FillThisBuffer(b))
	}

	c.Pause()
	in[0].FilledLen = 1
	require.NoError(t, c.EmptyThisBuffer(in[0]))
	select {
	case <-rec.empty:
		t.Fatal("paused component returned an input")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, c.Held())

	c.Resume()
	assert.Same(t, in[0], recv(t, rec.empty))
	assert.Equal(t, 0, c.Held())
}

func TestComponent_TeardownReturnsBuffers(t *testing.T) {
	rec := newRecorder()
	c := New(rec, Config{InputBuffers: 2, OutputBuffers: 2}, testLogger())
	defer c.Close()

	in, out := bringUp(t, c, rec)
	for _, b := range out {
		require.NoError(t, c.FillThisBuffer(b))
	}

	require.Error(t, c.FreeBuffer(hwcodec.PortInput, in[0]), "free while executing")

	require.NoError(t, c.SendCommand(hwcodec.CommandStateSet, hwcodec.StateIdle))
	recv(t, rec.fill)
	recv(t, rec.fill)
	assert.Equal(t, hwcodec.StateIdle, recv(t, rec.events).State)

	require.NoError(t, c.SendCommand(hwcodec.CommandStateSet, hwcodec.StateLoaded))
	for _, b := range in {
		require.NoError(t, c.FreeBuffer(hwcodec.PortInput, b))
	}
	for _, b := range out {
		require.NoError(t, c.FreeBuffer(hwcodec.PortOutput, b))
	}
	assert.Equal(t, hwcodec.StateLoaded, recv(t, rec.events).State)
}

func TestComponent_RejectsIllegalCalls(t *testing.T) {
	rec := newRecorder()
	c := New(rec, Config{}, testLogger())
	defer c.Close()

	err := c.SendCommand(hwcodec.CommandStateSet, hwcodec.StateExecuting)
	assert.Equal(t, hwcodec.StatusIncorrectStateOperation, hwcodec.StatusOf(err))

	_, err = c.AllocateBuffer(hwcodec.PortInput, 1)
	assert.Equal(t, hwcodec.StatusIncorrectStateOperation, hwcodec.StatusOf(err))

	err = c.SetPortDefinition(hwcodec.PortDefinition{Port: hwcodec.PortInput, FrameWidth: 64, FrameHeight: 48})
	assert.Equal(t, hwcodec.StatusBadParameter, hwcodec.StatusOf(err), "unsupported color format")

	c.FailNext("send_command", hwcodec.StatusHardware)
	err = c.SendCommand(hwcodec.CommandStateSet, hwcodec.StateIdle)
	assert.Equal(t, hwcodec.StatusHardware, hwcodec.StatusOf(err))
}

func TestComponent_InjectError(t *testing.T) {
	rec := newRecorder()
	c := New(rec, Config{}, testLogger())
	defer c.Close()

	c.InjectError(hwcodec.StatusStreamCorrupt)
	ev := recv(t, rec.events)
	assert.Equal(t, hwcodec.EventError, ev.Type)
	assert.Equal(t, hwcodec.StatusStreamCorrupt, ev.Status)
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, hwcodec.Registered(), Name)

	comp, err := hwcodec.Open(Name, newRecorder(), hwcodec.Options{Params: map[string]string{"input_buffers": "3"}})
	require.NoError(t, err)
	defer comp.Close()

	def, err := comp.PortDefinition(hwcodec.PortInput)
	require.NoError(t, err)
	assert.Equal(t, 3, def.BufferCountActual)

	_, err = hwcodec.Open("missing", newRecorder(), hwcodec.Options{})
	assert.Equal(t, hwcodec.StatusComponentNotFound, hwcodec.StatusOf(err))
}
