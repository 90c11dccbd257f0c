// Package encoder drives a codec component through its lifecycle, feeds it
// raw frames, and writes what it produces into rotating segments.
//
// A Session is shared by three kinds of caller: the frame producer calling
// Submit, control callers using Open, Close and Rotate, and the component's
// callback goroutine. Session state is guarded by a single mutex. Methods
// suffixed Locked expect it held. The command handshake has its own lock so
// callbacks never contend with the submission path.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/encoderd/internal/bufqueue"
	"github.com/jmylchreest/encoderd/internal/hwcodec"
	"github.com/jmylchreest/encoderd/internal/segment"
)

// NoSegment is the rotate target meaning "stop recording".
const NoSegment = -1

// tickDivisor converts frame timestamps (ns) to component ticks (us).
// The truncation is lossy; outputs are reconstructed by multiplying back.
const tickDivisor = 1000

// DefaultFileName is the base name of segment files.
const DefaultFileName = "fcamera"

var errLeaseSpent = errors.New("input lease already consumed")

// FramePublisher receives every non-empty output payload. Implementations
// must not block and must copy payload if they keep it.
type FramePublisher interface {
	PublishFrame(timestamp uint64, payload []byte)
}

// SegmentInfo describes a segment at open or close.
type SegmentInfo struct {
	Segment     int
	Path        string
	Files       segment.Paths
	OpenedAt    time.Time
	ClosedAt    time.Time
	Frames      int
	Bytes       int64
	HeaderBytes int
}

// SegmentObserver is notified of segment transitions. Calls are made with
// the session lock held and must not block or call back into the session.
type SegmentObserver interface {
	SegmentOpened(info SegmentInfo)
	SegmentClosed(info SegmentInfo)
}

// Loader acquires the component, wiring its callbacks to the session.
type Loader func(cb hwcodec.Callbacks) (hwcodec.Component, error)

// Config configures a Session.
type Config struct {
	Width    int
	Height   int
	FPS      int
	Bitrate  int
	FileName string
	// DrainTimeout bounds the wait for end-of-stream when a segment
	// closes. Zero waits indefinitely.
	DrainTimeout time.Duration

	Publisher FramePublisher
	Observer  SegmentObserver
	Logger    *slog.Logger
}

func (c *Config) validate() error {
	var errs []error
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("frame size %dx%d must be positive and even", c.Width, c.Height))
	}
	if c.FPS <= 0 {
		errs = append(errs, fmt.Errorf("fps must be positive, got %d", c.FPS))
	}
	if c.Bitrate <= 0 {
		errs = append(errs, fmt.Errorf("bitrate must be positive, got %d", c.Bitrate))
	}
	return errors.Join(errs...)
}

// Frame is one I420 frame. TimestampEOF is the end-of-exposure time in
// nanoseconds.
type Frame struct {
	TimestampEOF uint64
	Y            []byte
	U            []byte
	V            []byte
}

// FrameResult identifies where a submitted frame was recorded.
type FrameResult struct {
	Index   int
	Segment int
}

// Session is one encoder output stream.
type Session struct {
	cfg    Config
	logger *slog.Logger

	comp    hwcodec.Component
	layout  hwcodec.Layout
	inputs  *arena
	outputs *arena
	freeIn  *bufqueue.Queue[*hwcodec.BufferHeader]
	doneOut *bufqueue.Queue[*hwcodec.BufferHeader]
	hs      *handshake

	compState   atomic.Int32
	asyncErrors atomic.Uint64
	cbFault     atomic.Pointer[FatalError]

	mu          sync.Mutex
	seg         segmentState
	segment     int
	path        string
	next        rotateTarget
	writer      *segment.Writer
	openedAt    time.Time
	dirty       bool
	counter     int
	codecConfig []byte
	totalFrames uint64
	totalBytes  int64
	fatal       *FatalError
	shut        bool
}

// New acquires a component through load and brings it to Executing. The
// returned session has no segment open.
func New(ctx context.Context, cfg Config, load Loader) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid encoder config: %w", err)
	}
	if cfg.FileName == "" {
		cfg.FileName = DefaultFileName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		inputs:  newArena(hwcodec.PortInput, 8),
		outputs: newArena(hwcodec.PortOutput, 8),
		freeIn:  bufqueue.New[*hwcodec.BufferHeader](8),
		doneOut: bufqueue.New[*hwcodec.BufferHeader](8),
		hs:      newHandshake(cfg.Logger),
		seg:     stateClosed,
		segment: NoSegment,
	}
	s.compState.Store(int32(hwcodec.StateLoaded))

	comp, err := load(sessionCallbacks{s})
	if err != nil {
		return nil, &FatalError{Op: "get_handle", Err: err}
	}
	s.comp = comp
	s.logger = s.logger.With(slog.String("codec", comp.Name()))

	if err := s.init(ctx); err != nil {
		if cerr := comp.Close(); cerr != nil {
			s.logger.Warn("releasing component after failed init", slog.String("error", cerr.Error()))
		}
		return nil, err
	}
	return s, nil
}

func (s *Session) init(ctx context.Context) error {
	fail := func(op string, err error) error { return &FatalError{Op: op, Err: err} }

	in, err := s.comp.PortDefinition(hwcodec.PortInput)
	if err != nil {
		return fail("get input port", err)
	}
	in.FrameWidth = s.cfg.Width
	in.FrameHeight = s.cfg.Height
	in.FramerateQ16 = hwcodec.FramerateQ16(s.cfg.FPS)
	in.ColorFormat = hwcodec.ColorFormatNV12Venus
	in.Compression = hwcodec.CompressionUnused
	if err := s.comp.SetPortDefinition(in); err != nil {
		return fail("set input port", err)
	}
	if in, err = s.comp.PortDefinition(hwcodec.PortInput); err != nil {
		return fail("get input port", err)
	}
	if in.BufferCountActual < 2 {
		return fail("set input port", fmt.Errorf("component offers %d input buffers, need at least 2", in.BufferCountActual))
	}
	s.layout = hwcodec.LayoutFromPort(in)

	out, err := s.comp.PortDefinition(hwcodec.PortOutput)
	if err != nil {
		return fail("get output port", err)
	}
	out.FrameWidth = s.cfg.Width
	out.FrameHeight = s.cfg.Height
	out.FramerateQ16 = 0
	out.Bitrate = s.cfg.Bitrate
	out.Compression = hwcodec.CompressionHEVC
	out.ColorFormat = hwcodec.ColorFormatUnused
	if err := s.comp.SetPortDefinition(out); err != nil {
		return fail("set output port", err)
	}
	if out, err = s.comp.PortDefinition(hwcodec.PortOutput); err != nil {
		return fail("get output port", err)
	}
	if out.BufferCountActual < 1 {
		return fail("set output port", errors.New("component offers no output buffers"))
	}

	if err := s.comp.SetVideoParams(hwcodec.PortOutput, hwcodec.VideoParams{
		Profile: hwcodec.HEVCProfileMain,
		Level:   hwcodec.HEVCHighTierLevel5,
	}); err != nil {
		return fail("set hevc params", err)
	}
	if err := s.comp.SetRateControl(hwcodec.PortOutput, hwcodec.RateControl{
		Mode:          hwcodec.RateControlVariable,
		TargetBitrate: s.cfg.Bitrate,
	}); err != nil {
		return fail("set bitrate", err)
	}

	idle, err := s.command(hwcodec.StateIdle)
	if err != nil {
		return fail("set state idle", err)
	}
	for range in.BufferCountActual {
		buf, err := s.comp.AllocateBuffer(hwcodec.PortInput, in.BufferSize)
		if err != nil {
			s.hs.cancel(hwcodec.StateIdle)
			return fail("allocate input buffer", err)
		}
		s.inputs.add(buf)
	}
	for range out.BufferCountActual {
		buf, err := s.comp.AllocateBuffer(hwcodec.PortOutput, out.BufferSize)
		if err != nil {
			s.hs.cancel(hwcodec.StateIdle)
			return fail("allocate output buffer", err)
		}
		s.outputs.add(buf)
	}
	if err := s.hs.wait(ctx, hwcodec.StateIdle, idle); err != nil {
		return fail("set state idle", err)
	}

	if err := s.transition(ctx, hwcodec.StateExecuting); err != nil {
		return fail("set state executing", err)
	}

	for _, buf := range s.outputs.buffers() {
		if err := s.returnOutput(buf, OwnerSoftware); err != nil {
			return fail("fill this buffer", err)
		}
	}
	for _, buf := range s.inputs.buffers() {
		if err := s.inputs.move(buf, OwnerSoftware, OwnerQueuedFree); err != nil {
			return fail("queue input buffer", err)
		}
		s.freeIn.Push(buf)
	}

	s.logger.Info("encoder session ready",
		slog.Int("width", s.cfg.Width),
		slog.Int("height", s.cfg.Height),
		slog.Int("fps", s.cfg.FPS),
		slog.Int("bitrate", s.cfg.Bitrate),
		slog.Int("stride", s.layout.YStride),
		slog.Int("scanlines", s.layout.YScanlines),
		slog.Int("input_buffer_size", s.layout.Size),
		slog.Int("input_buffers", in.BufferCountActual),
		slog.Int("output_buffers", out.BufferCountActual))
	return nil
}

// command registers for and sends a state-set command.
func (s *Session) command(state hwcodec.State) (<-chan hwcodec.Event, error) {
	ch, err := s.hs.expect(state)
	if err != nil {
		return nil, err
	}
	if err := s.comp.SendCommand(hwcodec.CommandStateSet, state); err != nil {
		s.hs.cancel(state)
		return nil, err
	}
	return ch, nil
}

func (s *Session) transition(ctx context.Context, state hwcodec.State) error {
	ch, err := s.command(state)
	if err != nil {
		return err
	}
	return s.hs.wait(ctx, state, ch)
}

// Shutdown returns the component to Loaded, frees every buffer and
// releases the handle. No segment may be open.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shut {
		return nil
	}
	if err := s.usableLocked(); err != nil {
		// A dead component cannot be drained; release what we hold.
		s.shut = true
		if s.writer != nil {
			if cerr := s.writer.Close(); cerr != nil {
				s.logger.Warn("closing segment of dead session", slog.String("error", cerr.Error()))
			}
			s.writer = nil
			s.seg = stateClosed
		}
		if cerr := s.comp.Close(); cerr != nil {
			s.logger.Warn("releasing dead component", slog.String("error", cerr.Error()))
		}
		return err
	}
	if s.seg.open() {
		return ErrStillOpen
	}

	if err := s.transition(ctx, hwcodec.StateIdle); err != nil {
		return s.failLocked("set state idle", err)
	}
	if err := s.reclaimLocked(); err != nil {
		return s.failLocked("reclaim buffers", err)
	}

	loaded, err := s.command(hwcodec.StateLoaded)
	if err != nil {
		return s.failLocked("set state loaded", err)
	}
	for _, a := range []*arena{s.inputs, s.outputs} {
		for _, buf := range a.buffers() {
			if err := s.comp.FreeBuffer(a.port, buf); err != nil {
				s.hs.cancel(hwcodec.StateLoaded)
				return s.failLocked("free buffer", err)
			}
		}
	}
	if err := s.hs.wait(ctx, hwcodec.StateLoaded, loaded); err != nil {
		return s.failLocked("set state loaded", err)
	}

	s.shut = true
	if err := s.comp.Close(); err != nil {
		return fmt.Errorf("releasing component: %w", err)
	}
	s.logger.Info("encoder session shut down", slog.Uint64("frames", s.totalFrames))
	return nil
}

// reclaimLocked takes back every buffer the component returned on its way
// to Idle.
func (s *Session) reclaimLocked() error {
	for {
		buf, ok := s.freeIn.TryPop()
		if !ok {
			break
		}
		if err := s.inputs.move(buf, OwnerQueuedFree, OwnerSoftware); err != nil {
			return err
		}
	}
	for {
		buf, ok := s.doneOut.TryPop()
		if !ok {
			break
		}
		if err := s.outputs.move(buf, OwnerQueuedCompleted, OwnerSoftware); err != nil {
			return err
		}
	}
	for _, a := range []*arena{s.inputs, s.outputs} {
		if c := a.counts(); c.Software != c.Total() {
			return fmt.Errorf("%s buffers not returned by component: %+v", a.port, c)
		}
	}
	return nil
}

// failLocked poisons the session. The first failure wins.
func (s *Session) failLocked(op string, err error) error {
	if s.fatal == nil {
		var fe *FatalError
		if errors.As(err, &fe) {
			s.fatal = fe
		} else {
			s.fatal = &FatalError{Op: op, Err: err}
		}
		s.logger.Error("encoder session failed",
			slog.String("op", s.fatal.Op),
			slog.String("error", s.fatal.Err.Error()),
			slog.String("status", hwcodec.StatusOf(s.fatal.Err).String()))
	}
	return s.fatal
}

// usableLocked reports why the session cannot accept calls, if it cannot.
func (s *Session) usableLocked() error {
	if s.fatal != nil {
		return s.fatal
	}
	if fe := s.cbFault.Load(); fe != nil {
		return s.failLocked(fe.Op, fe)
	}
	if s.shut {
		return ErrShutdown
	}
	return nil
}

// Err returns the error that killed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return s.fatal
	}
	if fe := s.cbFault.Load(); fe != nil {
		return fe
	}
	return nil
}

// Layout returns the negotiated input buffer layout.
func (s *Session) Layout() hwcodec.Layout { return s.layout }

// Status is a point-in-time view of the session.
type Status struct {
	Codec            string      `json:"codec"`
	ComponentState   string      `json:"component_state"`
	State            string      `json:"state"`
	Open             bool        `json:"open"`
	Segment          int         `json:"segment"`
	Path             string      `json:"path,omitempty"`
	FramesInSegment  int         `json:"frames_in_segment"`
	TotalFrames      uint64      `json:"total_frames"`
	BytesWritten     int64       `json:"bytes_written"`
	CodecConfigBytes int         `json:"codec_config_bytes"`
	Inputs           OwnerCounts `json:"inputs"`
	Outputs          OwnerCounts `json:"outputs"`
	AsyncErrors      uint64      `json:"async_errors"`
	Dead             bool        `json:"dead"`
	Error            string      `json:"error,omitempty"`
}

// Status reports session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Codec:            s.comp.Name(),
		ComponentState:   hwcodec.State(s.compState.Load()).String(),
		State:            s.seg.String(),
		Open:             s.seg.open(),
		Segment:          s.segment,
		FramesInSegment:  s.counter,
		TotalFrames:      s.totalFrames,
		BytesWritten:     s.totalBytes,
		CodecConfigBytes: len(s.codecConfig),
		Inputs:           s.inputs.counts(),
		Outputs:          s.outputs.counts(),
		AsyncErrors:      s.asyncErrors.Load(),
	}
	if st.Open {
		st.Path = s.path
	}
	if err := s.usableLocked(); err != nil && !errors.Is(err, ErrShutdown) {
		st.Dead = true
		st.Error = err.Error()
	}
	return st
}

// CodecConfig returns a copy of the captured codec configuration.
func (s *Session) CodecConfig() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.codecConfig...)
}

// sessionCallbacks adapts component notifications onto the session queues.
type sessionCallbacks struct{ s *Session }

func (c sessionCallbacks) OnEvent(ev hwcodec.Event) {
	switch ev.Type {
	case hwcodec.EventCmdComplete:
		c.s.compState.Store(int32(ev.State))
		c.s.hs.deliver(ev)
	case hwcodec.EventError:
		c.s.asyncErrors.Add(1)
		c.s.logger.Error("component reported error", slog.String("status", ev.Status.String()))
	}
}

func (c sessionCallbacks) OnEmptyBufferDone(buf *hwcodec.BufferHeader) {
	if err := c.s.inputs.move(buf, OwnerHardware, OwnerQueuedFree); err != nil {
		c.s.fault("empty buffer done", err)
		return
	}
	c.s.freeIn.Push(buf)
}

func (c sessionCallbacks) OnFillBufferDone(buf *hwcodec.BufferHeader) {
	if err := c.s.outputs.move(buf, OwnerHardware, OwnerQueuedCompleted); err != nil {
		c.s.fault("fill buffer done", err)
		return
	}
	c.s.doneOut.Push(buf)
}

// fault records a component protocol violation seen on the callback
// goroutine. It surfaces on the next session call.
func (s *Session) fault(op string, err error) {
	if s.cbFault.CompareAndSwap(nil, &FatalError{Op: op, Err: err}) {
		s.logger.Error("component protocol violation", slog.String("op", op), slog.String("error", err.Error()))
	}
}
