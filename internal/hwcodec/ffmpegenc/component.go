// Package ffmpegenc is a codec component backed by an ffmpeg child process.
//
// Input pictures are repacked to tightly packed NV12 and written to the
// encoder's stdin; the Annex B stream on stdout is cut into access units.
// The process starts with the first picture after Executing is reached and
// is restarted after every end of stream.
package ffmpegenc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jmylchreest/encoderd/internal/ffmpeg"
	"github.com/jmylchreest/encoderd/internal/hevc"
	"github.com/jmylchreest/encoderd/internal/hwcodec"
	"github.com/jmylchreest/encoderd/internal/yuv"
)

// Name is the registry name of the component.
const Name = "ffmpeg"

// Config selects the ffmpeg binary and encoder.
type Config struct {
	BinaryPath string
	// Encoder is an ffmpeg HEVC encoder name; empty picks the best
	// available one.
	Encoder          string
	Preset           string
	GOP              int
	InputBuffers     int
	OutputBuffers    int
	OutputBufferSize int
}

func (c *Config) applyDefaults() {
	if c.InputBuffers <= 0 {
		c.InputBuffers = 6
	}
	if c.OutputBuffers <= 0 {
		c.OutputBuffers = 8
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = 2 * 1024 * 1024
	}
	if c.GOP <= 0 {
		c.GOP = 20
	}
}

func init() {
	hwcodec.Register(Name, func(cb hwcodec.Callbacks, opts hwcodec.Options) (hwcodec.Component, error) {
		gop, _ := strconv.Atoi(opts.Param("gop", ""))
		cfg := Config{
			BinaryPath: opts.Param("binary_path", ""),
			Encoder:    opts.Param("encoder", ""),
			Preset:     opts.Param("preset", ""),
			GOP:        gop,
		}
		return New(context.Background(), cb, cfg, opts.Logger)
	})
}

// process is one running encoder.
type process struct {
	cmd   *ffmpeg.Command
	stdin io.WriteCloser
	done  chan struct{}
	eof   bool
}

// Component drives ffmpeg through the codec state machine.
type Component struct {
	cfg    Config
	binary string
	cb     hwcodec.Callbacks
	logger *slog.Logger

	mu         sync.Mutex
	state      hwcodec.State
	target     hwcodec.State
	ports      [2]hwcodec.PortDefinition
	video      hwcodec.VideoParams
	rc         hwcodec.RateControl
	allocated  [2]map[*hwcodec.BufferHeader]bool
	pendingIn  []*hwcodec.BufferHeader
	availOut   []*hwcodec.BufferHeader
	events     []hwcodec.Event
	proc       *process
	aus        [][]byte
	stamps     []int64
	eosIn      *hwcodec.BufferHeader
	configSent bool
	frames     uint64
	closed     bool

	packed []byte

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New resolves the ffmpeg binary and encoder and returns a component in the
// Loaded state.
func New(ctx context.Context, cb hwcodec.Callbacks, cfg Config, logger *slog.Logger) (*Component, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	info, err := ffmpeg.NewBinaryDetector(cfg.BinaryPath).Detect(ctx)
	if err != nil {
		return nil, &hwcodec.StatusError{Op: "get_handle", Status: hwcodec.StatusComponentNotFound, Err: err}
	}
	if cfg.Encoder == "" {
		enc, ok := info.PreferredHEVCEncoder()
		if !ok {
			return nil, hwcodec.Errorf("get_handle", hwcodec.StatusComponentNotFound, "ffmpeg %s has no hevc encoder", info.Version)
		}
		cfg.Encoder = enc
	} else if !info.HasEncoder(cfg.Encoder) {
		return nil, hwcodec.Errorf("get_handle", hwcodec.StatusComponentNotFound, "ffmpeg %s lacks encoder %s", info.Version, cfg.Encoder)
	}

	c := newComponent(cb, cfg, info.Path, logger)
	c.logger.Info("ffmpeg component ready",
		slog.String("binary", info.Path),
		slog.String("version", info.Version),
		slog.String("encoder", cfg.Encoder))
	return c, nil
}

func newComponent(cb hwcodec.Callbacks, cfg Config, binary string, logger *slog.Logger) *Component {
	c := &Component{
		cfg:    cfg,
		binary: binary,
		cb:     cb,
		logger: logger.With(slog.String("component", Name)),
		state:  hwcodec.StateLoaded,
		target: hwcodec.StateInvalid,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.allocated[hwcodec.PortInput] = make(map[*hwcodec.BufferHeader]bool)
	c.allocated[hwcodec.PortOutput] = make(map[*hwcodec.BufferHeader]bool)
	c.ports[hwcodec.PortInput] = hwcodec.PortDefinition{
		Port:              hwcodec.PortInput,
		ColorFormat:       hwcodec.ColorFormatNV12Venus,
		BufferCountMin:    2,
		BufferCountActual: cfg.InputBuffers,
	}
	c.ports[hwcodec.PortOutput] = hwcodec.PortDefinition{
		Port:              hwcodec.PortOutput,
		Compression:       hwcodec.CompressionHEVC,
		BufferSize:        cfg.OutputBufferSize,
		BufferCountMin:    1,
		BufferCountActual: cfg.OutputBuffers,
	}
	go c.run()
	return c
}

func (c *Component) Name() string { return Name }

// Encoder returns the ffmpeg encoder in use.
func (c *Component) Encoder() string { return c.cfg.Encoder }

func (c *Component) PortDefinition(port hwcodec.Port) (hwcodec.PortDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkPort("get_parameter", port); err != nil {
		return hwcodec.PortDefinition{}, err
	}
	return c.ports[port], nil
}

func (c *Component) SetPortDefinition(def hwcodec.PortDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "set_parameter"
	if err := c.checkPort(op, def.Port); err != nil {
		return err
	}
	if c.state != hwcodec.StateLoaded {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "port reconfigured in %s", c.state)
	}
	if def.FrameWidth <= 0 || def.FrameHeight <= 0 || def.FrameWidth%2 != 0 || def.FrameHeight%2 != 0 {
		return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "frame size %dx%d", def.FrameWidth, def.FrameHeight)
	}

	cur := c.ports[def.Port]
	cur.FrameWidth = def.FrameWidth
	cur.FrameHeight = def.FrameHeight
	cur.FramerateQ16 = def.FramerateQ16
	if def.BufferCountActual >= cur.BufferCountMin {
		cur.BufferCountActual = def.BufferCountActual
	}

	switch def.Port {
	case hwcodec.PortInput:
		if def.ColorFormat != hwcodec.ColorFormatNV12Venus {
			return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "unsupported color format %d", def.ColorFormat)
		}
		l := hwcodec.NV12Layout(def.FrameWidth, def.FrameHeight)
		cur.Stride = l.YStride
		cur.SliceHeight = l.YScanlines
		cur.BufferSize = l.Size
	case hwcodec.PortOutput:
		if def.Compression != hwcodec.CompressionHEVC {
			return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "unsupported compression %d", def.Compression)
		}
		cur.Bitrate = def.Bitrate
	}
	c.ports[def.Port] = cur
	return nil
}

func (c *Component) SetVideoParams(port hwcodec.Port, params hwcodec.VideoParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port != hwcodec.PortOutput {
		return hwcodec.Errorf("set_parameter", hwcodec.StatusBadPortIndex, "video params on %s port", port)
	}
	c.video = params
	return nil
}

func (c *Component) SetRateControl(port hwcodec.Port, rc hwcodec.RateControl) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port != hwcodec.PortOutput {
		return hwcodec.Errorf("set_parameter", hwcodec.StatusBadPortIndex, "bitrate on %s port", port)
	}
	if rc.TargetBitrate <= 0 {
		return hwcodec.Errorf("set_parameter", hwcodec.StatusBadParameter, "bitrate %d", rc.TargetBitrate)
	}
	c.rc = rc
	return nil
}

func (c *Component) SendCommand(cmd hwcodec.Command, state hwcodec.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "send_command"
	if c.closed {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "component closed")
	}
	if cmd != hwcodec.CommandStateSet {
		return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "command %d", cmd)
	}
	if c.target != hwcodec.StateInvalid {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "transition to %s in progress", c.target)
	}
	legal := (c.state == hwcodec.StateLoaded && state == hwcodec.StateIdle) ||
		(c.state == hwcodec.StateIdle && (state == hwcodec.StateExecuting || state == hwcodec.StateLoaded)) ||
		(c.state == hwcodec.StateExecuting && state == hwcodec.StateIdle)
	if !legal {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "%s to %s", c.state, state)
	}
	c.target = state
	c.signal()
	return nil
}

func (c *Component) AllocateBuffer(port hwcodec.Port, size int) (*hwcodec.BufferHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "allocate_buffer"
	if err := c.checkPort(op, port); err != nil {
		return nil, err
	}
	if c.state != hwcodec.StateLoaded || c.target != hwcodec.StateIdle {
		return nil, hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "allocate in %s", c.state)
	}
	def := c.ports[port]
	if size < def.BufferSize {
		return nil, hwcodec.Errorf(op, hwcodec.StatusBadParameter, "size %d below port minimum %d", size, def.BufferSize)
	}
	if len(c.allocated[port]) >= def.BufferCountActual {
		return nil, hwcodec.Errorf(op, hwcodec.StatusInsufficientResources, "%s pool full", port)
	}
	buf := &hwcodec.BufferHeader{Data: make([]byte, size), Port: port, Index: len(c.allocated[port])}
	c.allocated[port][buf] = true
	c.signal()
	return buf, nil
}

func (c *Component) FreeBuffer(port hwcodec.Port, buf *hwcodec.BufferHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "free_buffer"
	if err := c.checkPort(op, port); err != nil {
		return err
	}
	if c.state == hwcodec.StateExecuting {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "free while executing")
	}
	if !c.allocated[port][buf] {
		return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "unknown %s buffer", port)
	}
	delete(c.allocated[port], buf)
	c.signal()
	return nil
}

func (c *Component) EmptyThisBuffer(buf *hwcodec.BufferHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "empty_this_buffer"
	if c.closed || c.state != hwcodec.StateExecuting || c.target != hwcodec.StateInvalid {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "state %s", c.state)
	}
	if !c.allocated[hwcodec.PortInput][buf] {
		return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "unknown input buffer")
	}
	if buf.Offset+buf.FilledLen > len(buf.Data) {
		return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "filled %d+%d exceeds %d", buf.Offset, buf.FilledLen, len(buf.Data))
	}
	c.pendingIn = append(c.pendingIn, buf)
	c.signal()
	return nil
}

func (c *Component) FillThisBuffer(buf *hwcodec.BufferHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "fill_this_buffer"
	if c.closed || c.state != hwcodec.StateExecuting {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "state %s", c.state)
	}
	if !c.allocated[hwcodec.PortOutput][buf] {
		return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "unknown output buffer")
	}
	c.availOut = append(c.availOut, buf)
	c.signal()
	return nil
}

// Close stops the worker and any running encoder.
func (c *Component) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.quit)
	<-c.done

	c.mu.Lock()
	p := c.proc
	c.proc = nil
	c.mu.Unlock()
	c.stop(p)
	return nil
}

// Frames is the number of access units emitted.
func (c *Component) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *Component) checkPort(op string, port hwcodec.Port) error {
	if port != hwcodec.PortInput && port != hwcodec.PortOutput {
		return hwcodec.Errorf(op, hwcodec.StatusBadPortIndex, "port %d", port)
	}
	if c.closed {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "component closed")
	}
	return nil
}

func (c *Component) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Component) errorLocked(status hwcodec.Status, err error) {
	c.logger.Error("encoder error", slog.String("status", status.String()), slog.String("error", err.Error()))
	c.events = append(c.events, hwcodec.Event{Type: hwcodec.EventError, Status: status})
}

func (c *Component) run() {
	defer close(c.done)
	for {
		for {
			fn := c.step()
			if fn == nil {
				break
			}
			fn()
		}
		select {
		case <-c.wake:
		case <-c.quit:
			return
		}
	}
}

// step picks the next unit of work under the lock and returns the work to
// run once the lock is released.
func (c *Component) step() func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		return func() { c.cb.OnEvent(ev) }
	}
	if c.target != hwcodec.StateInvalid {
		return c.transitionLocked()
	}
	if c.state != hwcodec.StateExecuting {
		return nil
	}
	if fn := c.emitLocked(); fn != nil {
		return fn
	}
	return c.consumeLocked()
}

func (c *Component) transitionLocked() func() {
	complete := func(state hwcodec.State) func() {
		c.logger.Debug("state reached", slog.String("from", c.state.String()), slog.String("to", state.String()))
		c.state = state
		c.target = hwcodec.StateInvalid
		ev := hwcodec.Event{Type: hwcodec.EventCmdComplete, Command: hwcodec.CommandStateSet, State: state}
		return func() { c.cb.OnEvent(ev) }
	}

	switch {
	case c.state == hwcodec.StateLoaded && c.target == hwcodec.StateIdle:
		in, out := c.ports[hwcodec.PortInput], c.ports[hwcodec.PortOutput]
		if len(c.allocated[hwcodec.PortInput]) == in.BufferCountActual &&
			len(c.allocated[hwcodec.PortOutput]) == out.BufferCountActual {
			c.packed = make([]byte, in.FrameWidth*in.FrameHeight*3/2)
			return complete(hwcodec.StateIdle)
		}
	case c.state == hwcodec.StateIdle && c.target == hwcodec.StateExecuting:
		return complete(hwcodec.StateExecuting)
	case c.state == hwcodec.StateExecuting && c.target == hwcodec.StateIdle:
		if p := c.proc; p != nil {
			c.proc = nil
			c.aus = nil
			c.stamps = nil
			return func() { c.stop(p) }
		}
		if in := c.eosIn; in != nil {
			c.eosIn = nil
			return func() { c.cb.OnEmptyBufferDone(in) }
		}
		if len(c.pendingIn) > 0 {
			buf := c.pendingIn[0]
			c.pendingIn = c.pendingIn[1:]
			return func() { c.cb.OnEmptyBufferDone(buf) }
		}
		if len(c.availOut) > 0 {
			buf := c.popOut()
			return func() { c.cb.OnFillBufferDone(buf) }
		}
		return complete(hwcodec.StateIdle)
	case c.state == hwcodec.StateIdle && c.target == hwcodec.StateLoaded:
		if len(c.allocated[hwcodec.PortInput]) == 0 && len(c.allocated[hwcodec.PortOutput]) == 0 {
			return complete(hwcodec.StateLoaded)
		}
	}
	return nil
}

// emitLocked delivers a parsed access unit, or the end of stream marker once
// the encoder has exited.
func (c *Component) emitLocked() func() {
	if len(c.availOut) == 0 {
		return nil
	}

	if len(c.aus) > 0 {
		au := c.aus[0]
		c.aus = c.aus[1:]

		nalus, err := hevc.Split(au)
		if err != nil {
			c.logger.Warn("unparseable access unit", slog.Int("bytes", len(au)), slog.String("error", err.Error()))
		}

		if !c.configSent && err == nil {
			ps, rest := hevc.SplitParamSets(nalus)
			if config, cerr := ps.Marshal(); cerr == nil {
				c.configSent = true
				if len(rest) > 0 {
					if frame, jerr := hevc.Join(rest); jerr == nil {
						c.aus = append([][]byte{frame}, c.aus...)
					}
				}
				out := c.popOut()
				out.FilledLen = copy(out.Data, config)
				out.Flags = hwcodec.FlagCodecConfig | hwcodec.FlagEndOfFrame
				return func() { c.cb.OnFillBufferDone(out) }
			}
		}

		var ts int64
		if len(c.stamps) > 0 {
			ts = c.stamps[0]
			c.stamps = c.stamps[1:]
		}
		if len(au) > len(c.availOut[0].Data) {
			c.errorLocked(hwcodec.StatusInsufficientResources, errors.New("access unit exceeds output buffer"))
			return func() {}
		}

		out := c.popOut()
		out.Timestamp = ts
		out.FilledLen = copy(out.Data, au)
		out.Flags = hwcodec.FlagEndOfFrame
		if err == nil && hevc.IsKeyframe(nalus) {
			out.Flags |= hwcodec.FlagSyncFrame
		}
		c.frames++
		return func() { c.cb.OnFillBufferDone(out) }
	}

	if c.eosIn != nil && (c.proc == nil || c.proc.eof) {
		in, p := c.eosIn, c.proc
		c.eosIn = nil
		c.proc = nil
		c.stamps = nil
		out := c.popOut()
		out.Timestamp = in.Timestamp
		out.Flags = hwcodec.FlagEndOfStream
		return func() {
			c.stop(p)
			c.cb.OnEmptyBufferDone(in)
			c.cb.OnFillBufferDone(out)
		}
	}
	return nil
}

// consumeLocked feeds the next input to the encoder.
func (c *Component) consumeLocked() func() {
	if len(c.pendingIn) == 0 || c.eosIn != nil {
		return nil
	}
	if p := c.proc; p != nil && p.eof && len(c.aus) == 0 {
		c.proc = nil
		c.stamps = nil
		c.errorLocked(hwcodec.StatusHardware, errors.New("encoder exited unexpectedly"))
		return func() { c.stop(p) }
	}

	in := c.pendingIn[0]
	c.pendingIn = c.pendingIn[1:]

	if in.Flags.Has(hwcodec.FlagEndOfStream) {
		c.eosIn = in
		if p := c.proc; p != nil {
			return func() { _ = p.stdin.Close() }
		}
		return func() {}
	}

	if c.proc == nil {
		p, err := c.startLocked()
		if err != nil {
			c.errorLocked(hwcodec.StatusHardware, err)
			return func() { c.cb.OnEmptyBufferDone(in) }
		}
		c.proc = p
	}
	p := c.proc
	layout := hwcodec.LayoutFromPort(c.ports[hwcodec.PortInput])
	if err := yuv.NV12ToPacked(c.packed, layout, in.Payload()); err != nil {
		c.errorLocked(hwcodec.StatusBadParameter, err)
		return func() { c.cb.OnEmptyBufferDone(in) }
	}
	c.stamps = append(c.stamps, in.Timestamp)
	packed := c.packed

	return func() {
		_, err := p.stdin.Write(packed)
		if err != nil {
			c.mu.Lock()
			c.errorLocked(hwcodec.StatusHardware, err)
			c.mu.Unlock()
		}
		c.cb.OnEmptyBufferDone(in)
	}
}

func (c *Component) startLocked() (*process, error) {
	in := c.ports[hwcodec.PortInput]
	fps := int(in.FramerateQ16 >> 16)
	if fps <= 0 {
		fps = 20
	}
	cmd := ffmpeg.NewHEVCEncodeCommand(c.binary, ffmpeg.HEVCEncodeOptions{
		Width:   in.FrameWidth,
		Height:  in.FrameHeight,
		FPS:     fps,
		Bitrate: c.rc.TargetBitrate,
		Encoder: c.cfg.Encoder,
		Preset:  c.cfg.Preset,
		GOP:     c.cfg.GOP,
	})
	pipes, err := cmd.Start(context.Background())
	if err != nil {
		return nil, err
	}
	c.logger.Debug("encoder started", slog.String("command", cmd.String()))

	p := &process{cmd: cmd, stdin: pipes.Stdin, done: make(chan struct{})}
	go c.readStream(p, pipes.Stdout)
	return p, nil
}

func (c *Component) readStream(p *process, r io.Reader) {
	defer close(p.done)

	var splitter hevc.AUSplitter
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			aus := splitter.Push(buf[:n])
			if len(aus) > 0 {
				c.deliver(p, aus, false)
			}
		}
		if err != nil {
			var tail [][]byte
			if au := splitter.Flush(); len(au) > 0 {
				tail = append(tail, au)
			}
			c.deliver(p, tail, true)
			return
		}
	}
}

func (c *Component) deliver(p *process, aus [][]byte, eof bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc != p {
		return
	}
	c.aus = append(c.aus, aus...)
	p.eof = eof
	c.signal()
}

// stop terminates an encoder and reaps it.
func (c *Component) stop(p *process) {
	if p == nil {
		return
	}
	_ = p.stdin.Close()
	select {
	case <-p.done:
	default:
		_ = p.cmd.Kill()
		<-p.done
	}
	if err := p.cmd.Wait(); err != nil {
		c.logger.Debug("encoder exited",
			slog.String("error", err.Error()),
			slog.Any("stderr", p.cmd.StderrTail()))
	}
}
