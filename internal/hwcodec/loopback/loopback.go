// Package loopback provides a software codec component that honours the
// hwcodec contract without producing a real bitstream. Every frame becomes a
// small deterministic payload, so sessions can be exercised end to end
// without hardware.
package loopback

import (
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"strconv"
	"sync"

	"github.com/jmylchreest/encoderd/internal/hwcodec"
)

// Name is the registry name of the component.
const Name = "loopback"

// DefaultCodecConfig is an Annex B VPS, SPS and PPS preamble. The parameter
// set bodies are placeholders.
var DefaultCodecConfig = []byte{
	0x00, 0x00, 0x00, 0x01, 0x40, 0x01, 0x0c, 0x01, 0xff, 0xff,
	0x00, 0x00, 0x00, 0x01, 0x42, 0x01, 0x01, 0x01, 0x60, 0x00,
	0x00, 0x00, 0x00, 0x01, 0x44, 0x01, 0xc1, 0x72, 0xb4, 0x62,
}

// FrameHeaderSize is the length of each encoded frame payload.
const FrameHeaderSize = 6 + 8 + 4

// Config sizes the component's buffer pools.
type Config struct {
	InputBuffers     int
	OutputBuffers    int
	OutputBufferSize int
	CodecConfig      []byte
	// GOP is the sync frame interval.
	GOP int
}

func (c *Config) applyDefaults() {
	if c.InputBuffers <= 0 {
		c.InputBuffers = 4
	}
	if c.OutputBuffers <= 0 {
		c.OutputBuffers = 4
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = 256 * 1024
	}
	if c.CodecConfig == nil {
		c.CodecConfig = DefaultCodecConfig
	}
	if c.GOP <= 0 {
		c.GOP = 20
	}
}

func init() {
	hwcodec.Register(Name, func(cb hwcodec.Callbacks, opts hwcodec.Options) (hwcodec.Component, error) {
		cfg := Config{
			InputBuffers:  atoi(opts.Param("input_buffers", "")),
			OutputBuffers: atoi(opts.Param("output_buffers", "")),
			GOP:           atoi(opts.Param("gop", "")),
		}
		return New(cb, cfg, opts.Logger), nil
	})
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Component is a loopback codec.
type Component struct {
	cfg    Config
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
	failures   map[string]hwcodec.Status
	paused     bool
	configSent bool
	received   uint64
	frames     uint64
	closed     bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates a component in the Loaded state.
func New(cb hwcodec.Callbacks, cfg Config, logger *slog.Logger) *Component {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Component{
		cfg:      cfg,
		cb:       cb,
		logger:   logger.With(slog.String("component", Name)),
		state:    hwcodec.StateLoaded,
		target:   hwcodec.StateInvalid,
		failures: make(map[string]hwcodec.Status),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
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
	if def.FrameWidth <= 0 || def.FrameHeight <= 0 {
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
	if err := c.injected(op); err != nil {
		return err
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
	if err := c.injected(op); err != nil {
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
	if err := c.injected(op); err != nil {
		return err
	}
	if c.state != hwcodec.StateExecuting || c.target != hwcodec.StateInvalid {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "state %s", c.state)
	}
	if !c.allocated[hwcodec.PortInput][buf] {
		return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "unknown input buffer")
	}
	if buf.Offset+buf.FilledLen > len(buf.Data) {
		return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "filled %d+%d exceeds %d", buf.Offset, buf.FilledLen, len(buf.Data))
	}
	c.pendingIn = append(c.pendingIn, buf)
	c.received++
	c.signal()
	return nil
}

func (c *Component) FillThisBuffer(buf *hwcodec.BufferHeader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	const op = "fill_this_buffer"
	if err := c.injected(op); err != nil {
		return err
	}
	if c.state != hwcodec.StateExecuting {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "state %s", c.state)
	}
	if !c.allocated[hwcodec.PortOutput][buf] {
		return hwcodec.Errorf(op, hwcodec.StatusBadParameter, "unknown output buffer")
	}
	c.availOut = append(c.availOut, buf)
	c.signal()
	return nil
}

// Close stops the callback goroutine.
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
	return nil
}

// Pause holds submitted input buffers until Resume.
func (c *Component) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume releases held input buffers.
func (c *Component) Resume() {
	c.mu.Lock()
	c.paused = false
	c.signal()
	c.mu.Unlock()
}

// InjectError queues an asynchronous error event.
func (c *Component) InjectError(status hwcodec.Status) {
	c.mu.Lock()
	c.events = append(c.events, hwcodec.Event{Type: hwcodec.EventError, Status: status})
	c.signal()
	c.mu.Unlock()
}

// FailNext makes the next call to op return status. op is one of
// send_command, allocate_buffer, empty_this_buffer, fill_this_buffer.
func (c *Component) FailNext(op string, status hwcodec.Status) {
	c.mu.Lock()
	c.failures[op] = status
	c.mu.Unlock()
}

// Received is the number of input buffers submitted, end of stream
// included.
func (c *Component) Received() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

// Frames is the number of frames encoded.
func (c *Component) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Negotiated returns the profile, level and rate control applied to the
// output port.
func (c *Component) Negotiated() (hwcodec.VideoParams, hwcodec.RateControl) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video, c.rc
}

// Held is the number of input buffers waiting to be encoded.
func (c *Component) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingIn)
}

// DecodeFrame extracts the sequence number and input checksum from a
// payload produced by the component.
func DecodeFrame(payload []byte) (seq uint64, sum uint32, ok bool) {
	if len(payload) != FrameHeaderSize {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(payload[6:14]), binary.BigEndian.Uint32(payload[14:18]), true
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

func (c *Component) injected(op string) error {
	if c.closed {
		return hwcodec.Errorf(op, hwcodec.StatusIncorrectStateOperation, "component closed")
	}
	if status, ok := c.failures[op]; ok {
		delete(c.failures, op)
		return &hwcodec.StatusError{Op: op, Status: status}
	}
	return nil
}

func (c *Component) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
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

// step picks the next unit of work under the lock and returns the callbacks
// to run once the lock is released.
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
	if c.state != hwcodec.StateExecuting || c.paused {
		return nil
	}
	return c.encodeLocked()
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
			return complete(hwcodec.StateIdle)
		}
	case c.state == hwcodec.StateIdle && c.target == hwcodec.StateExecuting:
		return complete(hwcodec.StateExecuting)
	case c.state == hwcodec.StateExecuting && c.target == hwcodec.StateIdle:
		// Return everything still held before confirming.
		if len(c.pendingIn) > 0 {
			buf := c.pendingIn[0]
			c.pendingIn = c.pendingIn[1:]
			return func() { c.cb.OnEmptyBufferDone(buf) }
		}
		if len(c.availOut) > 0 {
			buf := c.availOut[0]
			c.availOut = c.availOut[1:]
			buf.FilledLen = 0
			buf.Flags = 0
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

func (c *Component) encodeLocked() func() {
	if len(c.pendingIn) == 0 || len(c.availOut) == 0 {
		return nil
	}

	if !c.configSent && len(c.cfg.CodecConfig) > 0 {
		out := c.popOut()
		out.FilledLen = copy(out.Data, c.cfg.CodecConfig)
		out.Flags = hwcodec.FlagCodecConfig | hwcodec.FlagEndOfFrame
		c.configSent = true
		return func() { c.cb.OnFillBufferDone(out) }
	}

	in := c.pendingIn[0]
	c.pendingIn = c.pendingIn[1:]
	out := c.popOut()
	out.Timestamp = in.Timestamp

	if in.Flags.Has(hwcodec.FlagEndOfStream) {
		out.FilledLen = 0
		out.Flags = hwcodec.FlagEndOfStream
		return func() {
			c.cb.OnEmptyBufferDone(in)
			c.cb.OnFillBufferDone(out)
		}
	}

	key := c.frames%uint64(c.cfg.GOP) == 0
	out.FilledLen = c.encodeFrame(out.Data, in.Payload(), key)
	out.Flags = hwcodec.FlagEndOfFrame
	if key {
		out.Flags |= hwcodec.FlagSyncFrame
	}
	c.frames++
	return func() {
		c.cb.OnEmptyBufferDone(in)
		c.cb.OnFillBufferDone(out)
	}
}

func (c *Component) popOut() *hwcodec.BufferHeader {
	out := c.availOut[0]
	c.availOut = c.availOut[1:]
	out.Offset = 0
	out.Flags = 0
	return out
}

// encodeFrame writes an Annex B slice NAL carrying the frame sequence number
// and a checksum of the raw input.
func (c *Component) encodeFrame(dst, raw []byte, key bool) int {
	nalType := byte(1) // TRAIL_R
	if key {
		nalType = 19 // IDR_W_RADL
	}
	var p [FrameHeaderSize]byte
	copy(p[:4], []byte{0, 0, 0, 1})
	p[4] = nalType << 1
	p[5] = 0x01
	binary.BigEndian.PutUint64(p[6:14], c.frames)
	binary.BigEndian.PutUint32(p[14:18], crc32.ChecksumIEEE(raw))
	return copy(dst, p[:])
}
