// Package hwcodec defines the contract between the encoder session and an
// asynchronously driven codec component.
//
// The model follows the OpenMAX IL shape used by vendor hardware encoders:
// a component owns two ports, is moved through Loaded, Idle and Executing by
// asynchronous state-set commands, and returns buffers through callbacks that
// run on a component-owned goroutine.
package hwcodec

import (
	"fmt"
)

// State is a component state.
type State int

const (
	StateInvalid State = iota
	StateLoaded
	StateIdle
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	default:
		return "invalid"
	}
}

// Command is a component command.
type Command int

const (
	CommandStateSet Command = iota
)

// Port identifies one side of the component.
type Port int

const (
	PortInput  Port = 0
	PortOutput Port = 1
)

func (p Port) String() string {
	if p == PortInput {
		return "input"
	}
	return "output"
}

// BufferFlags annotate a buffer's payload.
type BufferFlags uint32

const (
	FlagEndOfStream BufferFlags = 1 << iota
	FlagEndOfFrame
	FlagCodecConfig
	FlagSyncFrame
)

// Has reports whether all bits of f are set.
func (b BufferFlags) Has(f BufferFlags) bool { return b&f == f }

// BufferHeader describes one component-allocated buffer.
//
// Data is the full allocation. The valid payload is
// Data[Offset:Offset+FilledLen]. Timestamp is in component ticks
// (microseconds).
type BufferHeader struct {
	Data      []byte
	FilledLen int
	Offset    int
	Timestamp int64
	Flags     BufferFlags
	Port      Port
	Index     int
}

// Payload returns the filled region of the buffer.
func (b *BufferHeader) Payload() []byte {
	if b.FilledLen == 0 {
		return nil
	}
	return b.Data[b.Offset : b.Offset+b.FilledLen]
}

// Reset clears payload metadata before the buffer is handed back.
func (b *BufferHeader) Reset() {
	b.FilledLen = 0
	b.Offset = 0
	b.Timestamp = 0
	b.Flags = 0
}

// ColorFormat is a raw pixel format accepted on the input port.
type ColorFormat int

const (
	ColorFormatUnused ColorFormat = iota
	// ColorFormatNV12Venus is semi-planar 4:2:0 with Venus stride alignment
	// (QOMX_COLOR_FORMATYUV420PackedSemiPlanar32m).
	ColorFormatNV12Venus
)

// Compression is a coded format produced on the output port.
type Compression int

const (
	CompressionUnused Compression = iota
	CompressionHEVC
)

// PortDefinition holds negotiated port parameters. Stride, SliceHeight,
// BufferSize and the buffer counts are owned by the component; callers set
// the frame geometry and format and read the rest back.
type PortDefinition struct {
	Port              Port
	FrameWidth        int
	FrameHeight       int
	Stride            int
	SliceHeight       int
	FramerateQ16      uint32
	Bitrate           int
	ColorFormat       ColorFormat
	Compression       Compression
	BufferSize        int
	BufferCountMin    int
	BufferCountActual int
}

// FramerateQ16 converts frames per second to Q16 fixed point.
func FramerateQ16(fps int) uint32 { return uint32(fps) << 16 }

// HEVCProfile is an HEVC profile.
type HEVCProfile int

const (
	HEVCProfileMain HEVCProfile = 1
)

// HEVCLevel is an HEVC tier and level.
type HEVCLevel int

const (
	HEVCMainTierLevel5 HEVCLevel = 0x2000
	HEVCHighTierLevel5 HEVCLevel = 0x4000
)

// VideoParams selects the coded profile and level.
type VideoParams struct {
	Profile HEVCProfile
	Level   HEVCLevel
}

// RateControlMode selects bitrate control.
type RateControlMode int

const (
	RateControlDisabled RateControlMode = iota
	RateControlVariable
	RateControlConstant
)

// RateControl configures the output port bitrate.
type RateControl struct {
	Mode          RateControlMode
	TargetBitrate int
}

// EventType classifies a component event.
type EventType int

const (
	EventCmdComplete EventType = iota
	EventError
)

// Event is delivered through Callbacks.OnEvent.
type Event struct {
	Type    EventType
	Command Command
	State   State
	Status  Status
}

func (e Event) String() string {
	if e.Type == EventError {
		return fmt.Sprintf("error(%s)", e.Status)
	}
	return fmt.Sprintf("cmd_complete(%s)", e.State)
}

// Callbacks receive asynchronous component notifications. Implementations
// must not block; they run on the component's own goroutine.
type Callbacks interface {
	OnEvent(ev Event)
	OnEmptyBufferDone(buf *BufferHeader)
	OnFillBufferDone(buf *BufferHeader)
}

// Component is an asynchronously driven encoder.
type Component interface {
	Name() string

	PortDefinition(port Port) (PortDefinition, error)
	SetPortDefinition(def PortDefinition) error
	SetVideoParams(port Port, params VideoParams) error
	SetRateControl(port Port, rc RateControl) error

	// SendCommand starts a state transition. Completion is reported with an
	// EventCmdComplete carrying the reached state.
	SendCommand(cmd Command, state State) error

	AllocateBuffer(port Port, size int) (*BufferHeader, error)
	FreeBuffer(port Port, buf *BufferHeader) error

	// EmptyThisBuffer hands a filled input buffer to the component.
	EmptyThisBuffer(buf *BufferHeader) error
	// FillThisBuffer hands an empty output buffer to the component.
	FillThisBuffer(buf *BufferHeader) error

	// Close releases the component handle.
	Close() error
}
