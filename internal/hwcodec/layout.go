package hwcodec

// Layout is the memory layout of one NV12 frame in a Venus input buffer.
type Layout struct {
	Width       int
	Height      int
	YStride     int
	YScanlines  int
	UVStride    int
	UVScanlines int
	// UVOffset is the byte offset of the interleaved chroma plane.
	UVOffset int
	// Size is the full buffer size the component requires per frame.
	Size int
}

const (
	venusStrideAlign    = 128
	venusYScanAlign     = 32
	venusUVScanAlign    = 16
	venusUVPlanePadding = 4096
	venusExtraDataSize  = 16 * 1024
	venusSizeAlign      = 4096
)

func align(v, to int) int {
	return (v + to - 1) / to * to
}

// NV12Layout returns the Venus NV12 layout for a width x height frame.
func NV12Layout(width, height int) Layout {
	l := Layout{
		Width:       width,
		Height:      height,
		YStride:     align(width, venusStrideAlign),
		YScanlines:  align(height, venusYScanAlign),
		UVStride:    align(width, venusStrideAlign),
		UVScanlines: align((height+1)/2, venusUVScanAlign),
	}
	l.UVOffset = l.YStride * l.YScanlines

	yPlane := l.YStride * l.YScanlines
	uvPlane := l.UVStride*l.UVScanlines + venusUVPlanePadding
	extra := max(venusExtraDataSize, 8*l.YStride)
	l.Size = align(yPlane+uvPlane+extra, venusSizeAlign)
	return l
}

// LayoutFromPort rebuilds a layout from a negotiated input port definition.
// Stride and SliceHeight come from the component; chroma follows the same
// rules as NV12Layout.
func LayoutFromPort(def PortDefinition) Layout {
	l := NV12Layout(def.FrameWidth, def.FrameHeight)
	if def.Stride > 0 {
		l.YStride = def.Stride
		l.UVStride = def.Stride
	}
	if def.SliceHeight > 0 {
		l.YScanlines = def.SliceHeight
	}
	l.UVOffset = l.YStride * l.YScanlines
	if def.BufferSize > 0 {
		l.Size = def.BufferSize
	}
	return l
}
