// Package yuv converts planar camera frames into the semi-planar layout the
// encoder input port expects.
package yuv

import (
	"errors"
	"fmt"

	"github.com/jmylchreest/encoderd/internal/hwcodec"
)

var (
	// ErrOddDimensions is returned for frames whose width or height is odd.
	ErrOddDimensions = errors.New("frame dimensions must be even")
	// ErrShortPlane is returned when a source plane is smaller than the frame.
	ErrShortPlane = errors.New("source plane too small")
	// ErrShortBuffer is returned when the destination cannot hold the layout.
	ErrShortBuffer = errors.New("destination buffer too small")
)

// I420Size returns the tightly packed size of a width x height I420 frame.
func I420Size(width, height int) int {
	return width*height + 2*(width/2)*(height/2)
}

// I420ToNV12 writes an I420 frame into dst using layout's strides and
// scanline padding. Source strides are width for luma and width/2 for each
// chroma plane. Padding bytes in dst are left untouched.
func I420ToNV12(dst []byte, layout hwcodec.Layout, y, u, v []byte, width, height int) error {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return fmt.Errorf("%w: %dx%d", ErrOddDimensions, width, height)
	}
	if width > layout.YStride || height > layout.YScanlines {
		return fmt.Errorf("frame %dx%d exceeds layout %dx%d", width, height, layout.YStride, layout.YScanlines)
	}

	cw, ch := width/2, height/2
	if len(y) < width*height {
		return fmt.Errorf("%w: luma has %d bytes, need %d", ErrShortPlane, len(y), width*height)
	}
	if len(u) < cw*ch || len(v) < cw*ch {
		return fmt.Errorf("%w: chroma has %d/%d bytes, need %d", ErrShortPlane, len(u), len(v), cw*ch)
	}
	uvEnd := layout.UVOffset + (ch-1)*layout.UVStride + width
	if len(dst) < layout.Size || len(dst) < uvEnd {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(dst), max(layout.Size, uvEnd))
	}

	for row := range height {
		copy(dst[row*layout.YStride:row*layout.YStride+width], y[row*width:(row+1)*width])
	}

	for row := range ch {
		line := dst[layout.UVOffset+row*layout.UVStride:]
		us := u[row*cw : (row+1)*cw]
		vs := v[row*cw : (row+1)*cw]
		for i := range cw {
			line[2*i] = us[i]
			line[2*i+1] = vs[i]
		}
	}
	return nil
}

// NV12ToPacked copies the visible region of a padded NV12 frame into a
// tightly packed NV12 frame, as expected by raw video consumers.
func NV12ToPacked(dst []byte, layout hwcodec.Layout, src []byte) error {
	w, h := layout.Width, layout.Height
	need := w*h + w*(h/2)
	if len(dst) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(dst), need)
	}
	if len(src) < layout.UVOffset+(h/2-1)*layout.UVStride+w {
		return fmt.Errorf("%w: padded frame has %d bytes", ErrShortPlane, len(src))
	}
	for row := range h {
		copy(dst[row*w:(row+1)*w], src[row*layout.YStride:row*layout.YStride+w])
	}
	base := w * h
	for row := range h / 2 {
		off := layout.UVOffset + row*layout.UVStride
		copy(dst[base+row*w:base+(row+1)*w], src[off:off+w])
	}
	return nil
}
