package hwcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNV12Layout(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		height int
		want   Layout
	}{
		{
			name:  "road camera",
			width: 1164, height: 874,
			want: Layout{
				Width: 1164, Height: 874,
				YStride: 1280, YScanlines: 896,
				UVStride: 1280, UVScanlines: 448,
				UVOffset: 1280 * 896,
				Size:     1740800,
			},
		},
		{
			name:  "ar0231",
			width: 1928, height: 1208,
			want: Layout{
				Width: 1928, Height: 1208,
				YStride: 2048, YScanlines: 1216,
				UVStride: 2048, UVScanlines: 608,
				UVOffset: 2048 * 1216,
				Size:     3756032,
			},
		},
		{
			name:  "tiny frame uses extradata floor",
			width: 64, height: 48,
			want: Layout{
				Width: 64, Height: 48,
				YStride: 128, YScanlines: 64,
				UVStride: 128, UVScanlines: 32,
				UVOffset: 128 * 64,
				Size:     32768,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NV12Layout(tt.width, tt.height)
			assert.Equal(t, tt.want, got)
			assert.Zero(t, got.Size%4096)
			assert.Greater(t, got.Size, tt.width*tt.height*3/2)
		})
	}
}

func TestLayoutFromPort(t *testing.T) {
	def := PortDefinition{
		FrameWidth:  64,
		FrameHeight: 48,
		Stride:      256,
		SliceHeight: 64,
		BufferSize:  65536,
	}

	l := LayoutFromPort(def)
	assert.Equal(t, 256, l.YStride)
	assert.Equal(t, 256, l.UVStride)
	assert.Equal(t, 64, l.YScanlines)
	assert.Equal(t, 256*64, l.UVOffset)
	assert.Equal(t, 65536, l.Size)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOK, StatusOf(nil))
	err := Errorf("empty_this_buffer", StatusIncorrectStateOperation, "state %s", StateIdle)
	assert.Equal(t, StatusIncorrectStateOperation, StatusOf(err))
	assert.Contains(t, err.Error(), "incorrect state operation")
	assert.Contains(t, err.Error(), "idle")
}

func TestFramerateQ16(t *testing.T) {
	assert.Equal(t, uint32(20*65536), FramerateQ16(20))
}
