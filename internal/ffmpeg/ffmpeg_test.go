package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

const versionOutput = `ffmpeg version n7.1-3-g1234abcd Copyright (c) 2000-2024 the FFmpeg developers
built with gcc 14.2.1 (GCC) 20240910
configuration: --prefix=/usr --enable-libx265 --enable-nvenc
libavutil      59. 39.100 / 59. 39.100
`

const encodersOutput = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D libx265              libx265 H.265 / HEVC (codec hevc)
 V....D hevc_nvenc           NVIDIA NVENC hevc encoder (codec hevc)
 A....D aac                  AAC (Advanced Audio Coding)
`

const hwaccelsOutput = `Hardware acceleration methods:
vdpau
cuda
vaapi

`

func TestParseVersion(t *testing.T) {
	info, err := parseVersion(versionOutput)
	require.NoError(t, err)
	assert.Equal(t, "n7.1-3-g1234abcd", info.Version)
	assert.Equal(t, 7, info.MajorVersion)
	assert.Equal(t, 1, info.MinorVersion)
	assert.Contains(t, info.Configuration, "--enable-libx265")

	_, err = parseVersion("not ffmpeg")
	assert.Error(t, err)
}

func TestParseEncoders(t *testing.T) {
	info := &BinaryInfo{Encoders: parseEncoders(encodersOutput)}
	assert.Equal(t, []string{"libx264", "libx265", "hevc_nvenc"}, info.Encoders)
	assert.True(t, info.HasEncoder("libx265"))
	assert.False(t, info.HasEncoder("aac"), "audio encoders are skipped")

	assert.Equal(t, []string{"hevc_nvenc", "libx265"}, info.HEVCEncoders())
	enc, ok := info.PreferredHEVCEncoder()
	assert.True(t, ok)
	assert.Equal(t, "hevc_nvenc", enc)

	_, ok = (&BinaryInfo{}).PreferredHEVCEncoder()
	assert.False(t, ok)
}

func TestParseHWAccels(t *testing.T) {
	assert.Equal(t, []string{"vdpau", "cuda", "vaapi"}, parseHWAccels(hwaccelsOutput))
}

func TestBinaryInfo_SupportsMinVersion(t *testing.T) {
	info := &BinaryInfo{MajorVersion: 6, MinorVersion: 1}
	assert.True(t, info.SupportsMinVersion(5, 9))
	assert.True(t, info.SupportsMinVersion(6, 1))
	assert.False(t, info.SupportsMinVersion(6, 2))
	assert.False(t, info.SupportsMinVersion(7, 0))
}

func TestFindBinary(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, nil, 0o644))

	got, err := FindBinary(exe)
	require.NoError(t, err)
	assert.Equal(t, exe, got)

	_, err = FindBinary(plain)
	assert.ErrorIs(t, err, ErrNotFound)

	t.Setenv(BinaryEnvVar, exe)
	got, err = FindBinary("")
	require.NoError(t, err)
	assert.Equal(t, exe, got)
}

func TestNewHEVCEncodeCommand(t *testing.T) {
	tests := []struct {
		name     string
		opts     HEVCEncodeOptions
		contains []string
		absent   []string
	}{
		{
			name:     "software",
			opts:     HEVCEncodeOptions{Width: 1928, Height: 1208, FPS: 20, Bitrate: 10_000_000, GOP: 20},
			contains: []string{"-c:v libx265", "-x265-params aud=1:bframes=0:repeat-headers=0:log-level=error:keyint=20", "-b:v 10000000"},
			absent:   []string{"-aud 1"},
		},
		{
			name:     "hardware",
			opts:     HEVCEncodeOptions{Width: 64, Height: 48, FPS: 20, Encoder: "hevc_nvenc", Preset: "p4", GOP: 10},
			contains: []string{"-c:v hevc_nvenc", "-preset p4", "-g 10", "-bf 0", "-aud 1"},
			absent:   []string{"-x265-params", "-b:v"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewHEVCEncodeCommand("/usr/bin/ffmpeg", tt.opts)
			line := cmd.String()
			assert.True(t, strings.HasPrefix(line, "/usr/bin/ffmpeg -loglevel error -hide_banner -nostdin -f rawvideo -pix_fmt nv12"))
			assert.Contains(t, line, "-framerate 20 -i pipe:0")
			assert.True(t, strings.HasSuffix(line, "-f hevc pipe:1"))
			for _, s := range tt.contains {
				assert.Contains(t, line, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, line, s)
			}
		})
	}
}

func TestCommand_NotStarted(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").Input("in").Output("out").Build()
	assert.Error(t, cmd.Wait())
	assert.NoError(t, cmd.Kill())
	assert.Zero(t, cmd.Duration())
	assert.Equal(t, []string{"-loglevel", "error", "-i", "in", "out"}, cmd.Args)
}

func TestIntegration_BinaryDetector(t *testing.T) {
	path := skipIfNoFFmpeg(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := NewBinaryDetector(path)
	info, err := d.Detect(ctx)
	require.NoError(t, err)
	assert.Equal(t, path, info.Path)
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Encoders)

	cached, err := d.Detect(ctx)
	require.NoError(t, err)
	assert.Same(t, info, cached)

	d.Clear()
	fresh, err := d.Detect(ctx)
	require.NoError(t, err)
	assert.NotSame(t, info, fresh)
}
