package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/encoderd/internal/config"
	"github.com/jmylchreest/encoderd/internal/encoder"
	"github.com/jmylchreest/encoderd/internal/models"
	"github.com/jmylchreest/encoderd/internal/segment"
)

func writeSegment(t *testing.T, frames ...[]byte) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "route--0")
	w, err := segment.Create(dir, encoder.DefaultFileName)
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, w.WriteFrame(f))
	}
	require.NoError(t, w.Close())
	return dir
}

func TestVerifySegment_Consistent(t *testing.T) {
	verifyName = encoder.DefaultFileName
	dir := writeSegment(t, []byte{1, 2, 3}, []byte{4, 5})

	var out bytes.Buffer
	require.NoError(t, verifySegment(&out, dir))
	assert.Contains(t, out.String(), "frames:  2")
	assert.Contains(t, out.String(), "status:  ok")
	assert.NotContains(t, out.String(), "locked")
}

func TestVerifySegment_TruncatedData(t *testing.T) {
	verifyName = encoder.DefaultFileName
	dir := writeSegment(t, []byte{1, 2, 3}, []byte{4, 5})
	p := segment.PathsFor(dir, encoder.DefaultFileName)
	require.NoError(t, os.Truncate(p.Data, 2))

	var out bytes.Buffer
	assert.Error(t, verifySegment(&out, dir))
}

func TestVerifySegment_Missing(t *testing.T) {
	verifyName = encoder.DefaultFileName
	var out bytes.Buffer
	assert.Error(t, verifySegment(&out, t.TempDir()))
}

func TestWriteConfig_RoundTrips(t *testing.T) {
	d := viper.New()
	config.SetDefaults(d)
	cfg, err := config.LoadFrom(d)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, writeConfig(&out, cfg))
	assert.Contains(t, out.String(), "# encoderd configuration")
	assert.Contains(t, out.String(), "bitrate: 10Mbps")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &back))
	assert.Contains(t, back, "encoder")
	assert.Contains(t, back, "telemetry")

	path := filepath.Join(t.TempDir(), "encoderd.yaml")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o600))
	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestWriteSegments(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	closed := now.Add(-time.Minute)
	segs := []models.Segment{
		{Path: "/data/route--1", OpenedAt: closed, Frames: 400, Bytes: 1 << 20},
		{Path: "/data/route--0", OpenedAt: closed.Add(-time.Minute), ClosedAt: &closed, Frames: 1200, Bytes: 75_000_000},
	}

	var out bytes.Buffer
	writeSegments(&out, segs, now)
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "PATH")
	assert.Contains(t, string(lines[1]), "open")
	assert.Contains(t, string(lines[2]), "1m0s")
	assert.Contains(t, string(lines[2]), "1,200")
	assert.Contains(t, string(lines[2]), "10.0 Mbps")
}
