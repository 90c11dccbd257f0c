package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Lifecycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "route--0")

	w, err := Create(dir, "fcamera")
	require.NoError(t, err)
	assert.True(t, Locked(dir, "fcamera"))

	require.NoError(t, w.WriteHeader([]byte("CFG")))
	require.NoError(t, w.WriteFrame([]byte("frame-one")))
	require.NoError(t, w.WriteFrame([]byte("f2")))
	assert.Equal(t, 2, w.Frames())
	assert.Equal(t, int64(3+9+2), w.Bytes())
	assert.Equal(t, 3, w.HeaderLen())

	require.NoError(t, w.Close())
	assert.False(t, Locked(dir, "fcamera"))
	assert.ErrorIs(t, w.WriteFrame([]byte("late")), ErrClosed)
	require.NoError(t, w.Close(), "double close is a no-op")

	sizes, err := ReadSizes(w.Paths().Sizes)
	require.NoError(t, err)
	assert.Equal(t, []uint32{9, 2}, sizes)

	data, err := os.ReadFile(w.Paths().Data)
	require.NoError(t, err)
	assert.Equal(t, "CFGframe-onef2", string(data))
}

func TestWriter_AppendsToExistingSegment(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir, "fcamera")
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame([]byte("a")))
	require.NoError(t, w.Close())

	w, err = Create(dir, "fcamera")
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame([]byte("bb")))
	require.NoError(t, w.Close())

	header, frames, err := ReadFrames(dir, "fcamera")
	require.NoError(t, err)
	assert.Empty(t, header)
	require.Len(t, frames, 2)
	assert.Equal(t, "a", string(frames[0]))
	assert.Equal(t, "bb", string(frames[1]))
}

func TestCreate_Unwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := Create(filepath.Join(blocker, "seg"), "fcamera")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir, "fcamera")
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader([]byte("HEADER")))
	for _, f := range []string{"one", "three", "x"} {
		require.NoError(t, w.WriteFrame([]byte(f)))
	}
	require.NoError(t, w.Close())

	r, err := Verify(dir, "fcamera", -1)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Frames)
	assert.Equal(t, int64(9), r.IndexedBytes)
	assert.Equal(t, int64(6), r.HeaderBytes)
	assert.False(t, r.Locked)
	assert.True(t, r.Consistent())

	r, err = Verify(dir, "fcamera", 2)
	require.NoError(t, err)
	assert.False(t, r.Consistent())
}
