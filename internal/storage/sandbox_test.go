package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSandbox_CreatesBase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "segments")
	s, err := NewSandbox(base)
	require.NoError(t, err)
	assert.DirExists(t, base)
	assert.True(t, filepath.IsAbs(s.BaseDir()))
}

func TestSandbox_ResolvePath(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	base := s.BaseDir()

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "relative", path: "drive--0", want: filepath.Join(base, "drive--0")},
		{name: "nested relative", path: "a/b/../drive--1", want: filepath.Join(base, "a", "drive--1")},
		{name: "absolute inside", path: filepath.Join(base, "drive--2"), want: filepath.Join(base, "drive--2")},
		{name: "parent escape", path: "../outside", wantErr: true},
		{name: "absolute outside", path: "/etc", wantErr: true},
		{name: "sibling prefix", path: base + "-other/drive--0", wantErr: true},
		{name: "base itself", path: ".", wantErr: true},
		{name: "empty", path: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ResolvePath(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEscapesSandbox)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
