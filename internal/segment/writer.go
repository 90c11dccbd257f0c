// Package segment manages the on-disk files of one recording segment: the
// raw bitstream, its per-payload length index, and the lock file that tells
// external tooling the segment is still being written.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	DataExt  = ".hevc"
	SizesExt = ".sizes"
	LockExt  = ".lock"
)

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("segment closed")

// Paths are the files making up a segment.
type Paths struct {
	Dir   string
	Data  string
	Sizes string
	Lock  string
}

// PathsFor returns the file paths for a segment named name inside dir.
func PathsFor(dir, name string) Paths {
	return Paths{
		Dir:   dir,
		Data:  filepath.Join(dir, name+DataExt),
		Sizes: filepath.Join(dir, name+SizesExt),
		Lock:  filepath.Join(dir, name+LockExt),
	}
}

// Writer appends encoded payloads to a segment.
type Writer struct {
	paths  Paths
	data   *os.File
	sizes  *os.File
	frames int
	bytes  int64
	header int
}

// Create opens the segment files in dir, creating dir when missing. The data
// file is opened for append so an interrupted segment is never truncated.
func Create(dir, name string) (*Writer, error) {
	p := PathsFor(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}

	data, err := os.OpenFile(p.Data, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening data file: %w", err)
	}
	sizes, err := os.OpenFile(p.Sizes, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("opening sizes file: %w", err)
	}
	lock, err := os.OpenFile(p.Lock, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		data.Close()
		sizes.Close()
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	if err := lock.Close(); err != nil {
		data.Close()
		sizes.Close()
		return nil, fmt.Errorf("creating lock file: %w", err)
	}

	return &Writer{paths: p, data: data, sizes: sizes}, nil
}

// Paths returns the segment's file paths.
func (w *Writer) Paths() Paths { return w.paths }

// Frames returns the number of indexed payloads written.
func (w *Writer) Frames() int { return w.frames }

// Bytes returns the number of bytes written to the data file, header included.
func (w *Writer) Bytes() int64 { return w.bytes }

// HeaderLen returns the length of the unindexed header.
func (w *Writer) HeaderLen() int { return w.header }

// WriteHeader writes codec configuration that precedes the indexed payloads.
// It is not recorded in the sizes file.
func (w *Writer) WriteHeader(b []byte) error {
	if w.data == nil {
		return ErrClosed
	}
	n, err := w.data.Write(b)
	w.bytes += int64(n)
	w.header += n
	if err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}

// WriteFrame appends one payload and records its length.
func (w *Writer) WriteFrame(b []byte) error {
	if w.data == nil {
		return ErrClosed
	}
	n, err := w.data.Write(b)
	w.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}

	var rec [4]byte
	binary.LittleEndian.PutUint32(rec[:], uint32(len(b)))
	if _, err := w.sizes.Write(rec[:]); err != nil {
		return fmt.Errorf("writing size record: %w", err)
	}
	w.frames++
	return nil
}

// Close flushes and closes the files, then removes the lock file.
func (w *Writer) Close() error {
	if w.data == nil {
		return nil
	}
	var errs []error
	if err := w.data.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("syncing data file: %w", err))
	}
	if err := w.data.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing data file: %w", err))
	}
	if err := w.sizes.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing sizes file: %w", err))
	}
	if err := os.Remove(w.paths.Lock); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("removing lock file: %w", err))
	}
	w.data, w.sizes = nil, nil
	return errors.Join(errs...)
}

// ReadSizes reads a sizes file.
func ReadSizes(path string) ([]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sizes []uint32
	var rec [4]byte
	for {
		_, err := io.ReadFull(f, rec[:])
		if errors.Is(err, io.EOF) {
			return sizes, nil
		}
		if err != nil {
			return sizes, fmt.Errorf("reading size record %d: %w", len(sizes), err)
		}
		sizes = append(sizes, binary.LittleEndian.Uint32(rec[:]))
	}
}

// Locked reports whether the segment in dir is still being written.
func Locked(dir, name string) bool {
	_, err := os.Stat(PathsFor(dir, name).Lock)
	return err == nil
}
