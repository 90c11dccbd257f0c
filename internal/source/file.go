package source

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jmylchreest/encoderd/internal/encoder"
)

// File replays a raw planar I420 (.yuv) file.
type File struct {
	f             *os.File
	r             *bufio.Reader
	loop          bool
	width, height int
	frame         []byte
}

// OpenFile opens a raw I420 file of width x height frames. With loop set
// the file restarts from the beginning when it ends.
func OpenFile(path string, width, height int, loop bool) (*File, error) {
	if path == "" {
		return nil, errors.New("source: file path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return &File{
		f:      f,
		r:      bufio.NewReaderSize(f, 1<<20),
		loop:   loop,
		width:  width,
		height: height,
		frame:  make([]byte, width*height*3/2),
	}, nil
}

// Next reads the next frame. A trailing partial frame is treated as the
// end of the file.
func (s *File) Next(f *encoder.Frame) error {
	err := s.read()
	if errors.Is(err, io.EOF) && s.loop {
		if _, serr := s.f.Seek(0, io.SeekStart); serr != nil {
			return fmt.Errorf("rewinding: %w", serr)
		}
		s.r.Reset(s.f)
		err = s.read()
	}
	if err != nil {
		return err
	}

	ySize := s.width * s.height
	cSize := ySize / 4
	f.Y = s.frame[:ySize]
	f.U = s.frame[ySize : ySize+cSize]
	f.V = s.frame[ySize+cSize:]
	return nil
}

func (s *File) read() error {
	_, err := io.ReadFull(s.r, s.frame)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// Close closes the file.
func (s *File) Close() error {
	return s.f.Close()
}
