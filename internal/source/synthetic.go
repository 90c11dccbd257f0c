package source

import "github.com/jmylchreest/encoderd/internal/encoder"

// Synthetic generates a moving gradient test pattern.
type Synthetic struct {
	width, height int
	n             int
	y, u, v       []byte
}

// NewSynthetic creates a width x height pattern source.
func NewSynthetic(width, height int) *Synthetic {
	cw, ch := width/2, height/2
	return &Synthetic{
		width:  width,
		height: height,
		y:      make([]byte, width*height),
		u:      make([]byte, cw*ch),
		v:      make([]byte, cw*ch),
	}
}

// Next renders the next pattern frame. It never ends.
func (s *Synthetic) Next(f *encoder.Frame) error {
	shift := s.n * 2
	for row := range s.height {
		line := s.y[row*s.width : (row+1)*s.width]
		for col := range line {
			line[col] = byte(col + row + shift)
		}
	}
	cw := s.width / 2
	for row := range s.height / 2 {
		for col := range cw {
			s.u[row*cw+col] = byte(128 + (col+s.n)%64 - 32)
			s.v[row*cw+col] = byte(128 + (row+s.n)%64 - 32)
		}
	}
	s.n++

	f.Y, f.U, f.V = s.y, s.u, s.v
	return nil
}

// Close is a no-op.
func (s *Synthetic) Close() error { return nil }
