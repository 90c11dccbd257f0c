package hevc

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// AUSplitter frames a continuous Annex B byte stream into access units.
//
// A new access unit starts at an access unit delimiter, at a parameter set or
// prefix SEI following slice data, or at a slice whose
// first_slice_segment_in_pic_flag is set when the current unit already holds
// slice data. Emitted units keep their start codes.
type AUSplitter struct {
	buf     []byte
	scanned int
	hasVCL  bool
}

// Push appends stream bytes and returns every access unit completed by them.
func (s *AUSplitter) Push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var out [][]byte
	for {
		p, ok := nextStartCode(s.buf, s.scanned)
		if !ok {
			// Keep the last two bytes; they may begin a start code.
			s.scanned = max(len(s.buf)-2, 0)
			return out
		}
		hdr := p + 3
		// Two header bytes plus the first slice byte.
		if hdr+3 > len(s.buf) {
			s.scanned = p
			return out
		}

		start := p
		for start > 0 && s.buf[start-1] == 0 {
			start--
		}

		nalu := s.buf[hdr:]
		typ := NALType(nalu)
		if start > 0 && s.startsAccessUnit(typ, nalu) {
			au := make([]byte, start)
			copy(au, s.buf[:start])
			out = append(out, au)

			s.buf = append(s.buf[:0], s.buf[start:]...)
			hdr -= start
			s.hasVCL = false
		}
		if IsVCL(typ) {
			s.hasVCL = true
		}
		s.scanned = hdr
	}
}

// Flush returns the buffered partial access unit and resets the splitter.
func (s *AUSplitter) Flush() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	au := s.buf
	*s = AUSplitter{}
	return au
}

// Buffered returns the number of bytes waiting for the next boundary.
func (s *AUSplitter) Buffered() int {
	return len(s.buf)
}

func (s *AUSplitter) startsAccessUnit(typ h265.NALUType, nalu []byte) bool {
	if !s.hasVCL {
		return false
	}
	switch {
	case typ == h265.NALUType_AUD_NUT, IsParamSet(typ), typ == h265.NALUType_PREFIX_SEI_NUT:
		return true
	case IsVCL(typ):
		return nalu[2]&0x80 != 0
	}
	return false
}

func nextStartCode(b []byte, from int) (int, bool) {
	for i := from; i+2 < len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			return i, true
		}
	}
	return 0, false
}
