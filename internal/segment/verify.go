package segment

import (
	"fmt"
	"os"
)

// Report summarizes the consistency of a closed segment.
type Report struct {
	Paths     Paths
	Frames    int
	DataBytes int64
	// IndexedBytes is the sum of all size records.
	IndexedBytes int64
	// HeaderBytes is the unindexed prefix of the data file.
	HeaderBytes int64
	Locked      bool
}

// Consistent reports whether every data byte after the header is accounted
// for by a size record.
func (r Report) Consistent() bool {
	return r.HeaderBytes >= 0 && r.HeaderBytes+r.IndexedBytes == r.DataBytes
}

// Verify inspects the segment named name in dir. headerLen is the expected
// length of the codec configuration prefix, or -1 to infer it from the data
// and sizes files.
func Verify(dir, name string, headerLen int) (Report, error) {
	p := PathsFor(dir, name)
	r := Report{Paths: p, Locked: Locked(dir, name)}

	st, err := os.Stat(p.Data)
	if err != nil {
		return r, fmt.Errorf("stat data file: %w", err)
	}
	r.DataBytes = st.Size()

	sizes, err := ReadSizes(p.Sizes)
	if err != nil {
		return r, fmt.Errorf("reading sizes: %w", err)
	}
	r.Frames = len(sizes)
	for _, s := range sizes {
		r.IndexedBytes += int64(s)
	}

	if headerLen < 0 {
		r.HeaderBytes = r.DataBytes - r.IndexedBytes
	} else {
		r.HeaderBytes = int64(headerLen)
	}
	return r, nil
}

// ReadFrames returns the header and each indexed payload of a segment.
func ReadFrames(dir, name string) (header []byte, frames [][]byte, err error) {
	p := PathsFor(dir, name)
	data, err := os.ReadFile(p.Data)
	if err != nil {
		return nil, nil, err
	}
	sizes, err := ReadSizes(p.Sizes)
	if err != nil {
		return nil, nil, err
	}

	var indexed int
	for _, s := range sizes {
		indexed += int(s)
	}
	if indexed > len(data) {
		return nil, nil, fmt.Errorf("size records cover %d bytes, data file has %d", indexed, len(data))
	}

	off := len(data) - indexed
	header = data[:off]
	frames = make([][]byte, 0, len(sizes))
	for _, s := range sizes {
		frames = append(frames, data[off:off+int(s)])
		off += int(s)
	}
	return header, frames, nil
}
