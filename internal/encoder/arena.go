package encoder

import (
	"fmt"
	"sync"

	"github.com/jmylchreest/encoderd/internal/hwcodec"
	"github.com/jmylchreest/encoderd/internal/yuv"
)

// Owner records who may touch a buffer.
type Owner int

const (
	OwnerSoftware Owner = iota
	OwnerQueuedFree
	OwnerHardware
	OwnerQueuedCompleted
)

func (o Owner) String() string {
	switch o {
	case OwnerSoftware:
		return "software"
	case OwnerQueuedFree:
		return "queued_free"
	case OwnerHardware:
		return "hardware"
	case OwnerQueuedCompleted:
		return "queued_completed"
	default:
		return fmt.Sprintf("owner(%d)", int(o))
	}
}

// OwnerCounts is a snapshot of one port's pool by owner.
type OwnerCounts struct {
	Software        int `json:"software"`
	QueuedFree      int `json:"queued_free"`
	Hardware        int `json:"hardware"`
	QueuedCompleted int `json:"queued_completed"`
}

// Total is the pool size.
func (c OwnerCounts) Total() int {
	return c.Software + c.QueuedFree + c.Hardware + c.QueuedCompleted
}

// OwnershipError reports a buffer moved from an owner that did not hold it.
type OwnershipError struct {
	Port  hwcodec.Port
	Index int
	Have  Owner
	Want  Owner
	To    Owner
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s buffer %d: owned by %s, expected %s before moving to %s", e.Port, e.Index, e.Have, e.Want, e.To)
}

// arena tracks the owner of every buffer in a port's fixed pool.
type arena struct {
	port hwcodec.Port

	mu     sync.Mutex
	bufs   []*hwcodec.BufferHeader
	owners []Owner
}

func newArena(port hwcodec.Port, capacity int) *arena {
	return &arena{
		port:   port,
		bufs:   make([]*hwcodec.BufferHeader, 0, capacity),
		owners: make([]Owner, 0, capacity),
	}
}

// add registers a freshly allocated buffer as software owned.
func (a *arena) add(buf *hwcodec.BufferHeader) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf.Index = len(a.bufs)
	buf.Port = a.port
	a.bufs = append(a.bufs, buf)
	a.owners = append(a.owners, OwnerSoftware)
}

// move transfers buf from one owner to another.
func (a *arena) move(buf *hwcodec.BufferHeader, from, to Owner) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf == nil || buf.Index < 0 || buf.Index >= len(a.bufs) || a.bufs[buf.Index] != buf {
		idx := -1
		if buf != nil {
			idx = buf.Index
		}
		return fmt.Errorf("%s buffer %d does not belong to this session", a.port, idx)
	}
	if have := a.owners[buf.Index]; have != from {
		return &OwnershipError{Port: a.port, Index: buf.Index, Have: have, Want: from, To: to}
	}
	a.owners[buf.Index] = to
	return nil
}

func (a *arena) owner(buf *hwcodec.BufferHeader) Owner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owners[buf.Index]
}

func (a *arena) counts() OwnerCounts {
	a.mu.Lock()
	defer a.mu.Unlock()
	var c OwnerCounts
	for _, o := range a.owners {
		switch o {
		case OwnerSoftware:
			c.Software++
		case OwnerQueuedFree:
			c.QueuedFree++
		case OwnerHardware:
			c.Hardware++
		case OwnerQueuedCompleted:
			c.QueuedCompleted++
		}
	}
	return c
}

func (a *arena) buffers() []*hwcodec.BufferHeader {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*hwcodec.BufferHeader(nil), a.bufs...)
}

// inputLease is the only handle through which an input buffer's contents
// may be written. It is obtained from acquireInput and consumed by
// submitInput or releaseInput.
type inputLease struct {
	buf *hwcodec.BufferHeader
}

func (l *inputLease) fill(layout hwcodec.Layout, f Frame, width, height int) error {
	if l.buf == nil {
		return errLeaseSpent
	}
	if err := yuv.I420ToNV12(l.buf.Data, layout, f.Y, f.U, f.V, width, height); err != nil {
		return err
	}
	l.buf.Offset = 0
	l.buf.FilledLen = layout.Size
	l.buf.Flags = hwcodec.FlagEndOfFrame
	l.buf.Timestamp = int64(f.TimestampEOF / tickDivisor)
	return nil
}

func (l *inputLease) endOfStream() {
	l.buf.Offset = 0
	l.buf.FilledLen = 0
	l.buf.Flags = hwcodec.FlagEndOfStream
	l.buf.Timestamp = 0
}

// take consumes the lease.
func (l *inputLease) take() (*hwcodec.BufferHeader, error) {
	if l.buf == nil {
		return nil, errLeaseSpent
	}
	buf := l.buf
	l.buf = nil
	return buf, nil
}
