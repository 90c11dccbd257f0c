package hwcodec

import (
	"errors"
	"fmt"
)

// Status is a component result code.
type Status uint32

const (
	StatusOK                      Status = 0
	StatusInsufficientResources   Status = 0x80001000
	StatusUndefined               Status = 0x80001001
	StatusComponentNotFound       Status = 0x80001003
	StatusBadParameter            Status = 0x80001005
	StatusHardware                Status = 0x80001009
	StatusIncorrectStateOperation Status = 0x80001018
	StatusBadPortIndex            Status = 0x8000101B
	StatusStreamCorrupt           Status = 0x8000101D
)

var statusNames = map[Status]string{
	StatusOK:                      "ok",
	StatusInsufficientResources:   "insufficient resources",
	StatusUndefined:               "undefined",
	StatusComponentNotFound:       "component not found",
	StatusBadParameter:            "bad parameter",
	StatusHardware:                "hardware",
	StatusIncorrectStateOperation: "incorrect state operation",
	StatusBadPortIndex:            "bad port index",
	StatusStreamCorrupt:           "stream corrupt",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", uint32(s))
}

// StatusError is returned for any non-success component call.
type StatusError struct {
	Op     string
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Errorf builds a StatusError for op.
func Errorf(op string, status Status, format string, args ...any) error {
	return &StatusError{Op: op, Status: status, Err: fmt.Errorf(format, args...)}
}

// StatusOf extracts the status code from err, or StatusUndefined if err is
// not a StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusUndefined
}
