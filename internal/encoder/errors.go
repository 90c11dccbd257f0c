package encoder

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned by Submit when no segment is active.
	ErrNotOpen = errors.New("no segment open")
	// ErrAlreadyOpen is returned by Open when a segment is active.
	ErrAlreadyOpen = errors.New("segment already open")
	// ErrStillOpen is returned by Shutdown while a segment is active.
	ErrStillOpen = errors.New("segment still open")
	// ErrShutdown is returned for calls after Shutdown.
	ErrShutdown = errors.New("session shut down")
	// ErrSessionDead matches every FatalError.
	ErrSessionDead = errors.New("encoder session dead")
)

// FatalError marks the session unusable. Once returned, every later call on
// the session returns the same error; the owner must shut the session down
// and build a new one.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("encoder session dead: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == ErrSessionDead }

// IsFatal reports whether err means the session is dead.
func IsFatal(err error) bool { return errors.Is(err, ErrSessionDead) }
