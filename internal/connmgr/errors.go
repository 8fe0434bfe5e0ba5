package connmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("connmgr: closed")

	// ErrNoListener is returned when a nil listener is passed.
	ErrNoListener = errors.New("connmgr: listener required")

	// ErrEmptyPeer is returned by Dial for an empty peer address.
	ErrEmptyPeer = errors.New("connmgr: peer address required")
)

// SetupError reports that a worker could not get going: the listening
// endpoint could not be opened, or the stream handles of a socket could not
// be obtained. It is fatal to that worker only.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("connmgr: setup %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
