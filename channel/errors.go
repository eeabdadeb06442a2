package channel

import (
	"fmt"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// Transport error kinds. Every error returned by a Channel is an *IoError
// whose Kind is one of these, so callers can test with errors.Is.
var (
	ErrPortUnavailable   = errors.New("port unavailable")
	ErrConfigFailed      = errors.New("port configuration failed")
	ErrWriteFailed       = errors.New("write failed")
	ErrTimeout           = errors.New("timed out waiting for line")
	ErrLineTooLong       = errors.New("line too long")
	ErrHandshakeMismatch = errors.New("handshake mismatch")
	ErrTransportLost     = errors.New("transport lost")
	ErrCommandPending    = errors.New("previous command still pending")
	ErrClosed            = errors.New("channel closed")
)

// IoError is a transport-level failure on a serial channel.
type IoError struct {
	Op   string
	Port string
	Kind error
	Err  error
}

func (e *IoError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is this error's kind.
func (e *IoError) Is(target error) bool {
	return target == e.Kind
}

func (e *IoError) Unwrap() error {
	return e.Err
}

func newIoError(op, port string, kind, cause error) *IoError {
	return &IoError{Op: op, Port: port, Kind: kind, Err: cause}
}

// Kind returns the transport error kind carried by err, or nil if err did not
// come from a channel.
func Kind(err error) error {
	var ioErr *IoError
	if errors.As(err, &ioErr) {
		return ioErr.Kind
	}
	return nil
}

// classifyOpenError maps a serial library open failure onto an error kind.
func classifyOpenError(err error) error {
	code, ok := portErrorCode(err)
	if !ok {
		return ErrPortUnavailable
	}
	switch code {
	case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity,
		serial.InvalidStopBits, serial.InvalidTimeoutValue:
		return ErrConfigFailed
	default:
		return ErrPortUnavailable
	}
}

// portErrorCode extracts the serial.PortErrorCode from err. The library
// returns both pointer and value forms depending on platform.
func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptrErr *serial.PortError
	if errors.As(err, &ptrErr) && ptrErr != nil {
		return ptrErr.Code(), true
	}
	var valErr serial.PortError
	if errors.As(err, &valErr) {
		return valErr.Code(), true
	}
	return 0, false
}
