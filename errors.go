package flatpanel

import (
	"fmt"

	"github.com/pkg/errors"
)

// Device error kinds. Transport causes stay reachable through errors.Is, so
// errors.Is(err, channel.ErrTimeout) also works on a DeviceError.
var (
	ErrOutOfRange   = errors.New("value out of range")
	ErrUnconfirmed  = errors.New("not confirmed by device")
	ErrNotConnected = errors.New("not connected")
)

// DeviceError is a semantic failure of a panel operation.
type DeviceError struct {
	Op    string
	Field string
	Kind  error
	Err   error
}

func (e *DeviceError) Error() string {
	msg := e.Op
	if e.Field != "" {
		msg += " " + e.Field
	}
	msg = fmt.Sprintf("%s: %v", msg, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Is(target error) bool {
	return target == e.Kind
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func newDeviceError(op, field string, kind, cause error) *DeviceError {
	return &DeviceError{Op: op, Field: field, Kind: kind, Err: cause}
}
