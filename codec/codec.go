// Package codec translates panel intents to wire tokens and wire lines to
// events. It performs no I/O and keeps no state.
package codec

import (
	"strconv"

	"github.com/pkg/errors"
)

// Value ranges accepted by the firmware.
const (
	ServoMin = 0
	ServoMax = 180
	LEDMin   = 0
	LEDMax   = 255
)

// ErrNoCoverSwitch is returned when encoding O/C for a dialect without them.
var ErrNoCoverSwitch = errors.New("dialect has no cover switch")

// Field names one controllable quantity.
type Field int

const (
	FieldServo Field = iota
	FieldLED
)

func (f Field) String() string {
	switch f {
	case FieldServo:
		return "servo"
	case FieldLED:
		return "led"
	default:
		return "unknown"
	}
}

// InRange reports whether v is a legal value for f.
func (f Field) InRange(v int) bool {
	switch f {
	case FieldServo:
		return v >= ServoMin && v <= ServoMax
	case FieldLED:
		return v >= LEDMin && v <= LEDMax
	default:
		return false
	}
}

// Codec encodes commands for one dialect.
type Codec struct {
	dialect Dialect
}

// New returns a Codec for d.
func New(d Dialect) Codec {
	return Codec{dialect: d}
}

// Dialect returns the dialect the codec was built with.
func (c Codec) Dialect() Dialect {
	return c.dialect
}

// Encode returns the set command for f.
func (c Codec) Encode(f Field, v int) string {
	if f == FieldLED {
		return c.EncodeSetBrightness(v)
	}
	return c.EncodeSetServo(v)
}

// EncodeSetServo returns the command that moves the servo to degrees.
func (c Codec) EncodeSetServo(degrees int) string {
	return "S" + strconv.Itoa(degrees)
}

// EncodeSetBrightness returns the command that sets the LED level.
func (c Codec) EncodeSetBrightness(level int) string {
	return "L" + strconv.Itoa(level)
}

// EncodeOpen returns the dialect's open-cover command.
func (c Codec) EncodeOpen() (string, error) {
	if !c.dialect.CoverSwitch || c.dialect.OpenCommand == "" {
		return "", errors.Wrapf(ErrNoCoverSwitch, "dialect %s", c.dialect.Name)
	}
	return c.dialect.OpenCommand, nil
}

// EncodeClose returns the dialect's close-cover command.
func (c Codec) EncodeClose() (string, error) {
	if !c.dialect.CoverSwitch || c.dialect.CloseCommand == "" {
		return "", errors.Wrapf(ErrNoCoverSwitch, "dialect %s", c.dialect.Name)
	}
	return c.dialect.CloseCommand, nil
}

// StatusRequests returns the commands that refresh the full status.
func (c Codec) StatusRequests() []string {
	if len(c.dialect.StatusCommands) == 0 {
		return []string{"F"}
	}
	return append([]string(nil), c.dialect.StatusCommands...)
}

// Parse classifies a received line.
func (c Codec) Parse(line string) ParsedEvent {
	return Parse(line)
}
