package codec

import (
	"strconv"
	"strings"
)

// ParsedEvent is one of StatusUpdate, Acknowledgement, ErrorText or
// Unrecognized.
type ParsedEvent interface {
	event()
}

// StatusUpdate carries whichever fields a status line reported.
type StatusUpdate struct {
	Servo *int
	LED   *int
}

// Acknowledgement is a single-field echo such as OK:LED:128.
type Acknowledgement struct {
	Field Field
	Value int
}

// ErrorText is a line the firmware uses to reject a command, or a recognized
// status line with an unusable value.
type ErrorText struct {
	Message string
}

// Unrecognized is any other line.
type Unrecognized struct {
	Raw string
}

func (StatusUpdate) event()    {}
func (Acknowledgement) event() {}
func (ErrorText) event()       {}
func (Unrecognized) event()    {}

// Get returns the reported value for f.
func (s StatusUpdate) Get(f Field) (int, bool) {
	var p *int
	switch f {
	case FieldServo:
		p = s.Servo
	case FieldLED:
		p = s.LED
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Status returns the acknowledgement as a one-field status update.
func (a Acknowledgement) Status() StatusUpdate {
	v := a.Value
	switch a.Field {
	case FieldServo:
		return StatusUpdate{Servo: &v}
	case FieldLED:
		return StatusUpdate{LED: &v}
	}
	return StatusUpdate{}
}

// AsStatus returns the field values carried by ev, if it carries any.
func AsStatus(ev ParsedEvent) (StatusUpdate, bool) {
	switch e := ev.(type) {
	case StatusUpdate:
		return e, true
	case Acknowledgement:
		return e.Status(), true
	default:
		return StatusUpdate{}, false
	}
}

var errorMarkers = []string{
	"Invalid Command",
	"Invalid Brightness Value",
	"Invalid Servo Position",
}

var statusKeys = map[string]Field{
	"SP": FieldServo,
	"LB": FieldLED,
}

var ackPrefixes = []struct {
	prefix string
	field  Field
}{
	{"OK:Servo:", FieldServo},
	{"OK:LED:", FieldLED},
}

// Parse classifies a received line. Status forms are tried first, then the
// firmware's rejection messages; anything else is Unrecognized.
func Parse(line string) ParsedEvent {
	trimmed := strings.TrimSpace(line)

	if ev, ok := parseStatus(trimmed, line); ok {
		return ev
	}
	if ev, ok := parseAck(trimmed, line); ok {
		return ev
	}
	for _, marker := range errorMarkers {
		if strings.Contains(line, marker) {
			return ErrorText{Message: line}
		}
	}
	return Unrecognized{Raw: line}
}

func parseStatus(trimmed, line string) (ParsedEvent, bool) {
	if !strings.HasPrefix(trimmed, "SP:") && !strings.HasPrefix(trimmed, "LB:") {
		return nil, false
	}

	var update StatusUpdate
	for _, part := range strings.Split(trimmed, ",") {
		key, raw, found := strings.Cut(strings.TrimSpace(part), ":")
		field, known := statusKeys[key]
		if !found || !known {
			return ErrorText{Message: line}, true
		}
		v, ok := parseValue(field, raw)
		if !ok {
			return ErrorText{Message: line}, true
		}
		switch field {
		case FieldServo:
			update.Servo = &v
		case FieldLED:
			update.LED = &v
		}
	}
	return update, true
}

func parseAck(trimmed, line string) (ParsedEvent, bool) {
	for _, ack := range ackPrefixes {
		// firmware may prefix the acknowledgement, e.g. with a timestamp
		idx := strings.Index(trimmed, ack.prefix)
		if idx < 0 {
			continue
		}
		v, ok := parseValue(ack.field, trimmed[idx+len(ack.prefix):])
		if !ok {
			return ErrorText{Message: line}, true
		}
		return Acknowledgement{Field: ack.field, Value: v}, true
	}
	return nil, false
}

func parseValue(f Field, raw string) (int, bool) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || !f.InRange(v) {
		return 0, false
	}
	return v, true
}
