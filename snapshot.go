package flatpanel

import "time"

// CoverState is derived from the servo angle reaching a configured endpoint.
type CoverState int

const (
	CoverUnknown CoverState = iota
	CoverOpen
	CoverClosed
)

func (c CoverState) String() string {
	switch c {
	case CoverOpen:
		return "open"
	case CoverClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reading is the last confirmed value of one field. Faulted marks a set that
// the device did not corroborate; Value still holds the previous confirmed
// value in that case.
type Reading struct {
	Value   int
	Known   bool
	Faulted bool
	Reason  string
}

// DeviceSnapshot is a copy of the panel's last confirmed state.
type DeviceSnapshot struct {
	Servo     Reading
	LED       Reading
	Cover     CoverState
	UpdatedAt time.Time
}

// Diagnostic is a device line that did not update state.
type Diagnostic struct {
	At   time.Time
	Kind string
	Line string
}

const diagnosticsSize = 32

// diagnosticRing keeps the most recent diagnostics.
type diagnosticRing struct {
	entries []Diagnostic
	next    int
	full    bool
}

func (r *diagnosticRing) add(d Diagnostic) {
	if r.entries == nil {
		r.entries = make([]Diagnostic, diagnosticsSize)
	}
	r.entries[r.next] = d
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// list returns entries oldest first.
func (r *diagnosticRing) list() []Diagnostic {
	if r.entries == nil {
		return nil
	}
	if !r.full {
		return append([]Diagnostic(nil), r.entries[:r.next]...)
	}
	out := make([]Diagnostic, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}
