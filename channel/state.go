package channel

import "time"

// Status is the lifecycle stage of a serial connection.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Faulted
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ConnectionState is a Status plus the reason when the status is Faulted.
type ConnectionState struct {
	Status Status
	Reason string
}

func (s ConnectionState) String() string {
	if s.Status == Faulted && s.Reason != "" {
		return s.Status.String() + ": " + s.Reason
	}
	return s.Status.String()
}

// PendingCommand is the single request allowed in flight on a channel.
type PendingCommand struct {
	Token  string
	SentAt time.Time
}
