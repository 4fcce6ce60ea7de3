package executor

import (
	"time"

	"github.com/liliang-cn/fleetrun/pkg/ssh"
)

// EventType identifies a step in a host's lifecycle.
type EventType int

const (
	// EventConnecting is sent before the first connection attempt.
	EventConnecting EventType = iota
	// EventOnline is sent once the host accepted the connection.
	EventOnline
	// EventDone is sent when the command succeeded.
	EventDone
	// EventFailed is sent when connecting or running failed.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventOnline:
		return "online"
	case EventDone:
		return "done"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is what one host produced: a result or one of
// *ssh.ConnectionError, *ssh.CommandError, *ssh.TimeoutError.
type Outcome struct {
	Result *ssh.CommandResult
	Err    error
}

// Failed reports whether the host did not produce a result.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Event is a lifecycle notification for one host.
type Event struct {
	Type     EventType
	Host     string
	Outcome  Outcome       // set for EventDone and EventFailed
	Duration time.Duration // set for EventDone and EventFailed
	Time     time.Time
}

// Observer receives events. It must be safe for concurrent use.
type Observer func(Event)
