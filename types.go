package cmdi

import (
	"context"
	"time"
)

// Identity is an opaque per-user identifier, generated fresh on connect
// and never reused. It is stable for the lifetime of one connection.
type Identity string

// ConnID addresses a specific connected client on the notification
// channel. Exactly one identity is bound to a live connection; the
// binding is invalidated on disconnect.
type ConnID string

// ActiveSession is one occupied slot: a user with a provisioned sandbox.
type ActiveSession struct {
	Identity  Identity
	Conn      ConnID
	Locator   string // externally reachable URL with embedded credential
	StartedAt time.Time
	ExpiresAt time.Time
}

// QueuedUser is one entry in the FIFO waiting queue.
type QueuedUser struct {
	Identity   Identity
	Conn       ConnID
	Token      string // reissued on every enqueue
	EnqueuedAt time.Time
}

// Lease is the result of a successful provisioning call.
type Lease struct {
	Locator string
	Port    int
}

// Provisioner allocates and releases backing sandbox resources.
// Resource handles are owned by the implementation, indexed by identity,
// and released exactly once. Release tolerates the resource already being
// gone; ReleaseAll is the shutdown teardown sweep.
type Provisioner interface {
	Provision(ctx context.Context, id Identity) (Lease, error)
	Release(ctx context.Context, id Identity) error
	ReleaseAll(ctx context.Context)
}

// Notifier pushes events to connected clients. Implementations must be
// fire-and-forget: Emit never blocks and delivery failures never surface
// back into scheduling decisions.
type Notifier interface {
	Emit(conn ConnID, event string, payload any)
}

// Event is one audit record of a session lifecycle transition.
type Event struct {
	Identity Identity
	Kind     string // "activated", "expired", "disconnected", "queued", "provision_failed"
	Detail   string
	Port     int
	At       time.Time
}

// EventSink records lifecycle events. Recording is best-effort; errors
// are logged by the caller, never propagated into scheduling.
type EventSink interface {
	Record(ctx context.Context, ev Event) error
}

// Notification event names pushed over the channel.
const (
	EventSessionUpdate = "session_update"
	EventQueueUpdate   = "queue_update"
	EventTimerUpdate   = "timer_update"
)

// SessionPayload is the body of a session_update event.
type SessionPayload struct {
	Status        string  `json:"status"` // connected, active, queued, ended, error
	Message       string  `json:"message,omitempty"`
	Text          string  `json:"text,omitempty"` // the locator
	ConnectionID  string  `json:"connectionId,omitempty"`
	StartedAt     float64 `json:"startedAt,omitempty"`
	ExpiresAt     float64 `json:"expiresAt,omitempty"`
	TimeRemaining int     `json:"timeRemaining"`
	Source        string  `json:"source,omitempty"` // "queue" or "immediate"
	Token         string  `json:"token,omitempty"`
	Position      int     `json:"position,omitempty"`
	QueueSize     int     `json:"queueSize,omitempty"`
	WaitSeconds   int     `json:"waitSeconds,omitempty"`
}

// QueuePayload is the body of a queue_update event.
type QueuePayload struct {
	Status           string  `json:"status"` // always "waiting"
	Position         int     `json:"position"`
	QueueSize        int     `json:"queueSize"`
	Token            string  `json:"token"`
	WaitSeconds      int     `json:"waitSeconds"`
	EstimatedStartAt float64 `json:"estimatedStartAt"`
}

// TimerPayload is the body of a timer_update event.
type TimerPayload struct {
	Status        string `json:"status"`
	TimeRemaining int    `json:"timeRemaining"`
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	ActiveSessions int `json:"activeSessions"`
	QueueDepth     int `json:"queueDepth"`
	Capacity       int `json:"capacity"`
}
