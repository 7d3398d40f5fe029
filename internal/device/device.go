package device

import (
	"context"
	"sync/atomic"
	"time"
)

// Sport command API ids understood by the robot's motion service.
const (
	SportStandUp   = 1004
	SportStandDown = 1005
	SportSit       = 1009
	SportHello     = 1016
)

// CommandMap resolves the enumerated command names accepted from callers
// to their sport API ids. Names outside this map are rejected before they
// reach the queue.
var CommandMap = map[string]int{
	"stand":  SportStandUp,
	"crouch": SportStandDown,
	"sit":    SportSit,
	"shake":  SportHello,
}

// Telemetry topics published to the hub.
const (
	TopicBattery = "battery"
	TopicMotion  = "motion"
)

// CommandRequest is one command descriptor bound for the robot. The
// parameter payload is opaque to everything except the Conn that finally
// encodes it.
type CommandRequest struct {
	// ID correlates the request with its response on the wire.
	ID string

	// Name is the enumerated command name ("stand", "crouch", ...).
	Name string

	// APIID is the sport API id resolved from Name.
	APIID int

	// Parameter is an optional opaque payload forwarded verbatim.
	Parameter any

	// Deadline is absolute; a request whose deadline has passed before
	// execution starts is never sent.
	Deadline time.Time
}

// Expired reports whether the request's deadline has already passed.
func (r CommandRequest) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// Result is the robot's reply to one command.
type Result struct {
	// Code is the status code from the response header; zero is success.
	Code int

	// Data is the opaque response payload, if any.
	Data any
}

// TelemetrySample is a timestamped snapshot of robot state. Samples are
// immutable once published; the hub keeps only the most recent one per
// topic.
type TelemetrySample struct {
	Timestamp time.Time `json:"ts"`
	Topic     string    `json:"topic"`

	// Battery management state.
	SOC     int     `json:"soc"`
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`

	// Motion state.
	Mode       int     `json:"mode"`
	BodyHeight float64 `json:"bodyHeight"`
}

// VideoFrame is one encoded frame pulled off the robot's video track.
// Multiple readers may hold a frame; none may mutate it.
type VideoFrame struct {
	Timestamp time.Time
	Source    string
	Seq       uint64
	Payload   []byte
}

// Update is one item delivered by Conn.NextUpdate: either a telemetry
// sample or a video frame, never both.
type Update struct {
	Sample *TelemetrySample
	Frame  *VideoFrame
}

// Conn is one live link to the robot.
//
// SendCommand must be called by at most one logical thread of control at
// a time; the Conn does not enforce that. NextUpdate blocks until an
// update arrives or the link dies; a dead link yields ErrDisconnected
// exactly once, after which the Conn must not be reused.
type Conn interface {
	SendCommand(ctx context.Context, req CommandRequest) (Result, error)
	NextUpdate(ctx context.Context) (Update, error)
	Close() error
}

// Dialer opens a fresh Conn to the robot.
type Dialer interface {
	Connect(ctx context.Context) (Conn, error)
}

// Session is one generation of a live connection. Owned exclusively by
// the supervisor; everything else reaches the robot through the
// dispatcher and the hub.
type Session struct {
	Generation uint64
	Conn       Conn
	Opened     time.Time

	lastActive atomic.Int64
	retired    atomic.Bool
}

// NewSession wraps a freshly connected Conn under the given generation.
func NewSession(generation uint64, conn Conn) *Session {
	s := &Session{
		Generation: generation,
		Conn:       conn,
		Opened:     time.Now(),
	}
	s.lastActive.Store(s.Opened.UnixNano())
	return s
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the session last carried traffic.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Retire marks the session dead. It reports whether this call was the one
// that retired it, so teardown runs once even when both supervisor loops
// observe the failure.
func (s *Session) Retire() bool {
	return s.retired.CompareAndSwap(false, true)
}

// Retired reports whether the session has been retired. A retired session
// must not carry further commands.
func (s *Session) Retired() bool {
	return s.retired.Load()
}
