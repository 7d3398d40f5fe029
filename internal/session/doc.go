// Package session implements the supervisor that owns the robot
// connection end to end.
//
// The supervisor is the only component that touches the device link's
// lifecycle. While live it runs two loops against the current session:
// one drains the command dispatcher a request at a time, the other pulls
// updates and publishes them to the hub. A disconnect observed by either
// loop retires the session's generation and moves the supervisor back to
// connecting, with bounded exponential backoff. When the reconnect budget
// is exhausted the supervisor parks disconnected until an explicit
// reconnect trigger.
package session
