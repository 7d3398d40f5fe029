// Package device defines the session connection contract between the
// container and the robot.
//
// A Conn is one live link to the robot: it can send one command at a time
// and deliver a continuous stream of telemetry and video updates. Conn
// implementations do not serialize SendCommand callers themselves; the
// command dispatcher owns that. A Session wraps a Conn with a generation
// number so in-flight callers can detect they were bound to a link that
// has since been replaced.
package device
