// Package telemetry implements the fan-out hub between the session
// supervisor's read loop and everything that watches the robot.
//
// Telemetry is latest-value-wins: the hub retains only the most recent
// sample per topic, because a stale battery reading is useless. Video
// subscribers each get a small bounded buffer; when a subscriber falls
// behind, the oldest buffered frame is dropped, never the newest. Drop
// frames, never queue: publishing never blocks on a slow subscriber.
package telemetry
