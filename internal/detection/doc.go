// Package detection is the boundary with the external object-detection
// pipeline.
//
// The container publishes video frames through the hub; the detector is a
// pure subscriber. When it reports a hit, the logger writes an alert
// entry with a per-class cooldown so one person standing in front of the
// camera produces one entry every few seconds instead of thirty per
// second. Each entry gets a monotonically increasing id and a downsized
// snapshot of the triggering frame.
package detection
