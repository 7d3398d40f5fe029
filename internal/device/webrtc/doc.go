// Package webrtc implements the device connection over a WebRTC peer
// connection, the transport the robot actually speaks.
//
// Signaling is a single HTTP round-trip: the complete SDP offer (vanilla
// ICE, all candidates gathered up front) is POSTed to the robot's
// signaling endpoint and the answer comes back in the response body. The
// robot's proprietary handshake encryption is out of scope; this package
// speaks the plain offer/answer exchange.
//
// Once connected, telemetry and command traffic ride a single data
// channel as JSON envelopes, and video arrives on an inbound RTP track
// whose packets are grouped into encoded frames by marker bit. Codec
// parsing stays outside the core: frame payloads are opaque bytes.
package webrtc
