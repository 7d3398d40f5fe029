package webrtc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quadruped-control/qcc/internal/device"
)

// Data channel topics spoken by the robot.
const (
	topicLowState     = "rt/lf/lowstate"
	topicSportState   = "rt/sportmodestate"
	topicSportRequest = "rt/api/sport/request"
)

// envelope is the outer shape of every data channel message.
type envelope struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope types.
const (
	envMsg       = "msg"
	envSubscribe = "subscribe"
	envRequest   = "request"
	envResponse  = "response"
)

// requestBody is the payload of a sport request envelope. The identity id
// correlates the eventual response envelope back to the caller.
type requestBody struct {
	Header    requestHeader `json:"header"`
	Parameter any           `json:"parameter,omitempty"`
}

type requestHeader struct {
	Identity requestIdentity `json:"identity"`
}

type requestIdentity struct {
	ID    int64 `json:"id"`
	APIID int   `json:"api_id"`
}

// responseBody is the payload of a response envelope. Success is status
// code zero.
type responseBody struct {
	Header struct {
		Identity requestIdentity `json:"identity"`
		Status   struct {
			Code int `json:"code"`
		} `json:"status"`
	} `json:"header"`
	Data json.RawMessage `json:"data,omitempty"`
}

// encodeSubscribe builds a topic subscription message.
func encodeSubscribe(topic string) ([]byte, error) {
	return json.Marshal(envelope{Type: envSubscribe, Topic: topic})
}

// encodeRequest builds a sport command request.
func encodeRequest(id int64, apiID int, parameter any) ([]byte, error) {
	body, err := json.Marshal(requestBody{
		Header:    requestHeader{Identity: requestIdentity{ID: id, APIID: apiID}},
		Parameter: parameter,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return json.Marshal(envelope{Type: envRequest, Topic: topicSportRequest, Data: body})
}

// unmarshalEnvelope parses the outer message shape.
func unmarshalEnvelope(data []byte, env *envelope) error {
	return json.Unmarshal(data, env)
}

// unmarshalResponse parses a response envelope's payload.
func unmarshalResponse(data json.RawMessage, resp *responseBody) error {
	return json.Unmarshal(data, resp)
}

// lowState is the subset of the robot's low-level state this container
// consumes.
type lowState struct {
	BMSState struct {
		SOC     int     `json:"soc"`
		Current float64 `json:"current"`
	} `json:"bms_state"`
	PowerV float64 `json:"power_v"`
}

// sportModeState is the subset of the motion state topic.
type sportModeState struct {
	Mode       int     `json:"mode"`
	BodyHeight float64 `json:"body_height"`
}

// decodeSample converts an inbound topic message into a telemetry sample.
// Unknown topics return false and are ignored.
func decodeSample(topic string, data json.RawMessage, now time.Time) (device.TelemetrySample, bool, error) {
	switch topic {
	case topicLowState:
		var state lowState
		if err := json.Unmarshal(data, &state); err != nil {
			return device.TelemetrySample{}, false, fmt.Errorf("decoding %s: %w", topic, err)
		}
		return device.TelemetrySample{
			Timestamp: now,
			Topic:     device.TopicBattery,
			SOC:       state.BMSState.SOC,
			Voltage:   state.PowerV,
			Current:   state.BMSState.Current,
		}, true, nil
	case topicSportState:
		var state sportModeState
		if err := json.Unmarshal(data, &state); err != nil {
			return device.TelemetrySample{}, false, fmt.Errorf("decoding %s: %w", topic, err)
		}
		return device.TelemetrySample{
			Timestamp:  now,
			Topic:      device.TopicMotion,
			Mode:       state.Mode,
			BodyHeight: state.BodyHeight,
		}, true, nil
	default:
		return device.TelemetrySample{}, false, nil
	}
}
