package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	pion "github.com/pion/webrtc/v4"
)

// signalRequest is the JSON body POSTed to the robot's signaling endpoint.
// The id names the connection mode; the token field is accepted by all
// firmware revisions and may be empty on the local network.
type signalRequest struct {
	SDP   string `json:"sdp"`
	Type  string `json:"type"`
	ID    string `json:"id"`
	Token string `json:"token"`
}

// signalResponse is the robot's answer.
type signalResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// connectionID identifies a station-mode connection over the local network.
const connectionID = "STA_localNetwork"

// exchangeSDP performs the one-round-trip offer/answer exchange.
func exchangeSDP(ctx context.Context, client *http.Client, endpoint string, offer *pion.SessionDescription) (pion.SessionDescription, error) {
	body, err := json.Marshal(signalRequest{
		SDP:  offer.SDP,
		Type: "offer",
		ID:   connectionID,
	})
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("encoding offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("building signaling request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return pion.SessionDescription{}, fmt.Errorf("posting offer to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pion.SessionDescription{}, fmt.Errorf("signaling endpoint returned %s", resp.Status)
	}

	var answer signalResponse
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return pion.SessionDescription{}, fmt.Errorf("decoding answer: %w", err)
	}
	if answer.SDP == "" {
		return pion.SessionDescription{}, fmt.Errorf("signaling endpoint returned empty answer")
	}

	return pion.SessionDescription{
		Type: pion.SDPTypeAnswer,
		SDP:  answer.SDP,
	}, nil
}
