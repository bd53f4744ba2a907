package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
)

// Role selects which negotiation endpoint the offer is posted to.
type Role string

const (
	RoleProducer Role = "broadcast"
	RoleConsumer Role = "subscribe"
)

// ErrNegotiationFailed wraps any failure of the synchronous offer/answer
// exchange or of applying its result.
var ErrNegotiationFailed = errors.New("negotiation failed")

// defaultHTTPClient bounds the synchronous signaling calls when the caller
// does not supply a client of its own.
var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

type negotiateRequest struct {
	RoomID   string                    `json:"roomId"`
	UserID   string                    `json:"userId"`
	SDPOffer webrtc.SessionDescription `json:"sdpOffer"`
}

type negotiateResponse struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// negotiate posts the SDP offer to the role's endpoint and returns the
// server's answer. The call blocks until answered, failed, or ctx expires.
func negotiate(ctx context.Context, hc *http.Client, baseURL string, role Role, roomID, userID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if hc == nil {
		hc = defaultHTTPClient
	}

	body, err := json.Marshal(negotiateRequest{RoomID: roomID, UserID: userID, SDPOffer: offer})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/sfu/"+string(role), bytes.NewReader(body))
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: %s (%d)", ErrNegotiationFailed, apiErr.Message, resp.StatusCode)
		}
		return webrtc.SessionDescription{}, fmt.Errorf("%w: status %d", ErrNegotiationFailed, resp.StatusCode)
	}

	var out negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: decode answer: %v", ErrNegotiationFailed, err)
	}
	return out.SDP, nil
}

// Discovery answers "does this room already have a producer?" for a newly
// joined consumer. The result is best-effort: a false answer followed by a
// producer joining is recovered via the webrtc-new-streamer broadcast.
type Discovery struct {
	BaseURL    string
	HTTPClient *http.Client

	// GraceDelay is waited before the first poll after a join so the relay
	// join settles first.
	GraceDelay time.Duration
}

type pollRequest struct {
	RoomID string `json:"roomId"`
}

type pollResponse struct {
	RoomHasProducer bool `json:"roomHasProducer"`
}

// Poll reports whether the room currently has an active producer.
func (d *Discovery) Poll(ctx context.Context, roomID string) (bool, error) {
	hc := d.HTTPClient
	if hc == nil {
		hc = defaultHTTPClient
	}

	body, err := json.Marshal(pollRequest{RoomID: roomID})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.BaseURL+"/sfu/poll", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("poll status %d", resp.StatusCode)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.RoomHasProducer, nil
}

// PollAfterJoin waits the grace delay, then polls.
func (d *Discovery) PollAfterJoin(ctx context.Context, roomID string) (bool, error) {
	if d.GraceDelay > 0 {
		select {
		case <-time.After(d.GraceDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return d.Poll(ctx, roomID)
}
