package relay

import (
	"encoding/json"
	"errors"
	"strings"
)

// Reserved topics handled by the relay server itself or by registered hooks.
// Everything else is forwarded verbatim to the sender's room.
const (
	TopicJoinRoom     = "joinRoom"
	TopicLeaveRoom    = "leaveRoom"
	TopicPreLeaveRoom = "preLeaveRoom"
	TopicICECandidate = "iceCandidate"
	TopicRTCEnd       = "rtc-end"

	TopicNewStreamer        = "webrtc-new-streamer"
	TopicDisconnectStreamer = "webrtc-disconnect-streamer"
)

// Envelope is the wire format for every client->server relay message.
type Envelope struct {
	Topic   string          `json:"topic"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the server->client form: the room is implied by the receiving
// connection's membership, so only topic and payload are forwarded.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack is the per-message receipt sent back to the sender.
type Ack struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

var errMissingTopic = errors.New("missing topic")

// ParseEnvelope decodes and validates one inbound relay frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if strings.TrimSpace(env.Topic) == "" {
		return Envelope{}, errMissingTopic
	}
	return env, nil
}

// joinPayload is the optional payload of a joinRoom envelope. The user id is
// required only for connections that intend to negotiate media through the
// SFU; plain relay traffic works without it.
type joinPayload struct {
	UserID string `json:"userId"`
}
