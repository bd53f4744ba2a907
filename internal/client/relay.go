// Package client implements the connecting side of the session broker: the
// relay channel, the screen-share negotiation state machine, and producer
// discovery. It mirrors the contract the browser client follows and doubles as
// the harness the integration tests drive the server with.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feltmark/boardcast/internal/relay"
)

// ErrRelayClosed is returned from calls made after the relay connection has
// been torn down.
var ErrRelayClosed = errors.New("relay connection closed")

// AckError carries a non-200 acknowledgment back to the caller.
type AckError struct {
	Status int
	Msg    string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("relay ack %d: %s", e.Status, e.Msg)
}

// TopicHandler receives the payload of a forwarded event.
type TopicHandler func(payload json.RawMessage)

// Relay is one persistent client connection to the relay channel.
//
// Acknowledgments are delivered per sent envelope in order, so pending acks
// are correlated FIFO with writes.
type Relay struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]TopicHandler
	pending  []chan relay.Ack

	closeOnce sync.Once
	done      chan struct{}
}

// DialRelay connects to a relay websocket endpoint
// (e.g. "ws://host:port/ws").
func DialRelay(ctx context.Context, url string, log *slog.Logger) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	r := &Relay{
		ws:       ws,
		log:      log,
		handlers: make(map[string]TopicHandler),
		done:     make(chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Handle registers the handler for a forwarded topic, replacing any previous
// one. Events with no registered handler are dropped.
func (r *Relay) Handle(topic string, h TopicHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

// JoinRoom joins the room, identifying this client as userID for the
// screen-share negotiation topics.
func (r *Relay) JoinRoom(ctx context.Context, roomName, userID string) error {
	payload, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return err
	}
	return r.request(ctx, relay.Envelope{Topic: relay.TopicJoinRoom, Room: roomName, Payload: payload})
}

// LeaveRoom leaves the room previously joined.
func (r *Relay) LeaveRoom(ctx context.Context, roomName string) error {
	return r.request(ctx, relay.Envelope{Topic: relay.TopicLeaveRoom, Room: roomName})
}

// Send publishes an application event to the other members of the joined
// room.
func (r *Relay) Send(ctx context.Context, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.request(ctx, relay.Envelope{Topic: topic, Payload: raw})
}

func (r *Relay) request(ctx context.Context, env relay.Envelope) error {
	ackCh := make(chan relay.Ack, 1)

	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return ErrRelayClosed
	default:
	}
	r.pending = append(r.pending, ackCh)
	r.mu.Unlock()

	if err := r.write(env); err != nil {
		// Unqueue the ack slot so correlation stays aligned for later
		// requests. Scan from the tail: ours was appended last.
		r.mu.Lock()
		for i := len(r.pending) - 1; i >= 0; i-- {
			if r.pending[i] == ackCh {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return err
	}

	select {
	case ack := <-ackCh:
		if ack.Status != 200 {
			return &AckError{Status: ack.Status, Msg: ack.Msg}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRelayClosed
	}
}

func (r *Relay) write(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return r.ws.WriteMessage(websocket.TextMessage, raw)
}

// inboundFrame is either an ack (no topic) or a forwarded event.
type inboundFrame struct {
	Topic   string          `json:"topic"`
	Status  int             `json:"status"`
	Msg     string          `json:"msg"`
	Payload json.RawMessage `json:"payload"`
}

func (r *Relay) readLoop() {
	defer r.Close()
	for {
		_, raw, err := r.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Debug("relay read failed", "err", err)
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			r.log.Warn("unparseable relay frame", "err", err)
			continue
		}
		if frame.Topic != "" {
			r.dispatch(frame.Topic, frame.Payload)
			continue
		}
		r.resolveAck(relay.Ack{Status: frame.Status, Msg: frame.Msg})
	}
}

func (r *Relay) dispatch(topic string, payload json.RawMessage) {
	r.mu.Lock()
	h := r.handlers[topic]
	r.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

func (r *Relay) resolveAck(ack relay.Ack) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		r.log.Warn("unmatched relay ack", "status", ack.Status, "msg", ack.Msg)
		return
	}
	ch := r.pending[0]
	r.pending = r.pending[1:]
	r.mu.Unlock()
	ch <- ack
}

// Close tears down the connection. It is safe to call multiple times and
// unblocks every pending request.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		_ = r.ws.Close()
	})
	return nil
}

// Done is closed once the connection is gone, however it was closed.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}
