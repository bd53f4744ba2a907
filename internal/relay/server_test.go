package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(opts, nil, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func dialRelay(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http://", "ws://", 1)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendRaw(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// frame is the union of ack and event shapes so a single read can classify
// whatever the server sent.
type frame struct {
	Status  int             `json:"status"`
	Msg     string          `json:"msg"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

func readAck(t *testing.T, ws *websocket.Conn) (int, string) {
	t.Helper()
	f := readFrame(t, ws)
	if f.Status == 0 {
		t.Fatalf("expected ack, got %+v", f)
	}
	return f.Status, f.Msg
}

func readEvent(t *testing.T, ws *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	f := readFrame(t, ws)
	if f.Topic == "" {
		t.Fatalf("expected event, got %+v", f)
	}
	return f.Topic, f.Payload
}

func expectNothing(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
}

func joinRoom(t *testing.T, ws *websocket.Conn, room, userID string) {
	t.Helper()
	env := fmt.Sprintf(`{"topic":"joinRoom","room":%q}`, room)
	if userID != "" {
		env = fmt.Sprintf(`{"topic":"joinRoom","room":%q,"payload":{"userId":%q}}`, room, userID)
	}
	sendRaw(t, ws, env)
	if status, msg := readAck(t, ws); status != http.StatusOK {
		t.Fatalf("join ack = %d %q, want 200", status, msg)
	}
}

func TestJoinAckAndExclusiveMembership(t *testing.T) {
	_, ts := startServer(t, Options{})
	ws := dialRelay(t, ts)

	joinRoom(t, ws, "board-1", "")

	sendRaw(t, ws, `{"topic":"joinRoom","room":"board-2"}`)
	if status, _ := readAck(t, ws); status != http.StatusBadRequest {
		t.Fatalf("second join status=%d, want 400", status)
	}
}

func TestJoinRequiresRoom(t *testing.T) {
	_, ts := startServer(t, Options{})
	ws := dialRelay(t, ts)

	sendRaw(t, ws, `{"topic":"joinRoom"}`)
	if status, _ := readAck(t, ws); status != http.StatusBadRequest {
		t.Fatalf("join without room status=%d, want 400", status)
	}
}

func TestBroadcastReachesRoomExceptSender(t *testing.T) {
	_, ts := startServer(t, Options{})

	sender := dialRelay(t, ts)
	peer1 := dialRelay(t, ts)
	peer2 := dialRelay(t, ts)
	other := dialRelay(t, ts)

	joinRoom(t, sender, "board-1", "")
	joinRoom(t, peer1, "board-1", "")
	joinRoom(t, peer2, "board-1", "")
	joinRoom(t, other, "board-2", "")

	sendRaw(t, sender, `{"topic":"cursor","room":"board-1","payload":{"x":4,"y":2}}`)
	if status, msg := readAck(t, sender); status != http.StatusOK {
		t.Fatalf("broadcast ack = %d %q, want 200", status, msg)
	}

	for _, peer := range []*websocket.Conn{peer1, peer2} {
		topic, payload := readEvent(t, peer)
		if topic != "cursor" {
			t.Fatalf("topic=%q, want cursor", topic)
		}
		if string(payload) != `{"x":4,"y":2}` {
			t.Fatalf("payload=%s", payload)
		}
	}

	// The sender and members of other rooms see nothing.
	expectNothing(t, sender)
	expectNothing(t, other)
}

func TestBroadcastToUnknownRoomIsNoOp(t *testing.T) {
	_, ts := startServer(t, Options{})
	ws := dialRelay(t, ts)

	sendRaw(t, ws, `{"topic":"cursor","room":"nowhere","payload":{}}`)
	if status, _ := readAck(t, ws); status != http.StatusOK {
		t.Fatalf("status=%d, want 200 (no-op)", status)
	}
}

func TestBroadcastRequiresMembership(t *testing.T) {
	_, ts := startServer(t, Options{})

	member := dialRelay(t, ts)
	outsider := dialRelay(t, ts)
	joinRoom(t, member, "board-1", "")

	sendRaw(t, outsider, `{"topic":"cursor","room":"board-1","payload":{}}`)
	if status, msg := readAck(t, outsider); status != http.StatusBadRequest {
		t.Fatalf("outsider broadcast ack = %d %q, want 400", status, msg)
	}
	expectNothing(t, member)
}

func TestLeaveRoom(t *testing.T) {
	_, ts := startServer(t, Options{})
	ws := dialRelay(t, ts)

	sendRaw(t, ws, `{"topic":"leaveRoom","room":"board-1"}`)
	if status, _ := readAck(t, ws); status != http.StatusBadRequest {
		t.Fatalf("leave before join status=%d, want 400", status)
	}

	joinRoom(t, ws, "board-1", "")
	sendRaw(t, ws, `{"topic":"leaveRoom","room":"board-1"}`)
	if status, _ := readAck(t, ws); status != http.StatusOK {
		t.Fatalf("leave status=%d, want 200", status)
	}

	// Forwarding after leaving is rejected: the room still exists but the
	// sender is no longer a member.
	peer := dialRelay(t, ts)
	joinRoom(t, peer, "board-1", "")
	sendRaw(t, ws, `{"topic":"cursor","room":"board-1","payload":{}}`)
	if status, _ := readAck(t, ws); status != http.StatusBadRequest {
		t.Fatalf("forward after leave status=%d, want 400", status)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	_, ts := startServer(t, Options{})
	ws := dialRelay(t, ts)

	sendRaw(t, ws, `this is not json`)
	if status, _ := readAck(t, ws); status != http.StatusBadRequest {
		t.Fatalf("malformed frame status=%d, want 400", status)
	}
	sendRaw(t, ws, `{"room":"board-1"}`)
	if status, _ := readAck(t, ws); status != http.StatusBadRequest {
		t.Fatalf("topicless frame status=%d, want 400", status)
	}

	// The connection stays usable.
	joinRoom(t, ws, "board-1", "")
}

func TestHookConsumesTopic(t *testing.T) {
	s, ts := startServer(t, Options{})

	var (
		mu    sync.Mutex
		seen  []Envelope
		users []string
	)
	s.RegisterHook(TopicICECandidate, func(conn *Conn, env Envelope) error {
		mu.Lock()
		seen = append(seen, env)
		users = append(users, conn.UserID())
		mu.Unlock()
		return nil
	})

	sender := dialRelay(t, ts)
	peer := dialRelay(t, ts)
	joinRoom(t, sender, "board-1", "alice")
	joinRoom(t, peer, "board-1", "bob")

	sendRaw(t, sender, `{"topic":"iceCandidate","room":"board-1","payload":{"candidate":"cand"}}`)
	if status, _ := readAck(t, sender); status != http.StatusOK {
		t.Fatalf("hook ack status=%d, want 200", status)
	}

	// Hooked topics are consumed, not forwarded.
	expectNothing(t, peer)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Topic != TopicICECandidate || seen[0].Room != "board-1" {
		t.Fatalf("hook saw %+v", seen)
	}
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("hook users = %v, want [alice]", users)
	}
}

func TestHookErrorBecomes400(t *testing.T) {
	s, ts := startServer(t, Options{})
	s.RegisterHook(TopicRTCEnd, func(conn *Conn, env Envelope) error {
		return fmt.Errorf("no active stream")
	})

	ws := dialRelay(t, ts)
	joinRoom(t, ws, "board-1", "")

	sendRaw(t, ws, `{"topic":"rtc-end","room":"board-1"}`)
	status, msg := readAck(t, ws)
	if status != http.StatusBadRequest || msg != "no active stream" {
		t.Fatalf("ack = %d %q, want 400 with hook error", status, msg)
	}
}

func TestOnLeaveFiresForLeaveAndDisconnect(t *testing.T) {
	s, ts := startServer(t, Options{})

	type leaving struct {
		userID string
		room   string
	}
	events := make(chan leaving, 4)
	s.OnLeave(func(conn *Conn, room string) {
		events <- leaving{userID: conn.UserID(), room: room}
	})

	explicit := dialRelay(t, ts)
	joinRoom(t, explicit, "board-1", "alice")
	sendRaw(t, explicit, `{"topic":"leaveRoom","room":"board-1"}`)
	if status, _ := readAck(t, explicit); status != http.StatusOK {
		t.Fatalf("leave failed")
	}

	select {
	case got := <-events:
		if got.userID != "alice" || got.room != "board-1" {
			t.Fatalf("leave event = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no leave event after explicit leave")
	}

	dropped := dialRelay(t, ts)
	joinRoom(t, dropped, "board-1", "bob")
	_ = dropped.Close()

	select {
	case got := <-events:
		if got.userID != "bob" || got.room != "board-1" {
			t.Fatalf("disconnect event = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no leave event after disconnect")
	}
}

func TestSendToMember(t *testing.T) {
	s, ts := startServer(t, Options{})

	ws := dialRelay(t, ts)
	joinRoom(t, ws, "board-1", "alice")

	if err := s.SendToMember("board-1", "alice", "answer", map[string]string{"sdp": "v=0"}); err != nil {
		t.Fatalf("SendToMember: %v", err)
	}
	topic, payload := readEvent(t, ws)
	if topic != "answer" {
		t.Fatalf("topic=%q, want answer", topic)
	}
	if string(payload) != `{"sdp":"v=0"}` {
		t.Fatalf("payload=%s", payload)
	}

	if err := s.SendToMember("board-1", "ghost", "answer", nil); err != ErrNotInRoom {
		t.Fatalf("SendToMember unknown user err=%v, want ErrNotInRoom", err)
	}
}

func TestBroadcastEventExcludesProducer(t *testing.T) {
	s, ts := startServer(t, Options{})

	producer := dialRelay(t, ts)
	viewer := dialRelay(t, ts)
	joinRoom(t, producer, "board-1", "alice")
	joinRoom(t, viewer, "board-1", "bob")

	producerConn, ok := s.Registry().Member("board-1", "alice")
	if !ok {
		t.Fatalf("producer not registered")
	}
	if err := s.BroadcastEvent("board-1", producerConn, TopicNewStreamer, nil); err != nil {
		t.Fatalf("BroadcastEvent: %v", err)
	}

	topic, _ := readEvent(t, viewer)
	if topic != TopicNewStreamer {
		t.Fatalf("topic=%q, want %q", topic, TopicNewStreamer)
	}
	expectNothing(t, producer)
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	_, ts := startServer(t, Options{MaxMessageBytes: 64})
	ws := dialRelay(t, ts)

	big := fmt.Sprintf(`{"topic":"cursor","room":"board-1","payload":%q}`, strings.Repeat("x", 256))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(big))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed")
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	_, ts := startServer(t, Options{MaxMessagesPerSecond: 1})
	ws := dialRelay(t, ts)

	joinRoom(t, ws, "board-1", "")
	sendRaw(t, ws, `{"topic":"cursor","room":"board-1","payload":{}}`)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawClose := false
	for i := 0; i < 3; i++ {
		_, _, err := ws.ReadMessage()
		if err != nil {
			sawClose = true
			break
		}
	}
	if !sawClose {
		t.Fatalf("expected rate limit to close the connection")
	}
}

func TestRejectsBinaryFrames(t *testing.T) {
	_, ts := startServer(t, Options{})
	ws := dialRelay(t, ts)

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed")
	}
}

func TestConnLimitPerHost(t *testing.T) {
	_, ts := startServer(t, Options{MaxConnsPerHost: 1})
	_ = dialRelay(t, ts)

	url := strings.Replace(ts.URL, "http://", "ws://", 1)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("second connection from the same host should be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 handshake response, got %+v", resp)
	}
	_ = resp.Body.Close()
}

func TestConnLimitReleasedOnClose(t *testing.T) {
	_, ts := startServer(t, Options{MaxConnsPerHost: 1})
	first := dialRelay(t, ts)
	_ = first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		url := strings.Replace(ts.URL, "http://", "ws://", 1)
		ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			_ = ws.Close()
			return
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never released after close: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
