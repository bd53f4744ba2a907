package sfu

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/feltmark/boardcast/internal/config"
	"github.com/feltmark/boardcast/internal/metrics"
	"github.com/feltmark/boardcast/internal/relay"
	"github.com/feltmark/boardcast/internal/webrtcpeer"
)

type signalCall struct {
	room   string
	user   string
	topic  string
	except string
}

type fakeSignaler struct {
	mu         sync.Mutex
	sends      []signalCall
	broadcasts []signalCall
}

func (f *fakeSignaler) SendToMember(roomName, userID, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, signalCall{room: roomName, user: userID, topic: topic})
	return nil
}

func (f *fakeSignaler) BroadcastExcept(roomName, exceptUserID, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, signalCall{room: roomName, except: exceptUserID, topic: topic})
	return nil
}

func (f *fakeSignaler) broadcastTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	topics := make([]string, 0, len(f.broadcasts))
	for _, b := range f.broadcasts {
		topics = append(topics, b.topic)
	}
	return topics
}

func newTestAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := webrtcpeer.NewAPI(config.Config{}, slog.Default())
	if err != nil {
		t.Fatalf("new webrtc api: %v", err)
	}
	return api
}

func newTestManager(t *testing.T, signal Signaler) *Manager {
	t.Helper()
	if signal == nil {
		signal = &fakeSignaler{}
	}
	m := NewManager(newTestAPI(t), webrtc.Configuration{}, 500*time.Millisecond, signal, slog.Default(), metrics.New())
	t.Cleanup(m.Close)
	return m
}

// newMediaOffer builds a client-side offer carrying sendonly video and audio,
// the shape a screen-sharing producer sends.
func newMediaOffer(t *testing.T) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()
	pc, err := newTestAPI(t).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peerconnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		}); err != nil {
			t.Fatalf("add %s transceiver: %v", kind, err)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	local := pc.LocalDescription()
	if local == nil {
		t.Fatalf("missing local description")
	}
	return pc, *local
}

// newRecvOffer builds a client-side offer that only receives media, the shape
// a subscribing consumer sends.
func newRecvOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := newTestAPI(t).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peerconnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	return *pc.LocalDescription()
}

func TestAddProducerReturnsAnswer(t *testing.T) {
	signal := &fakeSignaler{}
	m := newTestManager(t, signal)
	_, offer := newMediaOffer(t)

	answer, err := m.AddProducer(context.Background(), "board-1", "alice", offer)
	if err != nil {
		t.Fatalf("add producer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer type = %v, want answer", answer.Type)
	}
	if answer.SDP == "" {
		t.Fatalf("empty answer SDP")
	}

	topics := signal.broadcastTopics()
	if len(topics) != 1 || topics[0] != relay.TopicNewStreamer {
		t.Fatalf("broadcast topics = %v, want [%s]", topics, relay.TopicNewStreamer)
	}
	if !m.RoomHasProducer("board-1") {
		t.Fatalf("room should report a producer")
	}
}

func TestSecondProducerRejected(t *testing.T) {
	m := newTestManager(t, nil)
	_, offer := newMediaOffer(t)
	if _, err := m.AddProducer(context.Background(), "board-1", "alice", offer); err != nil {
		t.Fatalf("first producer: %v", err)
	}

	_, offer2 := newMediaOffer(t)
	_, err := m.AddProducer(context.Background(), "board-1", "mallory", offer2)
	if !errors.Is(err, ErrProducerExists) {
		t.Fatalf("second producer err = %v, want ErrProducerExists", err)
	}
}

func TestProducersInDifferentRoomsCoexist(t *testing.T) {
	m := newTestManager(t, nil)
	_, offer1 := newMediaOffer(t)
	if _, err := m.AddProducer(context.Background(), "board-1", "alice", offer1); err != nil {
		t.Fatalf("producer in board-1: %v", err)
	}
	_, offer2 := newMediaOffer(t)
	if _, err := m.AddProducer(context.Background(), "board-2", "bob", offer2); err != nil {
		t.Fatalf("producer in board-2: %v", err)
	}
	if !m.RoomHasProducer("board-1") || !m.RoomHasProducer("board-2") {
		t.Fatalf("both rooms should report producers")
	}
}

func TestConsumerWithoutProducer(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.AddConsumer(context.Background(), "board-1", "bob", newRecvOffer(t))
	if !errors.Is(err, ErrNoProducer) {
		t.Fatalf("consumer err = %v, want ErrNoProducer", err)
	}
}

func TestConsumerBeforeMediaTimesOut(t *testing.T) {
	m := newTestManager(t, nil)
	_, offer := newMediaOffer(t)
	if _, err := m.AddProducer(context.Background(), "board-1", "alice", offer); err != nil {
		t.Fatalf("add producer: %v", err)
	}

	// The producer negotiated but never connected, so no media arrives.
	_, err := m.AddConsumer(context.Background(), "board-1", "bob", newRecvOffer(t))
	if !errors.Is(err, ErrNoStream) {
		t.Fatalf("consumer err = %v, want ErrNoStream", err)
	}
}

func TestConsumerContextCancelled(t *testing.T) {
	m := newTestManager(t, nil)
	_, offer := newMediaOffer(t)
	if _, err := m.AddProducer(context.Background(), "board-1", "alice", offer); err != nil {
		t.Fatalf("add producer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.AddConsumer(ctx, "board-1", "bob", newRecvOffer(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("consumer err = %v, want context.Canceled", err)
	}
}

func TestRemoveProducerBroadcastsDisconnect(t *testing.T) {
	signal := &fakeSignaler{}
	m := newTestManager(t, signal)
	_, offer := newMediaOffer(t)
	if _, err := m.AddProducer(context.Background(), "board-1", "alice", offer); err != nil {
		t.Fatalf("add producer: %v", err)
	}

	m.RemovePeer("board-1", "alice")

	if m.RoomHasProducer("board-1") {
		t.Fatalf("room should have no producer after removal")
	}
	topics := signal.broadcastTopics()
	if len(topics) != 2 || topics[1] != relay.TopicDisconnectStreamer {
		t.Fatalf("broadcast topics = %v, want new-streamer then disconnect-streamer", topics)
	}
}

func TestRemoveUnknownPeerIsNoop(t *testing.T) {
	m := newTestManager(t, nil)
	m.RemovePeer("board-1", "ghost")
	if m.RoomHasProducer("board-1") {
		t.Fatalf("unexpected producer")
	}
}

func TestRoomReusableAfterProducerLeaves(t *testing.T) {
	m := newTestManager(t, nil)
	_, offer := newMediaOffer(t)
	if _, err := m.AddProducer(context.Background(), "board-1", "alice", offer); err != nil {
		t.Fatalf("first producer: %v", err)
	}
	m.RemovePeer("board-1", "alice")

	_, offer2 := newMediaOffer(t)
	if _, err := m.AddProducer(context.Background(), "board-1", "bob", offer2); err != nil {
		t.Fatalf("replacement producer: %v", err)
	}
	if !m.RoomHasProducer("board-1") {
		t.Fatalf("room should report the replacement producer")
	}
}

func TestICECandidateBufferedBeforePeer(t *testing.T) {
	m := newTestManager(t, nil)
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"}

	if err := m.AddICECandidate("board-1", "alice", candidate); err != nil {
		t.Fatalf("buffering candidate: %v", err)
	}

	for i := 0; i < pendingCandidateLimit; i++ {
		_ = m.AddICECandidate("board-1", "alice", candidate)
	}
	if err := m.AddICECandidate("board-1", "alice", candidate); err == nil {
		t.Fatalf("expected buffer overflow error")
	}
}

func TestICECandidateRequiresUser(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.AddICECandidate("board-1", "", webrtc.ICECandidateInit{Candidate: "candidate:1"})
	if err == nil {
		t.Fatalf("expected error for missing user")
	}
}

func TestRoomHasProducerUnknownRoom(t *testing.T) {
	m := newTestManager(t, nil)
	if m.RoomHasProducer("nope") {
		t.Fatalf("unknown room should report no producer")
	}
}
