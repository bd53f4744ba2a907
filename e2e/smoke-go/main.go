// Command smoke-go drives a running boardcast server end to end: two relay
// members exchange a room event, one becomes the screen-share producer, the
// other discovers and subscribes to the stream, and the producer's departure
// is observed by the consumer.
//
// Point it at a server with BASE_URL (default http://127.0.0.1:3005). Exits 0
// on success, 1 on any failed step.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/feltmark/boardcast/internal/client"
)

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL "+format+"\n", args...)
	os.Exit(1)
}

func ok(step string) {
	fmt.Printf("OK %s\n", step)
}

// producerPeer is a sending peer with a synthetic VP8 track so the server has
// media to forward to consumers.
type producerPeer struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
	once  sync.Once
}

func newProducerPeer() (client.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "smoke")
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	p := &producerPeer{pc: pc, track: track, stop: make(chan struct{})}
	go p.writeSamples()
	return p, nil
}

func (p *producerPeer) writeSamples() {
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	payload := make([]byte, 64)
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			// Drops silently until the track is bound to a transport.
			_ = p.track.WriteSample(media.Sample{Data: payload, Duration: 33 * time.Millisecond})
		}
	}
}

func (p *producerPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("missing local description")
	}
	return *local, nil
}

func (p *producerPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *producerPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *producerPeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(f)
}

func (p *producerPeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *producerPeer) Close() error {
	p.once.Do(func() { close(p.stop) })
	return p.pc.Close()
}

func waitState(ch <-chan client.State, want client.State, timeout time.Duration, what string) {
	deadline := time.After(timeout)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			fail("%s: timed out waiting for state %s", what, want)
		}
	}
}

func main() {
	baseURL := envOrDefault("BASE_URL", "http://127.0.0.1:3005")
	room := envOrDefault("ROOM", fmt.Sprintf("smoke-%d", time.Now().UnixNano()))
	timeout, err := time.ParseDuration(envOrDefault("TIMEOUT", "20s"))
	if err != nil {
		fail("parse TIMEOUT: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws"

	alice, err := client.DialRelay(ctx, wsURL, logger)
	if err != nil {
		fail("dial relay (alice): %v", err)
	}
	defer alice.Close()
	bob, err := client.DialRelay(ctx, wsURL, logger)
	if err != nil {
		fail("dial relay (bob): %v", err)
	}
	defer bob.Close()

	if err := alice.JoinRoom(ctx, room, "alice"); err != nil {
		fail("join room (alice): %v", err)
	}
	if err := bob.JoinRoom(ctx, room, "bob"); err != nil {
		fail("join room (bob): %v", err)
	}
	ok("join")

	cursorCh := make(chan json.RawMessage, 1)
	bob.Handle("cursor", func(payload json.RawMessage) {
		select {
		case cursorCh <- payload:
		default:
		}
	})
	if err := alice.Send(ctx, "cursor", map[string]int{"x": 5, "y": 9}); err != nil {
		fail("send cursor: %v", err)
	}
	select {
	case payload := <-cursorCh:
		var pt struct{ X, Y int }
		if err := json.Unmarshal(payload, &pt); err != nil || pt.X != 5 || pt.Y != 9 {
			fail("cursor payload mismatch: %s", payload)
		}
	case <-ctx.Done():
		fail("cursor event never reached bob")
	}
	ok("relay")

	discovery := &client.Discovery{BaseURL: baseURL, GraceDelay: 150 * time.Millisecond}
	if has, err := discovery.Poll(ctx, room); err != nil {
		fail("poll: %v", err)
	} else if has {
		fail("fresh room reports a producer")
	}

	newStreamer := make(chan struct{}, 1)
	consumerStates := make(chan client.State, 16)
	consumer := &client.Negotiator{
		Role:    client.RoleConsumer,
		RoomID:  room,
		UserID:  "bob",
		BaseURL: baseURL,
		NewPeer: func() (client.PeerConnection, error) {
			return client.NewPionPeer(webrtc.NewAPI(), webrtc.Configuration{}, client.RoleConsumer)
		},
		Relay: bob,
		Log:   logger,

		OnStateChange: func(s client.State) {
			select {
			case consumerStates <- s:
			default:
			}
		},
	}
	client.AttachRelayTopics(consumer, bob, func() {
		select {
		case newStreamer <- struct{}{}:
		default:
		}
	})

	producerStates := make(chan client.State, 16)
	producer := &client.Negotiator{
		Role:          client.RoleProducer,
		RoomID:        room,
		UserID:        "alice",
		BaseURL:       baseURL,
		NewPeer:       newProducerPeer,
		Relay:         alice,
		Log:           logger,
		OnStateChange: func(s client.State) {
			select {
			case producerStates <- s:
			default:
			}
		},
	}
	client.AttachRelayTopics(producer, alice, nil)

	if err := producer.Start(ctx); err != nil {
		fail("producer negotiation: %v", err)
	}
	select {
	case <-newStreamer:
	case <-ctx.Done():
		fail("new-streamer broadcast never reached bob")
	}
	waitState(producerStates, client.StateConnected, timeout, "producer")
	ok("broadcast")

	if has, err := discovery.PollAfterJoin(ctx, room); err != nil {
		fail("poll after join: %v", err)
	} else if !has {
		fail("room with producer reports no producer")
	}

	if err := consumer.Start(ctx); err != nil {
		fail("consumer negotiation: %v", err)
	}
	waitState(consumerStates, client.StateConnected, timeout, "consumer")
	ok("subscribe")

	producer.Close()
	if err := alice.Send(ctx, "rtc-end", nil); err != nil {
		fail("send rtc-end: %v", err)
	}
	waitState(consumerStates, client.StateIdle, timeout, "consumer teardown")
	ok("teardown")

	fmt.Println("PASS")
}
