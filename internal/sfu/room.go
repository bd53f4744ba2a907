package sfu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/feltmark/boardcast/internal/metrics"
	"github.com/feltmark/boardcast/internal/relay"
)

var (
	// ErrProducerExists is returned when a second producer tries to broadcast
	// into a room that already has an active one.
	ErrProducerExists = errors.New("room already has an active producer")

	// ErrNoProducer is returned when a consumer subscribes to a room without
	// an active producer.
	ErrNoProducer = errors.New("room has no active producer")

	// ErrNoStream is returned when the producer has negotiated but no media
	// has arrived yet; the consumer should retry shortly.
	ErrNoStream = errors.New("producer has no active stream yet")
)

// pendingCandidateLimit bounds how many trickled candidates are buffered for a
// peer whose negotiation has not completed yet.
const pendingCandidateLimit = 64

// Signaler is the slice of the relay server the SFU needs: targeted delivery
// for trickled candidates and room broadcasts for producer lifecycle events.
type Signaler interface {
	SendToMember(roomName, userID, topic string, payload any) error
	BroadcastExcept(roomName, exceptUserID, topic string, payload any) error
}

type peer struct {
	userID string
	pc     *webrtc.PeerConnection
}

// roomSFU owns the server-side peer connections for one room: at most one
// producer publishing a screen-share stream and any number of consumers
// receiving a forwarded copy of it.
type roomSFU struct {
	name          string
	log           *slog.Logger
	metrics       *metrics.Metrics
	api           *webrtc.API
	pcCfg         webrtc.Configuration
	gatherTimeout time.Duration
	signal        Signaler

	mu         sync.Mutex
	producer   *peer
	consumers  map[string]*peer
	tracks     []*webrtc.TrackLocalStaticRTP
	trackReady chan struct{}
	pending    map[string][]webrtc.ICECandidateInit
}

func newRoomSFU(name string, api *webrtc.API, pcCfg webrtc.Configuration, gatherTimeout time.Duration, signal Signaler, log *slog.Logger, m *metrics.Metrics) *roomSFU {
	return &roomSFU{
		name:          name,
		log:           log.With("room", name),
		metrics:       m,
		api:           api,
		pcCfg:         pcCfg,
		gatherTimeout: gatherTimeout,
		signal:        signal,
		consumers:     make(map[string]*peer),
		trackReady:    make(chan struct{}),
		pending:       make(map[string][]webrtc.ICECandidateInit),
	}
}

// AddProducer performs the producer-side offer/answer exchange. On success the
// room broadcasts webrtc-new-streamer to every other member.
func (s *roomSFU) AddProducer(ctx context.Context, userID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	reservation := &peer{userID: userID}
	s.mu.Lock()
	if s.producer != nil {
		s.mu.Unlock()
		return nil, ErrProducerExists
	}
	s.producer = reservation
	s.mu.Unlock()

	pc, answer, err := s.negotiateProducer(ctx, userID, offer)
	if err != nil {
		s.mu.Lock()
		if s.producer == reservation {
			s.producer = nil
		}
		s.mu.Unlock()
		s.metrics.Inc(metrics.EventSFUNegotiationErr)
		return nil, err
	}

	s.mu.Lock()
	if s.producer != reservation {
		// Torn down mid-negotiation (rtc-end or disconnect raced us).
		s.mu.Unlock()
		_ = pc.Close()
		return nil, errors.New("producer removed during negotiation")
	}
	s.producer = &peer{userID: userID, pc: pc}
	s.mu.Unlock()

	s.flushPending(userID, pc)
	s.metrics.Inc(metrics.EventSFUProducerStarted)
	s.log.Info("producer started", "user", userID)

	if err := s.signal.BroadcastExcept(s.name, userID, relay.TopicNewStreamer, nil); err != nil {
		s.log.Warn("new-streamer broadcast failed", "err", err)
	}
	return answer, nil
}

func (s *roomSFU) negotiateProducer(ctx context.Context, userID string, offer webrtc.SessionDescription) (*webrtc.PeerConnection, *webrtc.SessionDescription, error) {
	pc, err := s.api.NewPeerConnection(s.pcCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create peer connection: %w", err)
	}
	cleanup := func() { _ = pc.Close() }

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	s.wireICETrickle(pc, userID)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleProducerTrack(userID, remote)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			s.log.Debug("producer connection gone", "user", userID, "state", state.String())
			s.RemovePeer(userID)
		}
	})

	answer, err := s.completeNegotiation(ctx, pc, offer)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return pc, answer, nil
}

// AddConsumer performs the consumer-side offer/answer exchange, attaching the
// producer's forwarded tracks. It waits briefly for the first producer track
// so consumers that react to webrtc-new-streamer immediately don't race the
// producer's media.
func (s *roomSFU) AddConsumer(ctx context.Context, userID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	s.mu.Lock()
	if s.producer == nil {
		s.mu.Unlock()
		return nil, ErrNoProducer
	}
	ready := s.trackReady
	hasTracks := len(s.tracks) > 0
	s.mu.Unlock()

	if !hasTracks {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.gatherTimeout):
			return nil, ErrNoStream
		}
	}

	pc, err := s.api.NewPeerConnection(s.pcCfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s.mu.Lock()
	tracks := make([]*webrtc.TrackLocalStaticRTP, len(s.tracks))
	copy(tracks, s.tracks)
	s.mu.Unlock()

	for _, track := range tracks {
		if err := attachTrack(pc, track); err != nil {
			_ = pc.Close()
			s.metrics.Inc(metrics.EventSFUNegotiationErr)
			return nil, err
		}
	}

	s.wireICETrickle(pc, userID)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			s.log.Debug("consumer connection gone", "user", userID, "state", state.String())
			s.RemovePeer(userID)
		}
	})

	answer, err := s.completeNegotiation(ctx, pc, offer)
	if err != nil {
		_ = pc.Close()
		s.metrics.Inc(metrics.EventSFUNegotiationErr)
		return nil, err
	}

	s.mu.Lock()
	if old, ok := s.consumers[userID]; ok && old.pc != nil {
		_ = old.pc.Close()
	}
	s.consumers[userID] = &peer{userID: userID, pc: pc}
	s.mu.Unlock()

	s.flushPending(userID, pc)
	s.metrics.Inc(metrics.EventSFUConsumerStarted)
	s.log.Info("consumer started", "user", userID)
	return answer, nil
}

// completeNegotiation applies the remote offer, creates the local answer, and
// waits for candidate gathering so the answer is usable without trickle. The
// wait is bounded; late candidates still trickle over the relay.
func (s *roomSFU) completeNegotiation(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("apply offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("apply answer: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.gatherTimeout):
	}

	local := pc.LocalDescription()
	if local == nil {
		return nil, errors.New("missing local description")
	}
	return local, nil
}

func (s *roomSFU) wireICETrickle(pc *webrtc.PeerConnection, userID string) {
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if err := s.signal.SendToMember(s.name, userID, relay.TopicICECandidate, candidate.ToJSON()); err != nil {
			s.log.Debug("candidate delivery failed", "user", userID, "err", err)
		}
	})
}

// handleProducerTrack forwards one remote producer track into a local track
// shared by all consumers.
func (s *roomSFU) handleProducerTrack(userID string, remote *webrtc.TrackRemote) {
	local, err := webrtc.NewTrackLocalStaticRTP(
		remote.Codec().RTPCodecCapability,
		fmt.Sprintf("%s-%s", remote.Kind(), userID),
		"stream-"+userID,
	)
	if err != nil {
		s.log.Error("create forwarding track failed", "err", err)
		return
	}

	s.mu.Lock()
	s.tracks = append(s.tracks, local)
	if len(s.tracks) == 1 {
		close(s.trackReady)
	}
	consumers := make([]*peer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	s.log.Debug("producer track", "user", userID, "kind", remote.Kind().String(), "codec", remote.Codec().MimeType)

	for _, c := range consumers {
		if err := attachTrack(c.pc, local); err != nil {
			s.log.Warn("attach track to consumer failed", "user", c.userID, "err", err)
		}
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := remote.Read(buf)
			if err != nil {
				return
			}
			if _, err := local.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
}

// attachTrack adds a forwarded track to a consumer connection and drains its
// RTCP stream so pion keeps interceptors fed.
func attachTrack(pc *webrtc.PeerConnection, track *webrtc.TrackLocalStaticRTP) error {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// AddICECandidate applies a trickled candidate to the peer identified by
// userID, buffering it when that peer's negotiation has not registered yet.
func (s *roomSFU) AddICECandidate(userID string, candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	var pc *webrtc.PeerConnection
	if s.producer != nil && s.producer.userID == userID {
		pc = s.producer.pc
	} else if c, ok := s.consumers[userID]; ok {
		pc = c.pc
	}
	if pc == nil {
		if len(s.pending[userID]) >= pendingCandidateLimit {
			s.mu.Unlock()
			return errors.New("too many buffered candidates")
		}
		s.pending[userID] = append(s.pending[userID], candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return pc.AddICECandidate(candidate)
}

func (s *roomSFU) flushPending(userID string, pc *webrtc.PeerConnection) {
	s.mu.Lock()
	buffered := s.pending[userID]
	delete(s.pending, userID)
	s.mu.Unlock()

	for _, candidate := range buffered {
		if err := pc.AddICECandidate(candidate); err != nil {
			s.log.Debug("buffered candidate rejected", "user", userID, "err", err)
		}
	}
}

// RemovePeer tears down whatever peer userID negotiated. Removing the
// producer broadcasts webrtc-disconnect-streamer and drops every consumer,
// since their forwarded tracks just died.
func (s *roomSFU) RemovePeer(userID string) bool {
	s.mu.Lock()
	delete(s.pending, userID)

	if s.producer != nil && s.producer.userID == userID {
		producer := s.producer
		consumers := s.consumers
		s.producer = nil
		s.consumers = make(map[string]*peer)
		s.tracks = nil
		s.trackReady = make(chan struct{})
		s.mu.Unlock()

		if producer.pc != nil {
			_ = producer.pc.Close()
		}
		for _, c := range consumers {
			if c.pc != nil {
				_ = c.pc.Close()
			}
			s.metrics.Inc(metrics.EventSFUConsumerStopped)
		}
		s.metrics.Inc(metrics.EventSFUProducerStopped)
		s.log.Info("producer stopped", "user", userID)

		if err := s.signal.BroadcastExcept(s.name, userID, relay.TopicDisconnectStreamer, nil); err != nil {
			s.log.Warn("disconnect-streamer broadcast failed", "err", err)
		}
		return true
	}

	if c, ok := s.consumers[userID]; ok {
		delete(s.consumers, userID)
		s.mu.Unlock()
		if c.pc != nil {
			_ = c.pc.Close()
		}
		s.metrics.Inc(metrics.EventSFUConsumerStopped)
		s.log.Info("consumer stopped", "user", userID)
		return true
	}

	s.mu.Unlock()
	return false
}

// HasProducer reports whether a producer negotiation is active, from the
// moment the offer is accepted until teardown.
func (s *roomSFU) HasProducer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producer != nil
}

// Empty reports whether this room has no negotiated peers left.
func (s *roomSFU) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.producer == nil && len(s.consumers) == 0 && len(s.pending) == 0
}

func (s *roomSFU) Close() {
	s.mu.Lock()
	producer := s.producer
	consumers := s.consumers
	s.producer = nil
	s.consumers = make(map[string]*peer)
	s.tracks = nil
	s.pending = make(map[string][]webrtc.ICECandidateInit)
	s.mu.Unlock()

	if producer != nil && producer.pc != nil {
		_ = producer.pc.Close()
	}
	for _, c := range consumers {
		if c.pc != nil {
			_ = c.pc.Close()
		}
	}
}
