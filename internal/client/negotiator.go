package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/feltmark/boardcast/internal/relay"
)

// pendingCandidateLimit bounds how many remote candidates are buffered before
// the answer is applied. The server buffers trickled candidates with the same
// cap.
const pendingCandidateLimit = 64

// State is one position in the negotiation lifecycle. Closed is transient:
// teardown releases the peer synchronously and settles back in Idle, so the
// machine can negotiate again with a fresh peer connection.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PeerConnection is the slice of the media stack the negotiator drives. A
// pion-backed implementation is provided by NewPionPeer; tests inject fakes.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Negotiator drives one (room, role) offer/answer exchange: the offer travels
// over the synchronous signaling call, candidates trickle over the relay, and
// the connected transition is observed from the transport's state callback.
type Negotiator struct {
	Role    Role
	RoomID  string
	UserID  string
	BaseURL string

	// NewPeer creates the peer connection for one negotiation attempt.
	NewPeer func() (PeerConnection, error)

	HTTPClient *http.Client
	Relay      *Relay
	Log        *slog.Logger

	// OnStateChange, if set, observes every transition. It runs with the
	// negotiator's lock held and must not call back into the negotiator.
	OnStateChange func(State)

	mu      sync.Mutex
	state   State
	pc      PeerConnection
	pending []webrtc.ICECandidateInit
}

func (n *Negotiator) log() *slog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return slog.Default()
}

// State returns the current position in the lifecycle.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setStateLocked(s State) {
	n.state = s
	if n.OnStateChange != nil {
		n.OnStateChange(s)
	}
}

// Start runs the negotiation: create a peer, send the offer, apply the
// answer, and trickle candidates until the transport reports connected. Any
// failure tears the peer down and returns the machine to Idle.
func (n *Negotiator) Start(ctx context.Context) error {
	n.mu.Lock()
	// A non-nil pc means a previous Start is still in flight even though the
	// state only advances to OfferSent after the offer is created.
	if n.state != StateIdle || n.pc != nil {
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("negotiation already in progress (%s)", state)
	}
	pc, err := n.NewPeer()
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("%w: create peer: %v", ErrNegotiationFailed, err)
	}
	n.pc = pc
	n.mu.Unlock()

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		n.sendLocalCandidate(candidate)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.observeTransport(state)
	})

	offer, err := pc.CreateOffer()
	if err != nil {
		n.teardown()
		return fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}

	n.mu.Lock()
	n.setStateLocked(StateOfferSent)
	n.mu.Unlock()

	answer, err := negotiate(ctx, n.HTTPClient, n.BaseURL, n.Role, n.RoomID, n.UserID, offer)
	if err != nil {
		n.teardown()
		return err
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		n.teardown()
		return fmt.Errorf("%w: apply answer: %v", ErrNegotiationFailed, err)
	}

	n.mu.Lock()
	n.setStateLocked(StateNegotiating)
	buffered := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, candidate := range buffered {
		if err := pc.AddICECandidate(candidate); err != nil {
			n.log().Debug("buffered candidate rejected", "err", err)
		}
	}
	return nil
}

func (n *Negotiator) sendLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil || n.Relay == nil {
		return
	}
	init := candidate.ToJSON()
	if init.Candidate == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Relay.Send(ctx, relay.TopicICECandidate, init); err != nil {
		n.log().Debug("candidate send failed", "err", err)
	}
}

func (n *Negotiator) observeTransport(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		n.mu.Lock()
		if n.state == StateNegotiating || n.state == StateOfferSent {
			n.setStateLocked(StateConnected)
		}
		n.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		n.Close()
	}
}

// HandleRemoteCandidate applies a candidate trickled from the counterpart,
// buffering it when the answer has not been applied yet so no candidate is
// lost to ordering.
func (n *Negotiator) HandleRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	n.mu.Lock()
	switch n.state {
	case StateNegotiating, StateConnected:
		pc := n.pc
		n.mu.Unlock()
		return pc.AddICECandidate(candidate)
	default:
		if len(n.pending) >= pendingCandidateLimit {
			n.mu.Unlock()
			return errors.New("too many buffered candidates")
		}
		n.pending = append(n.pending, candidate)
		n.mu.Unlock()
		return nil
	}
}

// Close releases the peer synchronously and settles the machine back in
// Idle. It is idempotent.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.state == StateIdle && n.pc == nil {
		n.mu.Unlock()
		return
	}
	pc := n.pc
	n.pc = nil
	n.pending = nil
	n.setStateLocked(StateClosed)
	n.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}

	n.mu.Lock()
	n.setStateLocked(StateIdle)
	n.mu.Unlock()
}

func (n *Negotiator) teardown() {
	n.Close()
}

// AttachRelayTopics subscribes the negotiator to its relay-side events:
// trickled candidates, end-of-stream teardown for consumers, and new-streamer
// notifications that invoke onNewStreamer (consumers typically start a fresh
// negotiation from it; producers pass nil).
func AttachRelayTopics(n *Negotiator, r *Relay, onNewStreamer func()) {
	r.Handle(relay.TopicICECandidate, func(payload json.RawMessage) {
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &candidate); err != nil {
			n.log().Warn("malformed remote candidate", "err", err)
			return
		}
		if candidate.Candidate == "" {
			return
		}
		if err := n.HandleRemoteCandidate(candidate); err != nil {
			n.log().Debug("remote candidate rejected", "err", err)
		}
	})

	if n.Role == RoleConsumer {
		r.Handle(relay.TopicDisconnectStreamer, func(json.RawMessage) {
			n.Close()
		})
	}
	if onNewStreamer != nil {
		r.Handle(relay.TopicNewStreamer, func(json.RawMessage) {
			onNewStreamer()
		})
	}
}
