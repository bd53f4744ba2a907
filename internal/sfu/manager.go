package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/feltmark/boardcast/internal/metrics"
	"github.com/feltmark/boardcast/internal/relay"
)

// Manager routes negotiation requests to per-room SFUs and creates rooms on
// demand. Rooms whose last peer is removed are dropped immediately; joining
// again just recreates one.
type Manager struct {
	api           *webrtc.API
	pcCfg         webrtc.Configuration
	gatherTimeout time.Duration
	signal        Signaler
	log           *slog.Logger
	metrics       *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]*roomSFU
}

func NewManager(api *webrtc.API, pcCfg webrtc.Configuration, gatherTimeout time.Duration, signal Signaler, log *slog.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if gatherTimeout <= 0 {
		gatherTimeout = 2 * time.Second
	}
	return &Manager{
		api:           api,
		pcCfg:         pcCfg,
		gatherTimeout: gatherTimeout,
		signal:        signal,
		log:           log,
		metrics:       m,
		rooms:         make(map[string]*roomSFU),
	}
}

func (m *Manager) getOrCreate(roomName string) *roomSFU {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomName]
	if !ok {
		r = newRoomSFU(roomName, m.api, m.pcCfg, m.gatherTimeout, m.signal, m.log, m.metrics)
		m.rooms[roomName] = r
	}
	return r
}

func (m *Manager) get(roomName string) (*roomSFU, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomName]
	return r, ok
}

func (m *Manager) dropIfEmpty(roomName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomName]; ok && r.Empty() {
		delete(m.rooms, roomName)
	}
}

// AddProducer negotiates the producer leg for roomName.
func (m *Manager) AddProducer(ctx context.Context, roomName, userID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	answer, err := m.getOrCreate(roomName).AddProducer(ctx, userID, offer)
	if err != nil {
		m.dropIfEmpty(roomName)
	}
	return answer, err
}

// AddConsumer negotiates a consumer leg for roomName.
func (m *Manager) AddConsumer(ctx context.Context, roomName, userID string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	r, ok := m.get(roomName)
	if !ok {
		return nil, ErrNoProducer
	}
	return r.AddConsumer(ctx, userID, offer)
}

// AddICECandidate applies a trickled candidate from userID's client.
func (m *Manager) AddICECandidate(roomName, userID string, candidate webrtc.ICECandidateInit) error {
	if userID == "" {
		return errors.New("unknown user")
	}
	return m.getOrCreate(roomName).AddICECandidate(userID, candidate)
}

// RemovePeer tears down userID's negotiated peer in roomName, if any.
func (m *Manager) RemovePeer(roomName, userID string) {
	r, ok := m.get(roomName)
	if !ok {
		return
	}
	if r.RemovePeer(userID) {
		m.dropIfEmpty(roomName)
	}
}

// RoomHasProducer answers the discovery poll.
func (m *Manager) RoomHasProducer(roomName string) bool {
	r, ok := m.get(roomName)
	return ok && r.HasProducer()
}

// Close tears down every room.
func (m *Manager) Close() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*roomSFU)
	m.mu.Unlock()
	for _, r := range rooms {
		r.Close()
	}
}

// AttachRelay claims the SFU's reserved relay topics and subscribes to leave
// events so a dropped relay socket also tears down its negotiated peer.
func AttachRelay(m *Manager, rs *relay.Server) {
	rs.RegisterHook(relay.TopicICECandidate, func(conn *relay.Conn, env relay.Envelope) error {
		roomName, err := hookRoom(rs, conn, env)
		if err != nil {
			return err
		}

		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &candidate); err != nil {
			return errors.New("malformed candidate")
		}
		if strings.TrimSpace(candidate.Candidate) == "" {
			// End-of-candidates markers are not forwarded.
			return nil
		}
		return m.AddICECandidate(roomName, conn.UserID(), candidate)
	})

	endStream := func(conn *relay.Conn, env relay.Envelope) error {
		roomName, err := hookRoom(rs, conn, env)
		if err != nil {
			return err
		}
		m.RemovePeer(roomName, conn.UserID())
		return nil
	}
	rs.RegisterHook(relay.TopicRTCEnd, endStream)
	rs.RegisterHook(relay.TopicPreLeaveRoom, endStream)

	rs.OnLeave(func(conn *relay.Conn, roomName string) {
		if conn.UserID() == "" {
			return
		}
		m.RemovePeer(roomName, conn.UserID())
	})
}

// hookRoom resolves and validates the room an SFU-bound envelope refers to:
// the sender must be a member of the room it names (or of any room when the
// envelope omits one).
func hookRoom(rs *relay.Server, conn *relay.Conn, env relay.Envelope) (string, error) {
	joined, ok := rs.Registry().Room(conn)
	if !ok {
		return "", relay.ErrNotInRoom
	}
	if env.Room != "" && env.Room != joined {
		return "", relay.ErrNotInRoom
	}
	return joined, nil
}
