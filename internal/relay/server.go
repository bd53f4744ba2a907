package relay

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feltmark/boardcast/internal/metrics"
	"github.com/feltmark/boardcast/internal/origin"
	"github.com/feltmark/boardcast/internal/ratelimit"
)

// Options tunes the relay channel. Zero values fall back to defaults suitable
// for development.
type Options struct {
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// MaxConnsPerHost caps concurrent connections per remote host. Zero
	// means unlimited.
	MaxConnsPerHost int

	RoomRetention  time.Duration
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.IdleTimeout {
		o.PingInterval = o.IdleTimeout * 9 / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.MaxMessagesPerSecond <= 0 {
		o.MaxMessagesPerSecond = 50
	}
	return o
}

// Hook handles a reserved topic instead of forwarding it to the room. A nil
// return acks 200; an error acks 400 with the error text.
type Hook func(conn *Conn, env Envelope) error

// LeaveListener observes a connection leaving a room, whether via an explicit
// leaveRoom or a dropped socket.
type LeaveListener func(conn *Conn, roomName string)

// Server is the room-scoped message relay.
//
// Clients connect over WebSocket, join exactly one room, and publish topic
// envelopes that are forwarded to every other member of that room. Every
// inbound envelope is acknowledged with a status receipt.
type Server struct {
	opts      Options
	log       *slog.Logger
	metrics   *metrics.Metrics
	registry  *Registry
	upgrader  websocket.Upgrader
	connLimit *ratelimit.ConnLimiter

	mu             sync.RWMutex
	hooks          map[string]Hook
	leaveListeners []LeaveListener
}

func NewServer(opts Options, log *slog.Logger, m *metrics.Metrics) *Server {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		opts:      opts,
		log:       log,
		metrics:   m,
		registry:  NewRegistry(opts.RoomRetention, m),
		connLimit: ratelimit.NewConnLimiter(opts.MaxConnsPerHost),
		hooks:     make(map[string]Hook),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r)
		},
	}
	return s
}

// Registry exposes room membership for the negotiation layer.
func (s *Server) Registry() *Registry {
	return s.registry
}

// RegisterHook claims a topic. Hooked topics are consumed server-side and
// never forwarded. Registering joinRoom or leaveRoom panics because those are
// built in.
func (s *Server) RegisterHook(topic string, h Hook) {
	if topic == TopicJoinRoom || topic == TopicLeaveRoom {
		panic("relay: cannot hook built-in topic " + topic)
	}
	s.mu.Lock()
	s.hooks[topic] = h
	s.mu.Unlock()
}

// OnLeave registers a listener invoked after a connection leaves its room.
func (s *Server) OnLeave(l LeaveListener) {
	s.mu.Lock()
	s.leaveListeners = append(s.leaveListeners, l)
	s.mu.Unlock()
}

// SendToMember delivers a server-originated event to the member of roomName
// that joined with userID.
func (s *Server) SendToMember(roomName, userID, topic string, payload any) error {
	conn, ok := s.registry.Member(roomName, userID)
	if !ok {
		return ErrNotInRoom
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteEvent(topic, raw)
}

// BroadcastEvent delivers a server-originated event to every member of
// roomName except the given connection (nil sends to all members).
func (s *Server) BroadcastEvent(roomName string, except *Conn, topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	failed, err := s.registry.Broadcast(roomName, except, topic, raw)
	if err != nil {
		return err
	}
	s.reapFailed(failed)
	return nil
}

// BroadcastExcept delivers a server-originated event to every member of
// roomName except the one that joined with exceptUserID. An unknown userID
// falls back to a full-room broadcast.
func (s *Server) BroadcastExcept(roomName, exceptUserID, topic string, payload any) error {
	var except *Conn
	if conn, ok := s.registry.Member(roomName, exceptUserID); ok {
		except = conn
	}
	return s.BroadcastEvent(roomName, except, topic, payload)
}

func (s *Server) originAllowed(r *http.Request) bool {
	rawOrigin := r.Header.Get("Origin")
	if rawOrigin == "" {
		// Non-browser client; nothing to enforce.
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(rawOrigin)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.opts.AllowedOrigins)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.connLimit.Acquire(host) {
		s.metrics.Inc(metrics.EventRelayConnRejected)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.connLimit.Release(host)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newConn(ws, s.opts.WriteTimeout)
	s.metrics.Inc(metrics.EventRelayConnAccepted)
	s.log.Debug("relay connection accepted", "conn", conn.ID(), "remote", r.RemoteAddr)

	ws.SetReadLimit(s.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
	})

	done := make(chan struct{})
	go s.pingLoop(conn, done)

	limiter := ratelimit.NewTokenBucket(nil, int64(s.opts.MaxMessagesPerSecond), int64(s.opts.MaxMessagesPerSecond))

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("relay read failed", "conn", conn.ID(), "err", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			conn.writeClose(websocket.CloseUnsupportedData, "expected text message")
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.EventRelayMsgRateLimited)
			conn.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			break
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			// A malformed frame is the sender's problem, not grounds for
			// dropping an otherwise healthy connection.
			s.metrics.Inc(metrics.EventRelayMsgMalformed)
			_ = conn.writeAck(http.StatusBadRequest, "malformed message")
			continue
		}

		s.dispatch(conn, env)
	}

	close(done)
	s.disconnect(conn)
}

func (s *Server) pingLoop(conn *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.writePing(); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(conn *Conn, env Envelope) {
	switch env.Topic {
	case TopicJoinRoom:
		s.handleJoin(conn, env)
	case TopicLeaveRoom:
		s.handleLeave(conn, env)
	default:
		s.mu.RLock()
		hook, hooked := s.hooks[env.Topic]
		s.mu.RUnlock()
		if hooked {
			if err := hook(conn, env); err != nil {
				_ = conn.writeAck(http.StatusBadRequest, err.Error())
				return
			}
			_ = conn.writeAck(http.StatusOK, "ok")
			return
		}
		s.handleForward(conn, env)
	}
}

func (s *Server) handleJoin(conn *Conn, env Envelope) {
	if env.Room == "" {
		_ = conn.writeAck(http.StatusBadRequest, "missing room")
		return
	}

	if len(env.Payload) > 0 {
		var p joinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			_ = conn.writeAck(http.StatusBadRequest, "malformed join payload")
			return
		}
		if p.UserID != "" {
			conn.setUserID(p.UserID)
		}
	}

	if err := s.registry.Join(conn, env.Room); err != nil {
		_ = conn.writeAck(http.StatusBadRequest, err.Error())
		return
	}
	s.log.Debug("joined room", "conn", conn.ID(), "room", env.Room, "user", conn.UserID())
	_ = conn.writeAck(http.StatusOK, "joined room")
}

func (s *Server) handleLeave(conn *Conn, env Envelope) {
	if env.Room == "" {
		_ = conn.writeAck(http.StatusBadRequest, "missing room")
		return
	}
	if err := s.registry.Leave(conn, env.Room); err != nil {
		_ = conn.writeAck(http.StatusBadRequest, err.Error())
		return
	}
	s.notifyLeave(conn, env.Room)
	s.log.Debug("left room", "conn", conn.ID(), "room", env.Room)
	_ = conn.writeAck(http.StatusOK, "left room")
}

func (s *Server) handleForward(conn *Conn, env Envelope) {
	if env.Room == "" {
		_ = conn.writeAck(http.StatusBadRequest, "missing room")
		return
	}

	failed, err := s.registry.Broadcast(env.Room, conn, env.Topic, env.Payload)
	if err != nil {
		_ = conn.writeAck(http.StatusBadRequest, err.Error())
		return
	}
	s.reapFailed(failed)
	s.metrics.Inc(metrics.EventRelayMsgForwarded)
	_ = conn.writeAck(http.StatusOK, "ok")
}

// reapFailed closes connections whose writes failed; their read loops then
// exit and run the normal disconnect path.
func (s *Server) reapFailed(failed []*Conn) {
	for _, conn := range failed {
		s.metrics.Inc(metrics.EventRelaySlowConsumer)
		s.log.Warn("dropping slow relay consumer", "conn", conn.ID())
		conn.close()
	}
}

func (s *Server) disconnect(conn *Conn) {
	roomName, wasMember := s.registry.Disconnect(conn)
	if wasMember {
		s.notifyLeave(conn, roomName)
	}
	conn.close()
	s.metrics.Inc(metrics.EventRelayConnClosed)
	s.log.Debug("relay connection closed", "conn", conn.ID())
}

func (s *Server) notifyLeave(conn *Conn, roomName string) {
	s.mu.RLock()
	listeners := make([]LeaveListener, len(s.leaveListeners))
	copy(listeners, s.leaveListeners)
	s.mu.RUnlock()
	for _, l := range listeners {
		l(conn, roomName)
	}
}
