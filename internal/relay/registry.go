package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/feltmark/boardcast/internal/metrics"
)

var (
	// ErrAlreadyInRoom is returned when a connection that is already a member
	// of a room attempts to join again. Membership is exclusive: a connection
	// belongs to at most one room at a time.
	ErrAlreadyInRoom = errors.New("already in a room")

	// ErrNotInRoom is returned when an operation requires membership in the
	// named room and the connection has none.
	ErrNotInRoom = errors.New("not in room")
)

type room struct {
	name    string
	members map[*Conn]struct{}
	gc      *time.Timer
}

// Registry tracks rooms and their member connections.
//
// Empty rooms are retained for the configured retention period and then
// collected; zero retention keeps them for the process lifetime. A join always
// recreates a collected room, so collection only affects memory, never
// correctness.
type Registry struct {
	retention time.Duration
	metrics   *metrics.Metrics

	mu         sync.Mutex
	rooms      map[string]*room
	membership map[*Conn]string
}

func NewRegistry(retention time.Duration, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		retention:  retention,
		metrics:    m,
		rooms:      make(map[string]*room),
		membership: make(map[*Conn]string),
	}
}

// Join adds conn to roomName, creating the room if needed.
func (g *Registry) Join(conn *Conn, roomName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.membership[conn]; ok {
		return ErrAlreadyInRoom
	}

	r, ok := g.rooms[roomName]
	if !ok {
		r = &room{
			name:    roomName,
			members: make(map[*Conn]struct{}),
		}
		g.rooms[roomName] = r
		g.metrics.Inc(metrics.EventRoomCreated)
	}
	if r.gc != nil {
		r.gc.Stop()
		r.gc = nil
	}

	r.members[conn] = struct{}{}
	g.membership[conn] = roomName
	g.metrics.Inc(metrics.EventRoomJoined)
	return nil
}

// Leave removes conn from roomName.
//
// It fails with ErrNotInRoom when conn is not a member of that exact room, and
// mutates nothing in that case.
func (g *Registry) Leave(conn *Conn, roomName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.membership[conn] != roomName {
		return ErrNotInRoom
	}
	r, ok := g.rooms[roomName]
	if !ok {
		return ErrNotInRoom
	}
	if _, ok := r.members[conn]; !ok {
		return ErrNotInRoom
	}

	g.removeLocked(conn, r)
	g.metrics.Inc(metrics.EventRoomLeft)
	return nil
}

// Disconnect removes conn from whatever room it is in.
//
// It is idempotent: disconnecting an unknown or already-removed connection is
// a no-op.
func (g *Registry) Disconnect(conn *Conn) (roomName string, wasMember bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roomName, ok := g.membership[conn]
	if !ok {
		return "", false
	}
	r, ok := g.rooms[roomName]
	if !ok {
		delete(g.membership, conn)
		return "", false
	}
	g.removeLocked(conn, r)
	g.metrics.Inc(metrics.EventRoomDisconnected)
	return roomName, true
}

// Room returns the room conn currently belongs to.
func (g *Registry) Room(conn *Conn) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name, ok := g.membership[conn]
	return name, ok
}

// Member finds the connection in roomName that joined with the given user id.
func (g *Registry) Member(roomName, userID string) (*Conn, bool) {
	if userID == "" {
		return nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomName]
	if !ok {
		return nil, false
	}
	for conn := range r.members {
		if conn.UserID() == userID {
			return conn, true
		}
	}
	return nil, false
}

// MemberCount returns the number of connections in roomName, 0 when the room
// does not exist.
func (g *Registry) MemberCount(roomName string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomName]
	if !ok {
		return 0
	}
	return len(r.members)
}

// Broadcast forwards topic/payload to every member of roomName except sender.
//
// A nil sender broadcasts to the whole room and skips the membership check
// (used for server-originated events). Broadcasting to a room that does not
// exist is a no-op. It returns the connections whose writes failed; the caller
// decides what to do with them.
func (g *Registry) Broadcast(roomName string, sender *Conn, topic string, payload json.RawMessage) (failed []*Conn, err error) {
	g.mu.Lock()
	r, ok := g.rooms[roomName]
	if !ok {
		g.mu.Unlock()
		return nil, nil
	}
	if sender != nil {
		if _, ok := r.members[sender]; !ok {
			g.mu.Unlock()
			return nil, ErrNotInRoom
		}
	}
	recipients := make([]*Conn, 0, len(r.members))
	for conn := range r.members {
		if conn == sender {
			continue
		}
		recipients = append(recipients, conn)
	}
	g.mu.Unlock()

	for _, conn := range recipients {
		if writeErr := conn.WriteEvent(topic, payload); writeErr != nil {
			failed = append(failed, conn)
		}
	}
	return failed, nil
}

// removeLocked takes conn out of r and schedules collection when the room
// becomes empty.
func (g *Registry) removeLocked(conn *Conn, r *room) {
	delete(r.members, conn)
	delete(g.membership, conn)

	if len(r.members) > 0 {
		return
	}
	if g.retention == 0 {
		return
	}

	name := r.name
	r.gc = time.AfterFunc(g.retention, func() {
		g.collect(name)
	})
}

func (g *Registry) collect(roomName string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomName]
	if !ok || len(r.members) > 0 {
		return
	}
	delete(g.rooms, roomName)
	g.metrics.Inc(metrics.EventRoomCollected)
}
