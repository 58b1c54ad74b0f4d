package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize is the maximum inbound frame size.
	DefaultMaxMessageSize = 64 * 1024

	// DefaultSendBuffer is the number of outbound events queued per connection.
	DefaultSendBuffer = 256
)

// ConnManager is the registry of live connections. It indexes them by id,
// by identity and by joined room.
type ConnManager struct {
	mu     sync.RWMutex
	conns  map[int]*Conn
	byUser map[string][]*Conn
	rooms  map[string]map[int]*Conn
	nextID int

	connWg  sync.WaitGroup
	context context.Context
	logger  *slog.Logger

	onConnectionOpened func(context.Context, *Conn)
	onConnectionClosed func(context.Context, *Conn)
	onEvent            func(context.Context, *Conn, *Event)

	upgrader       websocket.Upgrader
	maxMessageSize int64
	sendBuffer     int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithMaxMessageSize(n int64) ManagerOption {
	return func(m *ConnManager) {
		if n > 0 {
			m.maxMessageSize = n
		}
	}
}

func WithSendBuffer(n int) ManagerOption {
	return func(m *ConnManager) {
		if n > 0 {
			m.sendBuffer = n
		}
	}
}

func NewConnManager(ctx context.Context, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		conns:              make(map[int]*Conn),
		byUser:             make(map[string][]*Conn),
		rooms:              make(map[string]map[int]*Conn),
		context:            ctx,
		logger:             logger,
		upgrader:           defaultUpgrader,
		maxMessageSize:     DefaultMaxMessageSize,
		sendBuffer:         DefaultSendBuffer,
		onConnectionOpened: func(context.Context, *Conn) {},
		onConnectionClosed: func(context.Context, *Conn) {},
		onEvent:            func(context.Context, *Conn, *Event) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnConnectionOpened is called once a connection is registered, before any
// of its events are read.
func (m *ConnManager) OnConnectionOpened(f func(context.Context, *Conn)) {
	m.onConnectionOpened = f
}

// OnConnectionClosed is called once a connection is unregistered. The context
// is not tied to the request so cleanup runs to completion.
func (m *ConnManager) OnConnectionClosed(f func(context.Context, *Conn)) {
	m.onConnectionClosed = f
}

// OnEvent is called sequentially for every inbound event of a connection.
func (m *ConnManager) OnEvent(f func(context.Context, *Conn, *Event)) {
	m.onEvent = f
}

// NewConn creates a connection bound to identity that is not yet registered
// nor attached to a websocket.
func (m *ConnManager) NewConn(identity Identity) *Conn {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	return &Conn{
		ID:       id,
		Identity: identity,
		manager:  m,
		send:     make(chan *Event, m.sendBuffer),
		rooms:    make(map[string]struct{}),
		logger:   m.logger.With(slog.String("connection", fmt.Sprintf("%s:%d", identity.UserID, id))),
	}
}

// Connect upgrades the request to a websocket bound to identity, registers it
// and starts its read and write loops.
func (m *ConnManager) Connect(identity Identity, w http.ResponseWriter, r *http.Request) error {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied to the client
		return fmt.Errorf("upgrade: %w", err)
	}

	c := m.NewConn(identity)
	c.conn = ws
	m.Register(c)

	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		c.writeLoop(m.context)
	}()

	m.onConnectionOpened(m.context, c)

	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		c.readLoop(m.context, m.maxMessageSize)
	}()
	return nil
}

func (m *ConnManager) Register(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.ID] = c
	m.byUser[c.Identity.UserID] = append(m.byUser[c.Identity.UserID], c)
}

// Unregister removes c from every index and reports whether it was registered.
func (m *ConnManager) Unregister(c *Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.ID]; !ok {
		return false
	}
	delete(m.conns, c.ID)

	userID := c.Identity.UserID
	conns := slices.DeleteFunc(m.byUser[userID], func(o *Conn) bool { return o == c })
	if len(conns) == 0 {
		delete(m.byUser, userID)
	} else {
		m.byUser[userID] = conns
	}

	for roomID := range c.rooms {
		m.removeFromRoom(c, roomID)
	}
	return true
}

// Disconnect unregisters c, closes its outbound stream and runs the close
// callback. Calling it more than once has no effect.
func (m *ConnManager) Disconnect(c *Conn) {
	if !m.Unregister(c) {
		return
	}
	c.close()
	m.onConnectionClosed(context.Background(), c)
}

// Resolve returns the most recently registered live connection of the user.
func (m *ConnManager) Resolve(userID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := m.byUser[userID]
	if len(conns) == 0 {
		return nil, false
	}
	return conns[len(conns)-1], true
}

// UserConns returns the live connections of the user, oldest first.
func (m *ConnManager) UserConns(userID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.byUser[userID])
}

// IsUserConnected reports whether the user has at least one live connection.
func (m *ConnManager) IsUserConnected(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// JoinRoom adds the room to the joined set of c. It reports false if c is
// no longer registered, in which case nothing changes. Joining twice has no
// effect.
func (m *ConnManager) JoinRoom(c *Conn, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[c.ID]; !ok {
		return false
	}
	if _, ok := c.rooms[roomID]; ok {
		return true
	}
	c.rooms[roomID] = struct{}{}
	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[int]*Conn)
		m.rooms[roomID] = members
	}
	members[c.ID] = c
	return true
}

// LeaveRoom removes the room from the joined set of c and reports whether c
// was in it.
func (m *ConnManager) LeaveRoom(c *Conn, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	m.removeFromRoom(c, roomID)
	return true
}

// removeFromRoom must be called with mu held.
func (m *ConnManager) removeFromRoom(c *Conn, roomID string) {
	delete(c.rooms, roomID)
	if members, ok := m.rooms[roomID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(m.rooms, roomID)
		}
	}
}

func (m *ConnManager) InRoom(c *Conn, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns the rooms joined through c.
func (m *ConnManager) Rooms(c *Conn) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	slices.Sort(rooms)
	return rooms
}

// UserInRoom reports whether any connection of the user has joined the room.
func (m *ConnManager) UserInRoom(userID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.byUser[userID] {
		if _, ok := c.rooms[roomID]; ok {
			return true
		}
	}
	return false
}

func (m *ConnManager) RoomConns(roomID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Conn, 0, len(m.rooms[roomID]))
	for _, c := range m.rooms[roomID] {
		conns = append(conns, c)
	}
	return conns
}

func (m *ConnManager) Conns() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// Send delivers e to every live connection.
func (m *ConnManager) Send(e *Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		c.Send(e)
	}
}

// SendToRoom delivers e to every connection that joined the room except the
// given ones. The membership is read under one lock so a join or leave
// happens either entirely before or entirely after the broadcast.
func (m *ConnManager) SendToRoom(e *Event, roomID string, except ...*Conn) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.rooms[roomID] {
		if slices.Contains(except, c) {
			continue
		}
		c.Send(e)
	}
}

// SendToUsers delivers e to the resolved connection of each user that has one.
// Users without a live connection are skipped.
func (m *ConnManager) SendToUsers(e *Event, userIDs ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sent := make(map[int]struct{}, len(userIDs))
	for _, u := range userIDs {
		conns := m.byUser[u]
		if len(conns) == 0 {
			m.logger.Debug("recipient unavailable", slog.String("user", u))
			continue
		}
		c := conns[len(conns)-1]
		if _, ok := sent[c.ID]; ok {
			continue
		}
		sent[c.ID] = struct{}{}
		c.Send(e)
	}
}

// Close closes every connection and waits for their loops to finish.
func (m *ConnManager) Close() {
	for _, c := range m.Conns() {
		c.close()
	}
	m.connWg.Wait()
}
