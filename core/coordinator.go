package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRoom is joined by every connection when it opens.
const DefaultRoom = "general"

type CoordinatorConfig struct {
	// HistoryLimit is the number of messages sent when a room is joined.
	HistoryLimit int
	// DefaultRoom is joined on connect. Empty disables the auto join.
	DefaultRoom string
	// TypingTTL bounds how long a typing indicator survives without a stop.
	// Zero keeps indicators until stopped or until the user disconnects.
	TypingTTL time.Duration
}

var DefaultCoordinatorConfig = CoordinatorConfig{
	HistoryLimit: DefaultHistoryLimit,
	DefaultRoom:  DefaultRoom,
	TypingTTL:    DefaultTypingTTL,
}

// Coordinator receives the inbound events of every connection, applies them
// to the stores and decides which connections receive the resulting events.
type Coordinator struct {
	users    UserStore
	rooms    RoomStore
	messages MessageStore
	presence *PresenceTracker
	typing   *TypingTracker
	conns    *ConnManager
	router   *EventRouter
	// private maps a private room id to its two participants.
	private *SyncMap[string, [2]string]

	historyLimit int
	defaultRoom  string
	logger       *slog.Logger
}

func NewCoordinator(
	users UserStore,
	rooms RoomStore,
	messages MessageStore,
	conns *ConnManager,
	logger *slog.Logger,
	cfg CoordinatorConfig,
) *Coordinator {
	c := &Coordinator{
		users:        users,
		rooms:        rooms,
		messages:     messages,
		presence:     NewPresenceTracker(users),
		typing:       NewTypingTracker(cfg.TypingTTL),
		conns:        conns,
		router:       NewEventRouter(logger),
		private:      NewSyncMap[string, [2]string](),
		historyLimit: cfg.HistoryLimit,
		defaultRoom:  cfg.DefaultRoom,
		logger:       logger,
	}
	c.registerHandlers()

	conns.OnConnectionOpened(c.onConnectionOpened)
	conns.OnConnectionClosed(c.onConnectionClosed)
	conns.OnEvent(c.router.Dispatch)
	return c
}

// Run expires stale typing indicators until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	c.typing.Run(ctx, c.onTypingExpired)
}

// Handshake checks the identity a connection is about to be bound to and
// returns the user it refers to.
func (c *Coordinator) Handshake(ctx context.Context, identity *Identity) (User, error) {
	if identity == nil || identity.UserID == "" {
		return User{}, ErrAuthRequired
	}
	user, err := c.users.FindByID(ctx, identity.UserID)
	if err != nil {
		if CodeOf(err) == CodeNotFound {
			return User{}, ErrInvalidIdentity.Withf("unknown user %q", identity.UserID)
		}
		return User{}, fmt.Errorf("finding user: %w", err)
	}
	return user, nil
}

func (c *Coordinator) onConnectionOpened(ctx context.Context, conn *Conn) {
	userID := conn.Identity.UserID
	user, changed, err := c.presence.Connect(ctx, userID)
	if err != nil {
		c.logger.Error(fmt.Sprintf("presence connect: %v", err), slog.String("user", userID))
	}

	if c.defaultRoom != "" {
		if err := c.join(ctx, conn, c.defaultRoom); errors.Is(err, ErrConnClosed) {
			c.logger.Debug("connection closed before joining default room", slog.String("user", userID))
		} else if err != nil {
			c.logger.Error(fmt.Sprintf("joining default room: %v", err), slog.String("user", userID))
		}
	}

	if changed {
		c.broadcastStatus(user)
	}
}

func (c *Coordinator) onConnectionClosed(ctx context.Context, conn *Conn) {
	userID := conn.Identity.UserID

	for _, t := range c.typing.Sweep(userID) {
		c.sendTypingStopped(t)
	}

	user, changed, err := c.presence.Disconnect(ctx, userID)
	if err != nil {
		c.logger.Error(fmt.Sprintf("presence disconnect: %v", err), slog.String("user", userID))
		return
	}
	if changed {
		c.broadcastStatus(user)
	}
}

func (c *Coordinator) onTypingExpired(t Typing) {
	c.logger.Debug("typing expired", slog.String("user", t.UserID), slog.String("room", t.RoomID))
	c.sendTypingStopped(t)
}

// join adds the connection to the room and records the membership on the
// user and the room roster. It reports nothing to other connections.
func (c *Coordinator) join(ctx context.Context, conn *Conn, roomID string) error {
	if IsPrivateRoomID(roomID) && !IsPrivateRoomMember(roomID, conn.Identity.UserID) {
		return ErrRoomNotFound
	}
	if _, err := c.rooms.Get(ctx, roomID); err != nil {
		return err
	}
	if !c.conns.JoinRoom(conn, roomID) {
		return ErrConnClosed
	}
	if err := c.users.JoinRoom(ctx, conn.Identity.UserID, roomID); err != nil {
		return fmt.Errorf("recording room on user: %w", err)
	}
	if err := c.rooms.AddMember(ctx, roomID, conn.Identity.UserID); err != nil {
		return fmt.Errorf("adding room member: %w", err)
	}
	return nil
}

// leave removes the connection from the room. The user and the roster keep
// the membership while another connection of the same user is in the room.
func (c *Coordinator) leave(ctx context.Context, conn *Conn, roomID string) error {
	if !c.conns.LeaveRoom(conn, roomID) {
		return ErrNotInRoom.Withf("not in room %q", roomID)
	}
	userID := conn.Identity.UserID
	if c.conns.UserInRoom(userID, roomID) {
		return nil
	}
	if err := c.users.LeaveRoom(ctx, userID, roomID); err != nil {
		return fmt.Errorf("removing room from user: %w", err)
	}
	if err := c.rooms.RemoveMember(ctx, roomID, userID); err != nil && CodeOf(err) != CodeNotFound {
		return fmt.Errorf("removing room member: %w", err)
	}
	return nil
}

// messageInScope returns the message if the user may act on it. Messages
// of a private conversation are not found for anyone but its participants.
func (c *Coordinator) messageInScope(ctx context.Context, userID, id string) (Message, error) {
	msg, err := c.messages.FindByID(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if IsPrivateRoomID(msg.RoomID) && !IsPrivateRoomMember(msg.RoomID, userID) {
		return Message{}, ErrMessageNotFound
	}
	return msg, nil
}

// sendToMessageScope delivers e to the connections that may see msg: the
// members of its room, or both participants of a private conversation.
func (c *Coordinator) sendToMessageScope(e *Event, msg Message) {
	if participants, ok := c.private.Load(msg.RoomID); ok {
		c.conns.SendToUsers(e, participants[0], participants[1])
		return
	}
	c.conns.SendToRoom(e, msg.RoomID)
}

func (c *Coordinator) broadcastStatus(user User) {
	e, err := NewEvent(UserStatusChangedEvent, UserStatusPayload{
		UserID:   user.ID,
		Username: user.Username,
		IsOnline: user.IsOnline,
		LastSeen: user.LastSeen,
	})
	if err != nil {
		c.logger.Error(err.Error())
		return
	}
	c.conns.Send(e)
}

func (c *Coordinator) sendTypingStopped(t Typing) {
	e, err := NewEvent(UserStoppedTypingEvent, TypingPayload{
		UserID:   t.UserID,
		Username: t.Username,
		RoomID:   t.RoomID,
	})
	if err != nil {
		c.logger.Error(err.Error())
		return
	}
	c.conns.SendToRoom(e, t.RoomID, c.conns.UserConns(t.UserID)...)
}

// view attaches the sender record to msg. senders caches lookups across calls.
func (c *Coordinator) view(ctx context.Context, msg Message, senders map[string]*User) MessageView {
	sender, ok := senders[msg.SenderID]
	if !ok {
		if u, err := c.users.FindByID(ctx, msg.SenderID); err == nil {
			sender = &u
		}
		senders[msg.SenderID] = sender
	}
	return MessageView{Message: msg, Sender: sender}
}
