package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Inbound events.
const (
	JoinRoomEvent           = "join_room"
	LeaveRoomEvent          = "leave_room"
	SendMessageEvent        = "send_message"
	TypingStartEvent        = "typing_start"
	TypingStopEvent         = "typing_stop"
	AddReactionEvent        = "add_reaction"
	RemoveReactionEvent     = "remove_reaction"
	MarkReadEvent           = "mark_read"
	SendPrivateMessageEvent = "send_private_message"
	UploadFileEvent         = "upload_file"
	EditMessageEvent        = "edit_message"
	DeleteMessageEvent      = "delete_message"
)

// Outbound events.
const (
	RoomHistoryEvent            = "room_history"
	UserJoinedEvent             = "user_joined"
	UserLeftEvent               = "user_left"
	NewMessageEvent             = "new_message"
	UserTypingEvent             = "user_typing"
	UserStoppedTypingEvent      = "user_stopped_typing"
	MessageReactionAddedEvent   = "message_reaction_added"
	MessageReactionRemovedEvent = "message_reaction_removed"
	MessageReadEvent            = "message_read"
	PrivateMessageEvent         = "private_message"
	MessageEditedEvent          = "message_edited"
	MessageDeletedEvent         = "message_deleted"
	UserStatusChangedEvent      = "user_status_changed"
)

// RoomRefPayload names a room. On the wire it is either the bare room id or
// an object with a roomId field.
type RoomRefPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

func (p *RoomRefPayload) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		p.RoomID = id
		return nil
	}
	type plain RoomRefPayload
	return json.Unmarshal(b, (*plain)(p))
}

type SendMessagePayload struct {
	Content string `json:"content" validate:"required"`
	RoomID  string `json:"roomId" validate:"required"`
	ReplyTo string `json:"replyTo"`
}

type TypingPayload struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	RoomID   string `json:"roomId" validate:"required"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId" validate:"required"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
	Reaction  string `json:"reaction,omitempty"`
}

type MessageRefPayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

type PrivateMessagePayload struct {
	RecipientID string `json:"recipientId" validate:"required"`
	Content     string `json:"content" validate:"required"`
}

type UploadFilePayload struct {
	FileURL  string `json:"fileUrl" validate:"required"`
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
	RoomID   string `json:"roomId" validate:"required"`
}

type EditMessagePayload struct {
	MessageID  string     `json:"messageId" validate:"required"`
	NewContent string     `json:"newContent" validate:"required"`
	EditedAt   *time.Time `json:"editedAt,omitempty"`
}

type MessageReadPayload struct {
	MessageID string `json:"messageId"`
	ReadBy    string `json:"readBy"`
	Username  string `json:"username"`
}

type RoomHistoryPayload struct {
	RoomID   string        `json:"roomId"`
	Messages []MessageView `json:"messages"`
}

type RoomMembershipPayload struct {
	User   User   `json:"user"`
	RoomID string `json:"roomId"`
}

type UserStatusPayload struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// MessageView is a message as sent to clients, with its sender attached.
type MessageView struct {
	Message
	Sender *User `json:"sender"`
}

// handle decodes and validates the payload of an event before passing it to f.
// Connections without an identity are rejected.
func handle[T any](f func(ctx context.Context, conn *Conn, payload T) error) EventHandler {
	return func(ctx context.Context, conn *Conn, e *Event) error {
		if conn.Identity.UserID == "" {
			return ErrAuthRequired
		}
		var payload T
		if err := decodePayload(e, &payload); err != nil {
			return err
		}
		return f(ctx, conn, payload)
	}
}

func (c *Coordinator) registerHandlers() {
	c.router.On(JoinRoomEvent, handle(c.handleJoinRoom))
	c.router.On(LeaveRoomEvent, handle(c.handleLeaveRoom))
	c.router.On(SendMessageEvent, handle(c.handleSendMessage))
	c.router.On(TypingStartEvent, handle(c.handleTypingStart))
	c.router.On(TypingStopEvent, handle(c.handleTypingStop))
	c.router.On(AddReactionEvent, handle(c.handleAddReaction))
	c.router.On(RemoveReactionEvent, handle(c.handleRemoveReaction))
	c.router.On(MarkReadEvent, handle(c.handleMarkRead))
	c.router.On(SendPrivateMessageEvent, handle(c.handlePrivateMessage))
	c.router.On(UploadFileEvent, handle(c.handleUploadFile))
	c.router.On(EditMessageEvent, handle(c.handleEditMessage))
	c.router.On(DeleteMessageEvent, handle(c.handleDeleteMessage))
}

func (c *Coordinator) handleJoinRoom(ctx context.Context, conn *Conn, p RoomRefPayload) error {
	alreadyIn := c.conns.InRoom(conn, p.RoomID)
	if err := c.join(ctx, conn, p.RoomID); err != nil {
		return err
	}

	msgs, err := c.messages.FindByRoom(ctx, p.RoomID, c.historyLimit)
	if err != nil {
		return fmt.Errorf("FindByRoom: %w", err)
	}
	senders := make(map[string]*User)
	history := RoomHistoryPayload{RoomID: p.RoomID, Messages: make([]MessageView, 0, len(msgs))}
	for _, m := range msgs {
		history.Messages = append(history.Messages, c.view(ctx, m, senders))
	}
	e, err := NewEvent(RoomHistoryEvent, history)
	if err != nil {
		return err
	}
	conn.Send(e)

	if alreadyIn {
		return nil
	}
	user, err := c.users.FindByID(ctx, conn.Identity.UserID)
	if err != nil {
		return fmt.Errorf("FindByID: %w", err)
	}
	joined, err := NewEvent(UserJoinedEvent, RoomMembershipPayload{User: user, RoomID: p.RoomID})
	if err != nil {
		return err
	}
	c.conns.SendToRoom(joined, p.RoomID, conn)
	return nil
}

func (c *Coordinator) handleLeaveRoom(ctx context.Context, conn *Conn, p RoomRefPayload) error {
	if err := c.leave(ctx, conn, p.RoomID); err != nil {
		return err
	}

	if !c.conns.UserInRoom(conn.Identity.UserID, p.RoomID) {
		if t, ok := c.typing.Stop(p.RoomID, conn.Identity.UserID); ok {
			c.sendTypingStopped(t)
		}
	}

	user, err := c.users.FindByID(ctx, conn.Identity.UserID)
	if err != nil {
		return fmt.Errorf("FindByID: %w", err)
	}
	e, err := NewEvent(UserLeftEvent, RoomMembershipPayload{User: user, RoomID: p.RoomID})
	if err != nil {
		return err
	}
	c.conns.SendToRoom(e, p.RoomID)
	return nil
}

func (c *Coordinator) handleSendMessage(ctx context.Context, conn *Conn, p SendMessagePayload) error {
	if _, err := c.rooms.Get(ctx, p.RoomID); err != nil {
		return err
	}
	msg, err := c.messages.Create(ctx, MessageCreateInput{
		SenderID: conn.Identity.UserID,
		RoomID:   p.RoomID,
		Content:  p.Content,
		Type:     TextMessage,
		ReplyTo:  p.ReplyTo,
	})
	if err != nil {
		return err
	}
	e, err := NewEvent(NewMessageEvent, c.view(ctx, msg, map[string]*User{}))
	if err != nil {
		return err
	}
	c.conns.SendToRoom(e, msg.RoomID)
	return nil
}

func (c *Coordinator) handleTypingStart(ctx context.Context, conn *Conn, p TypingPayload) error {
	t := c.typing.Start(p.RoomID, conn.Identity.UserID, conn.Identity.Username)
	e, err := NewEvent(UserTypingEvent, TypingPayload{
		UserID:   t.UserID,
		Username: t.Username,
		RoomID:   t.RoomID,
	})
	if err != nil {
		return err
	}
	c.conns.SendToRoom(e, p.RoomID, c.conns.UserConns(conn.Identity.UserID)...)
	return nil
}

func (c *Coordinator) handleTypingStop(ctx context.Context, conn *Conn, p TypingPayload) error {
	c.typing.Stop(p.RoomID, conn.Identity.UserID)
	c.sendTypingStopped(Typing{
		RoomID:   p.RoomID,
		UserID:   conn.Identity.UserID,
		Username: conn.Identity.Username,
	})
	return nil
}

func (c *Coordinator) handleAddReaction(ctx context.Context, conn *Conn, p ReactionPayload) error {
	if p.Reaction == "" {
		return ErrInvalidPayload.Withf("invalid payload: reaction required")
	}
	if _, err := c.messageInScope(ctx, conn.Identity.UserID, p.MessageID); err != nil {
		return err
	}
	msg, err := c.messages.AddReaction(ctx, p.MessageID, conn.Identity.UserID, p.Reaction)
	if err != nil {
		return err
	}
	e, err := NewEvent(MessageReactionAddedEvent, ReactionPayload{
		MessageID: msg.ID,
		UserID:    conn.Identity.UserID,
		Username:  conn.Identity.Username,
		Reaction:  p.Reaction,
	})
	if err != nil {
		return err
	}
	c.sendToMessageScope(e, msg)
	return nil
}

func (c *Coordinator) handleRemoveReaction(ctx context.Context, conn *Conn, p MessageRefPayload) error {
	if _, err := c.messageInScope(ctx, conn.Identity.UserID, p.MessageID); err != nil {
		return err
	}
	msg, err := c.messages.RemoveReaction(ctx, p.MessageID, conn.Identity.UserID)
	if err != nil {
		return err
	}
	e, err := NewEvent(MessageReactionRemovedEvent, ReactionPayload{
		MessageID: msg.ID,
		UserID:    conn.Identity.UserID,
	})
	if err != nil {
		return err
	}
	c.sendToMessageScope(e, msg)
	return nil
}

func (c *Coordinator) handleMarkRead(ctx context.Context, conn *Conn, p MessageRefPayload) error {
	if _, err := c.messageInScope(ctx, conn.Identity.UserID, p.MessageID); err != nil {
		return err
	}
	msg, err := c.messages.MarkRead(ctx, p.MessageID, conn.Identity.UserID)
	if err != nil {
		return err
	}
	e, err := NewEvent(MessageReadEvent, MessageReadPayload{
		MessageID: msg.ID,
		ReadBy:    conn.Identity.UserID,
		Username:  conn.Identity.Username,
	})
	if err != nil {
		return err
	}
	// only the sender is told, if it is connected
	c.conns.SendToUsers(e, msg.SenderID)
	return nil
}

func (c *Coordinator) handlePrivateMessage(ctx context.Context, conn *Conn, p PrivateMessagePayload) error {
	if _, err := c.users.FindByID(ctx, p.RecipientID); err != nil {
		return err
	}
	senderID := conn.Identity.UserID
	roomID := PrivateRoomID(senderID, p.RecipientID)
	c.private.Store(roomID, [2]string{senderID, p.RecipientID})

	msg, err := c.messages.Create(ctx, MessageCreateInput{
		SenderID: senderID,
		RoomID:   roomID,
		Content:  p.Content,
		Type:     TextMessage,
	})
	if err != nil {
		return err
	}
	e, err := NewEvent(PrivateMessageEvent, c.view(ctx, msg, map[string]*User{}))
	if err != nil {
		return err
	}

	if recipient, ok := c.conns.Resolve(p.RecipientID); ok {
		if recipient != conn {
			recipient.Send(e)
		}
	} else {
		c.logger.Debug("recipient unavailable", "user", p.RecipientID)
	}
	conn.Send(e)
	return nil
}

func (c *Coordinator) handleUploadFile(ctx context.Context, conn *Conn, p UploadFilePayload) error {
	if _, err := c.rooms.Get(ctx, p.RoomID); err != nil {
		return err
	}
	msg, err := c.messages.Create(ctx, MessageCreateInput{
		SenderID: conn.Identity.UserID,
		RoomID:   p.RoomID,
		Content:  p.FileURL,
		Type:     FileMessage,
		File:     &FileMeta{URL: p.FileURL, Name: p.FileName, Type: p.FileType},
	})
	if err != nil {
		return err
	}
	e, err := NewEvent(NewMessageEvent, c.view(ctx, msg, map[string]*User{}))
	if err != nil {
		return err
	}
	c.conns.SendToRoom(e, msg.RoomID)
	return nil
}

func (c *Coordinator) handleEditMessage(ctx context.Context, conn *Conn, p EditMessagePayload) error {
	msg, err := c.messages.Edit(ctx, p.MessageID, conn.Identity.UserID, p.NewContent)
	if err != nil {
		return err
	}
	e, err := NewEvent(MessageEditedEvent, EditMessagePayload{
		MessageID:  msg.ID,
		NewContent: msg.Content,
		EditedAt:   msg.EditedAt,
	})
	if err != nil {
		return err
	}
	c.sendToMessageScope(e, msg)
	return nil
}

func (c *Coordinator) handleDeleteMessage(ctx context.Context, conn *Conn, p MessageRefPayload) error {
	msg, err := c.messages.Delete(ctx, p.MessageID, conn.Identity.UserID)
	if err != nil {
		return err
	}
	e, err := NewEvent(MessageDeletedEvent, MessageRefPayload{MessageID: msg.ID})
	if err != nil {
		return err
	}
	c.sendToMessageScope(e, msg)
	return nil
}
