package core

import (
	"context"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultHistoryLimit is the number of messages returned by FindByRoom
	// when no limit is given.
	DefaultHistoryLimit = 50
	// DefaultSenderLimit is the number of messages returned by FindBySender
	// when no limit is given.
	DefaultSenderLimit = 20

	// SystemUser is recorded as the creator of the seeded rooms.
	SystemUser = "system"

	privateRoomPrefix = "private"
)

// MessageType determines how the content of a message should be interpreted.
type MessageType string

const (
	// TextMessage content is a UTF-8 encoded string.
	TextMessage MessageType = "text"
	// FileMessage content is the URL of an uploaded file described by Message.FileMeta.
	FileMessage MessageType = "file"
)

// Room represents a chat room.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	// Members is the roster of user ids that joined the room.
	Members []string `json:"members"`
}

// FileMeta describes a file attached to a message.
type FileMeta struct {
	URL  string `json:"fileUrl,omitempty"`
	Name string `json:"fileName,omitempty"`
	Type string `json:"fileType,omitempty"`
}

// Message represents a chat message sent by a user to a room.
type Message struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	RoomID    string      `json:"roomId"`
	Type      MessageType `json:"messageType"`
	Timestamp time.Time   `json:"timestamp"`
	// ReadBy is the set of user ids that have read the message.
	ReadBy []string `json:"readBy"`
	// Reactions maps a user id to the single reaction of that user.
	Reactions map[string]string `json:"reactions"`
	ReplyTo   *string           `json:"replyTo"`
	IsEdited  bool              `json:"isEdited"`
	EditedAt  *time.Time        `json:"editedAt"`
	// FileMeta is set on file messages, whose content is the file URL.
	*FileMeta
}

// MessageCreateInput represents the input for creating a message.
type MessageCreateInput struct {
	SenderID string      `json:"senderId" validate:"required"`
	RoomID   string      `json:"roomId" validate:"required"`
	Content  string      `json:"content" validate:"required"`
	Type     MessageType `json:"messageType" validate:"omitempty,oneof=text file"`
	ReplyTo  string      `json:"replyTo"`
	File     *FileMeta   `json:"file"`
}

var whitespace = regexp.MustCompile(`\s+`)

// RoomIDFromName derives the id of a user created room from its name:
// lowercased with every run of whitespace replaced by a hyphen.
func RoomIDFromName(name string) string {
	return whitespace.ReplaceAllString(strings.ToLower(name), "-")
}

// PrivateRoomID returns the id of the private room between two users.
// It does not depend on the order of the arguments.
func PrivateRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return privateRoomPrefix + "_" + a + "_" + b
}

// IsPrivateRoomID reports whether id names a private room.
func IsPrivateRoomID(id string) bool {
	return strings.HasPrefix(id, privateRoomPrefix+"_")
}

// IsPrivateRoomMember reports whether userID is one of the two participants
// of the private room id.
func IsPrivateRoomMember(id, userID string) bool {
	rest, ok := strings.CutPrefix(id, privateRoomPrefix+"_")
	if !ok || userID == "" {
		return false
	}
	if other, ok := strings.CutPrefix(rest, userID+"_"); ok && PrivateRoomID(userID, other) == id {
		return true
	}
	if other, ok := strings.CutSuffix(rest, "_"+userID); ok && PrivateRoomID(userID, other) == id {
		return true
	}
	return false
}

type RoomStore interface {
	// Get returns the room with the given id or ErrRoomNotFound.
	Get(ctx context.Context, id string) (Room, error)

	// Create creates a room whose id is derived from its name.
	// It returns ErrInvalidName if the name is blank or derives a private room
	// id, and ErrDuplicateRoom if a room with the derived id exists.
	Create(ctx context.Context, name, description, creatorID string) (Room, error)

	// List returns the rooms in creation order.
	List(ctx context.Context) ([]Room, error)

	// AddMember adds a user to the room roster. Adding twice has no effect.
	AddMember(ctx context.Context, roomID, userID string) error

	// RemoveMember removes a user from the room roster.
	RemoveMember(ctx context.Context, roomID, userID string) error
}

type MessageStore interface {
	// Create stores a new message with a fresh id and timestamp.
	// It returns ErrInvalidPayload if the input fails validation.
	Create(ctx context.Context, input MessageCreateInput) (Message, error)

	// FindByID returns the message or ErrMessageNotFound.
	FindByID(ctx context.Context, id string) (Message, error)

	// FindByRoom returns the most recent limit messages of a room in ascending
	// timestamp order. A limit <= 0 means DefaultHistoryLimit.
	FindByRoom(ctx context.Context, roomID string, limit int) ([]Message, error)

	// FindBySender returns the most recent limit messages of a sender, most
	// recent first. A limit <= 0 means DefaultSenderLimit.
	FindBySender(ctx context.Context, senderID string, limit int) ([]Message, error)

	// AddReaction sets the reaction of a user, replacing any previous one.
	AddReaction(ctx context.Context, id, userID, reaction string) (Message, error)

	// RemoveReaction removes the reaction of a user if there is one.
	RemoveReaction(ctx context.Context, id, userID string) (Message, error)

	// MarkRead adds a user to the reader set. Marking twice has no effect.
	MarkRead(ctx context.Context, id, userID string) (Message, error)

	// Edit replaces the content of a message. Only the sender may edit, others
	// get ErrForbidden and the message is left unchanged.
	Edit(ctx context.Context, id, callerID, content string) (Message, error)

	// Delete removes a message. Only the sender may delete, others get
	// ErrForbidden. The deleted message is returned.
	Delete(ctx context.Context, id, callerID string) (Message, error)
}
