package core

import (
	"context"
	"time"
)

// User is an identity known to the server together with its presence state.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Avatar    string    `json:"avatar"`
	IsOnline  bool      `json:"isOnline"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
	// Rooms is the set of room ids the user has joined.
	Rooms []string `json:"rooms"`
}

// Identity is a verified identity handed to the server when a connection is
// established. It is produced by the token verification at the HTTP boundary.
type Identity struct {
	UserID   string
	Username string
}

type UserStore interface {
	// Add adds a user that was registered elsewhere.
	// An id is generated when the user has none.
	// If a user with the same id exists, it returns ErrConflictedUser.
	Add(ctx context.Context, user User) (User, error)

	// FindByID returns the user with the given id or ErrUserNotFound.
	FindByID(ctx context.Context, id string) (User, error)

	// FindByUsername returns the first user, in insertion order, whose username
	// matches exactly. It returns ErrUserNotFound if there is none.
	FindByUsername(ctx context.Context, username string) (User, error)

	List(ctx context.Context) ([]User, error)

	ListOnline(ctx context.Context) ([]User, error)

	// SetPresence updates the online flag and last seen timestamp.
	SetPresence(ctx context.Context, id string, online bool, at time.Time) (User, error)

	// JoinRoom adds a room to the user's room set. Adding a room twice has no effect.
	JoinRoom(ctx context.Context, id, roomID string) error

	// LeaveRoom removes a room from the user's room set.
	LeaveRoom(ctx context.Context, id, roomID string) error
}
