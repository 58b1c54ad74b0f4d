package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var avatarColors = []string{"FF6B6B", "4ECDC4", "45B7D1", "96CEB4", "FFEAA7", "DDA0DD", "98D8C8"}

// AvatarURL returns a generated avatar for a username.
func AvatarURL(username string) string {
	color := avatarColors[rand.IntN(len(avatarColors))]
	return fmt.Sprintf("https://ui-avatars.com/api/?name=%s&background=%s&color=fff&size=128",
		url.QueryEscape(username), color)
}

// MemoryUserStore keeps users in memory for the lifetime of the process.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*User
	// order preserves insertion order for username lookups and listing.
	order []string
	now   func() time.Time
}

var _ UserStore = (*MemoryUserStore)(nil)

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users: make(map[string]*User),
		now:   time.Now,
	}
}

func (s *MemoryUserStore) Add(_ context.Context, user User) (User, error) {
	if strings.TrimSpace(user.Username) == "" {
		return User{}, ErrInvalidPayload.Withf("username is required")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Avatar == "" {
		user.Avatar = AvatarURL(user.Username)
	}
	now := s.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.LastSeen.IsZero() {
		user.LastSeen = now
	}
	user.IsOnline = false
	user.Rooms = slices.Clone(user.Rooms)
	if user.Rooms == nil {
		user.Rooms = []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return User{}, ErrConflictedUser
	}
	s.users[user.ID] = &user
	s.order = append(s.order, user.ID)
	return copyUser(&user), nil
}

func (s *MemoryUserStore) FindByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return copyUser(u), nil
}

func (s *MemoryUserStore) FindByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if u := s.users[id]; u.Username == username {
			return copyUser(u), nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *MemoryUserStore) List(_ context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.order))
	for _, id := range s.order {
		users = append(users, copyUser(s.users[id]))
	}
	return users, nil
}

func (s *MemoryUserStore) ListOnline(_ context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := []User{}
	for _, id := range s.order {
		if u := s.users[id]; u.IsOnline {
			users = append(users, copyUser(u))
		}
	}
	return users, nil
}

func (s *MemoryUserStore) SetPresence(_ context.Context, id string, online bool, at time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	u.IsOnline = online
	u.LastSeen = at
	return copyUser(u), nil
}

func (s *MemoryUserStore) JoinRoom(_ context.Context, id, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if !slices.Contains(u.Rooms, roomID) {
		u.Rooms = append(u.Rooms, roomID)
	}
	return nil
}

func (s *MemoryUserStore) LeaveRoom(_ context.Context, id, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Rooms = slices.DeleteFunc(u.Rooms, func(r string) bool { return r == roomID })
	return nil
}

func copyUser(u *User) User {
	c := *u
	c.Rooms = slices.Clone(u.Rooms)
	if c.Rooms == nil {
		c.Rooms = []string{}
	}
	return c
}
