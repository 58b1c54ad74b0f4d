package core

import (
	"context"
	"time"
)

// DefaultTypingTTL is how long a typing indicator lives without a new start.
const DefaultTypingTTL = 15 * time.Second

type typingKey struct {
	RoomID string
	UserID string
}

// Typing is a user typing in a room.
type Typing struct {
	RoomID    string
	UserID    string
	Username  string
	StartedAt time.Time
}

// TypingTracker keeps the ephemeral "is typing" state of users per room.
// Entries older than ttl are removed by Expire. A zero ttl keeps entries
// until they are stopped or swept.
type TypingTracker struct {
	entries *SyncMap[typingKey, Typing]
	ttl     time.Duration
	now     func() time.Time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		entries: NewSyncMap[typingKey, Typing](),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Start records that the user is typing in the room, refreshing the start time
// if it already was.
func (t *TypingTracker) Start(roomID, userID, username string) Typing {
	e := Typing{RoomID: roomID, UserID: userID, Username: username, StartedAt: t.now()}
	t.entries.Store(typingKey{RoomID: roomID, UserID: userID}, e)
	return e
}

// Stop removes the entry of the user in the room and reports whether there was one.
func (t *TypingTracker) Stop(roomID, userID string) (Typing, bool) {
	return t.entries.LoadAndDelete(typingKey{RoomID: roomID, UserID: userID})
}

func (t *TypingTracker) IsTyping(roomID, userID string) bool {
	_, ok := t.entries.Load(typingKey{RoomID: roomID, UserID: userID})
	return ok
}

// Sweep removes and returns every entry of the user.
func (t *TypingTracker) Sweep(userID string) []Typing {
	return t.entries.DeleteFunc(func(k typingKey, _ Typing) bool {
		return k.UserID == userID
	})
}

// Expire removes and returns the entries started before now minus the ttl.
func (t *TypingTracker) Expire(now time.Time) []Typing {
	if t.ttl <= 0 {
		return nil
	}
	deadline := now.Add(-t.ttl)
	return t.entries.DeleteFunc(func(_ typingKey, e Typing) bool {
		return e.StartedAt.Before(deadline)
	})
}

// Run expires entries periodically until ctx is done, calling onExpire for each
// removed entry. It returns immediately when the ttl is zero.
func (t *TypingTracker) Run(ctx context.Context, onExpire func(Typing)) {
	if t.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(max(t.ttl/4, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range t.Expire(t.now()) {
				onExpire(e)
			}
		}
	}
}
