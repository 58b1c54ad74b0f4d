package core

import (
	"context"
	"sync"
	"time"
)

// PresenceTracker derives the online state of users from the number of live
// sessions each of them has. Only the first connection and the last
// disconnection of a user change its state in the UserStore.
type PresenceTracker struct {
	mu       sync.Mutex
	sessions map[string]int
	users    UserStore
	now      func() time.Time
}

func NewPresenceTracker(users UserStore) *PresenceTracker {
	return &PresenceTracker{
		sessions: make(map[string]int),
		users:    users,
		now:      time.Now,
	}
}

// Connect records a new session of the user. changed is true when the user
// went from offline to online, in which case user holds the updated record.
func (p *PresenceTracker) Connect(ctx context.Context, userID string) (user User, changed bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[userID]++
	if p.sessions[userID] > 1 {
		return User{}, false, nil
	}
	user, err = p.users.SetPresence(ctx, userID, true, p.now())
	if err != nil {
		p.decrement(userID)
		return User{}, false, err
	}
	return user, true, nil
}

// Disconnect ends a session of the user. changed is true when it was the last
// one and the user is now offline.
func (p *PresenceTracker) Disconnect(ctx context.Context, userID string) (user User, changed bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[userID] == 0 {
		return User{}, false, nil
	}
	if p.decrement(userID) > 0 {
		return User{}, false, nil
	}
	user, err = p.users.SetPresence(ctx, userID, false, p.now())
	if err != nil {
		return User{}, false, err
	}
	return user, true, nil
}

// Sessions returns the number of live sessions of the user.
func (p *PresenceTracker) Sessions(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[userID]
}

func (p *PresenceTracker) decrement(userID string) int {
	n := p.sessions[userID] - 1
	if n <= 0 {
		delete(p.sessions, userID)
		return 0
	}
	p.sessions[userID] = n
	return n
}
