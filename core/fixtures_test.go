package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type coordinatorFixture struct {
	ctx         context.Context
	t           *testing.T
	users       *MemoryUserStore
	rooms       *MemoryRoomStore
	messages    *MemoryMessageStore
	cm          *ConnManager
	coordinator *Coordinator
	tearDown    func()
}

func setUpCoordinatorFixture(t *testing.T, cfg CoordinatorConfig) *coordinatorFixture {
	ctx, cancel := context.WithCancel(context.Background())

	f := &coordinatorFixture{
		ctx:      ctx,
		t:        t,
		users:    NewMemoryUserStore(),
		rooms:    NewMemoryRoomStore(nil),
		messages: NewMemoryMessageStore(),
	}
	f.cm = NewConnManager(ctx, discardLogger)
	f.coordinator = NewCoordinator(f.users, f.rooms, f.messages, f.cm, discardLogger, cfg)
	f.tearDown = func() {
		cancel()
		f.cm.Close()
	}
	return f
}

func (f *coordinatorFixture) addUser(id, username string) User {
	u, err := f.users.Add(f.ctx, User{ID: id, Username: username})
	require.NoError(f.t, err)
	return u
}

// connect opens a connection the way the websocket endpoint does, without
// a network transport. Outbound events stay in the send buffer.
func (f *coordinatorFixture) connect(userID string) *Conn {
	user, err := f.coordinator.Handshake(f.ctx, &Identity{UserID: userID})
	require.NoError(f.t, err)
	c := f.cm.NewConn(Identity{UserID: user.ID, Username: user.Username})
	f.cm.Register(c)
	f.cm.onConnectionOpened(f.ctx, c)
	return c
}

func (f *coordinatorFixture) disconnect(c *Conn) {
	f.cm.Disconnect(c)
}

func (f *coordinatorFixture) dispatch(c *Conn, eventType string, payload any) {
	e, err := NewEvent(eventType, payload)
	require.NoError(f.t, err)
	f.coordinator.router.Dispatch(f.ctx, c, e)
}

// drain returns every event queued for c.
func drain(c *Conn) []*Event {
	var events []*Event
	for {
		select {
		case e, ok := <-c.send:
			if !ok {
				return events
			}
			events = append(events, e)
		default:
			return events
		}
	}
}

func ofType(events []*Event, eventType string) []*Event {
	var out []*Event
	for _, e := range events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// expectOne drains c and returns the payload of the single event of the given type.
func expectOne[T any](t *testing.T, c *Conn, eventType string) T {
	t.Helper()
	events := ofType(drain(c), eventType)
	require.Lenf(t, events, 1, "expected exactly one %s event", eventType)
	return decode[T](t, events[0])
}

func expectNone(t *testing.T, c *Conn, eventType string) {
	t.Helper()
	require.Emptyf(t, ofType(drain(c), eventType), "unexpected %s event", eventType)
}

func decode[T any](t *testing.T, e *Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(e.Payload, &v))
	return v
}

// fakeClock returns increasing timestamps one second apart.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}
