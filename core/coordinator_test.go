package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_Handshake(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")

	_, err := f.coordinator.Handshake(f.ctx, nil)
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = f.coordinator.Handshake(f.ctx, &Identity{})
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = f.coordinator.Handshake(f.ctx, &Identity{UserID: "ghost"})
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	u, err := f.coordinator.Handshake(f.ctx, &Identity{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestCoordinator_ConnectJoinsDefaultRoom(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a := f.connect("u1")
	status := expectOne[UserStatusPayload](t, a, UserStatusChangedEvent)
	assert.Equal(t, "u1", status.UserID)
	assert.True(t, status.IsOnline)

	assert.True(t, f.cm.InRoom(a, DefaultRoom))
	user, _ := f.users.FindByID(f.ctx, "u1")
	assert.True(t, user.IsOnline)
	assert.Contains(t, user.Rooms, DefaultRoom)
	room, _ := f.rooms.Get(f.ctx, DefaultRoom)
	assert.Contains(t, room.Members, "u1")

	b := f.connect("u2")
	status = expectOne[UserStatusPayload](t, a, UserStatusChangedEvent)
	assert.Equal(t, "u2", status.UserID)
	// the auto join is silent
	expectNone(t, b, RoomHistoryEvent)
	expectNone(t, a, UserJoinedEvent)
}

func TestCoordinator_PresenceAcrossSessions(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	b := f.connect("u2")
	drain(b)

	a1 := f.connect("u1")
	assert.Len(t, ofType(drain(b), UserStatusChangedEvent), 1)
	a2 := f.connect("u1")
	expectNone(t, b, UserStatusChangedEvent)

	f.disconnect(a1)
	expectNone(t, b, UserStatusChangedEvent)
	user, _ := f.users.FindByID(f.ctx, "u1")
	assert.True(t, user.IsOnline)

	f.disconnect(a2)
	status := expectOne[UserStatusPayload](t, b, UserStatusChangedEvent)
	assert.Equal(t, "u1", status.UserID)
	assert.False(t, status.IsOnline)
	user, _ = f.users.FindByID(f.ctx, "u1")
	assert.False(t, user.IsOnline)
}

func TestCoordinator_HistoryAndEdit(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a := f.connect("u1")
	f.dispatch(a, JoinRoomEvent, RoomRefPayload{RoomID: "general"})
	f.dispatch(a, SendMessageEvent, SendMessagePayload{Content: "hi", RoomID: "general"})
	sent := expectOne[MessageView](t, a, NewMessageEvent)
	assert.Equal(t, "hi", sent.Content)
	require.NotNil(t, sent.Sender)
	assert.Equal(t, "alice", sent.Sender.Username)

	b := f.connect("u2")
	drain(a)
	f.dispatch(b, JoinRoomEvent, RoomRefPayload{RoomID: "general"})
	history := expectOne[RoomHistoryPayload](t, b, RoomHistoryEvent)
	assert.Equal(t, "general", history.RoomID)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, sent.ID, history.Messages[0].ID)
	assert.Equal(t, "hi", history.Messages[0].Content)

	f.dispatch(a, EditMessageEvent, EditMessagePayload{MessageID: sent.ID, NewContent: "hello"})
	for _, c := range []*Conn{a, b} {
		edited := expectOne[EditMessagePayload](t, c, MessageEditedEvent)
		assert.Equal(t, sent.ID, edited.MessageID)
		assert.Equal(t, "hello", edited.NewContent)
		assert.NotNil(t, edited.EditedAt)
	}

	msg, err := f.messages.FindByID(f.ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.True(t, msg.IsEdited)
}

func TestCoordinator_JoinRoom(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a := f.connect("u1")
	b := f.connect("u2")
	f.dispatch(a, JoinRoomEvent, RoomRefPayload{RoomID: "random"})
	drain(a)
	drain(b)

	// a bare room id is accepted as payload
	e := &Event{Type: JoinRoomEvent, Payload: []byte(`"random"`)}
	f.coordinator.router.Dispatch(f.ctx, b, e)
	expectOne[RoomHistoryPayload](t, b, RoomHistoryEvent)
	joined := expectOne[RoomMembershipPayload](t, a, UserJoinedEvent)
	assert.Equal(t, "u2", joined.User.ID)
	assert.Equal(t, "random", joined.RoomID)

	// joining again only resends the history
	f.dispatch(b, JoinRoomEvent, RoomRefPayload{RoomID: "random"})
	expectOne[RoomHistoryPayload](t, b, RoomHistoryEvent)
	expectNone(t, a, UserJoinedEvent)

	f.dispatch(b, JoinRoomEvent, RoomRefPayload{RoomID: "missing"})
	p := expectOne[ErrorEventPayload](t, b, ErrorEvent)
	assert.Equal(t, CodeNotFound, p.Code)
	assert.Equal(t, JoinRoomEvent, p.Event)
	assert.False(t, f.cm.InRoom(b, "missing"))
}

func TestCoordinator_LeaveRoom(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a := f.connect("u1")
	b := f.connect("u2")
	drain(a)
	drain(b)

	f.dispatch(a, LeaveRoomEvent, RoomRefPayload{RoomID: "general"})
	left := expectOne[RoomMembershipPayload](t, b, UserLeftEvent)
	assert.Equal(t, "u1", left.User.ID)
	expectNone(t, a, UserLeftEvent)

	assert.False(t, f.cm.InRoom(a, "general"))
	user, _ := f.users.FindByID(f.ctx, "u1")
	assert.NotContains(t, user.Rooms, "general")
	room, _ := f.rooms.Get(f.ctx, "general")
	assert.NotContains(t, room.Members, "u1")

	f.dispatch(a, LeaveRoomEvent, RoomRefPayload{RoomID: "general"})
	p := expectOne[ErrorEventPayload](t, a, ErrorEvent)
	assert.Equal(t, CodeNotFound, p.Code)

	// messages to the room no longer reach a
	f.dispatch(b, SendMessageEvent, SendMessagePayload{Content: "bye", RoomID: "general"})
	expectNone(t, a, NewMessageEvent)
}

func TestCoordinator_LeaveRoomWithOtherSession(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")

	a1 := f.connect("u1")
	a2 := f.connect("u1")

	f.dispatch(a1, LeaveRoomEvent, RoomRefPayload{RoomID: "general"})
	assert.False(t, f.cm.InRoom(a1, "general"))
	assert.True(t, f.cm.InRoom(a2, "general"))

	user, _ := f.users.FindByID(f.ctx, "u1")
	assert.Contains(t, user.Rooms, "general")
	room, _ := f.rooms.Get(f.ctx, "general")
	assert.Contains(t, room.Members, "u1")
}

func TestCoordinator_SendMessage(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")

	a := f.connect("u1")
	drain(a)

	f.dispatch(a, SendMessageEvent, SendMessagePayload{RoomID: "general"})
	p := expectOne[ErrorEventPayload](t, a, ErrorEvent)
	assert.Equal(t, CodeInvalidPayload, p.Code)
	assert.Equal(t, SendMessageEvent, p.Event)

	f.dispatch(a, SendMessageEvent, SendMessagePayload{Content: "hi", RoomID: "missing"})
	p = expectOne[ErrorEventPayload](t, a, ErrorEvent)
	assert.Equal(t, CodeNotFound, p.Code)

	msgs, _ := f.messages.FindByRoom(f.ctx, "missing", 0)
	assert.Empty(t, msgs)

	f.dispatch(a, SendMessageEvent, SendMessagePayload{Content: "re", RoomID: "general", ReplyTo: "m1"})
	msg := expectOne[MessageView](t, a, NewMessageEvent)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, "m1", *msg.ReplyTo)
	assert.Equal(t, TextMessage, msg.Type)
}

func TestCoordinator_Typing(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a1 := f.connect("u1")
	a2 := f.connect("u1")
	b := f.connect("u2")
	drain(a1)
	drain(a2)
	drain(b)

	f.dispatch(a1, TypingStartEvent, TypingPayload{RoomID: "general"})
	typing := expectOne[TypingPayload](t, b, UserTypingEvent)
	assert.Equal(t, "u1", typing.UserID)
	assert.Equal(t, "alice", typing.Username)
	expectNone(t, a1, UserTypingEvent)
	expectNone(t, a2, UserTypingEvent)

	f.dispatch(a1, TypingStopEvent, TypingPayload{RoomID: "general"})
	expectOne[TypingPayload](t, b, UserStoppedTypingEvent)
	assert.False(t, f.coordinator.typing.IsTyping("general", "u1"))
}

func TestCoordinator_DisconnectStopsTyping(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a := f.connect("u1")
	b := f.connect("u2")
	f.dispatch(a, JoinRoomEvent, RoomRefPayload{RoomID: "random"})
	f.dispatch(a, TypingStartEvent, TypingPayload{RoomID: "general"})
	drain(b)

	f.disconnect(a)

	events := drain(b)
	stopped := ofType(events, UserStoppedTypingEvent)
	require.Len(t, stopped, 1)
	p := decode[TypingPayload](t, stopped[0])
	assert.Equal(t, "general", p.RoomID)
	assert.Equal(t, "u1", p.UserID)
	assert.Len(t, ofType(events, UserStatusChangedEvent), 1)
	assert.False(t, f.coordinator.typing.IsTyping("general", "u1"))
}

func TestCoordinator_TypingExpires(t *testing.T) {
	cfg := DefaultCoordinatorConfig
	cfg.TypingTTL = 30 * time.Millisecond
	f := setUpCoordinatorFixture(t, cfg)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a := f.connect("u1")
	b := f.connect("u2")
	drain(b)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	go f.coordinator.Run(ctx)

	f.dispatch(a, TypingStartEvent, TypingPayload{RoomID: "general"})

	var events []*Event
	require.Eventually(t, func() bool {
		events = append(events, drain(b)...)
		return len(ofType(events, UserStoppedTypingEvent)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, ofType(events, UserTypingEvent), 1)
	assert.False(t, f.coordinator.typing.IsTyping("general", "u1"))
}

func TestCoordinator_Reactions(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")
	f.addUser("u3", "carol")

	a := f.connect("u1")
	b := f.connect("u2")
	c := f.connect("u3")
	f.dispatch(c, LeaveRoomEvent, RoomRefPayload{RoomID: "general"})

	f.dispatch(a, SendMessageEvent, SendMessagePayload{Content: "hi", RoomID: "general"})
	msg := expectOne[MessageView](t, a, NewMessageEvent)
	drain(b)
	drain(c)

	f.dispatch(b, AddReactionEvent, ReactionPayload{MessageID: msg.ID, Reaction: "👍"})
	f.dispatch(b, AddReactionEvent, ReactionPayload{MessageID: msg.ID, Reaction: "🎉"})
	added := ofType(drain(a), MessageReactionAddedEvent)
	require.Len(t, added, 2)
	last := decode[ReactionPayload](t, added[1])
	assert.Equal(t, "u2", last.UserID)
	assert.Equal(t, "🎉", last.Reaction)
	expectNone(t, c, MessageReactionAddedEvent)

	stored, _ := f.messages.FindByID(f.ctx, msg.ID)
	assert.Equal(t, map[string]string{"u2": "🎉"}, stored.Reactions)

	f.dispatch(b, RemoveReactionEvent, MessageRefPayload{MessageID: msg.ID})
	removed := expectOne[ReactionPayload](t, a, MessageReactionRemovedEvent)
	assert.Equal(t, "u2", removed.UserID)

	f.dispatch(b, AddReactionEvent, ReactionPayload{MessageID: msg.ID})
	drain(b)
	f.dispatch(b, AddReactionEvent, ReactionPayload{MessageID: "missing", Reaction: "👍"})
	p := expectOne[ErrorEventPayload](t, b, ErrorEvent)
	assert.Equal(t, CodeNotFound, p.Code)
}

func TestCoordinator_MarkRead(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a := f.connect("u1")
	b := f.connect("u2")
	f.dispatch(a, SendMessageEvent, SendMessagePayload{Content: "hi", RoomID: "general"})
	msg := expectOne[MessageView](t, a, NewMessageEvent)
	drain(b)

	f.dispatch(b, MarkReadEvent, MessageRefPayload{MessageID: msg.ID})
	read := expectOne[MessageReadPayload](t, a, MessageReadEvent)
	assert.Equal(t, msg.ID, read.MessageID)
	assert.Equal(t, "u2", read.ReadBy)
	assert.Equal(t, "bob", read.Username)
	expectNone(t, b, MessageReadEvent)

	// the sender being offline is not an error
	f.disconnect(a)
	f.dispatch(b, MarkReadEvent, MessageRefPayload{MessageID: msg.ID})
	expectNone(t, b, ErrorEvent)

	stored, _ := f.messages.FindByID(f.ctx, msg.ID)
	assert.Equal(t, []string{"u2"}, stored.ReadBy)
}

func TestCoordinator_PrivateMessage(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")
	f.addUser("u3", "carol")

	a := f.connect("u1")
	b := f.connect("u2")
	c := f.connect("u3")
	drain(a)
	drain(b)
	drain(c)

	f.dispatch(a, SendPrivateMessageEvent, PrivateMessagePayload{RecipientID: "u2", Content: "psst"})
	echo := expectOne[MessageView](t, a, PrivateMessageEvent)
	got := expectOne[MessageView](t, b, PrivateMessageEvent)
	expectNone(t, c, PrivateMessageEvent)
	assert.Equal(t, echo.ID, got.ID)
	assert.Equal(t, PrivateRoomID("u1", "u2"), got.RoomID)
	assert.Equal(t, "psst", got.Content)

	// reactions on private messages reach both participants only
	f.dispatch(b, AddReactionEvent, ReactionPayload{MessageID: got.ID, Reaction: "👀"})
	expectOne[ReactionPayload](t, a, MessageReactionAddedEvent)
	expectOne[ReactionPayload](t, b, MessageReactionAddedEvent)
	expectNone(t, c, MessageReactionAddedEvent)

	f.dispatch(a, SendPrivateMessageEvent, PrivateMessagePayload{RecipientID: "ghost", Content: "hello?"})
	p := expectOne[ErrorEventPayload](t, a, ErrorEvent)
	assert.Equal(t, CodeNotFound, p.Code)

	// an offline recipient still gets the message stored
	f.disconnect(b)
	drain(a)
	f.dispatch(a, SendPrivateMessageEvent, PrivateMessagePayload{RecipientID: "u2", Content: "later"})
	expectOne[MessageView](t, a, PrivateMessageEvent)
	msgs, _ := f.messages.FindByRoom(f.ctx, PrivateRoomID("u1", "u2"), 0)
	assert.Len(t, msgs, 2)
}

func TestCoordinator_PrivateConversationIsolation(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("a", "alice")
	f.addUser("b", "bob")
	f.addUser("m", "mallory")

	alice := f.connect("a")
	bob := f.connect("b")
	mallory := f.connect("m")
	f.dispatch(alice, SendPrivateMessageEvent, PrivateMessagePayload{RecipientID: "b", Content: "secret"})
	msg := expectOne[MessageView](t, alice, PrivateMessageEvent)
	drain(bob)
	drain(mallory)

	roomID := PrivateRoomID("a", "b")
	_, err := f.rooms.Create(f.ctx, roomID, "", "m")
	assert.ErrorIs(t, err, ErrInvalidName)

	f.dispatch(mallory, JoinRoomEvent, RoomRefPayload{RoomID: roomID})
	events := drain(mallory)
	assert.Empty(t, ofType(events, RoomHistoryEvent))
	errs := ofType(events, ErrorEvent)
	require.Len(t, errs, 1)
	assert.Equal(t, CodeNotFound, decode[ErrorEventPayload](t, errs[0]).Code)
	assert.False(t, f.cm.InRoom(mallory, roomID))

	for _, e := range []struct {
		eventType string
		payload   any
	}{
		{AddReactionEvent, ReactionPayload{MessageID: msg.ID, Reaction: "👀"}},
		{RemoveReactionEvent, MessageRefPayload{MessageID: msg.ID}},
		{MarkReadEvent, MessageRefPayload{MessageID: msg.ID}},
	} {
		f.dispatch(mallory, e.eventType, e.payload)
		p := expectOne[ErrorEventPayload](t, mallory, ErrorEvent)
		assert.Equal(t, CodeNotFound, p.Code, e.eventType)
	}
	assert.Empty(t, drain(alice))
	assert.Empty(t, drain(bob))

	stored, err := f.messages.FindByID(f.ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Reactions)
	assert.Empty(t, stored.ReadBy)

	// the participants keep full access
	f.dispatch(bob, MarkReadEvent, MessageRefPayload{MessageID: msg.ID})
	expectOne[MessageReadPayload](t, alice, MessageReadEvent)
}

func TestCoordinator_JoinAfterClose(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")

	a := f.connect("u1")
	require.True(t, f.cm.Unregister(a))

	err := f.coordinator.join(f.ctx, a, "random")
	assert.ErrorIs(t, err, ErrConnClosed)

	user, _ := f.users.FindByID(f.ctx, "u1")
	assert.NotContains(t, user.Rooms, "random")
	room, _ := f.rooms.Get(f.ctx, "random")
	assert.NotContains(t, room.Members, "u1")
}

func TestCoordinator_UploadFile(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a := f.connect("u1")
	b := f.connect("u2")
	drain(a)
	drain(b)

	f.dispatch(a, UploadFileEvent, UploadFilePayload{
		FileURL:  "https://files/cat.png",
		FileName: "cat.png",
		FileType: "image/png",
		RoomID:   "general",
	})
	msg := expectOne[MessageView](t, b, NewMessageEvent)
	assert.Equal(t, FileMessage, msg.Type)
	assert.Equal(t, "https://files/cat.png", msg.Content)
	require.NotNil(t, msg.FileMeta)
	assert.Equal(t, "cat.png", msg.Name)
	assert.Equal(t, "image/png", msg.FileMeta.Type)
}

func TestCoordinator_EditAndDeleteOwnership(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()
	f.addUser("u1", "alice")
	f.addUser("u2", "bob")

	a := f.connect("u1")
	b := f.connect("u2")
	f.dispatch(a, SendMessageEvent, SendMessagePayload{Content: "hi", RoomID: "general"})
	msg := expectOne[MessageView](t, a, NewMessageEvent)
	drain(b)

	f.dispatch(b, EditMessageEvent, EditMessagePayload{MessageID: msg.ID, NewContent: "mine now"})
	p := expectOne[ErrorEventPayload](t, b, ErrorEvent)
	assert.Equal(t, CodeForbidden, p.Code)
	expectNone(t, a, MessageEditedEvent)

	f.dispatch(b, DeleteMessageEvent, MessageRefPayload{MessageID: msg.ID})
	p = expectOne[ErrorEventPayload](t, b, ErrorEvent)
	assert.Equal(t, CodeForbidden, p.Code)

	stored, err := f.messages.FindByID(f.ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", stored.Content)

	f.dispatch(a, DeleteMessageEvent, MessageRefPayload{MessageID: msg.ID})
	for _, c := range []*Conn{a, b} {
		deleted := expectOne[MessageRefPayload](t, c, MessageDeletedEvent)
		assert.Equal(t, msg.ID, deleted.MessageID)
	}
	_, err = f.messages.FindByID(f.ctx, msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestCoordinator_UnauthenticatedConn(t *testing.T) {
	f := setUpCoordinatorFixture(t, DefaultCoordinatorConfig)
	defer f.tearDown()

	c := f.cm.NewConn(Identity{})
	f.cm.Register(c)

	f.dispatch(c, SendMessageEvent, SendMessagePayload{Content: "hi", RoomID: "general"})
	p := expectOne[ErrorEventPayload](t, c, ErrorEvent)
	assert.Equal(t, CodeAuthRequired, p.Code)

	msgs, _ := f.messages.FindByRoom(f.ctx, "general", 0)
	assert.Empty(t, msgs)
}

func TestCoordinator_NoDefaultRoom(t *testing.T) {
	cfg := DefaultCoordinatorConfig
	cfg.DefaultRoom = ""
	f := setUpCoordinatorFixture(t, cfg)
	defer f.tearDown()
	f.addUser("u1", "alice")

	a := f.connect("u1")
	assert.Empty(t, f.cm.Rooms(a))
}
