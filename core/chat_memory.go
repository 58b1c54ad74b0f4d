package core

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxIDRegenerations is how many times a colliding message id is regenerated
// before Create gives up.
const maxIDRegenerations = 3

type MemoryRoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	order []string
	now   func() time.Time
}

var _ RoomStore = (*MemoryRoomStore)(nil)

// NewMemoryRoomStore returns a room store seeded with the general and random rooms.
// If now is nil time.Now is used.
func NewMemoryRoomStore(now func() time.Time) *MemoryRoomStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryRoomStore{
		rooms: make(map[string]*Room),
		now:   now,
	}
	s.seed("general", "General", "General chat room")
	s.seed("random", "Random", "Random chat room")
	return s
}

func (s *MemoryRoomStore) seed(id, name, description string) {
	s.rooms[id] = &Room{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedBy:   SystemUser,
		CreatedAt:   s.now(),
		Members:     []string{},
	}
	s.order = append(s.order, id)
}

func (s *MemoryRoomStore) Get(_ context.Context, id string) (Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return copyRoom(r), nil
}

func (s *MemoryRoomStore) Create(_ context.Context, name, description, creatorID string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, ErrInvalidName
	}
	id := RoomIDFromName(name)
	if IsPrivateRoomID(id) {
		return Room{}, ErrInvalidName.Withf("room name %q is reserved", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; ok {
		return Room{}, ErrDuplicateRoom.Withf("room %q already exists", id)
	}
	r := &Room{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedBy:   creatorID,
		CreatedAt:   s.now(),
		Members:     []string{},
	}
	s.rooms[id] = r
	s.order = append(s.order, id)
	return copyRoom(r), nil
}

func (s *MemoryRoomStore) List(_ context.Context) ([]Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]Room, 0, len(s.order))
	for _, id := range s.order {
		rooms = append(rooms, copyRoom(s.rooms[id]))
	}
	return rooms, nil
}

func (s *MemoryRoomStore) AddMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if !slices.Contains(r.Members, userID) {
		r.Members = append(r.Members, userID)
	}
	return nil
}

func (s *MemoryRoomStore) RemoveMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.Members = slices.DeleteFunc(r.Members, func(m string) bool { return m == userID })
	return nil
}

func copyRoom(r *Room) Room {
	c := *r
	c.Members = slices.Clone(r.Members)
	if c.Members == nil {
		c.Members = []string{}
	}
	return c
}

// messageRecord guards one message. Every read-modify-write on the message
// holds mu, so snapshots never observe a partially applied mutation.
type messageRecord struct {
	mu      sync.Mutex
	msg     Message
	seq     uint64
	deleted bool
}

func (r *messageRecord) snapshot() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return Message{}, false
	}
	return copyMessage(&r.msg), true
}

type MemoryMessageStore struct {
	mu       sync.RWMutex
	byID     map[string]*messageRecord
	byRoom   map[string][]*messageRecord
	bySender map[string][]*messageRecord
	seq      uint64

	idGenerator func() string
	now         func() time.Time
}

var _ MessageStore = (*MemoryMessageStore)(nil)

type MessageStoreOption func(*MemoryMessageStore)

// WithIDGenerator replaces the uuid generator used for message ids.
func WithIDGenerator(f func() string) MessageStoreOption {
	return func(s *MemoryMessageStore) {
		s.idGenerator = f
	}
}

func WithClock(now func() time.Time) MessageStoreOption {
	return func(s *MemoryMessageStore) {
		s.now = now
	}
}

func NewMemoryMessageStore(opts ...MessageStoreOption) *MemoryMessageStore {
	s := &MemoryMessageStore{
		byID:        make(map[string]*messageRecord),
		byRoom:      make(map[string][]*messageRecord),
		bySender:    make(map[string][]*messageRecord),
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryMessageStore) Create(_ context.Context, input MessageCreateInput) (Message, error) {
	if err := validatePayload(input); err != nil {
		return Message{}, err
	}
	if input.Type == "" {
		input.Type = TextMessage
	}

	msg := Message{
		SenderID:  input.SenderID,
		Content:   input.Content,
		RoomID:    input.RoomID,
		Type:      input.Type,
		Timestamp: s.now(),
		ReadBy:    []string{},
		Reactions: map[string]string{},
	}
	if input.ReplyTo != "" {
		replyTo := input.ReplyTo
		msg.ReplyTo = &replyTo
	}
	if input.File != nil {
		file := *input.File
		msg.FileMeta = &file
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.idGenerator()
	for i := 0; ; i++ {
		if _, taken := s.byID[id]; !taken {
			break
		}
		if i == maxIDRegenerations {
			return Message{}, ErrIDCollision.Withf("message id %q collided %d times", id, i+1)
		}
		id = s.idGenerator()
	}
	msg.ID = id

	s.seq++
	rec := &messageRecord{msg: msg, seq: s.seq}
	s.byID[id] = rec
	s.byRoom[msg.RoomID] = append(s.byRoom[msg.RoomID], rec)
	s.bySender[msg.SenderID] = append(s.bySender[msg.SenderID], rec)
	return copyMessage(&rec.msg), nil
}

func (s *MemoryMessageStore) record(id string) (*messageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return rec, nil
}

func (s *MemoryMessageStore) FindByID(_ context.Context, id string) (Message, error) {
	rec, err := s.record(id)
	if err != nil {
		return Message{}, err
	}
	msg, ok := rec.snapshot()
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return msg, nil
}

type seqMessage struct {
	seq uint64
	msg Message
}

// snapshots copies every live record of recs and orders them by timestamp,
// falling back to insertion order for equal timestamps.
func snapshots(recs []*messageRecord) []seqMessage {
	out := make([]seqMessage, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.deleted {
			out = append(out, seqMessage{seq: rec.seq, msg: copyMessage(&rec.msg)})
		}
		rec.mu.Unlock()
	}
	slices.SortStableFunc(out, func(a, b seqMessage) int {
		if c := a.msg.Timestamp.Compare(b.msg.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

func (s *MemoryMessageStore) indexed(index map[string][]*messageRecord, key string) []*messageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(index[key])
}

func (s *MemoryMessageStore) FindByRoom(_ context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	sorted := snapshots(s.indexed(s.byRoom, roomID))
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	msgs := make([]Message, 0, len(sorted))
	for _, m := range sorted {
		msgs = append(msgs, m.msg)
	}
	return msgs, nil
}

func (s *MemoryMessageStore) FindBySender(_ context.Context, senderID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultSenderLimit
	}
	sorted := snapshots(s.indexed(s.bySender, senderID))
	msgs := make([]Message, 0, min(limit, len(sorted)))
	for i := len(sorted) - 1; i >= 0 && len(msgs) < limit; i-- {
		msgs = append(msgs, sorted[i].msg)
	}
	return msgs, nil
}

// update applies f to the message under its record lock and returns the
// resulting snapshot. f may reject the mutation by returning an error.
func (s *MemoryMessageStore) update(id string, f func(*Message) error) (Message, error) {
	rec, err := s.record(id)
	if err != nil {
		return Message{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return Message{}, ErrMessageNotFound
	}
	if err := f(&rec.msg); err != nil {
		return Message{}, err
	}
	return copyMessage(&rec.msg), nil
}

func (s *MemoryMessageStore) AddReaction(_ context.Context, id, userID, reaction string) (Message, error) {
	if userID == "" || reaction == "" {
		return Message{}, ErrInvalidPayload.Withf("invalid payload: reaction and user are required")
	}
	return s.update(id, func(m *Message) error {
		m.Reactions[userID] = reaction
		return nil
	})
}

func (s *MemoryMessageStore) RemoveReaction(_ context.Context, id, userID string) (Message, error) {
	return s.update(id, func(m *Message) error {
		delete(m.Reactions, userID)
		return nil
	})
}

func (s *MemoryMessageStore) MarkRead(_ context.Context, id, userID string) (Message, error) {
	return s.update(id, func(m *Message) error {
		if !slices.Contains(m.ReadBy, userID) {
			m.ReadBy = append(m.ReadBy, userID)
		}
		return nil
	})
}

func (s *MemoryMessageStore) Edit(_ context.Context, id, callerID, content string) (Message, error) {
	if content == "" {
		return Message{}, ErrInvalidPayload.Withf("invalid payload: newContent required")
	}
	return s.update(id, func(m *Message) error {
		if m.SenderID != callerID {
			return ErrForbidden.Withf("only the sender can edit message %s", id)
		}
		now := s.now()
		m.Content = content
		m.IsEdited = true
		m.EditedAt = &now
		return nil
	})
}

func (s *MemoryMessageStore) Delete(_ context.Context, id, callerID string) (Message, error) {
	deleted, err := s.update(id, func(m *Message) error {
		if m.SenderID != callerID {
			return ErrForbidden.Withf("only the sender can delete message %s", id)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	// Only one of two concurrent deletes may see the record live.
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	rec.mu.Lock()
	if rec.deleted {
		rec.mu.Unlock()
		return Message{}, ErrMessageNotFound
	}
	rec.deleted = true
	rec.mu.Unlock()

	delete(s.byID, id)
	s.byRoom[deleted.RoomID] = slices.DeleteFunc(s.byRoom[deleted.RoomID],
		func(r *messageRecord) bool { return r == rec })
	s.bySender[deleted.SenderID] = slices.DeleteFunc(s.bySender[deleted.SenderID],
		func(r *messageRecord) bool { return r == rec })
	return deleted, nil
}

func copyMessage(m *Message) Message {
	c := *m
	c.ReadBy = slices.Clone(m.ReadBy)
	if c.ReadBy == nil {
		c.ReadBy = []string{}
	}
	c.Reactions = maps.Clone(m.Reactions)
	if c.Reactions == nil {
		c.Reactions = map[string]string{}
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.FileMeta != nil {
		f := *m.FileMeta
		c.FileMeta = &f
	}
	return c
}
