package server

import (
	"context"
	"sync"
	"time"

	"github.com/mavdeev/chatline/internal/protocol"
	"github.com/mavdeev/chatline/internal/store"
)

// memStore is an in-memory store.Store used by the dispatcher tests. It
// reproduces the contract of the real store, including sentinel returns and
// the "YYYY-MM-DD HH:MM" timestamp format; the clock ticks one minute per
// write so orderings are deterministic.
type memStore struct {
	mu sync.Mutex

	nextUserID int64
	nextChatID int64
	nextMsgID  int64
	clock      time.Time

	users map[int64]*memUser
	chats map[int64]*memChat
	msgs  map[int64]*memMsg
}

type memUser struct {
	id   int64
	name string
	hash string
}

type memChat struct {
	id      int64
	isGroup bool
	name    string
	members map[int64]bool
	events  []store.EventRow
}

type memMsg struct {
	id       int64
	chatID   int64
	senderID int64
	content  string
	ts       string
	deleted  bool
	hiddenBy map[int64]bool
}

func newMemStore() *memStore {
	return &memStore{
		clock: time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC),
		users: make(map[int64]*memUser),
		chats: make(map[int64]*memChat),
		msgs:  make(map[int64]*memMsg),
	}
}

func (s *memStore) tick() string {
	s.clock = s.clock.Add(time.Minute)
	return s.clock.Format("2006-01-02 15:04")
}

func (s *memStore) userByName(name string) *memUser {
	for _, u := range s.users {
		if u.name == name {
			return u
		}
	}
	return nil
}

func (s *memStore) RegisterUser(_ context.Context, username, passwordHash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if username == "" || s.userByName(username) != nil {
		return false
	}
	s.nextUserID++
	s.users[s.nextUserID] = &memUser{id: s.nextUserID, name: username, hash: passwordHash}
	return true
}

func (s *memStore) AuthenticateUser(_ context.Context, username, passwordHash string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.userByName(username); u != nil && u.hash == passwordHash {
		return u.id
	}
	return -1
}

func (s *memStore) FindPrivateChat(_ context.Context, u1, u2 int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPrivateLocked(u1, u2)
}

func (s *memStore) findPrivateLocked(u1, u2 int64) int64 {
	for _, c := range s.chats {
		if !c.isGroup && c.members[u1] && c.members[u2] {
			return c.id
		}
	}
	return -1
}

func (s *memStore) CreatePrivateChat(_ context.Context, u1, u2 int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.findPrivateLocked(u1, u2); existing > 0 {
		return existing, true
	}
	s.nextChatID++
	s.chats[s.nextChatID] = &memChat{
		id:      s.nextChatID,
		members: map[int64]bool{u1: true, u2: true},
	}
	return s.nextChatID, false
}

func (s *memStore) CreateChat(_ context.Context, isGroup bool, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChatID++
	s.chats[s.nextChatID] = &memChat{
		id:      s.nextChatID,
		isGroup: isGroup,
		name:    name,
		members: make(map[int64]bool),
	}
	return s.nextChatID
}

func (s *memStore) AddUserToChat(_ context.Context, chatID, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return false
	}
	c.members[userID] = true
	return true
}

func (s *memStore) IsUserInChat(_ context.Context, chatID, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	return ok && c.members[userID]
}

func (s *memStore) StoreMessage(_ context.Context, chatID, senderID int64, content string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return -1
	}
	s.nextMsgID++
	s.msgs[s.nextMsgID] = &memMsg{
		id:       s.nextMsgID,
		chatID:   chatID,
		senderID: senderID,
		content:  content,
		ts:       s.tick(),
		hiddenBy: make(map[int64]bool),
	}
	return s.nextMsgID
}

func (s *memStore) GetChatHistory(_ context.Context, chatID, userID int64) []store.MessageRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.MessageRow
	for id := int64(1); id <= s.nextMsgID; id++ {
		m, ok := s.msgs[id]
		if !ok || m.chatID != chatID || m.deleted || m.hiddenBy[userID] {
			continue
		}
		out = append(out, store.MessageRow{
			ID:        m.id,
			Timestamp: m.ts,
			Sender:    s.users[m.senderID].name,
			Content:   m.content,
		})
	}
	return out
}

func (s *memStore) GetChatEvents(_ context.Context, chatID int64) []store.EventRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	return append([]store.EventRow(nil), c.events...)
}

func (s *memStore) DeleteMessageForUser(_ context.Context, msgID, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[msgID]
	if !ok {
		return false
	}
	m.hiddenBy[userID] = true
	return true
}

func (s *memStore) DeleteMessageGlobal(_ context.Context, msgID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[msgID]
	if !ok {
		return false
	}
	m.deleted = true
	return true
}

func (s *memStore) GetMessageSender(_ context.Context, msgID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.msgs[msgID]; ok {
		return m.senderID
	}
	return -1
}

func (s *memStore) GetChatIDByMessage(_ context.Context, msgID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.msgs[msgID]; ok {
		return m.chatID
	}
	return -1
}

func (s *memStore) RemoveUserFromChat(_ context.Context, chatID, userID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok || !c.members[userID] {
		return "", false
	}
	delete(c.members, userID)
	ts := s.tick()
	c.events = append(c.events, store.EventRow{
		Timestamp: ts,
		UserID:    userID,
		Type:      protocol.EventLeft,
	})
	return ts, true
}

func (s *memStore) ChatMembers(_ context.Context, chatID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	var names []string
	for id := int64(1); id <= s.nextUserID; id++ {
		if c.members[id] {
			names = append(names, s.users[id].name)
		}
	}
	return names
}

func (s *memStore) ListUserChats(_ context.Context, userID int64) []store.ChatRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ChatRow
	for id := int64(1); id <= s.nextChatID; id++ {
		c, ok := s.chats[id]
		if !ok || !c.members[userID] {
			continue
		}
		out = append(out, store.ChatRow{ID: c.id, IsGroup: c.isGroup, Name: c.name})
	}
	return out
}

func (s *memStore) GetUserIDByName(_ context.Context, username string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.userByName(username); u != nil {
		return u.id
	}
	return -1
}

func (s *memStore) GetUsername(_ context.Context, userID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u.name
	}
	return ""
}

func (s *memStore) DeleteEverything(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[int64]*memUser)
	s.chats = make(map[int64]*memChat)
	s.msgs = make(map[int64]*memMsg)
	s.nextUserID, s.nextChatID, s.nextMsgID = 0, 0, 0
	return true
}

func (s *memStore) Close() {}

var _ store.Store = (*memStore)(nil)
