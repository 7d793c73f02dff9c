// Package store is the persistence layer: typed, serialised operations over
// the six chat tables. Every failure crossing the package boundary is a
// sentinel value (false, -1, empty slice), never an error; the underlying
// cause is logged where it happens.
package store

import "context"

// MessageRow is one visible message of a chat history, timestamp formatted as
// "YYYY-MM-DD HH:MM" in UTC.
type MessageRow struct {
	ID        int64
	Timestamp string
	Sender    string
	Content   string
}

// EventRow is one chat event, timestamp formatted as "YYYY-MM-DD HH:MM" in UTC.
type EventRow struct {
	Timestamp string
	UserID    int64
	Type      string
}

// ChatRow is one chat of a user's chat list.
type ChatRow struct {
	ID      int64
	IsGroup bool
	Name    string
}

// Store exposes the persistence operations the dispatcher needs. All
// implementations serialise calls internally; callers need not synchronise.
type Store interface {
	// RegisterUser inserts a new user. Returns false if the username is taken.
	RegisterUser(ctx context.Context, username, passwordHash string) bool

	// AuthenticateUser returns the user id on an exact username+hash match,
	// -1 otherwise.
	AuthenticateUser(ctx context.Context, username, passwordHash string) int64

	// FindPrivateChat returns the id of the existing non-group chat whose
	// membership contains both users, or -1.
	FindPrivateChat(ctx context.Context, u1, u2 int64) int64

	// CreatePrivateChat atomically checks for an existing private chat
	// between u1 and u2 and creates one (with both memberships) if absent.
	// Returns (existing id, true) when the chat already existed,
	// (new id, false) on creation, (-1, false) on failure.
	CreatePrivateChat(ctx context.Context, u1, u2 int64) (int64, bool)

	// CreateChat inserts a chat row and returns its id, or -1. For private
	// chats the name is stored as NULL.
	CreateChat(ctx context.Context, isGroup bool, name string) int64

	// AddUserToChat adds a membership row; idempotent under conflict.
	AddUserToChat(ctx context.Context, chatID, userID int64) bool

	IsUserInChat(ctx context.Context, chatID, userID int64) bool

	// StoreMessage inserts a message with a server-assigned timestamp and
	// returns the new msg_id, or -1.
	StoreMessage(ctx context.Context, chatID, senderID int64, content string) int64

	// GetChatHistory returns the messages of a chat visible to the given
	// user (not globally deleted, not hidden by that user), ordered by
	// creation time ascending.
	GetChatHistory(ctx context.Context, chatID, userID int64) []MessageRow

	// GetChatEvents returns the chat's events ordered by event time ascending.
	GetChatEvents(ctx context.Context, chatID int64) []EventRow

	// DeleteMessageForUser hides a message from one user; repeating the call
	// is a no-op.
	DeleteMessageForUser(ctx context.Context, msgID, userID int64) bool

	// DeleteMessageGlobal marks a message deleted for every viewer.
	DeleteMessageGlobal(ctx context.Context, msgID int64) bool

	GetMessageSender(ctx context.Context, msgID int64) int64
	GetChatIDByMessage(ctx context.Context, msgID int64) int64

	// RemoveUserFromChat deletes the membership and appends a LEFT event in
	// one transaction. Returns the formatted event timestamp and whether the
	// operation succeeded.
	RemoveUserFromChat(ctx context.Context, chatID, userID int64) (string, bool)

	// ChatMembers returns the usernames of a chat's members.
	ChatMembers(ctx context.Context, chatID int64) []string

	// ListUserChats returns the chats a user belongs to, ordered by chat id
	// ascending.
	ListUserChats(ctx context.Context, userID int64) []ChatRow

	GetUserIDByName(ctx context.Context, username string) int64
	GetUsername(ctx context.Context, userID int64) string

	// DeleteEverything truncates all six tables. Admin use only.
	DeleteEverything(ctx context.Context) bool

	// Close releases the underlying connections.
	Close()
}
