// Package protocol defines the line-oriented wire grammar: command verbs,
// response tokens, and the rendering of CHATS and HISTORY payloads.
//
// Every request and reply is a single UTF-8 line terminated by '\n' with an
// optional '\r' before it. Replies are either one success line or one
// "ERROR ..." line, never both.
package protocol

import (
	"fmt"
	"strings"
)

// Command verbs.
const (
	CmdRegister     = "REGISTER"
	CmdLogin        = "LOGIN"
	CmdListChats    = "LIST_CHATS"
	CmdCreateChat   = "CREATE_CHAT"
	CmdSend         = "SEND"
	CmdHistory      = "HISTORY"
	CmdDelete       = "DELETE"
	CmdDeleteGlobal = "DELETE_GLOBAL"
	CmdLeaveChat    = "LEAVE_CHAT"
	CmdGetUserID    = "GET_USER_ID"
)

// Success tokens.
const (
	RespOKReg   = "OK REG"
	RespOKLogin = "OK LOGIN"
	RespOKLeft  = "OK LEFT"
)

// Error tokens. ErrGeneric covers store-layer failures and malformed
// arguments; every other token maps to one specific protocol condition.
const (
	ErrUserExists   = "ERROR USER_EXISTS"
	ErrNotCorrect   = "ERROR NOT_CORRECT"
	ErrNotLogged    = "ERROR NOT_LOGGED"
	ErrChatExists   = "ERROR CHAT_EXISTS"
	ErrNoChatAccess = "ERROR NO_CHAT_ACCESS"
	ErrNoRights     = "ERROR NO_RIGHTS"
	ErrNoSuchUser   = "ERROR NO_SUCH_USER"
	ErrUnknown      = "ERROR UNKNOWN"
	ErrGeneric      = "ERROR"
)

// Push notification verbs.
const (
	PushNewChat    = "NEW_CHAT"
	PushNewHistory = "NEW_HISTORY"
	PushMsgDeleted = "MSG_DELETED"
	PushUserLeft   = "USER_LEFT"
)

// Chat event types as stored in chat_events.
const (
	EventLeft   = "LEFT"
	EventJoined = "JOINED"
)

// Rendered phrases for chat events merged into HISTORY. The protocol carries
// the phrase verbatim, so changing these does not change the grammar.
var EventPhrases = map[string]string{
	EventLeft:   "покинул(а) чат",
	EventJoined: "вошёл в чат",
}

// EventPhrase returns the HISTORY phrase for an event type. Unknown types
// fall back to the JOINED phrase, matching the historical behavior.
func EventPhrase(eventType string) string {
	if p, ok := EventPhrases[eventType]; ok {
		return p
	}
	return EventPhrases[EventJoined]
}

// TrimLine strips the trailing '\n' and an optional '\r' from a framed line.
func TrimLine(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

// ChatEntry is one chat in a CHATS response.
type ChatEntry struct {
	ID      int64
	IsGroup bool
	Name    string
	Members []string
}

// RenderChats renders the LIST_CHATS reply payload (the writer appends the
// line terminator):
//
//	CHATS <id>:<0|1>:<name>:<m1>,<m2>;<id>:...
//
// Entries are ';'-separated with no trailing ';'. An empty chat list renders
// as a bare "CHATS".
func RenderChats(entries []ChatEntry) string {
	if len(entries) == 0 {
		return "CHATS"
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		g := "0"
		if e.IsGroup {
			g = "1"
		}
		parts = append(parts, fmt.Sprintf("%d:%s:%s:%s", e.ID, g, e.Name, strings.Join(e.Members, ",")))
	}
	return "CHATS " + strings.Join(parts, ";")
}

// HistoryMessage is one visible message row, timestamp already formatted as
// "YYYY-MM-DD HH:MM".
type HistoryMessage struct {
	ID        int64
	Timestamp string
	Sender    string
	Content   string
}

// HistoryEvent is one chat event row, timestamp already formatted.
type HistoryEvent struct {
	Timestamp string
	UserID    int64
	Type      string
}

// RenderHistory merges messages and events into a single HISTORY reply,
// ordered by timestamp. Both inputs must already be sorted ascending; the
// merge compares the "YYYY-MM-DD HH:MM" strings lexicographically and breaks
// ties in favor of the message. Rendered entries:
//
//	message: [<ts>] <sender>: <content> (id=<msg_id>)
//	event:   [<ts>] * <username> <phrase>
//
// usernameOf resolves an event's user_id to a display name. The writer
// appends the line terminator.
func RenderHistory(messages []HistoryMessage, events []HistoryEvent, usernameOf func(int64) string) string {
	var b strings.Builder
	b.WriteString("HISTORY ")

	entries := make([]string, 0, len(messages)+len(events))
	i, j := 0, 0
	for i < len(messages) || j < len(events) {
		takeMsg := false
		if i < len(messages) && j < len(events) {
			takeMsg = messages[i].Timestamp <= events[j].Timestamp
		} else if i < len(messages) {
			takeMsg = true
		}
		if takeMsg {
			m := messages[i]
			entries = append(entries, fmt.Sprintf("[%s] %s: %s (id=%d)", m.Timestamp, m.Sender, m.Content, m.ID))
			i++
		} else {
			e := events[j]
			entries = append(entries, fmt.Sprintf("[%s] * %s %s", e.Timestamp, usernameOf(e.UserID), EventPhrase(e.Type)))
			j++
		}
	}
	b.WriteString(strings.Join(entries, ";"))
	return b.String()
}
