// Package session tracks the transient mappings between live connections,
// authenticated users and chat subscriptions. Nothing here survives a
// restart; clients rebuild their state by logging in and re-listing chats.
package session

import "sync"

// Conn is the connection handle the registry tracks. The server's client
// type satisfies it; tests may substitute anything with a serialised writer.
type Conn interface {
	// WriteLine writes one framed line, appending the terminator. Writes on
	// the same Conn are serialised by the implementation.
	WriteLine(line string) error
}

// Registry holds three maps: conn→user, user→conns and chat→subscribers.
// The identity maps share one mutex (they always change together); the
// subscriber map has its own. No mutex is ever held across I/O or a store
// call, and no two registry mutexes are held at once.
type Registry struct {
	userMu    sync.Mutex
	connUser  map[Conn]int64
	userConns map[int64][]Conn

	subMu       sync.Mutex
	subscribers map[int64][]Conn
}

func NewRegistry() *Registry {
	return &Registry{
		connUser:    make(map[Conn]int64),
		userConns:   make(map[int64][]Conn),
		subscribers: make(map[int64][]Conn),
	}
}

// Bind associates a connection with an authenticated user. A user may hold
// several concurrent connections; a connection holds at most one identity
// (a repeated LOGIN on the same connection rebinds it).
func (r *Registry) Bind(c Conn, userID int64) {
	r.userMu.Lock()
	defer r.userMu.Unlock()

	if prev, ok := r.connUser[c]; ok {
		r.userConns[prev] = removeConn(r.userConns[prev], c)
		if len(r.userConns[prev]) == 0 {
			delete(r.userConns, prev)
		}
	}
	r.connUser[c] = userID
	r.userConns[userID] = append(r.userConns[userID], c)
}

// Unbind removes every trace of a connection: its identity and all of its
// chat subscriptions. Called on teardown.
func (r *Registry) Unbind(c Conn) {
	r.userMu.Lock()
	if uid, ok := r.connUser[c]; ok {
		delete(r.connUser, c)
		r.userConns[uid] = removeConn(r.userConns[uid], c)
		if len(r.userConns[uid]) == 0 {
			delete(r.userConns, uid)
		}
	}
	r.userMu.Unlock()

	r.subMu.Lock()
	for chatID, conns := range r.subscribers {
		r.subscribers[chatID] = removeConn(conns, c)
		if len(r.subscribers[chatID]) == 0 {
			delete(r.subscribers, chatID)
		}
	}
	r.subMu.Unlock()
}

// UserID returns the identity bound to a connection, or false.
func (r *Registry) UserID(c Conn) (int64, bool) {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	uid, ok := r.connUser[c]
	return uid, ok
}

// UserConns returns a snapshot of every connection a user currently holds.
func (r *Registry) UserConns(userID int64) []Conn {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	return append([]Conn(nil), r.userConns[userID]...)
}

// SetSubscriptions replaces a connection's subscription set with exactly the
// given chats, atomically with respect to other registry callers.
func (r *Registry) SetSubscriptions(c Conn, chatIDs []int64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for chatID, conns := range r.subscribers {
		r.subscribers[chatID] = removeConn(conns, c)
		if len(r.subscribers[chatID]) == 0 {
			delete(r.subscribers, chatID)
		}
	}
	for _, chatID := range chatIDs {
		if !containsConn(r.subscribers[chatID], c) {
			r.subscribers[chatID] = append(r.subscribers[chatID], c)
		}
	}
}

// Unsubscribe removes a connection's subscription for one chat.
func (r *Registry) Unsubscribe(c Conn, chatID int64) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.subscribers[chatID] = removeConn(r.subscribers[chatID], c)
	if len(r.subscribers[chatID]) == 0 {
		delete(r.subscribers, chatID)
	}
}

// Subscribers returns a snapshot of the connections subscribed to a chat.
// The snapshot is only guaranteed consistent at the time of the call; a
// recipient may disconnect before the caller writes to it.
func (r *Registry) Subscribers(chatID int64) []Conn {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return append([]Conn(nil), r.subscribers[chatID]...)
}

func removeConn(conns []Conn, c Conn) []Conn {
	for i, existing := range conns {
		if existing == c {
			out := make([]Conn, 0, len(conns)-1)
			out = append(out, conns[:i]...)
			return append(out, conns[i+1:]...)
		}
	}
	return conns
}

func containsConn(conns []Conn, c Conn) bool {
	for _, existing := range conns {
		if existing == c {
			return true
		}
	}
	return false
}
