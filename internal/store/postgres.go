package store

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Postgres implements Store over a pgx connection pool. A single mutex is
// held for the full duration of every operation, so the rest of the server
// can treat the store as a sequential oracle; in particular the find+create
// pair inside CreatePrivateChat cannot interleave with a concurrent call.
type Postgres struct {
	mu     sync.Mutex
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open creates the connection pool, verifies connectivity and returns the
// store.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	// The store-wide mutex serialises access anyway; a small pool is enough.
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger = logger.With().Str("component", "store").Logger()
	logger.Info().
		Int32("max_conns", cfg.MaxConns).
		Msg("postgres connection pool created")

	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) RegisterUser(ctx context.Context, username, passwordHash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if username == "" {
		return false
	}
	var exists int
	err := p.pool.QueryRow(ctx,
		`SELECT 1 FROM users WHERE username = $1`, username).Scan(&exists)
	if err == nil {
		return false
	}
	if err != pgx.ErrNoRows {
		p.logger.Error().Err(err).Str("username", username).Msg("register: lookup failed")
		return false
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO users(username, password_hash) VALUES($1, $2)`,
		username, passwordHash)
	if err != nil {
		p.logger.Error().Err(err).Str("username", username).Msg("register: insert failed")
		return false
	}
	return true
}

func (p *Postgres) AuthenticateUser(ctx context.Context, username, passwordHash string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id int64
	err := p.pool.QueryRow(ctx,
		`SELECT user_id FROM users WHERE username = $1 AND password_hash = $2`,
		username, passwordHash).Scan(&id)
	if err != nil {
		if err != pgx.ErrNoRows {
			p.logger.Error().Err(err).Str("username", username).Msg("authenticate: query failed")
		}
		return -1
	}
	return id
}

func (p *Postgres) FindPrivateChat(ctx context.Context, u1, u2 int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findPrivateChatLocked(ctx, u1, u2)
}

func (p *Postgres) findPrivateChatLocked(ctx context.Context, u1, u2 int64) int64 {
	var id int64
	err := p.pool.QueryRow(ctx, `
		SELECT c.chat_id
		  FROM chats c
		  JOIN chat_members m1 ON c.chat_id = m1.chat_id AND m1.user_id = $1
		  JOIN chat_members m2 ON c.chat_id = m2.chat_id AND m2.user_id = $2
		 WHERE c.is_group = FALSE
		 GROUP BY c.chat_id`,
		u1, u2).Scan(&id)
	if err != nil {
		if err != pgx.ErrNoRows {
			p.logger.Error().Err(err).Int64("u1", u1).Int64("u2", u2).Msg("find private chat failed")
		}
		return -1
	}
	return id
}

func (p *Postgres) CreatePrivateChat(ctx context.Context, u1, u2 int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing := p.findPrivateChatLocked(ctx, u1, u2); existing > 0 {
		return existing, true
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("create private chat: begin failed")
		return -1, false
	}
	defer tx.Rollback(ctx)

	var chatID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO chats(is_group, chat_name) VALUES(FALSE, NULL) RETURNING chat_id`).Scan(&chatID)
	if err != nil {
		p.logger.Error().Err(err).Msg("create private chat: insert failed")
		return -1, false
	}
	for _, uid := range []int64{u1, u2} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_members(chat_id, user_id) VALUES($1, $2) ON CONFLICT DO NOTHING`,
			chatID, uid); err != nil {
			p.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).
				Msg("create private chat: add member failed")
			return -1, false
		}
	}
	if err := tx.Commit(ctx); err != nil {
		p.logger.Error().Err(err).Msg("create private chat: commit failed")
		return -1, false
	}
	return chatID, false
}

func (p *Postgres) CreateChat(ctx context.Context, isGroup bool, name string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var chatID int64
	var err error
	if isGroup {
		err = p.pool.QueryRow(ctx,
			`INSERT INTO chats(is_group, chat_name) VALUES(TRUE, $1) RETURNING chat_id`,
			name).Scan(&chatID)
	} else {
		err = p.pool.QueryRow(ctx,
			`INSERT INTO chats(is_group, chat_name) VALUES(FALSE, NULL) RETURNING chat_id`).Scan(&chatID)
	}
	if err != nil {
		p.logger.Error().Err(err).Bool("is_group", isGroup).Msg("create chat failed")
		return -1
	}
	return chatID
}

func (p *Postgres) AddUserToChat(ctx context.Context, chatID, userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.pool.Exec(ctx,
		`INSERT INTO chat_members(chat_id, user_id) VALUES($1, $2) ON CONFLICT DO NOTHING`,
		chatID, userID)
	if err != nil {
		p.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", userID).
			Msg("add user to chat failed")
		return false
	}
	return true
}

func (p *Postgres) IsUserInChat(ctx context.Context, chatID, userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var one int
	err := p.pool.QueryRow(ctx,
		`SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID).Scan(&one)
	if err != nil {
		if err != pgx.ErrNoRows {
			p.logger.Error().Err(err).Int64("chat_id", chatID).Msg("membership check failed")
		}
		return false
	}
	return true
}

func (p *Postgres) StoreMessage(ctx context.Context, chatID, senderID int64, content string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var msgID int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO messages(chat_id, sender_id, content) VALUES($1, $2, $3) RETURNING msg_id`,
		chatID, senderID, content).Scan(&msgID)
	if err != nil {
		p.logger.Error().Err(err).Int64("chat_id", chatID).Msg("store message failed")
		return -1
	}
	return msgID
}

func (p *Postgres) GetChatHistory(ctx context.Context, chatID, userID int64) []MessageRow {
	p.mu.Lock()
	defer p.mu.Unlock()

	// LEFT JOIN so messages without a per-user deletion row survive the
	// filter. Timestamps are formatted here, in UTC, without seconds.
	rows, err := p.pool.Query(ctx, `
		SELECT m.msg_id,
		       to_char(m.created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD HH24:MI') AS ts,
		       u.username,
		       m.content
		  FROM messages m
		  JOIN users u ON m.sender_id = u.user_id
		  LEFT JOIN user_deleted_messages d ON d.msg_id = m.msg_id AND d.user_id = $2
		 WHERE m.chat_id = $1
		   AND NOT m.deleted
		   AND d.msg_id IS NULL
		 ORDER BY m.created_at, m.msg_id`,
		chatID, userID)
	if err != nil {
		p.logger.Error().Err(err).Int64("chat_id", chatID).Msg("chat history query failed")
		return nil
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var m MessageRow
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Sender, &m.Content); err != nil {
			p.logger.Error().Err(err).Msg("chat history scan failed")
			return nil
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		p.logger.Error().Err(err).Msg("chat history rows failed")
		return nil
	}
	return out
}

func (p *Postgres) GetChatEvents(ctx context.Context, chatID int64) []EventRow {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.pool.Query(ctx, `
		SELECT to_char(event_ts AT TIME ZONE 'UTC', 'YYYY-MM-DD HH24:MI'),
		       user_id,
		       event_type
		  FROM chat_events
		 WHERE chat_id = $1
		 ORDER BY event_ts`,
		chatID)
	if err != nil {
		p.logger.Error().Err(err).Int64("chat_id", chatID).Msg("chat events query failed")
		return nil
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.Timestamp, &e.UserID, &e.Type); err != nil {
			p.logger.Error().Err(err).Msg("chat events scan failed")
			return nil
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		p.logger.Error().Err(err).Msg("chat events rows failed")
		return nil
	}
	return out
}

func (p *Postgres) DeleteMessageForUser(ctx context.Context, msgID, userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	// ON CONFLICT DO NOTHING keeps repeated deletes of the same message
	// harmless.
	_, err := p.pool.Exec(ctx,
		`INSERT INTO user_deleted_messages(msg_id, user_id) VALUES($1, $2) ON CONFLICT DO NOTHING`,
		msgID, userID)
	if err != nil {
		p.logger.Error().Err(err).Int64("msg_id", msgID).Msg("per-user delete failed")
		return false
	}
	return true
}

func (p *Postgres) DeleteMessageGlobal(ctx context.Context, msgID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.pool.Exec(ctx,
		`UPDATE messages SET deleted = TRUE WHERE msg_id = $1`, msgID)
	if err != nil {
		p.logger.Error().Err(err).Int64("msg_id", msgID).Msg("global delete failed")
		return false
	}
	return true
}

func (p *Postgres) GetMessageSender(ctx context.Context, msgID int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id int64
	err := p.pool.QueryRow(ctx,
		`SELECT sender_id FROM messages WHERE msg_id = $1`, msgID).Scan(&id)
	if err != nil {
		if err != pgx.ErrNoRows {
			p.logger.Error().Err(err).Int64("msg_id", msgID).Msg("message sender query failed")
		}
		return -1
	}
	return id
}

func (p *Postgres) GetChatIDByMessage(ctx context.Context, msgID int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id int64
	err := p.pool.QueryRow(ctx,
		`SELECT chat_id FROM messages WHERE msg_id = $1`, msgID).Scan(&id)
	if err != nil {
		if err != pgx.ErrNoRows {
			p.logger.Error().Err(err).Int64("msg_id", msgID).Msg("message chat query failed")
		}
		return -1
	}
	return id
}

func (p *Postgres) RemoveUserFromChat(ctx context.Context, chatID, userID int64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Membership removal and the LEFT event must be observable together,
	// hence the transaction. The event timestamp is returned so the
	// USER_LEFT push carries exactly what HISTORY will later render.
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("leave chat: begin failed")
		return "", false
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID); err != nil {
		p.logger.Error().Err(err).Int64("chat_id", chatID).Msg("leave chat: delete failed")
		return "", false
	}

	var ts string
	err = tx.QueryRow(ctx, `
		INSERT INTO chat_events(chat_id, user_id, event_type, event_ts)
		VALUES($1, $2, $3, now())
		RETURNING to_char(event_ts AT TIME ZONE 'UTC', 'YYYY-MM-DD HH24:MI')`,
		chatID, userID, "LEFT").Scan(&ts)
	if err != nil {
		p.logger.Error().Err(err).Int64("chat_id", chatID).Msg("leave chat: event insert failed")
		return "", false
	}
	if err := tx.Commit(ctx); err != nil {
		p.logger.Error().Err(err).Msg("leave chat: commit failed")
		return "", false
	}
	return ts, true
}

func (p *Postgres) ChatMembers(ctx context.Context, chatID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.pool.Query(ctx, `
		SELECT u.username
		  FROM users u
		  JOIN chat_members m ON u.user_id = m.user_id
		 WHERE m.chat_id = $1
		 ORDER BY u.user_id`,
		chatID)
	if err != nil {
		p.logger.Error().Err(err).Int64("chat_id", chatID).Msg("chat members query failed")
		return nil
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			p.logger.Error().Err(err).Msg("chat members scan failed")
			return nil
		}
		members = append(members, name)
	}
	if err := rows.Err(); err != nil {
		p.logger.Error().Err(err).Msg("chat members rows failed")
		return nil
	}
	return members
}

func (p *Postgres) ListUserChats(ctx context.Context, userID int64) []ChatRow {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.pool.Query(ctx, `
		SELECT c.chat_id, c.is_group, COALESCE(c.chat_name, '')
		  FROM chats c
		  JOIN chat_members m ON c.chat_id = m.chat_id
		 WHERE m.user_id = $1
		 ORDER BY c.chat_id`,
		userID)
	if err != nil {
		p.logger.Error().Err(err).Int64("user_id", userID).Msg("list chats query failed")
		return nil
	}
	defer rows.Close()

	var out []ChatRow
	for rows.Next() {
		var c ChatRow
		if err := rows.Scan(&c.ID, &c.IsGroup, &c.Name); err != nil {
			p.logger.Error().Err(err).Msg("list chats scan failed")
			return nil
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		p.logger.Error().Err(err).Msg("list chats rows failed")
		return nil
	}
	return out
}

func (p *Postgres) GetUserIDByName(ctx context.Context, username string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id int64
	err := p.pool.QueryRow(ctx,
		`SELECT user_id FROM users WHERE username = $1`, username).Scan(&id)
	if err != nil {
		if err != pgx.ErrNoRows {
			p.logger.Error().Err(err).Str("username", username).Msg("user id query failed")
		}
		return -1
	}
	return id
}

func (p *Postgres) GetUsername(ctx context.Context, userID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var name string
	err := p.pool.QueryRow(ctx,
		`SELECT username FROM users WHERE user_id = $1`, userID).Scan(&name)
	if err != nil {
		if err != pgx.ErrNoRows {
			p.logger.Error().Err(err).Int64("user_id", userID).Msg("username query failed")
		}
		return ""
	}
	return name
}

func (p *Postgres) DeleteEverything(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.pool.Exec(ctx, `
		TRUNCATE users, chats, chat_members, messages,
		         user_deleted_messages, chat_events
		RESTART IDENTITY CASCADE`)
	if err != nil {
		p.logger.Error().Err(err).Msg("reset failed")
		return false
	}
	p.logger.Warn().Msg("all tables truncated")
	return true
}
