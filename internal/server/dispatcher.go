package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mavdeev/chatline/internal/monitoring"
	"github.com/mavdeev/chatline/internal/protocol"
	"github.com/mavdeev/chatline/internal/session"
	"github.com/mavdeev/chatline/internal/store"
)

// loginRequired lists the verbs that demand an authenticated connection.
// The check runs before any argument parsing, so a bad payload on one of
// these still answers NOT_LOGGED first.
var loginRequired = map[string]bool{
	protocol.CmdListChats:    true,
	protocol.CmdCreateChat:   true,
	protocol.CmdSend:         true,
	protocol.CmdHistory:      true,
	protocol.CmdDelete:       true,
	protocol.CmdDeleteGlobal: true,
	protocol.CmdLeaveChat:    true,
}

var knownVerbs = map[string]bool{
	protocol.CmdRegister:     true,
	protocol.CmdLogin:        true,
	protocol.CmdListChats:    true,
	protocol.CmdCreateChat:   true,
	protocol.CmdSend:         true,
	protocol.CmdHistory:      true,
	protocol.CmdDelete:       true,
	protocol.CmdDeleteGlobal: true,
	protocol.CmdLeaveChat:    true,
	protocol.CmdGetUserID:    true,
}

// Dispatcher runs the request/response loop of one connection: reads framed
// lines, executes them against the store and registry, and writes exactly one
// reply per command. Push notifications to other connections go through the
// notifier.
type Dispatcher struct {
	store    store.Store
	registry *session.Registry
	notifier *Notifier
	logger   zerolog.Logger
}

func NewDispatcher(st store.Store, registry *session.Registry, notifier *Notifier, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		registry: registry,
		notifier: notifier,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// HandleConn owns the connection from first byte to teardown. It returns
// when the peer disconnects, the read fails, or the context is used to force
// the connection closed from outside.
func (d *Dispatcher) HandleConn(ctx context.Context, c *Client) {
	logger := d.logger.With().
		Int64("client_id", c.ID()).
		Str("remote", c.RemoteAddr().String()).
		Logger()

	defer monitoring.RecoverPanic(logger, "dispatch", map[string]any{"client_id": c.ID()})
	defer func() {
		d.registry.Unbind(c)
		c.Close()
		logger.Info().Msg("connection closed")
	}()

	logger.Info().Msg("connection established")

	userID := int64(-1)
	for {
		line, err := c.ReadLine()
		if err != nil {
			logger.Debug().Err(err).Msg("read ended")
			return
		}
		userID = d.dispatch(ctx, c, logger, userID, line)
	}
}

// dispatch executes one command line and returns the (possibly updated)
// identity of the connection.
func (d *Dispatcher) dispatch(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, line string) int64 {
	verb, rest, _ := strings.Cut(line, " ")

	if knownVerbs[verb] {
		monitoring.CommandProcessed(verb)
	} else {
		monitoring.CommandProcessed("UNKNOWN")
	}

	if loginRequired[verb] && userID < 0 {
		d.reply(c, logger, protocol.ErrNotLogged)
		return userID
	}

	switch verb {
	case protocol.CmdRegister:
		d.handleRegister(ctx, c, logger, rest)
	case protocol.CmdLogin:
		return d.handleLogin(ctx, c, logger, userID, rest)
	case protocol.CmdListChats:
		d.handleListChats(ctx, c, logger, userID)
	case protocol.CmdCreateChat:
		d.handleCreateChat(ctx, c, logger, userID, rest)
	case protocol.CmdSend:
		d.handleSend(ctx, c, logger, userID, rest)
	case protocol.CmdHistory:
		d.handleHistory(ctx, c, logger, userID, rest)
	case protocol.CmdDelete:
		d.handleDelete(ctx, c, logger, userID, rest)
	case protocol.CmdDeleteGlobal:
		d.handleDeleteGlobal(ctx, c, logger, userID, rest)
	case protocol.CmdLeaveChat:
		d.handleLeaveChat(ctx, c, logger, userID, rest)
	case protocol.CmdGetUserID:
		d.handleGetUserID(ctx, c, logger, rest)
	default:
		d.reply(c, logger, protocol.ErrUnknown)
	}
	return userID
}

func (d *Dispatcher) handleRegister(ctx context.Context, c *Client, logger zerolog.Logger, rest string) {
	args := strings.Fields(rest)
	if len(args) != 2 {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	if !d.store.RegisterUser(ctx, args[0], args[1]) {
		d.reply(c, logger, protocol.ErrUserExists)
		return
	}
	logger.Info().Str("username", args[0]).Msg("user registered")
	d.reply(c, logger, protocol.RespOKReg)
}

func (d *Dispatcher) handleLogin(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, rest string) int64 {
	args := strings.Fields(rest)
	if len(args) != 2 {
		d.reply(c, logger, protocol.ErrGeneric)
		return userID
	}
	uid := d.store.AuthenticateUser(ctx, args[0], args[1])
	if uid < 0 {
		d.reply(c, logger, protocol.ErrNotCorrect)
		return userID
	}
	d.registry.Bind(c, uid)
	logger.Info().Int64("user_id", uid).Str("username", args[0]).Msg("user logged in")
	d.reply(c, logger, protocol.RespOKLogin)
	return uid
}

func (d *Dispatcher) handleListChats(ctx context.Context, c *Client, logger zerolog.Logger, userID int64) {
	chats := d.store.ListUserChats(ctx, userID)

	entries := make([]protocol.ChatEntry, 0, len(chats))
	chatIDs := make([]int64, 0, len(chats))
	for _, chat := range chats {
		entries = append(entries, protocol.ChatEntry{
			ID:      chat.ID,
			IsGroup: chat.IsGroup,
			Name:    chat.Name,
			Members: d.store.ChatMembers(ctx, chat.ID),
		})
		chatIDs = append(chatIDs, chat.ID)
	}

	// Listing doubles as the subscription handshake: after CHATS the
	// connection receives pushes for exactly these chats. Subscriptions are
	// installed only after the reply is on the wire, so no push can precede
	// the CHATS line.
	d.reply(c, logger, protocol.RenderChats(entries))
	d.registry.SetSubscriptions(c, chatIDs)
}

func (d *Dispatcher) handleCreateChat(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, rest string) {
	mode, rem, _ := strings.Cut(rest, " ")
	switch mode {
	case "0":
		d.createPrivateChat(ctx, c, logger, userID, rem)
	case "1":
		d.createGroupChat(ctx, c, logger, userID, rem)
	default:
		d.reply(c, logger, protocol.ErrGeneric)
	}
}

func (d *Dispatcher) createPrivateChat(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, rem string) {
	args := strings.Fields(rem)
	if len(args) != 1 {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	peerID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}

	chatID, existed := d.store.CreatePrivateChat(ctx, userID, peerID)
	if existed {
		d.reply(c, logger, protocol.ErrChatExists)
		return
	}
	if chatID < 0 {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}

	logger.Info().Int64("chat_id", chatID).Int64("peer_id", peerID).Msg("private chat created")
	d.reply(c, logger, strconv.FormatInt(chatID, 10))

	push := fmt.Sprintf("%s %d", protocol.PushNewChat, chatID)
	d.notifier.NotifyUser(userID, protocol.PushNewChat, push)
	d.notifier.NotifyUser(peerID, protocol.PushNewChat, push)
}

func (d *Dispatcher) createGroupChat(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, rem string) {
	name, memberStr, _ := strings.Cut(rem, " ")
	if name == "" {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}

	memberIDs := []int64{userID}
	for _, tok := range strings.Fields(memberStr) {
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			d.reply(c, logger, protocol.ErrGeneric)
			return
		}
		if id != userID {
			memberIDs = append(memberIDs, id)
		}
	}

	chatID := d.store.CreateChat(ctx, true, name)
	if chatID < 0 {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	for _, id := range memberIDs {
		d.store.AddUserToChat(ctx, chatID, id)
	}

	logger.Info().Int64("chat_id", chatID).Str("name", name).Int("members", len(memberIDs)).Msg("group chat created")
	d.reply(c, logger, strconv.FormatInt(chatID, 10))

	push := fmt.Sprintf("%s %d", protocol.PushNewChat, chatID)
	for _, id := range memberIDs {
		d.notifier.NotifyUser(id, protocol.PushNewChat, push)
	}
}

func (d *Dispatcher) handleSend(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, rest string) {
	chatIDStr, text, ok := strings.Cut(rest, " ")
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if !ok || err != nil {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	if !d.store.IsUserInChat(ctx, chatID, userID) {
		d.reply(c, logger, protocol.ErrNoChatAccess)
		return
	}

	msgID := d.store.StoreMessage(ctx, chatID, userID, text)
	if msgID < 0 {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	monitoring.MessageStored()

	d.reply(c, logger, fmt.Sprintf("OK SENT %d", msgID))
	d.notifier.NotifyChat(chatID, protocol.PushNewHistory,
		fmt.Sprintf("%s %d", protocol.PushNewHistory, chatID), c)
}

func (d *Dispatcher) handleHistory(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, rest string) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	if !d.store.IsUserInChat(ctx, chatID, userID) {
		d.reply(c, logger, protocol.ErrNoChatAccess)
		return
	}

	rows := d.store.GetChatHistory(ctx, chatID, userID)
	messages := make([]protocol.HistoryMessage, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, protocol.HistoryMessage{
			ID:        r.ID,
			Timestamp: r.Timestamp,
			Sender:    r.Sender,
			Content:   r.Content,
		})
	}

	eventRows := d.store.GetChatEvents(ctx, chatID)
	events := make([]protocol.HistoryEvent, 0, len(eventRows))
	for _, r := range eventRows {
		events = append(events, protocol.HistoryEvent{
			Timestamp: r.Timestamp,
			UserID:    r.UserID,
			Type:      r.Type,
		})
	}

	names := make(map[int64]string)
	usernameOf := func(uid int64) string {
		if name, ok := names[uid]; ok {
			return name
		}
		name := d.store.GetUsername(ctx, uid)
		names[uid] = name
		return name
	}

	d.reply(c, logger, protocol.RenderHistory(messages, events, usernameOf))
}

func (d *Dispatcher) handleDelete(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, rest string) {
	msgID, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	if d.store.GetMessageSender(ctx, msgID) != userID {
		d.reply(c, logger, protocol.ErrNoRights)
		return
	}
	if !d.store.DeleteMessageForUser(ctx, msgID, userID) {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	d.reply(c, logger, fmt.Sprintf("%s %d", protocol.PushMsgDeleted, msgID))
}

func (d *Dispatcher) handleDeleteGlobal(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, rest string) {
	msgID, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	if d.store.GetMessageSender(ctx, msgID) != userID {
		d.reply(c, logger, protocol.ErrNoRights)
		return
	}
	if !d.store.DeleteMessageGlobal(ctx, msgID) {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}

	logger.Info().Int64("msg_id", msgID).Msg("message deleted globally")
	line := fmt.Sprintf("%s %d", protocol.PushMsgDeleted, msgID)
	d.reply(c, logger, line)
	if chatID := d.store.GetChatIDByMessage(ctx, msgID); chatID > 0 {
		d.notifier.NotifyChat(chatID, protocol.PushMsgDeleted, line, c)
	}
}

func (d *Dispatcher) handleLeaveChat(ctx context.Context, c *Client, logger zerolog.Logger, userID int64, rest string) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	if !d.store.IsUserInChat(ctx, chatID, userID) {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}

	eventTS, ok := d.store.RemoveUserFromChat(ctx, chatID, userID)
	if !ok {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}

	logger.Info().Int64("chat_id", chatID).Msg("user left chat")
	d.reply(c, logger, protocol.RespOKLeft)

	username := d.store.GetUsername(ctx, userID)
	d.notifier.NotifyChat(chatID, protocol.PushUserLeft,
		fmt.Sprintf("%s %d %s %s", protocol.PushUserLeft, chatID, username, eventTS), c)
	d.registry.Unsubscribe(c, chatID)
}

func (d *Dispatcher) handleGetUserID(ctx context.Context, c *Client, logger zerolog.Logger, rest string) {
	args := strings.Fields(rest)
	if len(args) != 1 {
		d.reply(c, logger, protocol.ErrGeneric)
		return
	}
	uid := d.store.GetUserIDByName(ctx, args[0])
	if uid < 0 {
		d.reply(c, logger, protocol.ErrNoSuchUser)
		return
	}
	d.reply(c, logger, strconv.FormatInt(uid, 10))
}

// reply writes one response line. A write failure is only logged; the read
// side of the broken connection ends the loop on its next iteration.
func (d *Dispatcher) reply(c *Client, logger zerolog.Logger, line string) {
	if err := c.WriteLine(line); err != nil {
		logger.Debug().Err(err).Msg("reply write failed")
	}
}
