package server

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/mavdeev/chatline/internal/session"
)

type recordingConn struct {
	lines []string
	fail  bool
}

func (r *recordingConn) WriteLine(line string) error {
	if r.fail {
		return errors.New("broken pipe")
	}
	r.lines = append(r.lines, line)
	return nil
}

func TestNotifyUserReachesAllConnections(t *testing.T) {
	registry := session.NewRegistry()
	n := NewNotifier(registry, zerolog.Nop())

	c1, c2 := &recordingConn{}, &recordingConn{}
	registry.Bind(c1, 10)
	registry.Bind(c2, 10)

	n.NotifyUser(10, "NEW_CHAT", "NEW_CHAT 7")
	assert.Equal(t, []string{"NEW_CHAT 7"}, c1.lines)
	assert.Equal(t, []string{"NEW_CHAT 7"}, c2.lines)
}

func TestNotifyUserUnknownUser(t *testing.T) {
	registry := session.NewRegistry()
	n := NewNotifier(registry, zerolog.Nop())
	n.NotifyUser(99, "NEW_CHAT", "NEW_CHAT 7") // must not panic
}

func TestNotifyChatSkipsExcluded(t *testing.T) {
	registry := session.NewRegistry()
	n := NewNotifier(registry, zerolog.Nop())

	sender, other := &recordingConn{}, &recordingConn{}
	registry.SetSubscriptions(sender, []int64{1})
	registry.SetSubscriptions(other, []int64{1})

	n.NotifyChat(1, "NEW_HISTORY", "NEW_HISTORY 1", sender)
	assert.Empty(t, sender.lines)
	assert.Equal(t, []string{"NEW_HISTORY 1"}, other.lines)
}

func TestNotifyChatSurvivesFailedWrite(t *testing.T) {
	registry := session.NewRegistry()
	n := NewNotifier(registry, zerolog.Nop())

	broken := &recordingConn{fail: true}
	healthy := &recordingConn{}
	registry.SetSubscriptions(broken, []int64{1})
	registry.SetSubscriptions(healthy, []int64{1})

	n.NotifyChat(1, "MSG_DELETED", "MSG_DELETED 3", nil)
	assert.Equal(t, []string{"MSG_DELETED 3"}, healthy.lines)
}
