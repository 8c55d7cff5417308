package services

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/collab/database"
	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/pkg/ratelimit"
	"github.com/akinalp/collab/repository"
	"github.com/akinalp/collab/ws"
)

var (
	alice = models.Identity{UserID: "alice", DisplayName: "Alice"}
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestChat(t *testing.T, state models.ConnectionState, opts ChatChannelOptions) (ChatChannel, *fakeSession, *clock.Mock) {
	t.Helper()

	session := newFakeSession(state)
	mock := clock.NewMock()
	mock.Set(t0)
	opts.Identity = alice
	opts.Clock = mock

	chat := NewChatChannel(session, opts)
	t.Cleanup(chat.Close)
	return chat, session, mock
}

func remote(id string, at time.Time) models.Message {
	return models.Message{ID: id, ProjectID: "proj", ChannelID: "general", UserID: "bob", Body: "msg " + id, SentAt: at}
}

func ids(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestChatChannel_OrdersBySentAt(t *testing.T) {
	chat, _, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})

	chat.OnMessage(remote("c", t0.Add(3*time.Second)))
	chat.OnMessage(remote("a", t0.Add(1*time.Second)))
	chat.OnMessage(remote("b", t0.Add(2*time.Second)))

	assert.Equal(t, []string{"a", "b", "c"}, ids(chat.GetMessages()))
}

func TestChatChannel_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	chat, _, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})

	chat.OnMessage(remote("first", t0))
	chat.OnMessage(remote("second", t0))
	chat.OnMessage(remote("early", t0.Add(-time.Second)))

	assert.Equal(t, []string{"early", "first", "second"}, ids(chat.GetMessages()))
}

func TestChatChannel_Dedupe(t *testing.T) {
	chat, _, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})

	var mu sync.Mutex
	views := 0
	chat.Subscribe(func(models.ChatView) {
		mu.Lock()
		views++
		mu.Unlock()
	})

	msg := remote("m1", t0)
	chat.OnMessage(msg)
	chat.OnMessage(msg)
	require.Len(t, chat.GetMessages(), 1)

	mu.Lock()
	assert.Equal(t, 1, views, "identical redelivery does not notify")
	mu.Unlock()

	edited := msg
	edited.Body = "edited"
	chat.OnMessage(edited)
	require.Len(t, chat.GetMessages(), 1)
	assert.Equal(t, "edited", chat.GetMessages()[0].Body)

	moved := edited
	moved.SentAt = t0.Add(-time.Minute)
	chat.OnMessage(remote("m0", t0.Add(-30*time.Second)))
	chat.OnMessage(moved)
	assert.Equal(t, []string{"m1", "m0"}, ids(chat.GetMessages()), "a changed timestamp re-sorts the entry")
}

func TestChatChannel_OrderingUnderRandomInterleaving(t *testing.T) {
	chat, _, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("m%d", rng.Intn(120))
		at := t0.Add(time.Duration(rng.Intn(60)) * time.Second)
		chat.OnMessage(remote(id, at))
	}

	messages := chat.GetMessages()
	seen := make(map[string]bool, len(messages))
	for i, m := range messages {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.False(t, m.SentAt.Before(messages[i-1].SentAt), "log not sorted at %d", i)
		}
	}
}

func TestChatChannel_OptimisticSend(t *testing.T) {
	chat, session, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})

	sent, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "hello"})
	require.NoError(t, err)

	messages := chat.GetMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, sent.ID, messages[0].ID)
	assert.Equal(t, models.MessageStatusPending, messages[0].Status)
	assert.Equal(t, sent.ID, messages[0].ClientID)
	assert.Equal(t, "alice", messages[0].UserID)
	assert.Equal(t, t0, messages[0].SentAt)

	frames := session.sentOps(ws.OpMessageCreate)
	require.Len(t, frames, 1)
	var wire models.Message
	require.NoError(t, ws.DecodeData(frames[0], &wire))
	assert.Equal(t, sent.ID, wire.ClientID)
	assert.Equal(t, "hello", wire.Body)
}

func TestChatChannel_AckReconcilesPending(t *testing.T) {
	chat, session, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})

	sent, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "hello"})
	require.NoError(t, err)

	confirmed := sent
	confirmed.ID = "server-1"
	confirmed.ClientID = ""
	confirmed.SentAt = t0.Add(time.Second)
	session.frame(ws.OpMessageAck, ws.MessageAckData{ClientID: sent.ID, Message: confirmed})

	messages := chat.GetMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, "server-1", messages[0].ID, "server id wins")
	assert.Equal(t, sent.ID, messages[0].ClientID)
	assert.Equal(t, models.MessageStatusConfirmed, messages[0].Status)

	// A replayed echo of the same message is a no-op.
	echo := messages[0]
	echo.Status = ""
	session.frame(ws.OpMessageCreate, echo)
	assert.Len(t, chat.GetMessages(), 1)
}

func TestChatChannel_SendWhileClosedMarksFailed(t *testing.T) {
	chat, session, _ := newTestChat(t, models.ConnectionClosed, ChatChannelOptions{})

	sent, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "hello"})
	require.ErrorIs(t, err, pkg.ErrNotConnected)
	assert.Equal(t, models.MessageStatusFailed, sent.Status)

	messages := chat.GetMessages()
	require.Len(t, messages, 1)
	assert.Equal(t, models.MessageStatusFailed, messages[0].Status)

	// Session comes back; retry goes out.
	session.setState(models.ConnectionOpen)
	require.NoError(t, chat.RetrySend(context.Background(), sent.ID))
	assert.Equal(t, models.MessageStatusPending, chat.GetMessages()[0].Status)
	assert.Len(t, session.sentOps(ws.OpMessageCreate), 1)
}

func TestChatChannel_RetrySendErrors(t *testing.T) {
	chat, _, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})

	assert.ErrorIs(t, chat.RetrySend(context.Background(), "missing"), pkg.ErrNotFound)

	sent, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "hello"})
	require.NoError(t, err)
	assert.ErrorIs(t, chat.RetrySend(context.Background(), sent.ID), pkg.ErrBadRequest, "pending entries are not retried")
}

func TestChatChannel_CloseFailsPending(t *testing.T) {
	chat, session, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})

	_, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "one"})
	require.NoError(t, err)
	assert.True(t, chat.View().IsConnected)

	session.setState(models.ConnectionReconnecting)
	assert.False(t, chat.View().IsConnected)
	assert.Equal(t, models.MessageStatusPending, chat.GetMessages()[0].Status, "reconnecting keeps entries pending")

	session.setState(models.ConnectionClosed)
	assert.Equal(t, models.MessageStatusFailed, chat.GetMessages()[0].Status)
}

func TestChatChannel_RelayRejectionFailsOldestPending(t *testing.T) {
	chat, session, mock := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})

	first, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "one"})
	require.NoError(t, err)
	mock.Add(time.Second)
	second, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "two"})
	require.NoError(t, err)

	session.frame(ws.OpError, ws.ErrorData{Code: ws.ErrCodeRateLimited, Message: "slow down"})

	byID := map[string]models.MessageStatus{}
	for _, m := range chat.GetMessages() {
		byID[m.ID] = m.Status
	}
	assert.Equal(t, models.MessageStatusFailed, byID[first.ID])
	assert.Equal(t, models.MessageStatusPending, byID[second.ID])
}

func TestChatChannel_ValidatesDraft(t *testing.T) {
	chat, session, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{MaxMessageSize: 5})

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"whitespace", "  \n\t"},
		{"too long", "abcdef"},
		{"invalid utf8", string([]byte{0xff, 0xfe})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: tt.body})
			assert.ErrorIs(t, err, pkg.ErrBadRequest)
		})
	}

	_, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "한국어다"})
	assert.NoError(t, err, "length counts runes, not bytes")

	assert.Len(t, chat.GetMessages(), 1)
	assert.Len(t, session.sentOps(ws.OpMessageCreate), 1)
}

func TestChatChannel_RateLimited(t *testing.T) {
	mock := clock.NewMock()
	limiter := ratelimit.NewMessageRateLimiterWithClock(mock, 2, 5*time.Second, 10*time.Second)
	defer limiter.Stop()

	chat, _, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{Limiter: limiter})

	for i := 0; i < 2; i++ {
		_, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "spam"})
		require.NoError(t, err)
	}
	_, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "spam"})
	require.ErrorIs(t, err, pkg.ErrRateLimited)
	assert.True(t, strings.Contains(err.Error(), "retry in"))
	assert.Len(t, chat.GetMessages(), 2, "refused sends never enter the log")
}

func TestChatChannel_CancelledContext(t *testing.T) {
	chat, _, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := chat.SendMessage(ctx, models.MessageDraft{Body: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, chat.GetMessages())
}

func TestChatChannel_SubscribeSeesLatestView(t *testing.T) {
	chat, session, _ := newTestChat(t, models.ConnectionReconnecting, ChatChannelOptions{})

	var mu sync.Mutex
	var last models.ChatView
	unsubscribe := chat.Subscribe(func(v models.ChatView) {
		mu.Lock()
		last = v
		mu.Unlock()
	})

	session.setState(models.ConnectionOpen)
	chat.OnMessage(remote("m1", t0))

	mu.Lock()
	assert.True(t, last.IsConnected)
	assert.Len(t, last.Messages, 1)
	mu.Unlock()

	unsubscribe()
	chat.OnMessage(remote("m2", t0))
	mu.Lock()
	assert.Len(t, last.Messages, 1, "no deliveries after unsubscribe")
	mu.Unlock()
}

func TestChatChannel_CloseClearsAndUnsubscribes(t *testing.T) {
	chat, session, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{})
	chat.OnMessage(remote("m1", t0))
	require.Equal(t, 1, session.subscribers())

	chat.Close()
	chat.Close()

	assert.Empty(t, chat.GetMessages())
	assert.Equal(t, 0, session.subscribers())

	_, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "late"})
	assert.ErrorIs(t, err, pkg.ErrNotConnected)
}

func TestChatChannel_HydrateAndPersist(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cache := repository.NewSQLiteMessageCache(db.Conn)

	chat, _, _ := newTestChat(t, models.ConnectionOpen, ChatChannelOptions{Cache: cache})
	chat.OnMessage(remote("m1", t0))
	chat.OnMessage(remote("m2", t0.Add(time.Second)))
	chat.Close()

	restored, _, _ := newTestChat(t, models.ConnectionConnecting, ChatChannelOptions{Cache: cache})
	require.NoError(t, restored.Hydrate(context.Background()))

	messages := restored.GetMessages()
	assert.Equal(t, []string{"m1", "m2"}, ids(messages))
	for _, m := range messages {
		assert.Equal(t, models.MessageStatusConfirmed, m.Status)
	}

	// Relay replay of the same tail does not duplicate it.
	restored.OnMessage(remote("m2", t0.Add(time.Second)))
	assert.Len(t, restored.GetMessages(), 2)
}

func TestOpenChatChannel_ThroughRelay(t *testing.T) {
	srv := startTestRelay(t)
	manager := newRelayManager(t, srv, alice)

	chat, err := OpenChatChannel(manager, "proj", "general", ChatChannelOptions{Identity: alice})
	require.NoError(t, err)
	t.Cleanup(chat.Close)

	require.Eventually(t, func() bool { return chat.View().IsConnected }, waitFor, tick)

	sent, err := chat.SendMessage(context.Background(), models.MessageDraft{Body: "over the wire"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		messages := chat.GetMessages()
		return len(messages) == 1 && messages[0].Status == models.MessageStatusConfirmed
	}, waitFor, tick)

	got := chat.GetMessages()[0]
	assert.NotEqual(t, sent.ID, got.ID)
	assert.Equal(t, sent.ID, got.ClientID)
	assert.Equal(t, "Alice", got.AuthorDisplayName)

	_, err = OpenChatChannel(manager, "proj", "", ChatChannelOptions{Identity: alice})
	assert.ErrorIs(t, err, pkg.ErrInvalidTarget)
}

func TestOpenChatChannel_CloseDetachesFromReusedSession(t *testing.T) {
	srv := startTestRelay(t)
	manager := newRelayManager(t, srv, alice)
	opener := &countingOpener{SessionOpener: manager}
	key := models.ConnectionKey{ProjectID: "proj", ChannelID: "general"}

	first, err := OpenChatChannel(opener, "proj", "general", ChatChannelOptions{Identity: alice})
	require.NoError(t, err)
	session := manager.Get(key)
	first.Close()
	assert.Equal(t, int32(0), opener.attached.Load())

	second, err := OpenChatChannel(opener, "proj", "general", ChatChannelOptions{Identity: alice})
	require.NoError(t, err)
	assert.Same(t, session, manager.Get(key), "the channel's session is reused")
	assert.Equal(t, int32(1), opener.attached.Load())

	second.Close()
	assert.Equal(t, int32(0), opener.attached.Load())
}
