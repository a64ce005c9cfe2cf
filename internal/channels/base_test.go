package channels

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

func nextInbound(t *testing.T, mb *bus.MessageBus) bus.InboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := mb.NextInbound(ctx)
	require.True(t, ok, "expected an inbound message")
	return msg
}

func TestIsAllowedEmptyListAdmitsEveryone(t *testing.T) {
	b := &BaseChannel{}
	assert.True(t, b.IsAllowed("anyone"))
}

func TestIsAllowedList(t *testing.T) {
	b := &BaseChannel{AllowFrom: []string{"user1", "user2"}}
	assert.True(t, b.IsAllowed("user1"))
	assert.True(t, b.IsAllowed("user2"))
	assert.False(t, b.IsAllowed("user3"))
}

func TestIsAllowedPipeSeparatedIdentity(t *testing.T) {
	b := &BaseChannel{AllowFrom: []string{"alice"}}
	assert.True(t, b.IsAllowed("12345|alice"))
	assert.False(t, b.IsAllowed("12345|bob"))
}

func TestHandleMessagePublishes(t *testing.T) {
	mb := bus.NewMessageBus()
	b := &BaseChannel{ChannelName: "test", Bus: mb, Log: zap.NewNop()}

	require.NoError(t, b.HandleMessage("user1", "chat1", "hello", nil, nil))

	msg := nextInbound(t, mb)
	assert.Equal(t, "test", msg.Channel)
	assert.Equal(t, "user1", msg.SenderID)
	assert.Equal(t, "chat1", msg.ChatID)
	assert.Equal(t, "user", msg.Role)
	assert.Equal(t, "hello", msg.Content)
	assert.NotEmpty(t, msg.ID)
}

func TestHandleMessageDeniedSenderDropped(t *testing.T) {
	mb := bus.NewMessageBus()
	b := &BaseChannel{ChannelName: "test", Bus: mb, AllowFrom: []string{"allowed"}, Log: zap.NewNop()}

	require.NoError(t, b.HandleMessage("blocked", "chat1", "hello", nil, nil))
	assert.Equal(t, 0, mb.InboundSize())
}

func TestUntrustedChannelCannotRouteSessions(t *testing.T) {
	mb := bus.NewMessageBus()
	b := &BaseChannel{ChannelName: "test", Bus: mb, Log: zap.NewNop()}

	meta := map[string]any{"session_key": "telegram:42", "message_id": 7}
	require.NoError(t, b.HandleMessage("user1", "chat1", "hi", nil, meta))

	msg := nextInbound(t, mb)
	assert.NotContains(t, msg.Metadata, "session_key")
	assert.Equal(t, 7, msg.Metadata["message_id"])
	assert.Equal(t, "test:chat1", msg.SessionKey())
}

func TestTrustedChannelKeepsSessionKey(t *testing.T) {
	mb := bus.NewMessageBus()
	b := &BaseChannel{ChannelName: "webui", Bus: mb, Trusted: true, Log: zap.NewNop()}

	require.NoError(t, b.HandleMessage("user1", "chat1", "hi", nil,
		map[string]any{"session_key": "telegram:42"}))

	msg := nextInbound(t, mb)
	assert.Equal(t, "telegram:42", msg.MetaSessionKey())
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	mb := bus.NewMessageBus()
	b := &BaseChannel{ChannelName: "test", Bus: mb, RatePerMin: 1, Log: zap.NewNop()}

	require.NoError(t, b.HandleMessage("12345|alice", "chat1", "first", nil, nil))
	require.NoError(t, b.HandleMessage("12345", "chat1", "second", nil, nil))

	// The bucket is shared across the pipe-separated forms of one sender.
	assert.Equal(t, 1, mb.InboundSize())
	assert.Equal(t, "first", nextInbound(t, mb).Content)
}

func TestRateLimitIsPerSender(t *testing.T) {
	mb := bus.NewMessageBus()
	b := &BaseChannel{ChannelName: "test", Bus: mb, RatePerMin: 1, Log: zap.NewNop()}

	require.NoError(t, b.HandleMessage("alice", "chat1", "from alice", nil, nil))
	require.NoError(t, b.HandleMessage("bob", "chat1", "from bob", nil, nil))
	assert.Equal(t, 2, mb.InboundSize())
}

func TestHandleMessageBackpressure(t *testing.T) {
	mb := bus.NewMessageBus(bus.WithInboundSize(1))
	b := &BaseChannel{ChannelName: "test", Bus: mb, Log: zap.NewNop()}

	require.NoError(t, b.HandleMessage("user1", "chat1", "fills the queue", nil, nil))
	err := b.HandleMessage("user1", "chat1", "overflows", nil, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, mb.InboundSize())
}
