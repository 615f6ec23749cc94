package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
)

func TestBaseChannelIsAllowed(t *testing.T) {
	tests := []struct {
		allow  []string
		sender string
		want   bool
	}{
		{allow: nil, sender: "42", want: true},
		{allow: []string{"42"}, sender: "42", want: true},
		{allow: []string{"42"}, sender: "42|greg", want: true},
		{allow: []string{"@greg"}, sender: "42|greg", want: true},
		{allow: []string{"greg"}, sender: "43|other", want: false},
		{allow: []string{"  "}, sender: "42", want: false},
	}
	for _, tt := range tests {
		c := NewBaseChannel("discord", bus.NewMessageBus(), tt.allow)
		if got := c.IsAllowed(tt.sender); got != tt.want {
			t.Fatalf("IsAllowed(%q) with %v = %v, want %v", tt.sender, tt.allow, got, tt.want)
		}
	}
}

func TestBaseChannelHandleMessagePublishesAllowed(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	c := NewBaseChannel("discord", mb, []string{"greg"})

	c.HandleMessage(bus.InboundMessage{SenderID: "1", SenderName: "mallory", Content: "hi"})
	c.HandleMessage(bus.InboundMessage{SenderID: "2", SenderName: "greg", ChatID: "c", Content: "/pp list"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "discord", msg.Channel)
	assert.Equal(t, "2", msg.SenderID)
	assert.Equal(t, "/pp list", msg.Content)
}

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, splitMessage("   ", 10))
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"line one", "line two"}, splitMessage("line one\nline two", 12))
	assert.Equal(t, []string{"aaaa", "bbbb"}, splitMessage("aaaa bbbb", 6))
	assert.Equal(t, []string{"abcde", "fgh"}, splitMessage("abcdefgh", 5))

	long := strings.Repeat("测试 ", 1000)
	for _, chunk := range splitMessage(long, discordMessageLimit) {
		if n := len([]rune(chunk)); n > discordMessageLimit {
			t.Fatalf("chunk has %d runes, limit %d", n, discordMessageLimit)
		}
	}
}

func TestInboundFromDiscordStripsMention(t *testing.T) {
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "<@999> /pp writer",
		Author:    &discordgo.User{ID: "u1", Username: "greg"},
		Mentions:  []*discordgo.User{{ID: "999"}},
		Attachments: []*discordgo.MessageAttachment{
			{Filename: "prompt.txt", ContentType: "text/plain", URL: "https://cdn.example/prompt.txt", Size: 12},
		},
	}

	msg := inboundFromDiscord(m, "999", nil)
	assert.Equal(t, "/pp writer", msg.Content)
	assert.True(t, msg.Mentioned)
	assert.False(t, msg.IsDM)
	assert.Equal(t, "g1", msg.GuildID)
	assert.Equal(t, "999", msg.BotID)
	assert.Equal(t, "discord:c1", msg.ConversationID())
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "prompt.txt", msg.Attachments[0].Name)
	assert.NotNil(t, msg.Attachments[0].Fetch)
}

func TestInboundFromDiscordDirectMessage(t *testing.T) {
	m := &discordgo.Message{ChannelID: "dm", Content: "hello", Author: &discordgo.User{ID: "u1"}}
	msg := inboundFromDiscord(m, "999", nil)
	assert.True(t, msg.IsDM)
	assert.False(t, msg.Mentioned)
	assert.Equal(t, "hello", msg.Content)
}

func TestFetchAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("You are terse."))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	data, err := fetchAttachment(srv.Client(), srv.URL+"/ok", 1024)(ctx)
	require.NoError(t, err)
	assert.Equal(t, "You are terse.", string(data))

	_, err = fetchAttachment(srv.Client(), srv.URL+"/big", 16)(ctx)
	assert.ErrorContains(t, err, "exceeds")

	_, err = fetchAttachment(srv.Client(), srv.URL+"/missing", 16)(ctx)
	assert.ErrorContains(t, err, "status 404")
}

func TestAvatarDataURI(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	assert.True(t, strings.HasPrefix(avatarDataURI(png), "data:image/png;base64,"))
}

type recordingChannel struct {
	*BaseChannel
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (c *recordingChannel) Start(ctx context.Context) error { c.setRunning(true); return nil }
func (c *recordingChannel) Stop(ctx context.Context) error  { c.setRunning(false); return nil }
func (c *recordingChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestManagerDispatchesOutbound(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mb := bus.NewMessageBus()
	defer mb.Close()
	rec := &recordingChannel{BaseChannel: NewBaseChannel("discord", mb, nil)}
	m := &Manager{channels: map[string]Channel{}, bus: mb}
	m.RegisterChannel("discord", rec)

	ctx := context.Background()
	require.NoError(t, m.StartAll(ctx))
	mb.PublishOutbound(bus.OutboundMessage{Channel: "discord", ChatID: "c1", Content: "Persona writer created."})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "c1", Content: "dropped"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "discord", ChatID: "c1", Content: "second"})

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 10*time.Millisecond)
	status := m.GetStatus()["discord"].(map[string]any)
	assert.Equal(t, true, status["running"])

	require.NoError(t, m.StopAll(ctx))
	assert.False(t, rec.IsRunning())
}
