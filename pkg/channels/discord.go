package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

const (
	sendTimeout = 10 * time.Second
	// maxAttachmentBytes bounds prompt files and avatar images.
	maxAttachmentBytes = 8 << 20
)

type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

// Session exposes the underlying discord session for the profile client.
func (c *DiscordChannel) Session() *discordgo.Session {
	return c.session
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}

	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("channel ID is empty")
	}

	for _, chunk := range splitMessage(msg.Content, discordMessageLimit) {
		if err := c.sendChunk(ctx, msg.ChatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content, discordgo.WithContext(sendCtx))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}

	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	if m.Author.ID == botID {
		return
	}

	msg := inboundFromDiscord(m.Message, botID, s.Client)
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return
	}

	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_id":   msg.SenderID,
		"chat_id":     msg.ChatID,
		"attachments": len(msg.Attachments),
		"mentioned":   msg.Mentioned,
	})

	c.HandleMessage(msg)
}

// inboundFromDiscord converts a gateway message. A leading bot mention is
// stripped from the content and recorded in Mentioned.
func inboundFromDiscord(m *discordgo.Message, botID string, client *http.Client) bus.InboundMessage {
	content := strings.TrimSpace(m.Content)
	mentioned := false
	if botID != "" {
		for _, u := range m.Mentions {
			if u != nil && u.ID == botID {
				mentioned = true
				break
			}
		}
		for _, tag := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
			if strings.HasPrefix(content, tag) {
				mentioned = true
				content = strings.TrimSpace(strings.TrimPrefix(content, tag))
			}
		}
	}

	attachments := make([]bus.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		attachments = append(attachments, bus.Attachment{
			Name:        a.Filename,
			ContentType: a.ContentType,
			URL:         a.URL,
			Size:        a.Size,
			Fetch:       fetchAttachment(client, a.URL, maxAttachmentBytes),
		})
	}

	senderName := ""
	if m.Author != nil {
		senderName = m.Author.Username
	}

	return bus.InboundMessage{
		Channel:     "discord",
		SenderID:    m.Author.ID,
		SenderName:  senderName,
		ChatID:      m.ChannelID,
		GuildID:     m.GuildID,
		Content:     content,
		Attachments: attachments,
		IsDM:        m.GuildID == "",
		Mentioned:   mentioned,
		BotID:       botID,
		Metadata: map[string]string{
			"message_id": m.ID,
		},
	}
}

// fetchAttachment returns a lazy downloader for url that refuses bodies
// larger than limit bytes.
func fetchAttachment(client *http.Client, url string, limit int64) func(ctx context.Context) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build attachment request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download attachment: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("download attachment: status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		if int64(len(data)) > limit {
			return nil, fmt.Errorf("attachment exceeds %d bytes", limit)
		}
		return data, nil
	}
}
