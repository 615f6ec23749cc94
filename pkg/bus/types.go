package bus

import "context"

// Attachment is a file sent along with a chat message. Fetch downloads its
// bytes on demand so nothing is pulled unless a pending operation wants it.
type Attachment struct {
	Name        string
	ContentType string
	URL         string
	Size        int
	Fetch       func(ctx context.Context) ([]byte, error)
}

type InboundMessage struct {
	Channel     string
	SenderID    string
	SenderName  string
	ChatID      string
	GuildID     string
	Content     string
	Attachments []Attachment
	IsDM        bool
	Mentioned   bool
	// BotID is the bot's own handle on the channel, used for identity sync.
	BotID    string
	Metadata map[string]string
}

// ConversationID namespaces the chat id by channel.
func (m InboundMessage) ConversationID() string {
	return m.Channel + ":" + m.ChatID
}

// SessionID identifies one user inside a conversation.
func (m InboundMessage) SessionID() string {
	return m.ConversationID() + ":" + m.SenderID
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}
