package channels

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

var _ persona.ProfileClient = (*DiscordProfile)(nil)

// DiscordProfile applies persona identity to the bot account. Profile
// nicknames change the global username, group cards change the per-guild
// member nickname.
type DiscordProfile struct {
	session *discordgo.Session
}

func NewDiscordProfile(session *discordgo.Session) *DiscordProfile {
	return &DiscordProfile{session: session}
}

func (p *DiscordProfile) SetNickname(ctx context.Context, handle, text string) error {
	_, err := p.session.RequestWithBucketID(http.MethodPatch, discordgo.EndpointUser("@me"),
		map[string]string{"username": text}, discordgo.EndpointUsers, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("update username: %w", err)
	}
	return nil
}

func (p *DiscordProfile) SetGroupCard(ctx context.Context, handle, groupID, text string) error {
	if err := p.session.GuildMemberNickname(groupID, "@me", text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("update guild nickname in %s: %w", groupID, err)
	}
	return nil
}

func (p *DiscordProfile) SetAvatar(ctx context.Context, handle string, image []byte) error {
	_, err := p.session.RequestWithBucketID(http.MethodPatch, discordgo.EndpointUser("@me"),
		map[string]string{"avatar": avatarDataURI(image)}, discordgo.EndpointUsers, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	return nil
}

// avatarDataURI encodes image the way the Discord API expects avatars.
func avatarDataURI(image []byte) string {
	return "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
}
