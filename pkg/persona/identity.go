package persona

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

const maxNicknameRunes = 60

// ProfileClient mutates the bot account's identity on the chat platform.
type ProfileClient interface {
	SetNickname(ctx context.Context, handle, text string) error
	SetGroupCard(ctx context.Context, handle, groupID, text string) error
	SetAvatar(ctx context.Context, handle string, image []byte) error
}

// AvatarSource loads stored avatar bytes. A nil slice means no avatar.
type AvatarSource interface {
	Avatar(ctx context.Context, id string) ([]byte, error)
}

// SyncTarget names the account and context an identity sync applies to.
type SyncTarget struct {
	Handle  string
	IsGroup bool
	GroupID string
}

// Cache keys are per write. The account nickname and avatar are global to
// the handle; a group card belongs to one group.
func (t SyncTarget) accountKey(write string) string { return write + ":" + t.Handle }

func (t SyncTarget) groupKey() string { return "card:" + t.Handle + "@" + t.GroupID }

type SyncOutcome int

const (
	SyncSkipped SyncOutcome = iota
	SyncOK
	SyncPartialFailure
)

func (o SyncOutcome) String() string {
	switch o {
	case SyncOK:
		return "ok"
	case SyncPartialFailure:
		return "partial_failure"
	default:
		return "skipped"
	}
}

// IdentitySync writes the active persona's nickname and avatar to the chat
// platform.
type IdentitySync struct {
	settings SyncSettings
	client   ProfileClient
	avatars  AvatarSource

	mu         sync.Mutex
	lastSynced map[string]string
}

func NewIdentitySync(settings SyncSettings, client ProfileClient, avatars AvatarSource) *IdentitySync {
	if settings.Template == "" {
		settings.Template = DefaultNicknameTemplate
	}
	if settings.Mode == "" {
		settings.Mode = SyncProfile
	}
	return &IdentitySync{
		settings:   settings,
		client:     client,
		avatars:    avatars,
		lastSynced: make(map[string]string),
	}
}

func (s *IdentitySync) Enabled() bool {
	return s != nil && s.settings.Enabled()
}

// FormatNickname renders the configured template for personaID.
func (s *IdentitySync) FormatNickname(personaID string) string {
	nick := strings.ReplaceAll(s.settings.Template, "{persona_id}", personaID)
	if strings.TrimSpace(nick) == "" {
		nick = personaID
	}
	runes := []rune(nick)
	if len(runes) > maxNicknameRunes {
		nick = string(runes[:maxNicknameRunes])
	}
	return nick
}

// Apply syncs p to target. Nickname and avatar are attempted independently
// and their failures are combined in the returned error.
func (s *IdentitySync) Apply(ctx context.Context, p Persona, target SyncTarget) (SyncOutcome, error) {
	if !s.Enabled() {
		return SyncSkipped, nil
	}
	if s.client == nil {
		return SyncPartialFailure, fmt.Errorf("%w: no chat client configured", ErrSyncUnavailable)
	}

	var (
		errs    error
		applied bool
	)

	if s.settings.Nickname {
		ok, err := s.syncNickname(ctx, p.ID, target)
		applied = applied || ok
		errs = multierr.Append(errs, err)
	}

	if s.settings.Avatar {
		ok, err := s.syncAvatar(ctx, p.ID, target)
		applied = applied || ok
		errs = multierr.Append(errs, err)
	}

	switch {
	case errs != nil:
		logger.WarnCF("identity", "Identity sync failed", map[string]any{
			"persona_id": p.ID,
			"error":      errs.Error(),
		})
		return SyncPartialFailure, errs
	case applied:
		return SyncOK, nil
	default:
		return SyncSkipped, nil
	}
}

func (s *IdentitySync) syncNickname(ctx context.Context, personaID string, target SyncTarget) (bool, error) {
	nick := s.FormatNickname(personaID)

	useGroupCard := false
	switch s.settings.Mode {
	case SyncProfile:
	case SyncGroupCard:
		if !target.IsGroup {
			return false, nil
		}
		useGroupCard = true
	case SyncHybrid:
		useGroupCard = target.IsGroup
	}

	if useGroupCard {
		if target.GroupID == "" {
			return false, fmt.Errorf("%w: group context without group id", ErrSyncUnavailable)
		}
		key := target.groupKey()
		if s.synced(key, personaID) {
			return false, nil
		}
		if err := s.client.SetGroupCard(ctx, target.Handle, target.GroupID, nick); err != nil {
			return false, fmt.Errorf("%w: set group card: %v", ErrRemote, err)
		}
		s.remember(key, personaID)
		logger.DebugCF("identity", "Group card synced", map[string]any{"group_id": target.GroupID, "nickname": nick})
		return true, nil
	}

	key := target.accountKey("nickname")
	if s.synced(key, personaID) {
		return false, nil
	}
	if err := s.client.SetNickname(ctx, target.Handle, nick); err != nil {
		return false, fmt.Errorf("%w: set nickname: %v", ErrRemote, err)
	}
	s.remember(key, personaID)
	logger.DebugCF("identity", "Nickname synced", map[string]any{"nickname": nick})
	return true, nil
}

func (s *IdentitySync) syncAvatar(ctx context.Context, personaID string, target SyncTarget) (bool, error) {
	if s.avatars == nil {
		return false, fmt.Errorf("%w: no avatar source", ErrSyncUnavailable)
	}
	key := target.accountKey("avatar")
	if s.synced(key, personaID) {
		return false, nil
	}
	image, err := s.avatars.Avatar(ctx, personaID)
	if err != nil {
		return false, err
	}
	if len(image) == 0 {
		logger.DebugCF("identity", "Persona has no avatar, skipping avatar sync", map[string]any{"persona_id": personaID})
		return false, nil
	}
	if err := s.client.SetAvatar(ctx, target.Handle, image); err != nil {
		return false, fmt.Errorf("%w: set avatar: %v", ErrRemote, err)
	}
	s.remember(key, personaID)
	return true, nil
}

// synced reports whether key was last written with personaID.
func (s *IdentitySync) synced(key, personaID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSynced[key] != personaID {
		return false
	}
	logger.DebugCF("identity", "Identity already synced", map[string]any{"persona_id": personaID, "target": key})
	return true
}

func (s *IdentitySync) remember(key, personaID string) {
	s.mu.Lock()
	s.lastSynced[key] = personaID
	s.mu.Unlock()
}

// Forget drops cached sync state for personaID so the next switch to it is
// applied again. Called after its avatar changes or it is deleted.
func (s *IdentitySync) Forget(personaID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.lastSynced {
		if v == personaID {
			delete(s.lastSynced, k)
		}
	}
}
