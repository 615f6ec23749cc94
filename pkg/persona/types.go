// Package persona implements the persona lifecycle and switching engine:
// the persona registry, scope-keyed bindings, keyword auto-switching, the
// pending-operation table for multi-message management commands, and
// identity sync against the chat platform.
package persona

import (
	"strings"
	"time"
)

// Persona is a named system-prompt profile. A nil Tools slice means every
// available tool; an empty one means none.
type Persona struct {
	ID           string    `json:"id" yaml:"id"`
	SystemPrompt string    `json:"system_prompt" yaml:"system_prompt"`
	BeginDialogs []string  `json:"begin_dialogs,omitempty" yaml:"begin_dialogs,omitempty"`
	Tools        []string  `json:"tools" yaml:"tools"`
	AvatarRef    string    `json:"avatar_ref,omitempty" yaml:"avatar_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

func (p Persona) clone() Persona {
	out := p
	if p.BeginDialogs != nil {
		out.BeginDialogs = append([]string(nil), p.BeginDialogs...)
	}
	if p.Tools != nil {
		out.Tools = append([]string{}, p.Tools...)
	}
	return out
}

func (p Persona) HasAvatar() bool { return p.AvatarRef != "" }

// SyncMode selects where the persona nickname is written.
type SyncMode string

const (
	// SyncProfile always rewrites the account-wide nickname.
	SyncProfile SyncMode = "profile"
	// SyncGroupCard rewrites the group-local display name, and nothing in
	// direct messages.
	SyncGroupCard SyncMode = "group_card"
	// SyncHybrid uses the group card in groups and the profile nickname in
	// direct messages.
	SyncHybrid SyncMode = "hybrid"
)

// ParseSyncMode normalizes a configured mode. ok is false for unknown values,
// which fall back to SyncProfile.
func ParseSyncMode(raw string) (SyncMode, bool) {
	switch SyncMode(strings.ToLower(strings.TrimSpace(raw))) {
	case SyncProfile:
		return SyncProfile, true
	case SyncGroupCard:
		return SyncGroupCard, true
	case SyncHybrid:
		return SyncHybrid, true
	default:
		return SyncProfile, false
	}
}

const (
	DefaultNicknameTemplate = "{persona_id}"
	DefaultPendingTimeout   = 60 * time.Second
)

// SyncSettings controls identity sync after a switch.
type SyncSettings struct {
	Nickname bool
	Avatar   bool
	Mode     SyncMode
	Template string
}

func (s SyncSettings) Enabled() bool { return s.Nickname || s.Avatar }

// Settings is the immutable engine configuration, built once at startup and
// passed to each component.
type Settings struct {
	Scope                Scope
	KeywordSwitching     bool
	Keywords             []KeywordMapping
	Announce             bool
	ClearContextOnSwitch bool
	PendingTimeout       time.Duration
	Sync                 SyncSettings
}

func DefaultSettings() Settings {
	return Settings{
		Scope:            ScopeConversation,
		KeywordSwitching: true,
		PendingTimeout:   DefaultPendingTimeout,
		Sync: SyncSettings{
			Nickname: true,
			Mode:     SyncProfile,
			Template: DefaultNicknameTemplate,
		},
	}
}
