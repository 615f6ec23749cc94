package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from and admins can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Channels    ChannelsConfig    `json:"channels"`
	Persona     PersonaConfig     `json:"persona"`
	Sync        SyncConfig        `json:"sync"`
	Storage     StorageConfig     `json:"storage"`
	Gateway     GatewayConfig     `json:"gateway"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Logging     LoggingConfig     `json:"logging"`
	mu          sync.RWMutex
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"DOTPERSONA_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"DOTPERSONA_CHANNELS_DISCORD_ALLOW_FROM"`
}

// PersonaConfig holds switching and management settings. KeywordMappings is
// free text with one "keyword:persona_id" entry per line.
type PersonaConfig struct {
	KeywordMappings          string              `json:"keyword_mappings" env:"DOTPERSONA_PERSONA_KEYWORD_MAPPINGS"`
	AutoSwitchScope          string              `json:"auto_switch_scope" env:"DOTPERSONA_PERSONA_AUTO_SWITCH_SCOPE"`
	EnableKeywordSwitching   bool                `json:"enable_keyword_switching" env:"DOTPERSONA_PERSONA_ENABLE_KEYWORD_SWITCHING"`
	EnableAutoSwitchAnnounce bool                `json:"enable_auto_switch_announce" env:"DOTPERSONA_PERSONA_ENABLE_AUTO_SWITCH_ANNOUNCE"`
	ClearContextOnSwitch     bool                `json:"clear_context_on_switch" env:"DOTPERSONA_PERSONA_CLEAR_CONTEXT_ON_SWITCH"`
	ManageWaitTimeoutSeconds int                 `json:"manage_wait_timeout_seconds" env:"DOTPERSONA_PERSONA_MANAGE_WAIT_TIMEOUT_SECONDS"`
	RequireAdminForManage    bool                `json:"require_admin_for_manage" env:"DOTPERSONA_PERSONA_REQUIRE_ADMIN_FOR_MANAGE"`
	AdminCommands            FlexibleStringSlice `json:"admin_commands" env:"DOTPERSONA_PERSONA_ADMIN_COMMANDS"`
	Admins                   FlexibleStringSlice `json:"admins" env:"DOTPERSONA_PERSONA_ADMINS"`
}

type SyncConfig struct {
	SyncNicknameOnSwitch bool   `json:"sync_nickname_on_switch" env:"DOTPERSONA_SYNC_NICKNAME_ON_SWITCH"`
	SyncAvatarOnSwitch   bool   `json:"sync_avatar_on_switch" env:"DOTPERSONA_SYNC_AVATAR_ON_SWITCH"`
	NicknameSyncMode     string `json:"nickname_sync_mode" env:"DOTPERSONA_SYNC_NICKNAME_SYNC_MODE"`
	NicknameTemplate     string `json:"nickname_template" env:"DOTPERSONA_SYNC_NICKNAME_TEMPLATE"`
}

type StorageConfig struct {
	Path string `json:"path" env:"DOTPERSONA_STORAGE_PATH"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"DOTPERSONA_GATEWAY_HOST"`
	Port int    `json:"port" env:"DOTPERSONA_GATEWAY_PORT"`
}

// MaintenanceConfig schedules background jobs with cron expressions. An
// empty expression disables the job.
type MaintenanceConfig struct {
	PendingSweepCron string `json:"pending_sweep_cron" env:"DOTPERSONA_MAINTENANCE_PENDING_SWEEP_CRON"`
	BindingGCCron    string `json:"binding_gc_cron" env:"DOTPERSONA_MAINTENANCE_BINDING_GC_CRON"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"DOTPERSONA_LOGGING_LEVEL"`
	File  string `json:"file" env:"DOTPERSONA_LOGGING_FILE"`
}

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Persona: PersonaConfig{
			KeywordMappings:          "",
			AutoSwitchScope:          string(persona.ScopeConversation),
			EnableKeywordSwitching:   true,
			EnableAutoSwitchAnnounce: true,
			ClearContextOnSwitch:     false,
			ManageWaitTimeoutSeconds: 60,
			RequireAdminForManage:    false,
			AdminCommands:            FlexibleStringSlice{"switch", "create", "update", "delete", "view", "avatar"},
			Admins:                   FlexibleStringSlice{},
		},
		Sync: SyncConfig{
			SyncNicknameOnSwitch: false,
			SyncAvatarOnSwitch:   false,
			NicknameSyncMode:     string(persona.SyncProfile),
			NicknameTemplate:     persona.DefaultNicknameTemplate,
		},
		Storage: StorageConfig{
			Path: "~/.dotpersona/personas.db",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Maintenance: MaintenanceConfig{
			PendingSweepCron: "* * * * *",
			BindingGCCron:    "*/30 * * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path over the defaults, then applies DOTPERSONA_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// PersonaSettings builds the engine settings. Invalid values fall back to
// defaults with a warning.
func (c *Config) PersonaSettings() persona.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()

	scope, ok := persona.ParseScope(c.Persona.AutoSwitchScope)
	if !ok {
		logger.WarnCF("config", "Unknown auto_switch_scope, using conversation", map[string]any{
			"value": c.Persona.AutoSwitchScope,
		})
	}

	timeout := time.Duration(c.Persona.ManageWaitTimeoutSeconds) * time.Second
	if timeout <= 0 {
		logger.WarnCF("config", "manage_wait_timeout_seconds must be positive, reset to 60", map[string]any{
			"value": c.Persona.ManageWaitTimeoutSeconds,
		})
		timeout = persona.DefaultPendingTimeout
	}

	mode, ok := persona.ParseSyncMode(c.Sync.NicknameSyncMode)
	if !ok && strings.TrimSpace(c.Sync.NicknameSyncMode) != "" {
		logger.WarnCF("config", "Unknown nickname_sync_mode, using profile", map[string]any{
			"value": c.Sync.NicknameSyncMode,
		})
	}

	template := c.Sync.NicknameTemplate
	if strings.TrimSpace(template) == "" {
		template = persona.DefaultNicknameTemplate
	}

	return persona.Settings{
		Scope:                scope,
		KeywordSwitching:     c.Persona.EnableKeywordSwitching,
		Keywords:             persona.ParseKeywordMappings(c.Persona.KeywordMappings),
		Announce:             c.Persona.EnableAutoSwitchAnnounce,
		ClearContextOnSwitch: c.Persona.ClearContextOnSwitch,
		PendingTimeout:       timeout,
		Sync: persona.SyncSettings{
			Nickname: c.Sync.SyncNicknameOnSwitch,
			Avatar:   c.Sync.SyncAvatarOnSwitch,
			Mode:     mode,
			Template: template,
		},
	}
}

// AdminCommandSet returns the lowercased command names that require admin.
func (c *Config) AdminCommandSet() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{}, len(c.Persona.AdminCommands))
	for _, name := range c.Persona.AdminCommands {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}

func (c *Config) IsAdmin(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.Persona.Admins {
		if strings.TrimSpace(id) == userID {
			return true
		}
	}
	return false
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

func (c *Config) LogLevel() logger.LogLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug":
		return logger.DEBUG
	case "warn", "warning":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}

func (c *Config) LogFile() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Logging.File)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
