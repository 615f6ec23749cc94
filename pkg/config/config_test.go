package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// TestDefaultConfig_Persona verifies switching defaults
func TestDefaultConfig_Persona(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Persona.AutoSwitchScope != "conversation" {
		t.Errorf("AutoSwitchScope = %q, want conversation", cfg.Persona.AutoSwitchScope)
	}
	if !cfg.Persona.EnableKeywordSwitching {
		t.Error("Keyword switching should be enabled by default")
	}
	if cfg.Persona.ManageWaitTimeoutSeconds != 60 {
		t.Errorf("ManageWaitTimeoutSeconds = %d, want 60", cfg.Persona.ManageWaitTimeoutSeconds)
	}
	if len(cfg.Persona.AdminCommands) == 0 {
		t.Error("AdminCommands should have defaults")
	}
}

// TestDefaultConfig_Gateway verifies gateway defaults
func TestDefaultConfig_Gateway(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Gateway.Host != "0.0.0.0" {
		t.Error("Gateway host should have default value")
	}
	if cfg.Gateway.Port == 0 {
		t.Error("Gateway port should have default value")
	}
}

// TestDefaultConfig_Channels verifies Discord config defaults
func TestDefaultConfig_Channels(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Channels.Discord.Token != "" {
		t.Error("Discord token should be empty by default")
	}
}

func TestDefaultConfig_Maintenance(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Maintenance.PendingSweepCron == "" || cfg.Maintenance.BindingGCCron == "" {
		t.Error("maintenance jobs should be scheduled by default")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Persona.KeywordMappings = "hello:greeter\ncode:coder"
	cfg.Sync.NicknameSyncMode = "hybrid"
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Persona.KeywordMappings != cfg.Persona.KeywordMappings {
		t.Fatalf("keyword mappings = %q", loaded.Persona.KeywordMappings)
	}
	if loaded.Sync.NicknameSyncMode != "hybrid" {
		t.Fatalf("sync mode = %q", loaded.Sync.NicknameSyncMode)
	}
}

func TestLoadConfig_NumericAdmins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"persona": {"admins": [123456789012, "42"]}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.IsAdmin("123456789012") || !cfg.IsAdmin("42") {
		t.Fatalf("expected both admins, got %v", cfg.Persona.Admins)
	}
	if cfg.IsAdmin("7") {
		t.Fatal("unexpected admin")
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("DOTPERSONA_PERSONA_AUTO_SWITCH_SCOPE", "global")
	t.Setenv("DOTPERSONA_PERSONA_MANAGE_WAIT_TIMEOUT_SECONDS", "90")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Persona.AutoSwitchScope; got != "global" {
		t.Fatalf("expected env override scope, got %q", got)
	}
	if got := cfg.Persona.ManageWaitTimeoutSeconds; got != 90 {
		t.Fatalf("expected env override timeout, got %d", got)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPersonaSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Persona.KeywordMappings = "# comment\nhello:greeter\nbad line\nhell:other"
	cfg.Persona.AutoSwitchScope = "session"
	cfg.Persona.ClearContextOnSwitch = true
	cfg.Sync.SyncNicknameOnSwitch = true
	cfg.Sync.NicknameSyncMode = "group_card"
	cfg.Sync.NicknameTemplate = "[Bot]{persona_id}"

	s := cfg.PersonaSettings()
	if s.Scope != persona.ScopeSession {
		t.Fatalf("scope = %q", s.Scope)
	}
	if len(s.Keywords) != 2 || s.Keywords[0].Keyword != "hello" || s.Keywords[1].PersonaID != "other" {
		t.Fatalf("unexpected keywords %+v", s.Keywords)
	}
	if !s.ClearContextOnSwitch || !s.Announce || !s.KeywordSwitching {
		t.Fatalf("unexpected flags %+v", s)
	}
	if s.PendingTimeout != 60*time.Second {
		t.Fatalf("timeout = %v", s.PendingTimeout)
	}
	if !s.Sync.Nickname || s.Sync.Avatar || s.Sync.Mode != persona.SyncGroupCard || s.Sync.Template != "[Bot]{persona_id}" {
		t.Fatalf("unexpected sync settings %+v", s.Sync)
	}
}

func TestPersonaSettingsNormalizesInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		timeout int
		scope   string
		mode    string
	}{
		{name: "zero timeout", timeout: 0, scope: "conversation", mode: "profile"},
		{name: "negative timeout", timeout: -5, scope: "bogus", mode: "banner"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Persona.ManageWaitTimeoutSeconds = tt.timeout
			cfg.Persona.AutoSwitchScope = tt.scope
			cfg.Sync.NicknameSyncMode = tt.mode
			cfg.Sync.NicknameTemplate = "  "

			s := cfg.PersonaSettings()
			if s.PendingTimeout != persona.DefaultPendingTimeout {
				t.Fatalf("timeout = %v", s.PendingTimeout)
			}
			if s.Scope != persona.ScopeConversation {
				t.Fatalf("scope = %q", s.Scope)
			}
			if s.Sync.Mode != persona.SyncProfile {
				t.Fatalf("mode = %q", s.Sync.Mode)
			}
			if s.Sync.Template != persona.DefaultNicknameTemplate {
				t.Fatalf("template = %q", s.Sync.Template)
			}
		})
	}
}

func TestAdminCommandSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Persona.AdminCommands = FlexibleStringSlice{" Delete ", "VIEW", ""}

	set := cfg.AdminCommandSet()
	if len(set) != 2 {
		t.Fatalf("unexpected set %v", set)
	}
	if _, ok := set["delete"]; !ok {
		t.Fatal("expected delete")
	}
	if _, ok := set["view"]; !ok {
		t.Fatal("expected view")
	}
}
