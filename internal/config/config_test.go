package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/linearbridge/internal/types"
)

func TestInitialize(t *testing.T) {
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if v == nil {
		t.Fatal("viper instance is nil after Initialize()")
	}
	if got := ConfigFileUsed(); got != "" {
		t.Errorf("ConfigFileUsed() = %q, want empty without a config file", got)
	}
}

func TestDefaults(t *testing.T) {
	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	cfg := Load()

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"create command", cfg.Slack.CreateCommand, "/issue"},
		{"list command", cfg.Slack.ListCommand, "/issues"},
		{"directory pages", cfg.Slack.MaxDirectoryPages, 10},
		{"auto join", cfg.Slack.AutoJoin, false},
		{"linear endpoint", cfg.Linear.Endpoint, "https://api.linear.app/graphql"},
		{"requests per second", cfg.Linear.RequestsPerSecond, 10.0},
		{"webhook addr", cfg.Webhook.Addr, ":8080"},
		{"webhook path", cfg.Webhook.Path, "/linear/webhook"},
		{"mapping backend", cfg.Mapping.Backend, "file"},
		{"mapping path", cfg.Mapping.Path, filepath.Join(".lbridge", "threads.json")},
		{"log level", cfg.Log.Level, "info"},
		{"log json", cfg.Log.JSON, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	tests := []struct {
		envVar string
		value  string
		get    func(*Config) interface{}
		want   interface{}
	}{
		{"SLACK_BOT_TOKEN", "xoxb-1", func(c *Config) interface{} { return c.Slack.BotToken }, "xoxb-1"},
		{"LBRIDGE_SLACK_BOT_TOKEN", "xoxb-2", func(c *Config) interface{} { return c.Slack.BotToken }, "xoxb-2"},
		{"SLACK_APP_TOKEN", "xapp-1", func(c *Config) interface{} { return c.Slack.AppToken }, "xapp-1"},
		{"SLACK_USER_TOKEN", "xoxp-1", func(c *Config) interface{} { return c.Slack.UserToken }, "xoxp-1"},
		{"LINEAR_API_KEY", "lin_api_1", func(c *Config) interface{} { return c.Linear.APIKey }, "lin_api_1"},
		{"LINEAR_TEAM_ID", "team-1", func(c *Config) interface{} { return c.Linear.TeamID }, "team-1"},
		{"LINEAR_WEBHOOK_SECRET", "whsec", func(c *Config) interface{} { return c.Linear.WebhookSecret }, "whsec"},
		{"LBRIDGE_WEBHOOK_ADDR", ":9999", func(c *Config) interface{} { return c.Webhook.Addr }, ":9999"},
		{"LBRIDGE_MAPPING_BACKEND", "sqlite", func(c *Config) interface{} { return c.Mapping.Backend }, "sqlite"},
		{"LBRIDGE_SLACK_MAX_DIRECTORY_PAGES", "3", func(c *Config) interface{} { return c.Slack.MaxDirectoryPages }, 3},
		{"LBRIDGE_LOG_JSON", "true", func(c *Config) interface{} { return c.Log.JSON }, true},
	}
	for _, tt := range tests {
		t.Run(tt.envVar, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.value)
			if err := Initialize(""); err != nil {
				t.Fatalf("Initialize() returned error: %v", err)
			}
			if got := tt.get(Load()); got != tt.want {
				t.Errorf("with %s=%s got %v, want %v", tt.envVar, tt.value, got, tt.want)
			}
		})
	}
}

func TestPrefixedEnvWinsOverAlias(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-alias")
	t.Setenv("LBRIDGE_SLACK_BOT_TOKEN", "xoxb-prefixed")
	if err := Initialize(""); err != nil {
		t.Fatal(err)
	}
	if got := Load().Slack.BotToken; got != "xoxb-prefixed" {
		t.Errorf("BotToken = %q, want xoxb-prefixed", got)
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "lbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, `
slack:
  list_command: /mine
linear:
  team_id: team-from-file
mapping:
  backend: sqlite
  path: /var/lib/lbridge/m.db
log:
  level: debug
`)
	t.Chdir(tmpDir)

	if err := Initialize(""); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	cfg := Load()
	if cfg.Slack.ListCommand != "/mine" {
		t.Errorf("ListCommand = %q", cfg.Slack.ListCommand)
	}
	if cfg.Linear.TeamID != "team-from-file" {
		t.Errorf("TeamID = %q", cfg.Linear.TeamID)
	}
	if cfg.Mapping.Backend != "sqlite" || cfg.Mapping.Path != "/var/lib/lbridge/m.db" {
		t.Errorf("Mapping = %+v", cfg.Mapping)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if !strings.HasSuffix(ConfigFileUsed(), "lbridge.yaml") {
		t.Errorf("ConfigFileUsed() = %q", ConfigFileUsed())
	}
}

func TestConfigPrecedence(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "linear:\n  team_id: from-file\n")
	t.Chdir(tmpDir)

	if err := Initialize(""); err != nil {
		t.Fatal(err)
	}
	if got := GetString("linear.team_id"); got != "from-file" {
		t.Errorf("team_id from config file = %q, want from-file", got)
	}

	t.Setenv("LINEAR_TEAM_ID", "from-env")
	if err := Initialize(""); err != nil {
		t.Fatal(err)
	}
	if got := GetString("linear.team_id"); got != "from-env" {
		t.Errorf("team_id with env var = %q, want from-env (env should override config)", got)
	}
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	if err := Initialize(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestSetAndGet(t *testing.T) {
	if err := Initialize(""); err != nil {
		t.Fatal(err)
	}
	Set("webhook.addr", ":7000")
	if got := GetString("webhook.addr"); got != ":7000" {
		t.Errorf("GetString(webhook.addr) = %q, want :7000", got)
	}
	Set("some.timeout", "15s")
	if got := GetDuration("some.timeout"); got != 15*time.Second {
		t.Errorf("GetDuration = %v, want 15s", got)
	}
}

func TestValidate(t *testing.T) {
	full := Config{
		Slack:  SlackConfig{BotToken: "xoxb-1", AppToken: "xapp-1"},
		Linear: LinearConfig{APIKey: "lin_api_1"},
	}

	tests := []struct {
		name        string
		mutate      func(*Config)
		wantMissing bool
		wantErr     bool
	}{
		{name: "complete", mutate: func(*Config) {}},
		{name: "no bot token", mutate: func(c *Config) { c.Slack.BotToken = "" }, wantErr: true, wantMissing: true},
		{name: "no app token", mutate: func(c *Config) { c.Slack.AppToken = "" }, wantErr: true, wantMissing: true},
		{name: "bad app token", mutate: func(c *Config) { c.Slack.AppToken = "xoxb-wrong" }, wantErr: true},
		{name: "no api key", mutate: func(c *Config) { c.Linear.APIKey = "" }, wantErr: true, wantMissing: true},
		{name: "team id optional", mutate: func(c *Config) { c.Linear.TeamID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, types.ErrConfigMissing); got != tt.wantMissing {
				t.Errorf("errors.Is(err, ErrConfigMissing) = %v, want %v", got, tt.wantMissing)
			}
		})
	}
}

func TestWatch_NoFile(t *testing.T) {
	if err := Initialize(""); err != nil {
		t.Fatal(err)
	}
	if Watch(func(*Config) {}) {
		t.Error("Watch should report false when no config file is loaded")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, "log:\n  level: info\n")
	if err := Initialize(path); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 4)
	if !Watch(func(c *Config) { changed <- c }) {
		t.Fatal("Watch returned false with a config file loaded")
	}

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, tmpDir, "log:\n  level: debug\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Log.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change was not observed")
		}
	}
}
