// Package config loads lbridge settings from lbridge.yaml, LBRIDGE_* env
// vars and the conventional Slack/Linear token variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/steveyegge/linearbridge/internal/types"
)

var v *viper.Viper

// Config is the typed view of all settings.
type Config struct {
	Slack   SlackConfig
	Linear  LinearConfig
	Webhook WebhookConfig
	Mapping MappingConfig
	Log     LogConfig
}

type SlackConfig struct {
	BotToken          string
	AppToken          string
	UserToken         string // enables search.messages; without it the thread search fallback is off
	CreateCommand     string
	ListCommand       string
	MaxDirectoryPages int
	AutoJoin          bool // join public channels so thread replies reach the bot
	Debug             bool
}

type LinearConfig struct {
	APIKey            string
	TeamID            string
	WebhookSecret     string
	Endpoint          string
	RequestsPerSecond float64
}

type WebhookConfig struct {
	Addr string
	Path string
}

type MappingConfig struct {
	Backend string
	Path    string
	DSN     string
}

type LogConfig struct {
	Level string
	JSON  bool
}

// envAliases are the unprefixed variables the Slack and Linear tooling use.
var envAliases = map[string]string{
	"slack.bot_token":       "SLACK_BOT_TOKEN",
	"slack.app_token":       "SLACK_APP_TOKEN",
	"slack.user_token":      "SLACK_USER_TOKEN",
	"linear.api_key":        "LINEAR_API_KEY",
	"linear.team_id":        "LINEAR_TEAM_ID",
	"linear.webhook_secret": "LINEAR_WEBHOOK_SECRET",
}

// Initialize (re)creates the settings registry. configFile may be empty, in
// which case lbridge.yaml is looked up in the working directory and then
// $HOME/.config/lbridge. A missing config file is not an error.
func Initialize(configFile string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("lbridge")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "lbridge"))
		}
	}

	v.SetEnvPrefix("LBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, alias := range envAliases {
		prefixed := "LBRIDGE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.app_token", "")
	v.SetDefault("slack.user_token", "")
	v.SetDefault("slack.create_command", "/issue")
	v.SetDefault("slack.list_command", "/issues")
	v.SetDefault("slack.max_directory_pages", 10)
	v.SetDefault("slack.auto_join", false)
	v.SetDefault("slack.debug", false)

	v.SetDefault("linear.api_key", "")
	v.SetDefault("linear.team_id", "")
	v.SetDefault("linear.webhook_secret", "")
	v.SetDefault("linear.endpoint", "https://api.linear.app/graphql")
	v.SetDefault("linear.requests_per_second", 10.0)

	v.SetDefault("webhook.addr", ":8080")
	v.SetDefault("webhook.path", "/linear/webhook")

	v.SetDefault("mapping.backend", "file")
	v.SetDefault("mapping.path", filepath.Join(".lbridge", "threads.json"))
	v.SetDefault("mapping.dsn", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

func ensure() {
	if v == nil {
		_ = Initialize("")
	}
}

// GetString returns a raw setting.
func GetString(key string) string {
	ensure()
	return v.GetString(key)
}

// GetBool returns a raw setting.
func GetBool(key string) bool {
	ensure()
	return v.GetBool(key)
}

// GetInt returns a raw setting.
func GetInt(key string) int {
	ensure()
	return v.GetInt(key)
}

// GetDuration returns a raw setting.
func GetDuration(key string) time.Duration {
	ensure()
	return v.GetDuration(key)
}

// Set overrides a setting for the life of the process (flags, tests).
func Set(key string, value interface{}) {
	ensure()
	v.Set(key, value)
}

// ConfigFileUsed returns the path of the loaded config file, or "".
func ConfigFileUsed() string {
	ensure()
	return v.ConfigFileUsed()
}

// Load returns the current settings as a Config.
func Load() *Config {
	ensure()
	return &Config{
		Slack: SlackConfig{
			BotToken:          v.GetString("slack.bot_token"),
			AppToken:          v.GetString("slack.app_token"),
			UserToken:         v.GetString("slack.user_token"),
			CreateCommand:     v.GetString("slack.create_command"),
			ListCommand:       v.GetString("slack.list_command"),
			MaxDirectoryPages: v.GetInt("slack.max_directory_pages"),
			AutoJoin:          v.GetBool("slack.auto_join"),
			Debug:             v.GetBool("slack.debug"),
		},
		Linear: LinearConfig{
			APIKey:            v.GetString("linear.api_key"),
			TeamID:            v.GetString("linear.team_id"),
			WebhookSecret:     v.GetString("linear.webhook_secret"),
			Endpoint:          v.GetString("linear.endpoint"),
			RequestsPerSecond: v.GetFloat64("linear.requests_per_second"),
		},
		Webhook: WebhookConfig{
			Addr: v.GetString("webhook.addr"),
			Path: v.GetString("webhook.path"),
		},
		Mapping: MappingConfig{
			Backend: v.GetString("mapping.backend"),
			Path:    v.GetString("mapping.path"),
			DSN:     v.GetString("mapping.dsn"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
	}
}

// Validate reports every setting `serve` cannot run without. The team ID is
// not required here: the create command checks it per invocation.
func (c *Config) Validate() error {
	var missing []string
	if c.Slack.BotToken == "" {
		missing = append(missing, "slack.bot_token (SLACK_BOT_TOKEN)")
	}
	if c.Slack.AppToken == "" {
		missing = append(missing, "slack.app_token (SLACK_APP_TOKEN)")
	} else if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
		return fmt.Errorf("slack.app_token must start with xapp-")
	}
	if c.Linear.APIKey == "" {
		missing = append(missing, "linear.api_key (LINEAR_API_KEY)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", types.ErrConfigMissing, strings.Join(missing, ", "))
	}
	return nil
}

// Watch calls fn with freshly loaded settings whenever the config file
// changes. It does nothing when no config file was loaded.
func Watch(fn func(*Config)) bool {
	ensure()
	if v.ConfigFileUsed() == "" {
		return false
	}
	v.OnConfigChange(func(fsnotify.Event) {
		fn(Load())
	})
	v.WatchConfig()
	return true
}
