package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/steveyegge/linearbridge/internal/config"
	"github.com/steveyegge/linearbridge/internal/linear"
	"github.com/steveyegge/linearbridge/internal/listing"
	"github.com/steveyegge/linearbridge/internal/mapping"
	"github.com/steveyegge/linearbridge/internal/relay"
	"github.com/steveyegge/linearbridge/internal/slackbot"
	"github.com/steveyegge/linearbridge/internal/telemetry"
	"github.com/steveyegge/linearbridge/internal/users"
	"github.com/steveyegge/linearbridge/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Slack bot and the Linear webhook server",
	Long: `Runs the bridge in the foreground: a Slack Socket Mode bot for slash
commands, card actions and thread replies, and an HTTP server receiving
Linear webhooks.

Required:
  SLACK_BOT_TOKEN        Slack bot token (xoxb-...)
  SLACK_APP_TOKEN        Slack app-level token (xapp-...)
  LINEAR_API_KEY         Linear API key

Optional:
  SLACK_USER_TOKEN       enables the search fallback for unmapped issues
  LINEAR_TEAM_ID         team for the create command
  LINEAR_WEBHOOK_SECRET  verifies Linear-Signature on deliveries`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "lbridge", Version); err != nil {
		logger.Warn("telemetry disabled", "err", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	store, err := openStore(ctx, cfg.Mapping, logger)
	if err != nil {
		return err
	}
	defer closeStore(store, logger)

	tracker := newLinearClient(cfg.Linear)

	client := slack.New(
		cfg.Slack.BotToken,
		slack.OptionDebug(cfg.Slack.Debug),
		slack.OptionAppLevelToken(cfg.Slack.AppToken),
	)
	var search slackbot.SearchAPI
	if cfg.Slack.UserToken != "" {
		search = slack.New(cfg.Slack.UserToken)
	} else {
		logger.Info("no Slack user token, search fallback for unmapped issues is off")
	}
	chat := slackbot.NewChat(client, search, logger)

	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test failed: %w", err)
	}

	resolver := users.New(chat, tracker, users.Config{
		MaxDirectoryPages: cfg.Slack.MaxDirectoryPages,
		Logger:            logger,
	})
	router := relay.NewRouter(relay.Config{
		Chat:      chat,
		Tracker:   tracker,
		Store:     store,
		BotUserID: auth.UserID,
		Logger:    logger,
	})
	bot, err := slackbot.NewBot(client, slackbot.BotConfig{
		TeamID:        cfg.Linear.TeamID,
		CreateCommand: cfg.Slack.CreateCommand,
		ListCommand:   cfg.Slack.ListCommand,
		BotUserID:     auth.UserID,
		AutoJoin:      cfg.Slack.AutoJoin,
		Debug:         cfg.Slack.Debug,
		Tracker:       tracker,
		Relay:         router,
		People:        resolver,
		Lister:        listing.NewEngine(tracker, logger),
		Store:         store,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create Slack bot: %w", err)
	}
	if cfg.Linear.TeamID == "" {
		logger.Warn("linear.team_id is not set, the create command will refuse requests")
	}

	server := webhook.NewServer(webhook.ServerConfig{
		Relay:  router,
		Secret: []byte(cfg.Linear.WebhookSecret),
		Path:   cfg.Webhook.Path,
		Logger: logger,
		Ready:  bot.IsConnected,
	})

	if config.Watch(func(c *config.Config) {
		applyLogLevel(c.Log.Level)
		logger.Info("config reloaded", "file", config.ConfigFileUsed(), "log_level", logLevel.Level().String())
	}) {
		logger.Debug("watching config file", "file", config.ConfigFileUsed())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bot.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("webhook server listening", "addr", cfg.Webhook.Addr, "path", cfg.Webhook.Path)
		if err := server.Start(cfg.Webhook.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("lbridge running",
		"bot_user", auth.UserID,
		"team", cfg.Linear.TeamID,
		"mapping_backend", cfg.Mapping.Backend,
		"version", Version)
	err = g.Wait()
	logger.Info("lbridge stopped")
	return err
}

func newLinearClient(cfg config.LinearConfig) *linear.Client {
	client := linear.NewClient(cfg.APIKey)
	if cfg.Endpoint != "" {
		client = client.WithEndpoint(cfg.Endpoint)
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		client.Limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return client
}

func openStore(ctx context.Context, cfg config.MappingConfig, logger *slog.Logger) (mapping.Store, error) {
	store, err := mapping.Open(ctx, mapping.Options{
		Backend: cfg.Backend,
		Path:    cfg.Path,
		DSN:     cfg.DSN,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open mapping store: %w", err)
	}
	return telemetry.WrapStore(store), nil
}

func closeStore(store mapping.Store, logger *slog.Logger) {
	if c, ok := store.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close mapping store", "err", err)
		}
	}
}
