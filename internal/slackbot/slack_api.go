package slackbot

import (
	"context"

	"github.com/slack-go/slack"
)

// SlackAPI abstracts the subset of slack.Client methods used by the bot.
// This allows tests to substitute a mock implementation without a live Slack connection.
type SlackAPI interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)

	// Messaging
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	PostEphemeralContext(ctx context.Context, channelID, userID string, options ...slack.MsgOption) (string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)

	// Conversations
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetConversationsContext(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	JoinConversationContext(ctx context.Context, channelID string) (*slack.Channel, string, []string, error)

	// Users
	GetUserInfoContext(ctx context.Context, userID string) (*slack.User, error)
	GetUsersPaginated(options ...slack.GetUsersOption) slack.UserPagination
}

// SearchAPI is search.messages, which Slack only serves to user tokens.
type SearchAPI interface {
	SearchMessagesContext(ctx context.Context, query string, params slack.SearchParameters) (*slack.SearchMessages, error)
}

var (
	_ SlackAPI  = (*slack.Client)(nil)
	_ SearchAPI = (*slack.Client)(nil)
)
