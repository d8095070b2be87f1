package slackbot

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/steveyegge/linearbridge/internal/linear"
	"github.com/steveyegge/linearbridge/internal/types"
)

// handleInteraction dispatches issue card actions. Tracker failures are
// logged; the card is left as it was.
func (b *Bot) handleInteraction(ctx context.Context, callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions {
		return
	}
	for _, action := range callback.ActionCallback.BlockActions {
		if action == nil {
			continue
		}
		switch action.ActionID {
		case ActionAssignSelf:
			b.handleAssignSelf(ctx, callback, action.Value)
		case ActionAssignUser:
			b.handleAssignUser(ctx, callback, action.SelectedOption.Value)
		case ActionMarkDone:
			b.handleMarkDone(ctx, callback, action.Value)
		case ActionViewIssue:
			// URL button; Slack opens the link.
		default:
			b.logger.Debug("slackbot: unhandled action", "action", action.ActionID)
		}
	}
}

func (b *Bot) handleAssignSelf(ctx context.Context, callback slack.InteractionCallback, issueID string) {
	tu, err := b.people.TrackerUserForChatID(ctx, callback.User.ID)
	if err != nil {
		b.logger.Warn("slackbot: assign_self lookup failed", "user", callback.User.ID, "err", err)
		return
	}
	if tu == nil {
		b.postEphemeral(ctx, channelOf(callback), callback.User.ID,
			":mag: You have no Linear account with a matching email address.")
		return
	}
	b.assign(ctx, callback, issueID, tu.ID)
}

func (b *Bot) handleAssignUser(ctx context.Context, callback slack.InteractionCallback, value string) {
	choice, err := parseAssignChoice(value)
	if err != nil {
		b.logger.Warn("slackbot: bad assign_user value", "err", err)
		return
	}
	b.assign(ctx, callback, choice.IssueID, choice.UserID)
}

func (b *Bot) assign(ctx context.Context, callback slack.InteractionCallback, issueID, userID string) {
	issue, err := b.tracker.UpdateIssue(ctx, issueID, linear.IssueUpdate{AssigneeID: &userID})
	if err != nil {
		b.actionFailed(ctx, callback, "assign the issue", err)
		return
	}
	b.logger.Info("slackbot: issue assigned", "identifier", issue.Identifier, "assignee", userID, "by", callback.User.ID)
	b.patchCard(ctx, callback, issue, BlockAssignee)
}

func (b *Bot) handleMarkDone(ctx context.Context, callback slack.InteractionCallback, issueID string) {
	issue, err := b.tracker.IssueByID(ctx, issueID)
	if err == nil && issue == nil {
		err = fmt.Errorf("issue %s: %w", issueID, types.ErrNotFound)
	}
	if err != nil {
		b.actionFailed(ctx, callback, "mark the issue done", err)
		return
	}
	state, err := b.tracker.CompletedState(ctx, issue.TeamID)
	if err != nil {
		b.actionFailed(ctx, callback, "mark the issue done", err)
		return
	}
	updated, err := b.tracker.UpdateIssue(ctx, issueID, linear.IssueUpdate{StateID: &state.ID})
	if err != nil {
		b.actionFailed(ctx, callback, "mark the issue done", err)
		return
	}
	b.logger.Info("slackbot: issue marked done", "identifier", updated.Identifier, "state", state.Name, "by", callback.User.ID)
	b.patchCard(ctx, callback, updated, BlockStatus)
}

// actionFailed logs an action failure. Only NotFound is shown to the user.
func (b *Bot) actionFailed(ctx context.Context, callback slack.InteractionCallback, action string, err error) {
	b.logger.Warn("slackbot: action failed", "action", action, "user", callback.User.ID, "err", err)
	if types.IsNotFound(err) {
		b.postEphemeral(ctx, channelOf(callback), callback.User.ID, userFacingError(action, err))
	}
}

// patchCard rewrites the named slots of the card the action came from.
func (b *Bot) patchCard(ctx context.Context, callback slack.InteractionCallback, issue *types.IssueRef, slots ...string) {
	repl := make(map[string]slack.Block, len(slots))
	for _, slot := range slots {
		switch slot {
		case BlockStatus:
			repl[slot] = statusBlock(issue)
		case BlockAssignee:
			repl[slot] = assigneeBlock(issue)
		case BlockHeader:
			repl[slot] = headerBlock(issue)
		}
	}

	blocks, patched := patchBlocks(callback.Message.Blocks.BlockSet, repl)
	if patched == 0 {
		b.logger.Debug("slackbot: card has none of the slots", "slots", slots, "identifier", issue.Identifier)
		return
	}

	channelID, ts := channelOf(callback), messageTS(callback)
	if _, _, _, err := b.client.UpdateMessageContext(ctx, channelID, ts,
		slack.MsgOptionText(cardFallback(issue), false),
		slack.MsgOptionBlocks(blocks...),
	); err != nil {
		b.logger.Warn("slackbot: failed to update card", "identifier", issue.Identifier, "channel", channelID, "err", err)
	}
}

func channelOf(callback slack.InteractionCallback) string {
	if callback.Channel.ID != "" {
		return callback.Channel.ID
	}
	return callback.Container.ChannelID
}

func messageTS(callback slack.InteractionCallback) string {
	if callback.Message.Timestamp != "" {
		return callback.Message.Timestamp
	}
	return callback.Container.MessageTs
}
