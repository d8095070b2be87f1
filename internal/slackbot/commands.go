package slackbot

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/steveyegge/linearbridge/internal/listing"
	"github.com/steveyegge/linearbridge/internal/types"
)

func (b *Bot) handleSlashCommand(ctx context.Context, cmd slack.SlashCommand) {
	b.logger.Debug("slackbot: slash command", "command", cmd.Command, "user", cmd.UserID, "channel", cmd.ChannelID)

	switch cmd.Command {
	case b.createCommand:
		b.handleCreateCommand(ctx, cmd)
	case b.listCommand:
		b.handleListCommand(ctx, cmd)
	default:
		b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID,
			fmt.Sprintf("Unknown command `%s`. Try `%s <title>` or `%s`.", cmd.Command, b.createCommand, b.listCommand))
	}
}

// handleCreateCommand creates an issue, posts its card, opens the thread
// that mirrors it and records the thread in the mapping.
func (b *Bot) handleCreateCommand(ctx context.Context, cmd slack.SlashCommand) {
	title := strings.TrimSpace(cmd.Text)
	if title == "" {
		b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID, fmt.Sprintf("Usage: `%s <title>`", b.createCommand))
		return
	}
	if b.teamID == "" {
		err := fmt.Errorf("%w: linear.team_id (LINEAR_TEAM_ID)", types.ErrConfigMissing)
		b.logger.Warn("slackbot: create command without a team", "err", err)
		b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID, userFacingError("create the issue", err))
		return
	}

	author := b.people.DisplayName(ctx, cmd.UserID)
	desc := fmt.Sprintf("Reported in Slack by %s", author)
	if cmd.ChannelName != "" {
		desc += fmt.Sprintf(" in #%s", cmd.ChannelName)
	}

	issue, err := b.tracker.CreateIssue(ctx, b.teamID, title, desc)
	if err != nil {
		b.logger.Error("slackbot: create issue failed", "team", b.teamID, "err", err)
		b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID, userFacingError("create the issue", err))
		return
	}
	b.logger.Info("slackbot: issue created", "identifier", issue.Identifier, "user", cmd.UserID)

	members, err := b.tracker.TeamMembers(ctx, b.teamID)
	if err != nil {
		b.logger.Warn("slackbot: team members unavailable, card has no assignee picker", "team", b.teamID, "err", err)
	}

	_, ts, err := b.client.PostMessageContext(ctx, cmd.ChannelID,
		slack.MsgOptionText(cardFallback(issue), false),
		slack.MsgOptionBlocks(issueCard(issue, members)...),
	)
	if err != nil {
		b.logger.Error("slackbot: failed to post issue card", "identifier", issue.Identifier, "channel", cmd.ChannelID, "err", err)
		b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID,
			fmt.Sprintf("Created <%s|%s>, but couldn't post it here: %v", issue.URL, issue.Identifier, err))
		return
	}

	if _, _, err := b.client.PostMessageContext(ctx, cmd.ChannelID,
		slack.MsgOptionText(companionText(issue), false),
		slack.MsgOptionTS(ts),
	); err != nil {
		b.logger.Warn("slackbot: failed to post companion message", "identifier", issue.Identifier, "err", err)
	}

	anchor := types.ThreadAnchor{ChannelID: cmd.ChannelID, ThreadTS: ts}
	if err := b.store.Set(ctx, issue.Identifier, anchor); err != nil {
		b.logger.Error("slackbot: failed to record thread", "identifier", issue.Identifier, "err", err)
	}
}

// listArgs is the parsed list command text.
type listArgs struct {
	Handles []string // raw assignee tokens, "@jane" or "<@U123>"
	ByTag   bool
	Tag     string // exact tag filter; ByTag only
}

func isTagKeyword(tok string) bool {
	return strings.EqualFold(tok, "tag") || tok == "태그"
}

func isHandle(tok string) bool {
	return strings.HasPrefix(tok, "@") || strings.HasPrefix(tok, "<@")
}

// parseListArgs parses "[<handle>[,<handle>...]] [tag|태그 [<tag>]]".
// Unrecognized tokens are ignored.
func parseListArgs(text string) listArgs {
	var args listArgs
	tokens := strings.Fields(text)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case isTagKeyword(tok):
			args.ByTag = true
			if i+1 < len(tokens) && !isHandle(tokens[i+1]) && !isTagKeyword(tokens[i+1]) {
				args.Tag = tokens[i+1]
				i++
			}
		case isHandle(tok) || strings.HasPrefix(tok, ","):
			for _, part := range strings.Split(tok, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				if !isHandle(part) {
					part = "@" + part
				}
				args.Handles = append(args.Handles, part)
			}
		}
	}
	return args
}

// handleListCommand lists open issues for the requester or the named users.
func (b *Bot) handleListCommand(ctx context.Context, cmd slack.SlashCommand) {
	args := parseListArgs(cmd.Text)

	chatIDs, ok := b.resolveHandles(ctx, cmd, args.Handles)
	if !ok {
		return
	}

	q := listing.Query{Mode: listing.ByState}
	if args.ByTag {
		q.Mode = listing.ByTag
		q.TagFilter = args.Tag
	}
	for _, id := range chatIDs {
		tu, err := b.people.TrackerUserForChatID(ctx, id)
		if err != nil {
			b.logger.Warn("slackbot: tracker user lookup failed", "user", id, "err", err)
			b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID, userFacingError("look up Linear users", err))
			return
		}
		if tu == nil {
			who := fmt.Sprintf("<@%s> has", id)
			if id == cmd.UserID {
				who = "You have"
			}
			b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID,
				fmt.Sprintf(":mag: %s no Linear account with a matching email address.", who))
			return
		}
		q.AssigneeIDs = append(q.AssigneeIDs, tu.ID)
		q.AssigneeLabels = append(q.AssigneeLabels, tu.Label())
	}

	l, err := b.lister.List(ctx, q)
	if err != nil {
		b.logger.Error("slackbot: listing failed", "assignees", q.AssigneeIDs, "err", err)
		b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID, userFacingError("list issues", err))
		return
	}

	summary, detail := listing.Render(l)
	_, ts, err := b.client.PostMessageContext(ctx, cmd.ChannelID,
		slack.MsgOptionText(listing.SummaryText(l), false),
		slack.MsgOptionBlocks(summary...),
	)
	if err != nil {
		b.logger.Error("slackbot: failed to post listing", "channel", cmd.ChannelID, "err", err)
		b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID, userFacingError("post the listing", err))
		return
	}
	if len(detail) == 0 {
		return
	}
	if _, _, err := b.client.PostMessageContext(ctx, cmd.ChannelID,
		slack.MsgOptionText("Issue details", false),
		slack.MsgOptionBlocks(detail...),
		slack.MsgOptionTS(ts),
	); err != nil {
		b.logger.Warn("slackbot: failed to post listing detail", "channel", cmd.ChannelID, "err", err)
	}
}

// resolveHandles maps handle tokens to chat user IDs, defaulting to the
// requester. An explicit handle that cannot be resolved aborts the command;
// it never falls back to the requester.
func (b *Bot) resolveHandles(ctx context.Context, cmd slack.SlashCommand, handles []string) ([]string, bool) {
	if len(handles) == 0 {
		return []string{cmd.UserID}, true
	}
	seen := make(map[string]bool, len(handles))
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		id, err := b.people.ByHandleToken(ctx, h)
		if err != nil {
			b.logger.Warn("slackbot: handle lookup failed", "handle", h, "err", err)
			b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID, userFacingError("look up "+h, err))
			return nil, false
		}
		if id == "" {
			b.postEphemeral(ctx, cmd.ChannelID, cmd.UserID,
				fmt.Sprintf(":mag: Couldn't find a Slack user matching `%s`.", h))
			return nil, false
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, true
}
