package slackbot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/steveyegge/linearbridge/internal/types"
)

// Block IDs of the issue card. Updates address slots by these IDs, never by
// position, so older cards with a different layout still patch correctly.
const (
	BlockHeader   = "issue_header"
	BlockStatus   = "issue_status"
	BlockAssignee = "issue_assignee"
	BlockActions  = "issue_actions"
)

// Action IDs of the card's interactive elements.
const (
	ActionViewIssue  = "view_issue"
	ActionAssignSelf = "assign_self"
	ActionAssignUser = "assign_user"
	ActionMarkDone   = "mark_done"
)

const (
	// maxSelectOptions is Slack's limit for a static select.
	maxSelectOptions = 100

	// maxOptionText is Slack's limit for option labels.
	maxOptionText = 75
)

// assignChoice is the value of an assign_user option.
type assignChoice struct {
	IssueID string `json:"issueId"`
	UserID  string `json:"userId"`
}

func parseAssignChoice(value string) (assignChoice, error) {
	var c assignChoice
	if err := json.Unmarshal([]byte(value), &c); err != nil {
		return c, fmt.Errorf("%w: assign option %q: %v", types.ErrParse, value, err)
	}
	if c.IssueID == "" || c.UserID == "" {
		return c, fmt.Errorf("%w: assign option %q is incomplete", types.ErrParse, value)
	}
	return c, nil
}

// issueCard builds the blocks posted by the create command.
func issueCard(issue *types.IssueRef, members []types.TrackerUser) []slack.Block {
	return []slack.Block{
		headerBlock(issue),
		statusBlock(issue),
		assigneeBlock(issue),
		actionsBlock(issue, members),
	}
}

func headerBlock(issue *types.IssueRef) slack.Block {
	text := fmt.Sprintf("*<%s|%s>* %s", issue.URL, issue.Identifier, issue.Title)
	return slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
		nil, nil,
		slack.SectionBlockOptionBlockID(BlockHeader),
	)
}

func statusBlock(issue *types.IssueRef) slack.Block {
	state := issue.StateName
	if state == "" {
		state = "Unknown"
	}
	emoji := ":white_circle:"
	switch issue.StateType {
	case "started":
		emoji = ":large_blue_circle:"
	case "completed":
		emoji = ":white_check_mark:"
	case "canceled":
		emoji = ":no_entry_sign:"
	}
	return slack.NewContextBlock(BlockStatus,
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("%s Status: *%s*", emoji, state), false, false),
	)
}

func assigneeBlock(issue *types.IssueRef) slack.Block {
	text := ":bust_in_silhouette: Assignee: _Unassigned_"
	switch {
	case issue.AssigneeName != "":
		text = fmt.Sprintf(":bust_in_silhouette: Assignee: *%s*", issue.AssigneeName)
	case issue.AssigneeID != "":
		text = ":bust_in_silhouette: Assignee: *someone*"
	}
	return slack.NewContextBlock(BlockAssignee,
		slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
	)
}

func actionsBlock(issue *types.IssueRef, members []types.TrackerUser) slack.Block {
	view := slack.NewButtonBlockElement(ActionViewIssue, issue.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "View in Linear", true, false)).WithURL(issue.URL)
	self := slack.NewButtonBlockElement(ActionAssignSelf, issue.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "Assign to me", true, false))
	done := slack.NewButtonBlockElement(ActionMarkDone, issue.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "Mark done", true, false)).WithStyle(slack.StylePrimary)

	elements := []slack.BlockElement{view, self}
	if opts := memberOptions(issue, members); len(opts) > 0 {
		elements = append(elements, slack.NewOptionsSelectBlockElement(
			slack.OptTypeStatic,
			slack.NewTextBlockObject(slack.PlainTextType, "Assign to…", false, false),
			ActionAssignUser,
			opts...,
		))
	}
	elements = append(elements, done)
	return slack.NewActionBlock(BlockActions, elements...)
}

func memberOptions(issue *types.IssueRef, members []types.TrackerUser) []*slack.OptionBlockObject {
	opts := make([]*slack.OptionBlockObject, 0, min(len(members), maxSelectOptions))
	for _, m := range members {
		if len(opts) == maxSelectOptions {
			break
		}
		value, err := json.Marshal(assignChoice{IssueID: issue.ID, UserID: m.ID})
		if err != nil {
			continue
		}
		opts = append(opts, slack.NewOptionBlockObject(string(value),
			slack.NewTextBlockObject(slack.PlainTextType, clip(m.Label(), maxOptionText), false, false),
			nil,
		))
	}
	return opts
}

// cardFallback is the notification text of the card. It carries the
// identifier so thread replies can be routed from the root text alone.
func cardFallback(issue *types.IssueRef) string {
	return fmt.Sprintf("%s: %s", issue.Identifier, issue.Title)
}

func companionText(issue *types.IssueRef) string {
	return fmt.Sprintf("Replies in this thread are added as comments on <%s|%s>. Linear updates will show up here.",
		issue.URL, issue.Identifier)
}

// patchBlocks replaces blocks whose ID has an entry in repl and returns the
// new slice with the number of slots replaced. Unknown slots are skipped.
func patchBlocks(blocks []slack.Block, repl map[string]slack.Block) ([]slack.Block, int) {
	out := make([]slack.Block, len(blocks))
	patched := 0
	for i, b := range blocks {
		out[i] = b
		if b == nil {
			continue
		}
		if nb, ok := repl[b.ID()]; ok {
			out[i] = nb
			patched++
		}
	}
	return out, patched
}

func clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit-1])) + "…"
}
