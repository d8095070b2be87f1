package listing

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

const (
	// sectionTextLimit is Slack's maximum length of a section's text.
	sectionTextLimit = 3000

	// maxBlocks is Slack's maximum number of blocks in one message.
	maxBlocks = 50
)

// Block IDs of the summary message.
const (
	BlockSummaryHeader = "listing_header"
	BlockSummaryCounts = "listing_counts"
)

// Render returns the summary blocks and the detail blocks for l. Detail is nil
// when the listing is empty; callers post it as a thread reply to the summary.
func Render(l *Listing) (summary, detail []slack.Block) {
	summary = []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, "Open issues", false, false),
			slack.HeaderBlockOptionBlockID(BlockSummaryHeader),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, SummaryText(l), false, false),
			nil, nil,
		),
	}
	if l.Shown() == 0 || len(l.Order) == 0 {
		return summary, nil
	}

	var counts strings.Builder
	for _, key := range l.Order {
		fmt.Fprintf(&counts, "• *%s*: %d\n", escape(key), len(l.Groups[key]))
	}
	// Only the first chunk of counts goes in the summary; the detail thread
	// carries every group anyway.
	countLines := strings.Split(strings.TrimRight(counts.String(), "\n"), "\n")
	summary = append(summary, slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, splitText(countLines, sectionTextLimit)[0], false, false),
		nil, nil, slack.SectionBlockOptionBlockID(BlockSummaryCounts),
	))

	for _, key := range l.Order {
		rows := l.Groups[key]
		lines := make([]string, 0, len(rows)+1)
		lines = append(lines, fmt.Sprintf("*%s* (%d)", escape(key), len(rows)))
		for _, r := range rows {
			lines = append(lines, rowLine(r, l.Query.Mode))
		}
		for _, chunk := range splitText(lines, sectionTextLimit) {
			detail = append(detail, slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false),
				nil, nil,
			))
		}
	}
	if len(detail) > maxBlocks {
		omitted := len(detail) - (maxBlocks - 1)
		detail = append(detail[:maxBlocks-1], slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("_%d more sections not shown_", omitted), false, false),
		))
	}
	return summary, detail
}

// SummaryText is the one-line summary, also used as the notification fallback.
func SummaryText(l *Listing) string {
	who := strings.Join(l.Query.AssigneeLabels, ", ")
	if who == "" {
		who = "you"
	}
	shown := l.Shown()
	if shown == 0 {
		if l.Query.Mode == ByTag && l.Query.TagFilter != "" && len(l.Rows) > 0 {
			return fmt.Sprintf("No open issues tagged `%s` for %s.", escape(l.Query.TagFilter), escape(who))
		}
		return fmt.Sprintf("No open issues for %s.", escape(who))
	}
	noun := "issues"
	if shown == 1 {
		noun = "issue"
	}
	grouping := "grouped by state"
	if l.Query.Mode == ByTag {
		grouping = "grouped by tag"
		if l.Query.TagFilter != "" {
			grouping = fmt.Sprintf("filtered to tag `%s`", escape(l.Query.TagFilter))
		}
	}
	return fmt.Sprintf("*%d open %s* for %s, %s", shown, noun, escape(who), grouping)
}

func rowLine(r Row, mode Mode) string {
	var b strings.Builder
	b.WriteString("• ")
	if r.Issue.URL != "" {
		fmt.Fprintf(&b, "<%s|%s>", r.Issue.URL, r.Issue.Identifier)
	} else {
		b.WriteString(r.Issue.Identifier)
	}
	b.WriteString(" ")
	b.WriteString(escape(r.Issue.Title))
	if r.AssigneeName != "" {
		fmt.Fprintf(&b, " · _%s_", escape(r.AssigneeName))
	}
	if mode == ByTag && r.StateName != "" {
		fmt.Fprintf(&b, " · %s", escape(r.StateName))
	}
	return b.String()
}

// splitText joins lines with newlines into chunks no longer than limit.
// A single line longer than limit is truncated.
func splitText(lines []string, limit int) []string {
	var chunks []string
	var cur strings.Builder
	for _, line := range lines {
		if len(line) > limit {
			line = truncate(line, limit)
		}
		if cur.Len() > 0 && cur.Len()+1+len(line) > limit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	const ellipsis = "…"
	cut := limit - len(ellipsis)
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return mrkdwnEscaper.Replace(s) }
