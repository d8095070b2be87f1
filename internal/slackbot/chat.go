package slackbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/slack-go/slack"

	"github.com/steveyegge/linearbridge/internal/relay"
	"github.com/steveyegge/linearbridge/internal/types"
	"github.com/steveyegge/linearbridge/internal/users"
)

// searchCount is how many search.messages hits are inspected per lookup.
const searchCount = 20

// staleErrors are the Slack error codes that mean a stored anchor no longer
// points at a usable thread.
var staleErrors = map[string]bool{
	"thread_not_found":  true,
	"channel_not_found": true,
	"message_not_found": true,
}

// Chat adapts the Slack Web API to relay.Chat and users.Directory.
type Chat struct {
	api    SlackAPI
	search SearchAPI // nil disables SearchLatest
	logger *slog.Logger
}

var (
	_ relay.Chat      = (*Chat)(nil)
	_ users.Directory = (*Chat)(nil)
)

// NewChat wraps a bot-token client. search may be nil when no user token is
// configured.
func NewChat(api SlackAPI, search SearchAPI, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{api: api, search: search, logger: logger}
}

// ThreadRootText returns the text of a thread's root message, including the
// text carried in its blocks.
func (c *Chat) ThreadRootText(ctx context.Context, channelID, threadTS string) (string, error) {
	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     1,
		Inclusive: true,
	})
	if err != nil {
		if code := errorCode(err); staleErrors[code] {
			return "", fmt.Errorf("thread %s/%s: %w", channelID, threadTS, types.ErrNotFound)
		}
		return "", fmt.Errorf("%w: conversations.replies: %v", types.ErrUpstream, err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("thread %s/%s: %w", channelID, threadTS, types.ErrNotFound)
	}
	root := msgs[0]
	parts := []string{root.Text}
	if bt := blockText(root.Blocks.BlockSet); bt != "" {
		parts = append(parts, bt)
	}
	return strings.Join(parts, "\n"), nil
}

// blockText flattens the visible text of section, header and context blocks.
func blockText(blocks []slack.Block) string {
	var parts []string
	add := func(t *slack.TextBlockObject) {
		if t != nil && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	for _, b := range blocks {
		switch blk := b.(type) {
		case *slack.SectionBlock:
			add(blk.Text)
			for _, f := range blk.Fields {
				add(f)
			}
		case *slack.HeaderBlock:
			add(blk.Text)
		case *slack.ContextBlock:
			for _, el := range blk.ContextElements.Elements {
				if t, ok := el.(*slack.TextBlockObject); ok {
					add(t)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// DisplayName returns the profile name of a chat user, or the ID when the
// profile cannot be read.
func (c *Chat) DisplayName(ctx context.Context, userID string) string {
	u, err := c.UserInfo(ctx, userID)
	if err != nil || u == nil {
		if err != nil {
			c.logger.Debug("slackbot: profile lookup failed", "user", userID, "err", err)
		}
		return userID
	}
	return users.NameOf(u)
}

// PostInThread replies in a thread. Errors meaning the thread is gone wrap
// relay.ErrStaleAnchor.
func (c *Chat) PostInThread(ctx context.Context, anchor types.ThreadAnchor, text string) error {
	_, _, err := c.api.PostMessageContext(ctx, anchor.ChannelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(anchor.ThreadTS),
	)
	if err == nil {
		return nil
	}
	if staleErrors[errorCode(err)] {
		return fmt.Errorf("%w: %v", relay.ErrStaleAnchor, err)
	}
	return fmt.Errorf("%w: chat.postMessage: %v", types.ErrUpstream, err)
}

// SearchLatest finds the most recent message mentioning identifier and
// returns the thread it belongs to.
func (c *Chat) SearchLatest(ctx context.Context, identifier string) (types.ThreadAnchor, bool, error) {
	if c.search == nil || identifier == "" {
		return types.ThreadAnchor{}, false, nil
	}
	params := slack.NewSearchParameters()
	params.Sort = "timestamp"
	params.SortDirection = "desc"
	params.Count = searchCount

	res, err := c.search.SearchMessagesContext(ctx, `"`+identifier+`"`, params)
	if err != nil {
		return types.ThreadAnchor{}, false, fmt.Errorf("%w: search.messages: %v", types.ErrUpstream, err)
	}
	if res == nil {
		return types.ThreadAnchor{}, false, nil
	}

	matches := append([]slack.SearchMessage(nil), res.Matches...)
	sort.SliceStable(matches, func(i, j int) bool {
		return compareTS(matches[i].Timestamp, matches[j].Timestamp) > 0
	})
	mention := mentionPattern(identifier)
	for _, m := range matches {
		if m.Channel.ID == "" || m.Timestamp == "" || !mention.MatchString(m.Text) {
			continue
		}
		ts := threadTSFromPermalink(m.Permalink)
		if ts == "" {
			ts = m.Timestamp
		}
		return types.ThreadAnchor{ChannelID: m.Channel.ID, ThreadTS: ts}, true, nil
	}
	return types.ThreadAnchor{}, false, nil
}

// mentionPattern matches identifier as a whole token, so ENG-1 does not
// match ENG-12.
func mentionPattern(identifier string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^A-Za-z0-9])` + regexp.QuoteMeta(identifier) + `(?:[^0-9]|$)`)
}

// threadTSFromPermalink returns the thread_ts query parameter Slack adds to
// permalinks of thread replies.
func threadTSFromPermalink(permalink string) string {
	if permalink == "" {
		return ""
	}
	u, err := url.Parse(permalink)
	if err != nil {
		return ""
	}
	return u.Query().Get("thread_ts")
}

// compareTS orders Slack timestamps ("1700000000.000100") numerically.
func compareTS(a, b string) int {
	as, af, _ := strings.Cut(a, ".")
	bs, bf, _ := strings.Cut(b, ".")
	if c := compareDigits(as, bs); c != 0 {
		return c
	}
	for len(af) < len(bf) {
		af += "0"
	}
	for len(bf) < len(af) {
		bf += "0"
	}
	return strings.Compare(af, bf)
}

func compareDigits(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// UserInfo implements users.Directory.
func (c *Chat) UserInfo(ctx context.Context, userID string) (*slack.User, error) {
	return c.api.GetUserInfoContext(ctx, userID)
}

// Users implements users.Directory.
func (c *Chat) Users(_ context.Context, pageSize int) users.UserPager {
	return &userPager{p: c.api.GetUsersPaginated(slack.GetUsersOptionLimit(pageSize))}
}

// userPager adapts slack.UserPagination, whose cursor is unexported.
type userPager struct {
	p    slack.UserPagination
	done bool
}

func (u *userPager) NextUsers(ctx context.Context) ([]slack.User, bool, error) {
	if u.done {
		return nil, false, nil
	}
	next, err := u.p.Next(ctx)
	if u.p.Done(err) {
		u.done = true
		return nil, false, nil
	}
	if err != nil {
		return nil, false, u.p.Failure(err)
	}
	u.p = next
	return next.Users, true, nil
}

// errorCode extracts the Slack error string ("channel_not_found") from err.
func errorCode(err error) string {
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err
	}
	return err.Error()
}
