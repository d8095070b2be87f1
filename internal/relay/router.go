// Package relay moves updates between chat threads and tracker issues.
//
// Chat replies in a thread whose root names an issue become tracker comments.
// Tracker webhooks for state, assignee and comment changes become replies in
// the issue's chat thread. Every relayed comment carries a provenance marker;
// a webhook whose body contains the marker is dropped before anything else
// happens, which is what keeps the two directions from feeding each other.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/linearbridge/internal/linear"
	"github.com/steveyegge/linearbridge/internal/mapping"
	"github.com/steveyegge/linearbridge/internal/types"
)

// markerNeedle is matched case-insensitively anywhere in a comment body.
const markerNeedle = "from slack by"

// Marker returns the provenance suffix appended to relayed comments.
func Marker(author string) string {
	return fmt.Sprintf("(from Slack by %s)", author)
}

// ContainsMarker reports whether text was produced by the relay.
func ContainsMarker(text string) bool {
	return strings.Contains(strings.ToLower(text), markerNeedle)
}

// ErrStaleAnchor is returned by Chat.PostInThread when the thread or channel
// no longer exists.
var ErrStaleAnchor = errors.New("thread anchor is stale")

// Chat is the chat platform as seen by the router.
type Chat interface {
	// ThreadRootText returns the text of the root message of a thread.
	ThreadRootText(ctx context.Context, channelID, threadTS string) (string, error)
	// DisplayName returns a human name for a chat user, never "".
	DisplayName(ctx context.Context, userID string) string
	// PostInThread posts text as a reply in the thread.
	PostInThread(ctx context.Context, anchor types.ThreadAnchor, text string) error
	// SearchLatest finds the thread of the most recent message matching query.
	SearchLatest(ctx context.Context, query string) (types.ThreadAnchor, bool, error)
}

// Tracker is the issue tracker as seen by the router.
type Tracker interface {
	IssueByTeamAndNumber(ctx context.Context, teamKey string, number int) (*types.IssueRef, error)
	IssueByID(ctx context.Context, id string) (*types.IssueRef, error)
	UserName(ctx context.Context, id string) (string, error)
	CreateComment(ctx context.Context, issueID, body string) error
}

// Result classifies how an event was handled.
type Result int

const (
	Forwarded Result = iota
	Ignored
	DroppedBot
	DroppedNotThreaded
	DroppedNoIdentifier
	DroppedNotFound
	DroppedLoop
	DroppedNoThread
	Failed
)

func (r Result) String() string {
	switch r {
	case Forwarded:
		return "forwarded"
	case Ignored:
		return "ignored"
	case DroppedBot:
		return "bot"
	case DroppedNotThreaded:
		return "not_threaded"
	case DroppedNoIdentifier:
		return "no_identifier"
	case DroppedNotFound:
		return "not_found"
	case DroppedLoop:
		return "loop"
	case DroppedNoThread:
		return "no_thread"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// relayedSubtypes are the message subtypes a person posts directly. Edits,
// deletions, joins and bot messages carry other subtypes and are dropped.
var relayedSubtypes = map[string]bool{
	"":                 true,
	"thread_broadcast": true,
	"file_share":       true,
}

// ThreadReply is a chat message that may belong to an issue thread.
type ThreadReply struct {
	ChannelID string
	UserID    string
	BotID     string
	SubType   string
	Text      string
	TS        string
	ThreadTS  string
}

// Config wires a Router.
type Config struct {
	Chat      Chat
	Tracker   Tracker
	Store     mapping.Store
	BotUserID string // messages from this user are never relayed
	Logger    *slog.Logger
}

// Router relays events in both directions.
type Router struct {
	chat      Chat
	tracker   Tracker
	store     mapping.Store
	botUserID string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewRouter returns a Router. A nil logger uses slog.Default().
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		chat:      cfg.Chat,
		tracker:   cfg.Tracker,
		store:     cfg.Store,
		botUserID: cfg.BotUserID,
		logger:    logger,
		tracer:    otel.Tracer(scopeName),
	}
}

// HandleThreadReply forwards a chat thread reply as a tracker comment.
// Unrelated threads are dropped silently; only upstream failures return an
// error.
func (r *Router) HandleThreadReply(ctx context.Context, m ThreadReply) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "relay.thread_reply",
		trace.WithAttributes(attribute.String("channel", m.ChannelID), attribute.String("thread_ts", m.ThreadTS)))
	defer span.End()

	res, err := r.threadReply(ctx, m)
	finish(ctx, span, "chat_to_tracker", res, err)
	return res, err
}

func (r *Router) threadReply(ctx context.Context, m ThreadReply) (Result, error) {
	if m.BotID != "" || !relayedSubtypes[m.SubType] || (r.botUserID != "" && m.UserID == r.botUserID) {
		return DroppedBot, nil
	}
	if m.ThreadTS == "" || m.ThreadTS == m.TS {
		return DroppedNotThreaded, nil
	}

	root, err := r.chat.ThreadRootText(ctx, m.ChannelID, m.ThreadTS)
	if err != nil {
		if types.IsNotFound(err) {
			return DroppedNotThreaded, nil
		}
		return Failed, fmt.Errorf("read thread root: %w", err)
	}
	identifier, ok := linear.ExtractIdentifier(root)
	if !ok {
		return DroppedNoIdentifier, nil
	}
	teamKey, number, err := linear.SplitIdentifier(identifier)
	if err != nil {
		return DroppedNotFound, nil
	}

	issue, err := r.tracker.IssueByTeamAndNumber(ctx, teamKey, number)
	if err != nil {
		if types.IsNotFound(err) {
			return DroppedNotFound, nil
		}
		return Failed, fmt.Errorf("look up %s: %w", identifier, err)
	}
	if issue == nil {
		return DroppedNotFound, nil
	}

	author := r.chat.DisplayName(ctx, m.UserID)
	body := m.Text + "\n\n" + Marker(author)
	if err := r.tracker.CreateComment(ctx, issue.ID, body); err != nil {
		return Failed, fmt.Errorf("comment on %s: %w", identifier, err)
	}
	r.logger.Info("relay: forwarded thread reply", "identifier", identifier, "channel", m.ChannelID, "thread_ts", m.ThreadTS)
	return Forwarded, nil
}

// HandleWebhook posts a tracker change into the issue's chat thread.
func (r *Router) HandleWebhook(ctx context.Context, ev Event) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "relay.webhook",
		trace.WithAttributes(attribute.String("event_type", ev.Type), attribute.String("action", ev.Action)))
	defer span.End()

	res, err := r.webhook(ctx, ev)
	finish(ctx, span, "tracker_to_chat", res, err)
	return res, err
}

func (r *Router) webhook(ctx context.Context, ev Event) (Result, error) {
	// Must stay first: a relayed comment coming back is never processed further.
	if ContainsMarker(ev.Data.Body) {
		r.logger.Debug("relay: dropped relayed comment", "event_type", ev.Type)
		return DroppedLoop, nil
	}

	ch := ev.change()
	if !ch.relevant() {
		return Ignored, nil
	}

	issue, err := r.webhookIssue(ctx, ev)
	if err != nil {
		if types.IsNotFound(err) {
			return DroppedNotFound, nil
		}
		return Failed, err
	}

	text, err := r.describe(ctx, ev, ch, issue)
	if err != nil {
		return Failed, err
	}

	anchor, fromMapping, ok := r.resolveAnchor(ctx, issue.Identifier)
	if !ok {
		r.logger.Info("relay: no thread for issue", "identifier", issue.Identifier, "event_type", ev.Type)
		return DroppedNoThread, nil
	}

	err = r.chat.PostInThread(ctx, anchor, text)
	if err != nil && fromMapping && errors.Is(err, ErrStaleAnchor) {
		r.logger.Warn("relay: mapped thread is gone, searching", "identifier", issue.Identifier,
			"channel", anchor.ChannelID, "thread_ts", anchor.ThreadTS)
		fresh, found := r.searchAnchor(ctx, issue.Identifier)
		if !found || fresh == anchor {
			return DroppedNoThread, nil
		}
		anchor = fresh
		err = r.chat.PostInThread(ctx, anchor, text)
	}
	if err != nil {
		return Failed, fmt.Errorf("post to %s/%s: %w", anchor.ChannelID, anchor.ThreadTS, err)
	}
	r.logger.Info("relay: posted tracker update", "identifier", issue.Identifier, "event_type", ev.Type,
		"channel", anchor.ChannelID, "thread_ts", anchor.ThreadTS)
	return Forwarded, nil
}

// webhookIssue resolves the issue an event refers to. The tracker's current
// view wins; the payload is used when the tracker cannot be asked.
func (r *Router) webhookIssue(ctx context.Context, ev Event) (*types.IssueRef, error) {
	id, identifier := ev.issueKeys()
	if id == "" && identifier == "" {
		return nil, fmt.Errorf("event carries no issue: %w", types.ErrNotFound)
	}

	if id != "" {
		issue, err := r.tracker.IssueByID(ctx, id)
		switch {
		case err == nil && issue != nil:
			return issue, nil
		case err != nil && !types.IsNotFound(err):
			if identifier == "" {
				return nil, fmt.Errorf("look up issue %s: %w", id, err)
			}
			r.logger.Warn("relay: issue lookup failed, using payload", "identifier", identifier, "err", err)
		}
	}
	if identifier == "" {
		return nil, fmt.Errorf("issue %s: %w", id, types.ErrNotFound)
	}

	issue := &types.IssueRef{ID: id, Identifier: identifier, Title: ev.Data.Title, URL: ev.URL}
	if ev.Data.State != nil {
		issue.StateName = ev.Data.State.Name
	}
	if ev.Data.Assignee != nil {
		issue.AssigneeID = ev.Data.Assignee.ID
		issue.AssigneeName = ev.Data.Assignee.Name
	}
	return issue, nil
}

func (r *Router) describe(ctx context.Context, ev Event, ch change, issue *types.IssueRef) (string, error) {
	var lines []string
	if ch.state {
		state := issue.StateName
		if ev.Data.State != nil && ev.Data.State.Name != "" {
			state = ev.Data.State.Name
		}
		if state == "" {
			state = "an unknown state"
		}
		lines = append(lines, fmt.Sprintf(":arrows_counterclockwise: *%s* state changed to *%s*", issue.Identifier, state))
	}
	if ch.assignee {
		lines = append(lines, r.describeAssignee(ctx, ev, issue))
	}
	if ch.comment {
		author, err := r.commentAuthor(ctx, ev)
		if err != nil {
			return "", err
		}
		lines = append(lines, fmt.Sprintf(":speech_balloon: *%s*: %s", author, ev.Data.Body))
	}
	return strings.Join(lines, "\n"), nil
}

func (r *Router) describeAssignee(ctx context.Context, ev Event, issue *types.IssueRef) string {
	name := ""
	if ev.Data.Assignee != nil {
		name = ev.Data.Assignee.Name
	}
	assigneeID := ev.Data.AssigneeID
	if assigneeID == "" && ev.Data.Assignee == nil {
		assigneeID = issue.AssigneeID
	}
	if name == "" && assigneeID != "" {
		if assigneeID == issue.AssigneeID {
			name = issue.AssigneeName
		}
		if name == "" {
			if n, err := r.tracker.UserName(ctx, assigneeID); err == nil {
				name = n
			} else {
				r.logger.Warn("relay: assignee name lookup failed", "identifier", issue.Identifier, "err", err)
			}
		}
	}
	switch {
	case name != "":
		return fmt.Sprintf(":bust_in_silhouette: *%s* assigned to *%s*", issue.Identifier, name)
	case assigneeID != "":
		return fmt.Sprintf(":bust_in_silhouette: *%s* assigned to someone new", issue.Identifier)
	}
	return fmt.Sprintf(":bust_in_silhouette: *%s* is now unassigned", issue.Identifier)
}

func (r *Router) commentAuthor(ctx context.Context, ev Event) (string, error) {
	if ev.Data.User != nil && ev.Data.User.Name != "" {
		return ev.Data.User.Name, nil
	}
	if ev.Data.UserID == "" {
		return "Someone", nil
	}
	name, err := r.tracker.UserName(ctx, ev.Data.UserID)
	if err != nil {
		if types.IsNotFound(err) {
			return "Someone", nil
		}
		return "", fmt.Errorf("comment author: %w", err)
	}
	if name == "" {
		return "Someone", nil
	}
	return name, nil
}

// resolveAnchor finds the thread for identifier: the mapping first, then a
// chat search whose hit is written back to the mapping.
func (r *Router) resolveAnchor(ctx context.Context, identifier string) (anchor types.ThreadAnchor, fromMapping, ok bool) {
	if a, found := r.store.Get(ctx, identifier); found && !a.IsZero() {
		recordLookup(ctx, "hit")
		return a, true, true
	}
	a, found := r.searchAnchor(ctx, identifier)
	return a, false, found
}

func (r *Router) searchAnchor(ctx context.Context, identifier string) (types.ThreadAnchor, bool) {
	a, found, err := r.chat.SearchLatest(ctx, identifier)
	if err != nil {
		r.logger.Warn("relay: thread search failed", "identifier", identifier, "err", err)
		recordLookup(ctx, "miss")
		return types.ThreadAnchor{}, false
	}
	if !found || a.IsZero() {
		recordLookup(ctx, "miss")
		return types.ThreadAnchor{}, false
	}
	recordLookup(ctx, "search")
	if err := r.store.Set(ctx, identifier, a); err != nil {
		r.logger.Warn("relay: mapping write-back failed", "identifier", identifier, "err", err)
	}
	return a, true
}

func finish(ctx context.Context, span trace.Span, direction string, res Result, err error) {
	span.SetAttributes(attribute.String("result", res.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	recordResult(ctx, direction, res)
}
