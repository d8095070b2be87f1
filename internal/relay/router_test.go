package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/linearbridge/internal/mapping"
	"github.com/steveyegge/linearbridge/internal/types"
)

type post struct {
	anchor types.ThreadAnchor
	text   string
}

type fakeChat struct {
	roots    map[string]string // thread_ts → root text
	names    map[string]string
	search   map[string]types.ThreadAnchor
	stale    map[types.ThreadAnchor]bool
	searches []string
	posts    []post
}

func (f *fakeChat) ThreadRootText(_ context.Context, _, threadTS string) (string, error) {
	text, ok := f.roots[threadTS]
	if !ok {
		return "", types.ErrNotFound
	}
	return text, nil
}

func (f *fakeChat) DisplayName(_ context.Context, userID string) string {
	if n, ok := f.names[userID]; ok {
		return n
	}
	return userID
}

func (f *fakeChat) PostInThread(_ context.Context, anchor types.ThreadAnchor, text string) error {
	if f.stale[anchor] {
		return ErrStaleAnchor
	}
	f.posts = append(f.posts, post{anchor, text})
	return nil
}

func (f *fakeChat) SearchLatest(_ context.Context, query string) (types.ThreadAnchor, bool, error) {
	f.searches = append(f.searches, query)
	a, ok := f.search[query]
	return a, ok, nil
}

type comment struct {
	issueID string
	body    string
}

type fakeTracker struct {
	byKey    map[string]*types.IssueRef // "TEAM-N"
	byID     map[string]*types.IssueRef
	users    map[string]string
	comments []comment
	idErr    error
}

func (f *fakeTracker) IssueByTeamAndNumber(_ context.Context, teamKey string, number int) (*types.IssueRef, error) {
	for _, issue := range f.byKey {
		if issue.Identifier == teamKey+"-"+strconv.Itoa(number) {
			return issue, nil
		}
	}
	return nil, nil
}

func (f *fakeTracker) IssueByID(_ context.Context, id string) (*types.IssueRef, error) {
	if f.idErr != nil {
		return nil, f.idErr
	}
	return f.byID[id], nil
}

func (f *fakeTracker) UserName(_ context.Context, id string) (string, error) {
	if n, ok := f.users[id]; ok {
		return n, nil
	}
	return "", types.ErrNotFound
}

func (f *fakeTracker) CreateComment(_ context.Context, issueID, body string) error {
	f.comments = append(f.comments, comment{issueID, body})
	return nil
}

func newTestRouter(chat *fakeChat, tracker *fakeTracker, store mapping.Store) *Router {
	return NewRouter(Config{Chat: chat, Tracker: tracker, Store: store, BotUserID: "UBOT"})
}

func TestHandleThreadReply_ForwardsComment(t *testing.T) {
	chat := &fakeChat{
		roots: map[string]string{"1700.1": "Fix login [1SW-42] bug"},
		names: map[string]string{"UA": "Alice"},
	}
	issue := &types.IssueRef{ID: "lin-42", Identifier: "1SW-42"}
	tracker := &fakeTracker{byKey: map[string]*types.IssueRef{"1SW-42": issue}}
	r := newTestRouter(chat, tracker, mapping.NewMemoryStore())

	res, err := r.HandleThreadReply(context.Background(), ThreadReply{
		ChannelID: "C1", UserID: "UA", Text: "looks good", TS: "1700.2", ThreadTS: "1700.1",
	})
	require.NoError(t, err)
	assert.Equal(t, Forwarded, res)

	require.Len(t, tracker.comments, 1)
	assert.Equal(t, "lin-42", tracker.comments[0].issueID)
	assert.Equal(t, "looks good\n\n(from Slack by Alice)", tracker.comments[0].body)
	assert.True(t, strings.HasSuffix(tracker.comments[0].body, Marker("Alice")))
	assert.Empty(t, chat.posts, "forwarding a reply never posts to chat")
}

func TestHandleThreadReply_Drops(t *testing.T) {
	chat := &fakeChat{roots: map[string]string{
		"t-issue":  "Deploy ENG-7 today",
		"t-plain":  "lunch?",
		"t-absent": "ENG-999 gone",
	}}
	tracker := &fakeTracker{byKey: map[string]*types.IssueRef{"ENG-7": {ID: "i7", Identifier: "ENG-7"}}}
	r := newTestRouter(chat, tracker, mapping.NewMemoryStore())

	tests := []struct {
		name string
		msg  ThreadReply
		want Result
	}{
		{name: "bot id", msg: ThreadReply{BotID: "B1", TS: "2", ThreadTS: "t-issue"}, want: DroppedBot},
		{name: "own user", msg: ThreadReply{UserID: "UBOT", TS: "2", ThreadTS: "t-issue"}, want: DroppedBot},
		{name: "edit", msg: ThreadReply{UserID: "UA", SubType: "message_changed", TS: "2", ThreadTS: "t-issue"}, want: DroppedBot},
		{name: "delete", msg: ThreadReply{UserID: "UA", SubType: "message_deleted", TS: "2", ThreadTS: "t-issue"}, want: DroppedBot},
		{name: "bot message subtype", msg: ThreadReply{UserID: "UA", SubType: "bot_message", TS: "2", ThreadTS: "t-issue"}, want: DroppedBot},
		{name: "channel join", msg: ThreadReply{UserID: "UA", SubType: "channel_join", TS: "2", ThreadTS: "t-issue"}, want: DroppedBot},
		{name: "top level", msg: ThreadReply{UserID: "UA", TS: "2"}, want: DroppedNotThreaded},
		{name: "thread root itself", msg: ThreadReply{UserID: "UA", TS: "t-issue", ThreadTS: "t-issue"}, want: DroppedNotThreaded},
		{name: "root not readable", msg: ThreadReply{UserID: "UA", TS: "2", ThreadTS: "t-missing"}, want: DroppedNotThreaded},
		{name: "no identifier", msg: ThreadReply{UserID: "UA", TS: "2", ThreadTS: "t-plain"}, want: DroppedNoIdentifier},
		{name: "unknown issue", msg: ThreadReply{UserID: "UA", TS: "2", ThreadTS: "t-absent"}, want: DroppedNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.HandleThreadReply(context.Background(), tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}
	assert.Empty(t, tracker.comments)
}

func TestHandleThreadReply_HumanSubtypesForwarded(t *testing.T) {
	for _, subtype := range []string{"thread_broadcast", "file_share"} {
		t.Run(subtype, func(t *testing.T) {
			chat := &fakeChat{
				roots: map[string]string{"1700.1": "Fix login [1SW-42] bug"},
				names: map[string]string{"UA": "Alice"},
			}
			tracker := &fakeTracker{byKey: map[string]*types.IssueRef{"1SW-42": {ID: "lin-42", Identifier: "1SW-42"}}}
			r := newTestRouter(chat, tracker, mapping.NewMemoryStore())

			res, err := r.HandleThreadReply(context.Background(), ThreadReply{
				ChannelID: "C1", UserID: "UA", SubType: subtype, Text: "see attached", TS: "1700.2", ThreadTS: "1700.1",
			})
			require.NoError(t, err)
			assert.Equal(t, Forwarded, res)
			require.Len(t, tracker.comments, 1)
			assert.Equal(t, "see attached\n\n(from Slack by Alice)", tracker.comments[0].body)
		})
	}
}

func stateEvent(issueID string) Event {
	return Event{
		Type:        TypeIssue,
		Action:      ActionUpdate,
		Data:        EventData{ID: issueID, StateID: "S2"},
		UpdatedFrom: map[string]json.RawMessage{"stateId": json.RawMessage(`"S1"`)},
	}
}

func TestHandleWebhook_StateChangeViaMapping(t *testing.T) {
	ctx := context.Background()
	store := mapping.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "ENG-1", types.ThreadAnchor{ChannelID: "C1", ThreadTS: "T1"}))

	chat := &fakeChat{}
	tracker := &fakeTracker{byID: map[string]*types.IssueRef{
		"I1": {ID: "I1", Identifier: "ENG-1", StateName: "In Review"},
	}}
	r := newTestRouter(chat, tracker, store)

	res, err := r.HandleWebhook(ctx, stateEvent("I1"))
	require.NoError(t, err)
	assert.Equal(t, Forwarded, res)

	require.Len(t, chat.posts, 1)
	assert.Equal(t, types.ThreadAnchor{ChannelID: "C1", ThreadTS: "T1"}, chat.posts[0].anchor)
	assert.Contains(t, chat.posts[0].text, "In Review")
	assert.Empty(t, chat.searches, "a mapped issue never triggers search")
}

func TestHandleWebhook_MarkerAlwaysDropped(t *testing.T) {
	bodies := []string{
		"looks good\n\n(from Slack by Alice)",
		"(FROM SLACK BY bob) at the start",
		"middle from Slack By x end",
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			chat := &fakeChat{search: map[string]types.ThreadAnchor{"ENG-1": {ChannelID: "C", ThreadTS: "T"}}}
			tracker := &fakeTracker{byID: map[string]*types.IssueRef{"I1": {ID: "I1", Identifier: "ENG-1"}}}
			r := newTestRouter(chat, tracker, mapping.NewMemoryStore())

			ev := Event{Type: TypeComment, Action: ActionCreate, Data: EventData{ID: "c1", Body: body, IssueID: "I1"}}
			for i := 0; i < 3; i++ {
				res, err := r.HandleWebhook(context.Background(), ev)
				require.NoError(t, err)
				assert.Equal(t, DroppedLoop, res)
			}
			assert.Empty(t, chat.posts)
			assert.Empty(t, chat.searches, "loop check runs before any lookup")
		})
	}
}

func TestHandleWebhook_SearchFallbackWritesBack(t *testing.T) {
	ctx := context.Background()
	store := mapping.NewMemoryStore()
	found := types.ThreadAnchor{ChannelID: "C9", ThreadTS: "T9"}
	chat := &fakeChat{search: map[string]types.ThreadAnchor{"ENG-5": found}}
	tracker := &fakeTracker{
		byID:  map[string]*types.IssueRef{"I5": {ID: "I5", Identifier: "ENG-5"}},
		users: map[string]string{"lu1": "Dana"},
	}
	r := newTestRouter(chat, tracker, store)

	ev := Event{Type: TypeComment, Action: ActionCreate, Data: EventData{ID: "c1", Body: "ship it", IssueID: "I5", UserID: "lu1"}}
	res, err := r.HandleWebhook(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, Forwarded, res)

	require.Len(t, chat.posts, 1)
	assert.Equal(t, found, chat.posts[0].anchor)
	assert.Equal(t, ":speech_balloon: *Dana*: ship it", chat.posts[0].text)

	got, ok := store.Get(ctx, "ENG-5")
	require.True(t, ok, "search hit is written back")
	assert.Equal(t, found, got)

	// Second delivery uses the mapping.
	_, err = r.HandleWebhook(ctx, ev)
	require.NoError(t, err)
	assert.Len(t, chat.searches, 1)
}

func TestHandleWebhook_CommentAuthorWithoutName(t *testing.T) {
	ctx := context.Background()
	store := mapping.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "ENG-5", types.ThreadAnchor{ChannelID: "C1", ThreadTS: "T1"}))
	chat := &fakeChat{}
	tracker := &fakeTracker{
		byID:  map[string]*types.IssueRef{"I5": {ID: "I5", Identifier: "ENG-5"}},
		users: map[string]string{"lu2": ""},
	}
	r := newTestRouter(chat, tracker, store)

	ev := Event{Type: TypeComment, Action: ActionCreate, Data: EventData{ID: "c2", Body: "ship it", IssueID: "I5", UserID: "lu2"}}
	res, err := r.HandleWebhook(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, Forwarded, res)
	require.Len(t, chat.posts, 1)
	assert.Equal(t, ":speech_balloon: *Someone*: ship it", chat.posts[0].text)
}

func TestHandleWebhook_NoThreadIsLoggedMiss(t *testing.T) {
	chat := &fakeChat{}
	tracker := &fakeTracker{byID: map[string]*types.IssueRef{"I1": {ID: "I1", Identifier: "ENG-1"}}}
	store := mapping.NewMemoryStore()
	r := newTestRouter(chat, tracker, store)

	res, err := r.HandleWebhook(context.Background(), stateEvent("I1"))
	require.NoError(t, err)
	assert.Equal(t, DroppedNoThread, res)
	assert.Empty(t, chat.posts)
	assert.Zero(t, store.SetCount())
}

func TestHandleWebhook_StaleAnchorRetriesOnce(t *testing.T) {
	ctx := context.Background()
	old := types.ThreadAnchor{ChannelID: "C-old", ThreadTS: "T-old"}
	fresh := types.ThreadAnchor{ChannelID: "C-new", ThreadTS: "T-new"}

	tests := []struct {
		name       string
		search     map[string]types.ThreadAnchor
		wantResult Result
		wantPosts  int
		wantAnchor types.ThreadAnchor
	}{
		{
			name:       "search finds a new thread",
			search:     map[string]types.ThreadAnchor{"ENG-1": fresh},
			wantResult: Forwarded,
			wantPosts:  1,
			wantAnchor: fresh,
		},
		{
			name:       "search finds nothing",
			search:     nil,
			wantResult: DroppedNoThread,
			wantAnchor: old,
		},
		{
			name:       "search returns the same stale thread",
			search:     map[string]types.ThreadAnchor{"ENG-1": old},
			wantResult: DroppedNoThread,
			wantAnchor: old,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mapping.NewMemoryStore()
			require.NoError(t, store.Set(ctx, "ENG-1", old))
			chat := &fakeChat{search: tt.search, stale: map[types.ThreadAnchor]bool{old: true}}
			tracker := &fakeTracker{byID: map[string]*types.IssueRef{"I1": {ID: "I1", Identifier: "ENG-1", StateName: "Done"}}}

			res, err := newTestRouter(chat, tracker, store).HandleWebhook(ctx, stateEvent("I1"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, res)
			assert.Len(t, chat.posts, tt.wantPosts)
			assert.Len(t, chat.searches, 1)

			got, _ := store.Get(ctx, "ENG-1")
			assert.Equal(t, tt.wantAnchor, got)
		})
	}
}

func TestHandleWebhook_IgnoredEvents(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
	}{
		{name: "issue create", ev: Event{Type: TypeIssue, Action: ActionCreate, Data: EventData{ID: "I1"}}},
		{name: "title update", ev: Event{Type: TypeIssue, Action: ActionUpdate, Data: EventData{ID: "I1"},
			UpdatedFrom: map[string]json.RawMessage{"title": json.RawMessage(`"old"`)}}},
		{name: "comment update", ev: Event{Type: TypeComment, Action: ActionUpdate, Data: EventData{Body: "x", IssueID: "I1"}}},
		{name: "project", ev: Event{Type: "Project", Action: ActionUpdate}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeChat{}
			r := newTestRouter(chat, &fakeTracker{}, mapping.NewMemoryStore())
			res, err := r.HandleWebhook(context.Background(), tt.ev)
			require.NoError(t, err)
			assert.Equal(t, Ignored, res)
			assert.Empty(t, chat.posts)
		})
	}
}

func TestHandleWebhook_AssigneeChange(t *testing.T) {
	ctx := context.Background()
	anchor := types.ThreadAnchor{ChannelID: "C1", ThreadTS: "T1"}

	tests := []struct {
		name  string
		data  EventData
		issue types.IssueRef
		want  string
	}{
		{
			name:  "name from payload",
			data:  EventData{ID: "I1", AssigneeID: "u2", Assignee: &NamedRef{ID: "u2", Name: "Bea"}},
			issue: types.IssueRef{ID: "I1", Identifier: "ENG-1"},
			want:  ":bust_in_silhouette: *ENG-1* assigned to *Bea*",
		},
		{
			name:  "name looked up",
			data:  EventData{ID: "I1", AssigneeID: "u3"},
			issue: types.IssueRef{ID: "I1", Identifier: "ENG-1"},
			want:  ":bust_in_silhouette: *ENG-1* assigned to *Cy*",
		},
		{
			name:  "unassigned",
			data:  EventData{ID: "I1"},
			issue: types.IssueRef{ID: "I1", Identifier: "ENG-1"},
			want:  ":bust_in_silhouette: *ENG-1* is now unassigned",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mapping.NewMemoryStore()
			require.NoError(t, store.Set(ctx, "ENG-1", anchor))
			chat := &fakeChat{}
			issue := tt.issue
			tracker := &fakeTracker{
				byID:  map[string]*types.IssueRef{"I1": &issue},
				users: map[string]string{"u3": "Cy"},
			}
			ev := Event{Type: TypeIssue, Action: ActionUpdate, Data: tt.data,
				UpdatedFrom: map[string]json.RawMessage{"assigneeId": json.RawMessage(`null`)}}

			res, err := newTestRouter(chat, tracker, store).HandleWebhook(ctx, ev)
			require.NoError(t, err)
			assert.Equal(t, Forwarded, res)
			require.Len(t, chat.posts, 1)
			assert.Equal(t, tt.want, chat.posts[0].text)
		})
	}
}

func TestHandleWebhook_PayloadFallbackOnUpstreamError(t *testing.T) {
	ctx := context.Background()
	store := mapping.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "ENG-3", types.ThreadAnchor{ChannelID: "C", ThreadTS: "T"}))
	chat := &fakeChat{}
	tracker := &fakeTracker{idErr: types.ErrUpstream}
	r := newTestRouter(chat, tracker, store)

	withIdentifier := stateEvent("I3")
	withIdentifier.Data.Identifier = "ENG-3"
	withIdentifier.Data.State = &NamedRef{ID: "S2", Name: "Done"}
	res, err := r.HandleWebhook(ctx, withIdentifier)
	require.NoError(t, err)
	assert.Equal(t, Forwarded, res)
	require.Len(t, chat.posts, 1)
	assert.Contains(t, chat.posts[0].text, "*Done*")

	res, err = r.HandleWebhook(ctx, stateEvent("I3"))
	assert.Equal(t, Failed, res)
	assert.ErrorIs(t, err, types.ErrUpstream)
}

func TestHandleWebhook_UnknownIssueDropped(t *testing.T) {
	r := newTestRouter(&fakeChat{}, &fakeTracker{}, mapping.NewMemoryStore())
	res, err := r.HandleWebhook(context.Background(), stateEvent("nope"))
	require.NoError(t, err)
	assert.Equal(t, DroppedNotFound, res)
}

func TestContainsMarker(t *testing.T) {
	assert.True(t, ContainsMarker(Marker("Alice")))
	assert.True(t, ContainsMarker("x (from slack by y)"))
	assert.True(t, ContainsMarker("FROM SLACK BY"))
	assert.False(t, ContainsMarker("from slack"))
	assert.False(t, ContainsMarker(""))
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{
		"action": "update",
		"type": "Issue",
		"data": {"id": "I1", "stateId": "S2", "state": {"id": "S2", "name": "Done"}},
		"updatedFrom": {"stateId": "S1", "updatedAt": "2024-01-01T00:00:00Z"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "I1", ev.Data.ID)
	assert.Equal(t, change{state: true}, ev.change())

	_, err = ParseEvent([]byte(`{not json`))
	assert.True(t, errors.Is(err, types.ErrParse))
}
