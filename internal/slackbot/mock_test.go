package slackbot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"

	"github.com/slack-go/slack"

	"github.com/steveyegge/linearbridge/internal/linear"
	"github.com/steveyegge/linearbridge/internal/listing"
	"github.com/steveyegge/linearbridge/internal/mapping"
	"github.com/steveyegge/linearbridge/internal/relay"
	"github.com/steveyegge/linearbridge/internal/types"
)

// ---------- Mock Slack API ----------

// postedMessage captures a PostMessage call for assertion.
type postedMessage struct {
	ChannelID string
	TS        string
	Options   []slack.MsgOption
}

// postedEphemeral captures a PostEphemeral call.
type postedEphemeral struct {
	ChannelID string
	UserID    string
	Options   []slack.MsgOption
}

// updatedMessage captures an UpdateMessage call.
type updatedMessage struct {
	ChannelID string
	Timestamp string
	Options   []slack.MsgOption
}

type mockSlackAPI struct {
	mu sync.Mutex

	// Captured calls
	PostedMessages  []postedMessage
	Ephemerals      []postedEphemeral
	UpdatedMessages []updatedMessage
	Joined          []string

	// Auto-increment message timestamps
	nextTS int

	// Configurable behavior
	postMessageErr error
	updateErr      error
	replies        map[string][]slack.Message // thread_ts → messages
	repliesErr     error
	users          map[string]*slack.User
	channels       [][]slack.Channel // pages for GetConversations
}

func newMockSlackAPI() *mockSlackAPI {
	return &mockSlackAPI{
		replies: make(map[string][]slack.Message),
		users:   make(map[string]*slack.User),
	}
}

func (m *mockSlackAPI) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOTTEST"}, nil
}

func (m *mockSlackAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postMessageErr != nil {
		return "", "", m.postMessageErr
	}
	m.nextTS++
	ts := fmt.Sprintf("1700000000.%06d", m.nextTS)
	m.PostedMessages = append(m.PostedMessages, postedMessage{ChannelID: channelID, TS: ts, Options: options})
	return channelID, ts, nil
}

func (m *mockSlackAPI) PostEphemeralContext(_ context.Context, channelID, userID string, options ...slack.MsgOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ephemerals = append(m.Ephemerals, postedEphemeral{ChannelID: channelID, UserID: userID, Options: options})
	return "1700000000.999999", nil
}

func (m *mockSlackAPI) UpdateMessageContext(_ context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return "", "", "", m.updateErr
	}
	m.UpdatedMessages = append(m.UpdatedMessages, updatedMessage{ChannelID: channelID, Timestamp: timestamp, Options: options})
	return channelID, timestamp, "", nil
}

func (m *mockSlackAPI) GetConversationRepliesContext(_ context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	if m.repliesErr != nil {
		return nil, false, "", m.repliesErr
	}
	return m.replies[params.Timestamp], false, "", nil
}

func (m *mockSlackAPI) GetConversationsContext(_ context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	page := 0
	if params.Cursor != "" {
		fmt.Sscanf(params.Cursor, "page-%d", &page)
	}
	if page >= len(m.channels) {
		return nil, "", nil
	}
	next := ""
	if page+1 < len(m.channels) {
		next = fmt.Sprintf("page-%d", page+1)
	}
	return m.channels[page], next, nil
}

func (m *mockSlackAPI) JoinConversationContext(_ context.Context, channelID string) (*slack.Channel, string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Joined = append(m.Joined, channelID)
	return &slack.Channel{}, "", nil, nil
}

func (m *mockSlackAPI) GetUserInfoContext(_ context.Context, userID string) (*slack.User, error) {
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, slack.SlackErrorResponse{Err: "user_not_found"}
}

func (m *mockSlackAPI) GetUsersPaginated(...slack.GetUsersOption) slack.UserPagination {
	return slack.UserPagination{}
}

// msgValues applies captured options the way chat.postMessage would encode
// them.
func msgValues(t *testing.T, options []slack.MsgOption) url.Values {
	t.Helper()
	_, vals, err := slack.UnsafeApplyMsgOptions("", "C_TEST", "", options...)
	if err != nil {
		t.Fatalf("UnsafeApplyMsgOptions: %v", err)
	}
	return vals
}

// blockIDs returns the block_id of every block in the encoded message.
func blockIDs(t *testing.T, options []slack.MsgOption) []string {
	t.Helper()
	var blocks []struct {
		BlockID string `json:"block_id"`
	}
	if err := json.Unmarshal([]byte(msgValues(t, options).Get("blocks")), &blocks); err != nil {
		t.Fatalf("decode blocks: %v", err)
	}
	ids := make([]string, len(blocks))
	for i, b := range blocks {
		ids[i] = b.BlockID
	}
	return ids
}

// ---------- Fakes for the bot's collaborators ----------

type fakeTracker struct {
	mu sync.Mutex

	issues     map[string]*types.IssueRef
	members    []types.TrackerUser
	membersErr error
	createErr  error
	updateErr  error
	completed  *types.WorkflowState

	created []string
	updates []linear.IssueUpdate
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		issues:    make(map[string]*types.IssueRef),
		completed: &types.WorkflowState{ID: "S-done", Name: "Done", Type: "completed"},
		members: []types.TrackerUser{
			{ID: "lin-alice", Name: "alice", DisplayName: "Alice"},
			{ID: "lin-bob", Name: "bob"},
		},
	}
}

func (f *fakeTracker) CreateIssue(_ context.Context, teamID, title, _ string) (*types.IssueRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, title)
	issue := &types.IssueRef{
		ID:         "I1",
		Identifier: "ENG-1",
		URL:        "https://linear.app/acme/issue/ENG-1",
		Title:      title,
		StateName:  "Todo",
		StateType:  "unstarted",
		TeamID:     teamID,
	}
	f.issues[issue.ID] = issue
	return issue, nil
}

func (f *fakeTracker) UpdateIssue(_ context.Context, id string, upd linear.IssueUpdate) (*types.IssueRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, upd)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	issue, ok := f.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", id, types.ErrNotFound)
	}
	next := *issue
	if upd.AssigneeID != nil {
		next.AssigneeID = *upd.AssigneeID
		next.AssigneeName = ""
		for _, m := range f.members {
			if m.ID == *upd.AssigneeID {
				next.AssigneeName = m.Label()
			}
		}
	}
	if upd.StateID != nil && *upd.StateID == f.completed.ID {
		next.StateID, next.StateName, next.StateType = f.completed.ID, f.completed.Name, f.completed.Type
	}
	f.issues[id] = &next
	return &next, nil
}

func (f *fakeTracker) IssueByID(_ context.Context, id string) (*types.IssueRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issues[id], nil
}

func (f *fakeTracker) TeamMembers(context.Context, string) ([]types.TrackerUser, error) {
	return f.members, f.membersErr
}

func (f *fakeTracker) CompletedState(context.Context, string) (*types.WorkflowState, error) {
	return f.completed, nil
}

type fakeRelay struct {
	mu      sync.Mutex
	replies []relay.ThreadReply
}

func (f *fakeRelay) HandleThreadReply(_ context.Context, m relay.ThreadReply) (relay.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, m)
	return relay.Forwarded, nil
}

type fakePeople struct {
	handles map[string]string             // token → chat ID
	tracker map[string]*types.TrackerUser // chat ID → tracker user
	lookups []string
}

func (f *fakePeople) ByHandleToken(_ context.Context, token string) (string, error) {
	f.lookups = append(f.lookups, token)
	return f.handles[token], nil
}

func (f *fakePeople) TrackerUserForChatID(_ context.Context, id string) (*types.TrackerUser, error) {
	return f.tracker[id], nil
}

func (f *fakePeople) DisplayName(_ context.Context, id string) string { return "name-" + id }

// recordingLister runs a real listing engine over canned issues.
type recordingLister struct {
	engine  *listing.Engine
	queries []listing.Query
}

func (r *recordingLister) List(ctx context.Context, q listing.Query) (*listing.Listing, error) {
	r.queries = append(r.queries, q)
	return r.engine.List(ctx, q)
}

type cannedIssues map[string][]types.IssueRef // tracker user ID → issues

func (c cannedIssues) AssignedOpenIssues(_ context.Context, userID string) ([]types.IssueRef, error) {
	return c[userID], nil
}

func (c cannedIssues) IssueByID(context.Context, string) (*types.IssueRef, error) { return nil, nil }

type testDeps struct {
	tracker *fakeTracker
	relay   *fakeRelay
	people  *fakePeople
	lister  *recordingLister
	store   *mapping.MemoryStore
}

func newTestBot(t *testing.T) (*Bot, *mockSlackAPI, *testDeps) {
	t.Helper()
	api := newMockSlackAPI()
	deps := &testDeps{
		tracker: newFakeTracker(),
		relay:   &fakeRelay{},
		people: &fakePeople{
			handles: map[string]string{"@bob": "U2", "<@U3>": "U3"},
			tracker: map[string]*types.TrackerUser{
				"U1": {ID: "lin-alice", Name: "alice", DisplayName: "Alice"},
				"U2": {ID: "lin-bob", Name: "bob"},
			},
		},
		lister: &recordingLister{engine: listing.NewEngine(cannedIssues{
			"lin-alice": {
				{ID: "a1", Identifier: "ENG-1", Title: "[api] Fix login", StateName: "Todo", StateType: "unstarted", AssigneeName: "Alice"},
				{ID: "a2", Identifier: "ENG-2", Title: "Write docs", StateName: "In Progress", StateType: "started", AssigneeName: "Alice"},
			},
		}, nil)},
		store: mapping.NewMemoryStore(),
	}
	bot := newBot(api, BotConfig{
		TeamID:    "team-1",
		BotUserID: "UBOTTEST",
		Tracker:   deps.tracker,
		Relay:     deps.relay,
		People:    deps.people,
		Lister:    deps.lister,
		Store:     deps.store,
	})
	return bot, api, deps
}
