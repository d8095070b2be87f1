package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/steveyegge/linearbridge/internal/types"
)

// NewClient creates a new Linear client.
func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:   apiKey,
		Endpoint: DefaultAPIEndpoint,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		Limiter: rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), DefaultRequestsPerSecond),
	}
}

// WithEndpoint returns a new client with a custom endpoint (for testing).
func (c *Client) WithEndpoint(endpoint string) *Client {
	return &Client{
		APIKey:     c.APIKey,
		Endpoint:   endpoint,
		HTTPClient: c.HTTPClient,
		Limiter:    c.Limiter,
	}
}

// WithHTTPClient returns a new client with a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	return &Client{
		APIKey:     c.APIKey,
		Endpoint:   c.Endpoint,
		HTTPClient: httpClient,
		Limiter:    c.Limiter,
	}
}

// retryDelayBackoff returns a fresh exponential schedule for rate-limited
// requests. BackOff values are stateful, so never share one.
func retryDelayBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = RetryDelay
	return backoff.WithContext(backoff.WithMaxRetries(bo, MaxRetries), ctx)
}

// rateLimitedError marks a 429 so the retry loop knows to try again.
type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return "rate limited" }

// Execute posts a GraphQL request and returns the raw "data" member.
// Only HTTP 429 responses are retried; every other failure is returned as
// an ErrUpstream-wrapped error.
func (c *Client) Execute(ctx context.Context, req *GraphQLRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var respBody []byte
	op := func() error {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", c.APIKey)

		resp, err := c.HTTPClient.Do(httpReq)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: request failed: %w", types.ErrUpstream, err))
		}
		defer func() { _ = resp.Body.Close() }()

		const maxResponseSize = 10 * 1024 * 1024
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: failed to read response: %w", types.ErrUpstream, err))
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			rl := &rateLimitedError{}
			if s := resp.Header.Get("Retry-After"); s != "" {
				if secs, err := strconv.Atoi(s); err == nil {
					rl.retryAfter = time.Duration(secs) * time.Second
				}
			}
			if rl.retryAfter > 0 {
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case <-time.After(rl.retryAfter):
				}
			}
			return rl
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("%w: API error: %s (status %d)",
				types.ErrUpstream, snippet(data), resp.StatusCode))
		}

		respBody = data
		return nil
	}

	if err := backoff.Retry(op, retryDelayBackoff(ctx)); err != nil {
		if _, ok := err.(*rateLimitedError); ok {
			return nil, fmt.Errorf("%w: max retries (%d) exceeded: rate limited", types.ErrUpstream, MaxRetries+1)
		}
		return nil, err
	}

	var gqlResp GraphQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", types.ErrUpstream, err)
	}
	if len(gqlResp.Errors) > 0 {
		msgs := make([]string, 0, len(gqlResp.Errors))
		for _, e := range gqlResp.Errors {
			msgs = append(msgs, e.Message)
		}
		joined := strings.Join(msgs, "; ")
		if isNotFoundMessage(joined) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, joined)
		}
		return nil, fmt.Errorf("%w: GraphQL errors: %s", types.ErrUpstream, joined)
	}
	return gqlResp.Data, nil
}

// query runs a GraphQL document and decodes "data" into out.
func (c *Client) query(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	data, err := c.Execute(ctx, &GraphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: failed to decode data: %w", types.ErrUpstream, err)
	}
	return nil
}

func isNotFoundMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "entity_not_found")
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// IssueByTeamAndNumber looks up an issue by team key and number.
// Returns (nil, nil) when no such issue exists.
func (c *Client) IssueByTeamAndNumber(ctx context.Context, teamKey string, number int) (*types.IssueRef, error) {
	q := `query IssueByNumber($key: String!, $number: Float!) {
		issues(filter: { team: { key: { eq: $key } }, number: { eq: $number } }, first: 1) {
			nodes {` + issueFields + `}
		}
	}`
	var out struct {
		Issues IssueConnection `json:"issues"`
	}
	err := c.query(ctx, q, map[string]interface{}{"key": teamKey, "number": number}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue %s: %w", JoinIdentifier(teamKey, number), err)
	}
	if len(out.Issues.Nodes) == 0 {
		return nil, nil
	}
	return out.Issues.Nodes[0].ToRef(), nil
}

// IssueByID fetches an issue by its internal ID. Returns (nil, nil) if the
// issue does not exist.
func (c *Client) IssueByID(ctx context.Context, id string) (*types.IssueRef, error) {
	q := `query Issue($id: String!) {
		issue(id: $id) {` + issueFields + `}
	}`
	var out struct {
		Issue *Issue `json:"issue"`
	}
	if err := c.query(ctx, q, map[string]interface{}{"id": id}, &out); err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch issue %s: %w", id, err)
	}
	if out.Issue == nil {
		return nil, nil
	}
	return out.Issue.ToRef(), nil
}

// CreateIssue creates an issue in the given team.
func (c *Client) CreateIssue(ctx context.Context, teamID, title, description string) (*types.IssueRef, error) {
	q := `mutation CreateIssue($input: IssueCreateInput!) {
		issueCreate(input: $input) {
			success
			issue {` + issueFields + `}
		}
	}`
	input := map[string]interface{}{
		"teamId": teamID,
		"title":  title,
	}
	if description != "" {
		input["description"] = description
	}
	var out struct {
		IssueCreate struct {
			Success bool   `json:"success"`
			Issue   *Issue `json:"issue"`
		} `json:"issueCreate"`
	}
	if err := c.query(ctx, q, map[string]interface{}{"input": input}, &out); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	if !out.IssueCreate.Success || out.IssueCreate.Issue == nil {
		return nil, fmt.Errorf("%w: issue creation reported failure", types.ErrUpstream)
	}
	return out.IssueCreate.Issue.ToRef(), nil
}

// UpdateIssue applies the non-nil fields of upd and returns the new snapshot.
func (c *Client) UpdateIssue(ctx context.Context, id string, upd IssueUpdate) (*types.IssueRef, error) {
	q := `mutation UpdateIssue($id: String!, $input: IssueUpdateInput!) {
		issueUpdate(id: $id, input: $input) {
			success
			issue {` + issueFields + `}
		}
	}`
	input := map[string]interface{}{}
	if upd.AssigneeID != nil {
		input["assigneeId"] = *upd.AssigneeID
	}
	if upd.StateID != nil {
		input["stateId"] = *upd.StateID
	}
	var out struct {
		IssueUpdate struct {
			Success bool   `json:"success"`
			Issue   *Issue `json:"issue"`
		} `json:"issueUpdate"`
	}
	if err := c.query(ctx, q, map[string]interface{}{"id": id, "input": input}, &out); err != nil {
		return nil, fmt.Errorf("failed to update issue %s: %w", id, err)
	}
	if !out.IssueUpdate.Success || out.IssueUpdate.Issue == nil {
		return nil, fmt.Errorf("%w: issue update reported failure", types.ErrUpstream)
	}
	return out.IssueUpdate.Issue.ToRef(), nil
}

// CreateComment adds a comment to an issue.
func (c *Client) CreateComment(ctx context.Context, issueID, body string) error {
	q := `mutation CreateComment($input: CommentCreateInput!) {
		commentCreate(input: $input) { success }
	}`
	var out struct {
		CommentCreate struct {
			Success bool `json:"success"`
		} `json:"commentCreate"`
	}
	input := map[string]interface{}{"issueId": issueID, "body": body}
	if err := c.query(ctx, q, map[string]interface{}{"input": input}, &out); err != nil {
		return fmt.Errorf("failed to create comment on %s: %w", issueID, err)
	}
	if !out.CommentCreate.Success {
		return fmt.Errorf("%w: comment creation reported failure", types.ErrUpstream)
	}
	return nil
}

// UserByEmail finds a user by email (case-insensitive). Returns (nil, nil)
// when no user matches.
func (c *Client) UserByEmail(ctx context.Context, email string) (*types.TrackerUser, error) {
	q := `query UserByEmail($email: String!) {
		users(filter: { email: { eqIgnoreCase: $email } }, first: 1) {
			nodes { ` + userFields + ` }
		}
	}`
	var out struct {
		Users struct {
			Nodes []User `json:"nodes"`
		} `json:"users"`
	}
	if err := c.query(ctx, q, map[string]interface{}{"email": email}, &out); err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", email, err)
	}
	for i := range out.Users.Nodes {
		if strings.EqualFold(out.Users.Nodes[i].Email, email) {
			return out.Users.Nodes[i].ToTrackerUser(), nil
		}
	}
	return nil, nil
}

// User fetches a user by ID. Returns (nil, nil) if absent.
func (c *Client) User(ctx context.Context, id string) (*types.TrackerUser, error) {
	q := `query User($id: String!) {
		user(id: $id) { ` + userFields + ` }
	}`
	var out struct {
		User *User `json:"user"`
	}
	if err := c.query(ctx, q, map[string]interface{}{"id": id}, &out); err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch user %s: %w", id, err)
	}
	if out.User == nil {
		return nil, nil
	}
	return out.User.ToTrackerUser(), nil
}

// UserName returns the display label of a user, or "" if unknown.
func (c *Client) UserName(ctx context.Context, id string) (string, error) {
	u, err := c.User(ctx, id)
	if err != nil || u == nil {
		return "", err
	}
	return u.Label(), nil
}

// TeamMembers lists active members of a team (first page only).
func (c *Client) TeamMembers(ctx context.Context, teamID string) ([]types.TrackerUser, error) {
	q := `query TeamMembers($id: String!, $first: Int!) {
		team(id: $id) {
			members(first: $first) { nodes { ` + userFields + ` } }
		}
	}`
	var out struct {
		Team *struct {
			Members struct {
				Nodes []User `json:"nodes"`
			} `json:"members"`
		} `json:"team"`
	}
	if err := c.query(ctx, q, map[string]interface{}{"id": teamID, "first": MaxPageSize}, &out); err != nil {
		return nil, fmt.Errorf("failed to list members of team %s: %w", teamID, err)
	}
	if out.Team == nil {
		return nil, fmt.Errorf("team %s: %w", teamID, types.ErrNotFound)
	}
	users := make([]types.TrackerUser, 0, len(out.Team.Members.Nodes))
	for i := range out.Team.Members.Nodes {
		if !out.Team.Members.Nodes[i].Active {
			continue
		}
		users = append(users, *out.Team.Members.Nodes[i].ToTrackerUser())
	}
	return users, nil
}

// WorkflowStates lists a team's workflow states ordered by position.
func (c *Client) WorkflowStates(ctx context.Context, teamID string) ([]types.WorkflowState, error) {
	q := `query States($teamId: ID!) {
		workflowStates(filter: { team: { id: { eq: $teamId } } }, first: 100) {
			nodes { id name type position }
		}
	}`
	var out struct {
		WorkflowStates struct {
			Nodes []State `json:"nodes"`
		} `json:"workflowStates"`
	}
	if err := c.query(ctx, q, map[string]interface{}{"teamId": teamID}, &out); err != nil {
		return nil, fmt.Errorf("failed to list workflow states: %w", err)
	}
	states := make([]types.WorkflowState, 0, len(out.WorkflowStates.Nodes))
	for _, s := range out.WorkflowStates.Nodes {
		states = append(states, types.WorkflowState{ID: s.ID, Name: s.Name, Type: s.Type, Position: s.Position})
	}
	sort.SliceStable(states, func(i, j int) bool { return states[i].Position < states[j].Position })
	return states, nil
}

// CompletedState returns the first "completed" state of a team's workflow.
func (c *Client) CompletedState(ctx context.Context, teamID string) (*types.WorkflowState, error) {
	states, err := c.WorkflowStates(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for i := range states {
		if states[i].Type == "completed" {
			return &states[i], nil
		}
	}
	return nil, fmt.Errorf("completed state for team %s: %w", teamID, types.ErrNotFound)
}

// AssignedOpenIssues lists issues assigned to a user that are not completed or
// canceled. Pagination stops after MaxPages.
func (c *Client) AssignedOpenIssues(ctx context.Context, userID string) ([]types.IssueRef, error) {
	q := `query Assigned($userId: ID!, $first: Int!, $after: String) {
		issues(
			filter: {
				assignee: { id: { eq: $userId } }
				state: { type: { nin: ["completed", "canceled"] } }
			}
			first: $first
			after: $after
		) {
			nodes {` + issueFields + `}
			pageInfo { hasNextPage endCursor }
		}
	}`

	var refs []types.IssueRef
	var cursor interface{}
	for page := 0; page < MaxPages; page++ {
		var out struct {
			Issues IssueConnection `json:"issues"`
		}
		vars := map[string]interface{}{"userId": userID, "first": MaxPageSize, "after": cursor}
		if err := c.query(ctx, q, vars, &out); err != nil {
			return nil, fmt.Errorf("failed to list issues for %s: %w", userID, err)
		}
		for i := range out.Issues.Nodes {
			refs = append(refs, *out.Issues.Nodes[i].ToRef())
		}
		if !out.Issues.PageInfo.HasNextPage || out.Issues.PageInfo.EndCursor == "" {
			break
		}
		cursor = out.Issues.PageInfo.EndCursor
	}
	return refs, nil
}
