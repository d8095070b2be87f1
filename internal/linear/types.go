// Package linear provides a GraphQL client and data types for the Linear API.
//
// Only the slice of the API the bridge needs is covered: issue lookup by
// identifier or ID, issue creation and updates, comments, users, team members,
// workflow states and assignee listings.
package linear

import (
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/steveyegge/linearbridge/internal/types"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the Linear GraphQL API URL.
	DefaultAPIEndpoint = "https://api.linear.app/graphql"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for rate-limited requests.
	MaxRetries = 3

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second

	// MaxPageSize is the maximum number of nodes requested per page.
	MaxPageSize = 100

	// MaxPages bounds paginated listings.
	MaxPages = 20

	// DefaultRequestsPerSecond paces outgoing requests well under Linear's
	// per-key complexity budget.
	DefaultRequestsPerSecond = 10
)

// Client provides methods to interact with the Linear GraphQL API.
type Client struct {
	APIKey     string
	Endpoint   string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
}

// GraphQLRequest is the JSON body posted to the API.
type GraphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// GraphQLResponse is the generic API envelope.
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// GraphQLError is a single error entry in a response.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// State is a workflow state as embedded in issue payloads.
type State struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Position float64 `json:"position,omitempty"`
}

// User is a Linear user.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Active      bool   `json:"active"`
}

// Team is the team an issue belongs to.
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

// Issue is a Linear issue as returned by the issue fragment.
type Issue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	State      *State `json:"state"`
	Assignee   *User  `json:"assignee"`
	Team       *Team  `json:"team"`
}

// PageInfo is the relay-style cursor block.
type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// IssueConnection is a page of issues.
type IssueConnection struct {
	Nodes    []Issue  `json:"nodes"`
	PageInfo PageInfo `json:"pageInfo"`
}

// IssueUpdate carries the fields the bridge changes on an issue. Nil fields are
// left untouched.
type IssueUpdate struct {
	AssigneeID *string
	StateID    *string
}

// ToRef converts the API issue into the bridge snapshot type.
func (i *Issue) ToRef() *types.IssueRef {
	ref := &types.IssueRef{
		ID:         i.ID,
		Identifier: i.Identifier,
		URL:        i.URL,
		Title:      i.Title,
	}
	if i.State != nil {
		ref.StateID = i.State.ID
		ref.StateName = i.State.Name
		ref.StateType = i.State.Type
	}
	if i.Assignee != nil {
		ref.AssigneeID = i.Assignee.ID
		ref.AssigneeName = i.Assignee.label()
	}
	if i.Team != nil {
		ref.TeamID = i.Team.ID
		ref.TeamKey = i.Team.Key
	}
	return ref
}

// ToTrackerUser converts the API user into the bridge user type.
func (u *User) ToTrackerUser() *types.TrackerUser {
	return &types.TrackerUser{
		ID:          u.ID,
		Name:        u.Name,
		DisplayName: u.DisplayName,
		Email:       u.Email,
	}
}

func (u *User) label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Name
}

// issueFields is the selection set shared by every issue query.
const issueFields = `
	id
	identifier
	title
	url
	state { id name type }
	assignee { id name displayName email }
	team { id key }
`

const userFields = `id name displayName email active`
