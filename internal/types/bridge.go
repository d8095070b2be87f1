// Package types holds the value types and error kinds shared across the bridge.
package types

// IssueRef is a point-in-time snapshot of a tracker issue. It is built per
// request and never persisted.
type IssueRef struct {
	ID           string `json:"id"`         // Tracker-internal UUID
	Identifier   string `json:"identifier"` // Human key, e.g. "ENG-42"
	URL          string `json:"url"`
	Title        string `json:"title"`
	StateID      string `json:"state_id,omitempty"`
	StateName    string `json:"state_name,omitempty"`
	StateType    string `json:"state_type,omitempty"` // backlog, unstarted, started, completed, canceled
	AssigneeID   string `json:"assignee_id,omitempty"`
	AssigneeName string `json:"assignee_name,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	TeamKey      string `json:"team_key,omitempty"`
}

// IsOpen reports whether the issue is in a non-terminal workflow state.
func (r IssueRef) IsOpen() bool {
	return r.StateType != "completed" && r.StateType != "canceled"
}

// ThreadAnchor is the root message of a chat thread.
type ThreadAnchor struct {
	ChannelID string `json:"channel_id" yaml:"channel_id"`
	ThreadTS  string `json:"thread_ts" yaml:"thread_ts"`
}

// IsZero reports whether the anchor is unset.
func (a ThreadAnchor) IsZero() bool {
	return a.ChannelID == "" || a.ThreadTS == ""
}

// TrackerUser is a user record in the issue tracker.
type TrackerUser struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Label returns the best human-facing name for the user.
func (u TrackerUser) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Name
}

// WorkflowState is one column of a tracker team's workflow.
type WorkflowState struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Position float64 `json:"position"`
}
