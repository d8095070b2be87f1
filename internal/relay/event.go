package relay

import (
	"encoding/json"
	"fmt"

	"github.com/steveyegge/linearbridge/internal/types"
)

// Webhook entity types and actions the router acts on.
const (
	TypeIssue   = "Issue"
	TypeComment = "Comment"

	ActionCreate = "create"
	ActionUpdate = "update"
)

// Event is a Linear webhook delivery.
type Event struct {
	Action           string                     `json:"action"`
	Type             string                     `json:"type"`
	Data             EventData                  `json:"data"`
	UpdatedFrom      map[string]json.RawMessage `json:"updatedFrom,omitempty"`
	URL              string                     `json:"url,omitempty"`
	WebhookTimestamp int64                      `json:"webhookTimestamp,omitempty"`
}

// EventData carries the fields of both Issue and Comment payloads that the
// router reads. Unknown fields are ignored.
type EventData struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier,omitempty"`
	Title      string `json:"title,omitempty"`
	StateID    string `json:"stateId,omitempty"`
	AssigneeID string `json:"assigneeId,omitempty"`

	State    *NamedRef `json:"state,omitempty"`
	Assignee *NamedRef `json:"assignee,omitempty"`

	// Comment payloads
	Body    string     `json:"body,omitempty"`
	IssueID string     `json:"issueId,omitempty"`
	UserID  string     `json:"userId,omitempty"`
	User    *NamedRef  `json:"user,omitempty"`
	Issue   *IssueStub `json:"issue,omitempty"`
}

// NamedRef is an embedded {id, name} object.
type NamedRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IssueStub is the issue summary embedded in comment payloads.
type IssueStub struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title,omitempty"`
}

// ParseEvent decodes a webhook body.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode webhook: %w: %v", types.ErrParse, err)
	}
	return ev, nil
}

// change is what a relevant event reports.
type change struct {
	state    bool
	assignee bool
	comment  bool
}

func (c change) relevant() bool { return c.state || c.assignee || c.comment }

func (ev Event) change() change {
	switch {
	case ev.Type == TypeIssue && ev.Action == ActionUpdate:
		_, state := ev.UpdatedFrom["stateId"]
		_, assignee := ev.UpdatedFrom["assigneeId"]
		return change{state: state, assignee: assignee}
	case ev.Type == TypeComment && ev.Action == ActionCreate:
		return change{comment: true}
	}
	return change{}
}

// issueKeys returns the internal ID and, when the payload carries it, the
// human identifier of the issue an event is about.
func (ev Event) issueKeys() (id, identifier string) {
	if ev.Type == TypeComment {
		id = ev.Data.IssueID
		if ev.Data.Issue != nil {
			if id == "" {
				id = ev.Data.Issue.ID
			}
			identifier = ev.Data.Issue.Identifier
		}
		return id, identifier
	}
	return ev.Data.ID, ev.Data.Identifier
}
