// Package listing builds the open-issue listings posted by the list command:
// fetch per assignee, resolve rows, group by state or tag, render as blocks.
package listing

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/linearbridge/internal/types"
)

// DefaultResolveConcurrency bounds the per-issue lookups in BuildRows.
const DefaultResolveConcurrency = 4

// Tracker is the subset of the issue tracker the listing needs.
type Tracker interface {
	AssignedOpenIssues(ctx context.Context, userID string) ([]types.IssueRef, error)
	IssueByID(ctx context.Context, id string) (*types.IssueRef, error)
}

// Mode selects how a listing is grouped.
type Mode int

const (
	ByState Mode = iota
	ByTag
)

func (m Mode) String() string {
	if m == ByTag {
		return "tag"
	}
	return "state"
}

// Query describes one list command invocation.
type Query struct {
	AssigneeIDs    []string // tracker user IDs
	AssigneeLabels []string // names shown in the summary, parallel to AssigneeIDs
	Mode           Mode
	TagFilter      string // ByTag only; exact, case-sensitive
}

// Listing is a fully grouped result ready to render.
type Listing struct {
	Query  Query
	Rows   []Row
	Groups Groups
	Order  []string // group keys in display order
}

// Shown counts the distinct issues that appear in at least one group. With
// a tag filter this is smaller than len(Rows).
func (l *Listing) Shown() int {
	seen := make(map[string]bool)
	for _, rows := range l.Groups {
		for _, r := range rows {
			key := r.Issue.ID
			if key == "" {
				key = r.Issue.Identifier
			}
			seen[key] = true
		}
	}
	return len(seen)
}

// Engine produces listings from the tracker.
type Engine struct {
	tracker     Tracker
	logger      *slog.Logger
	concurrency int
}

// NewEngine returns an Engine. A nil logger uses slog.Default().
func NewEngine(tracker Tracker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{tracker: tracker, logger: logger, concurrency: DefaultResolveConcurrency}
}

// List runs Fetch, BuildRows and grouping for q.
func (e *Engine) List(ctx context.Context, q Query) (*Listing, error) {
	issues, err := e.Fetch(ctx, q.AssigneeIDs)
	if err != nil {
		return nil, err
	}
	rows := e.BuildRows(ctx, issues)

	var groups Groups
	if q.Mode == ByTag {
		groups = GroupByTags(rows, q.TagFilter)
	} else {
		groups = GroupByState(rows)
	}
	return &Listing{
		Query:  q,
		Rows:   rows,
		Groups: groups,
		Order:  SortGroupKeys(groups),
	}, nil
}

// Fetch returns the open issues assigned to any of userIDs, deduplicated by
// issue ID and kept in first-seen order.
func (e *Engine) Fetch(ctx context.Context, userIDs []string) ([]types.IssueRef, error) {
	seen := make(map[string]bool)
	var out []types.IssueRef
	for _, uid := range userIDs {
		issues, err := e.tracker.AssignedOpenIssues(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("fetch issues for %s: %w", uid, err)
		}
		for _, issue := range issues {
			if !issue.IsOpen() || seen[issue.ID] {
				continue
			}
			seen[issue.ID] = true
			out = append(out, issue)
		}
	}
	return out, nil
}

// BuildRows turns issue snapshots into rows. Snapshots missing a state name,
// or naming an assignee ID without a name, are refetched one at a time. A
// failed refetch keeps the snapshot as-is.
func (e *Engine) BuildRows(ctx context.Context, issues []types.IssueRef) []Row {
	rows := make([]Row, len(issues))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, issue := range issues {
		g.Go(func() error {
			if needsRefetch(issue) {
				issue = e.refetch(gctx, issue)
			}
			rows[i] = Row{
				Issue:        issue,
				AssigneeName: issue.AssigneeName,
				Tags:         ExtractTags(issue.Title),
				StateName:    issue.StateName,
			}
			return nil
		})
	}
	_ = g.Wait() // workers never fail
	return rows
}

func needsRefetch(issue types.IssueRef) bool {
	return issue.StateName == "" || (issue.AssigneeID != "" && issue.AssigneeName == "")
}

func (e *Engine) refetch(ctx context.Context, issue types.IssueRef) types.IssueRef {
	full, err := e.tracker.IssueByID(ctx, issue.ID)
	if err != nil {
		e.logger.Warn("listing: refetch issue failed", "identifier", issue.Identifier, "err", err)
		return issue
	}
	if full == nil {
		return issue
	}
	return *full
}
