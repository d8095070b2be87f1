// Package users maps people between the chat workspace and the issue tracker.
//
// Chat users are keyed by Slack user ID; tracker users are found by email.
// A plain @handle has no stable ID, so it is resolved by paging through the
// workspace directory, bounded by Config.MaxDirectoryPages.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/slack-go/slack"

	"github.com/steveyegge/linearbridge/internal/types"
)

const (
	// DefaultMaxDirectoryPages bounds the users.list scan for one handle.
	DefaultMaxDirectoryPages = 10

	// DefaultPageSize is the users.list page size.
	DefaultPageSize = 200
)

// Directory is the chat side: profile lookups and the paged user list.
type Directory interface {
	UserInfo(ctx context.Context, userID string) (*slack.User, error)
	Users(ctx context.Context, pageSize int) UserPager
}

// UserPager walks the workspace directory one page at a time. NextUsers
// returns more=false once the directory is exhausted.
type UserPager interface {
	NextUsers(ctx context.Context) (users []slack.User, more bool, err error)
}

// TrackerDirectory is the tracker side.
type TrackerDirectory interface {
	UserByEmail(ctx context.Context, email string) (*types.TrackerUser, error)
}

// Config tunes a Resolver.
type Config struct {
	MaxDirectoryPages int
	PageSize          int
	Logger            *slog.Logger
}

// Resolver implements the lookups used by commands and the relay.
type Resolver struct {
	chat     Directory
	tracker  TrackerDirectory
	maxPages int
	pageSize int
	logger   *slog.Logger
}

// New returns a Resolver. Zero Config fields take their defaults.
func New(chat Directory, tracker TrackerDirectory, cfg Config) *Resolver {
	r := &Resolver{
		chat:     chat,
		tracker:  tracker,
		maxPages: cfg.MaxDirectoryPages,
		pageSize: cfg.PageSize,
		logger:   cfg.Logger,
	}
	if r.maxPages <= 0 {
		r.maxPages = DefaultMaxDirectoryPages
	}
	if r.pageSize <= 0 {
		r.pageSize = DefaultPageSize
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// ByEmail returns the tracker user whose email matches exactly, ignoring
// case, or nil if there is none.
func (r *Resolver) ByEmail(ctx context.Context, email string) (*types.TrackerUser, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}
	u, err := r.tracker.UserByEmail(ctx, email)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// ByChatID returns the profile email of a chat user, or "" if the user does
// not exist or has no visible email.
func (r *Resolver) ByChatID(ctx context.Context, chatUserID string) (string, error) {
	if chatUserID == "" {
		return "", nil
	}
	u, err := r.chat.UserInfo(ctx, chatUserID)
	if err != nil {
		if isUserNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("chat user %s: %w: %v", chatUserID, types.ErrUpstream, err)
	}
	if u == nil {
		return "", nil
	}
	return u.Profile.Email, nil
}

// TrackerUserForChatID chains ByChatID and ByEmail. It returns nil when either
// hop finds nothing.
func (r *Resolver) TrackerUserForChatID(ctx context.Context, chatUserID string) (*types.TrackerUser, error) {
	email, err := r.ByChatID(ctx, chatUserID)
	if err != nil || email == "" {
		return nil, err
	}
	return r.ByEmail(ctx, email)
}

// DisplayName returns the best human name for a chat user: display name, then
// real name, then the ID itself.
func (r *Resolver) DisplayName(ctx context.Context, chatUserID string) string {
	u, err := r.chat.UserInfo(ctx, chatUserID)
	if err != nil || u == nil {
		return chatUserID
	}
	return NameOf(u)
}

// NameOf picks the best human name from a chat profile.
func NameOf(u *slack.User) string {
	switch {
	case u.Profile.DisplayName != "":
		return u.Profile.DisplayName
	case u.Profile.RealName != "":
		return u.Profile.RealName
	case u.RealName != "":
		return u.RealName
	case u.Name != "":
		return u.Name
	}
	return u.ID
}

// mentionToken matches <@U123> and <@U123|name>.
var mentionToken = regexp.MustCompile(`^<@([A-Z0-9]+)(?:\|[^>]*)?>$`)

// ByHandleToken returns the chat user ID for a mention token or a plain
// @handle, or "" when it cannot be resolved. Mention tokens never touch the
// directory. A directory failure is logged and reported as unresolved.
func (r *Resolver) ByHandleToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if m := mentionToken.FindStringSubmatch(token); m != nil {
		return m[1], nil
	}
	handle := strings.TrimPrefix(token, "@")
	if handle == "" || strings.ContainsAny(handle, "<> ") {
		return "", nil
	}

	pager := r.chat.Users(ctx, r.pageSize)
	for page := 0; page < r.maxPages; page++ {
		users, more, err := pager.NextUsers(ctx)
		if err != nil {
			r.logger.Warn("users: directory lookup failed", "handle", handle, "page", page, "err", err)
			return "", nil
		}
		for i := range users {
			if matchesHandle(&users[i], handle) {
				return users[i].ID, nil
			}
		}
		if !more {
			return "", nil
		}
	}
	r.logger.Info("users: directory scan limit reached", "handle", handle, "pages", r.maxPages)
	return "", nil
}

func matchesHandle(u *slack.User, handle string) bool {
	if u.Deleted {
		return false
	}
	want := strings.ToLower(handle)
	wantNorm := normalize(handle)
	for _, name := range []string{
		u.Name,
		u.Profile.DisplayName,
		u.Profile.DisplayNameNormalized,
		u.RealName,
		u.Profile.RealName,
		u.Profile.RealNameNormalized,
	} {
		if name == "" {
			continue
		}
		if strings.ToLower(name) == want || normalize(name) == wantNorm {
			return true
		}
	}
	return false
}

// normalize lowercases s and drops separators so "Jane Doe", "jane.doe" and
// "jane_doe" compare equal.
func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '.', '_', '-':
			return -1
		}
		return r
	}, strings.ToLower(s))
}

func isUserNotFound(err error) bool {
	if errors.Is(err, types.ErrNotFound) {
		return true
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		return se.Err == "user_not_found" || se.Err == "users_not_found"
	}
	return err.Error() == "user_not_found"
}
