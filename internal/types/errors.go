package types

import "errors"

// Error kinds shared by the bridge. Callers wrap these with fmt.Errorf("...: %w")
// and branch with errors.Is.
var (
	// ErrNotFound covers unresolved identifiers, users, teams, states and threads.
	ErrNotFound = errors.New("not found")

	// ErrUpstream is a network or API failure from Slack or Linear.
	ErrUpstream = errors.New("upstream failure")

	// ErrParse is a malformed identifier or action payload. It is handled
	// exactly like ErrNotFound.
	ErrParse = errors.New("parse error")

	// ErrConfigMissing means a required setting is absent. Operations abort
	// before any external call.
	ErrConfigMissing = errors.New("configuration missing")
)

// IsNotFound reports whether err should be treated as "nothing to do":
// either a missing entity or an unparseable reference to one.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrParse)
}
