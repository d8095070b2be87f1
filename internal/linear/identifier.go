package linear

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/steveyegge/linearbridge/internal/types"
)

// identifierPattern matches TEAMKEY-NUMBER. Go's RE2 has no lookaround, so the
// whole-word check happens in ExtractIdentifier.
var identifierPattern = regexp.MustCompile(`[A-Z0-9]+-[0-9]+`)

// ExtractIdentifier returns the first whole-word issue identifier in text.
// A candidate touching a letter, digit, underscore or hyphen on either side
// is skipped, so "x-ABC-12" or "ABC-12b" never match.
func ExtractIdentifier(text string) (string, bool) {
	for _, loc := range identifierPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && isWordByte(text[start-1]) {
			continue
		}
		if end < len(text) && isWordByte(text[end]) {
			continue
		}
		return text[start:end], true
	}
	return "", false
}

func isWordByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '_' || b == '-':
		return true
	}
	return false
}

// SplitIdentifier splits "TEAM-42" on its last hyphen into ("TEAM", 42).
func SplitIdentifier(identifier string) (string, int, error) {
	i := strings.LastIndex(identifier, "-")
	if i <= 0 || i == len(identifier)-1 {
		return "", 0, fmt.Errorf("%w: invalid identifier %q", types.ErrParse, identifier)
	}
	digits := identifier[i+1:]
	number, err := strconv.Atoi(digits)
	if err != nil || number < 0 {
		return "", 0, fmt.Errorf("%w: invalid issue number in %q", types.ErrParse, identifier)
	}
	// Zero-padded numbers would not survive JoinIdentifier.
	if len(digits) > 1 && digits[0] == '0' {
		return "", 0, fmt.Errorf("%w: zero-padded issue number in %q", types.ErrParse, identifier)
	}
	return identifier[:i], number, nil
}

// JoinIdentifier is the inverse of SplitIdentifier.
func JoinIdentifier(teamKey string, number int) string {
	return teamKey + "-" + strconv.Itoa(number)
}
