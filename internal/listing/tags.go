package listing

import (
	"regexp"
	"strings"
)

var (
	// leadingTagRun matches one or more [..] groups starting at offset 0,
	// optionally separated by whitespace.
	leadingTagRun = regexp.MustCompile(`^(?:\[[^\[\]]*\]\s*)+`)
	bracketGroup  = regexp.MustCompile(`\[([^\[\]]*)\]`)
)

// ExtractTags returns the tags of a title: the trimmed contents of the run of
// bracket groups at the very start of the title. Brackets later in the title
// are not tags. Empty brackets are dropped. The result is never nil.
func ExtractTags(title string) []string {
	tags := []string{}
	run := leadingTagRun.FindString(title)
	if run == "" {
		return tags
	}
	for _, m := range bracketGroup.FindAllStringSubmatch(run, -1) {
		if tag := strings.TrimSpace(m[1]); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
