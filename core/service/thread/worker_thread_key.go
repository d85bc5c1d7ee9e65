package thread

import (
	"regexp"
	"sort"
	"strings"
)

var replyPrefixRe = regexp.MustCompile(`(?i)^\s*(re|fwd?|fw)\s*(\[\d+\])?\s*:\s*`)

// ThreadSubject strips repeated Re:/Fwd:/Fw: prefixes and lower-cases.
func ThreadSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := replyPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ThreadKey builds the fallback grouping key "subject|a@x,b@y".
// Participants are lower-cased and sorted so the key is order independent.
func ThreadKey(subject string, participants []string) string {
	parts := make([]string, 0, len(participants))
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		parts = append(parts, p)
	}
	sort.Strings(parts)
	return ThreadSubject(subject) + "|" + strings.Join(parts, ",")
}
