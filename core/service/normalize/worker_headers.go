package normalize

import (
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"mailsync_server/core/domain"

	"github.com/google/uuid"
)

// ParseReferences tokenizes on whitespace and commas, keeps id-shaped
// tokens (containing '@') and returns them in angle-bracket form.
func ParseReferences(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if !strings.Contains(f, "@") {
			continue
		}
		id := wrapID(f)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ParseReferenceList applies ParseReferences to every entry.
func ParseReferenceList(entries []string) []string {
	return ParseReferences(strings.Join(entries, " "))
}

// ParseMessageID wraps a bare id in angle brackets. Empty input yields "".
func ParseMessageID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return wrapID(s)
}

// SynthesizeMessageID builds <{unixmillis}-{random}@{domain}>.
func SynthesizeMessageID(now time.Time, domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("<%d-%s@%s>", now.UnixMilli(), random, domain)
}

func wrapID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return "<" + s + ">"
}

// NormalizeSubject replaces an empty subject with the placeholder.
func NormalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.NoSubject
	}
	return s
}

var autoReplyKeywords = []string{
	"auto-reply",
	"autoreply",
	"auto reply",
	"automatic reply",
	"out of office",
	"out-of-office",
	"ooo:",
	"vacation",
	"away from office",
	"away from my desk",
	"delivery status notification",
	"undeliverable",
	"undelivered mail",
	"mail delivery failed",
	"mail delivery subsystem",
	"returned mail",
	"bounce",
}

// IsAutoReply detects out-of-office, vacation and bounce messages.
func IsAutoReply(subject string, headers map[string]string) bool {
	lower := strings.ToLower(subject)
	for _, kw := range autoReplyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	if v, ok := headerValue(headers, "Auto-Submitted"); ok {
		if strings.ToLower(strings.TrimSpace(v)) != "no" {
			return true
		}
	}
	if v, ok := headerValue(headers, "Precedence"); ok {
		if strings.EqualFold(strings.TrimSpace(v), "auto_reply") {
			return true
		}
	}
	return false
}

// CanonicalHeaders returns a copy of headers with canonical MIME keys.
func CanonicalHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k))] = v
	}
	return out
}

func headerValue(headers map[string]string, key string) (string, bool) {
	if v, ok := headers[key]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
