// Package normalize converts inbound and provider payloads into canonical emails.
package normalize

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
)

// Normalizer produces CanonicalEmail values. The local domain is used for
// synthesized Message-IDs.
type Normalizer struct {
	localDomain string
	now         func() time.Time
}

// NewNormalizer creates a normalizer.
func NewNormalizer(localDomain string) *Normalizer {
	if localDomain == "" {
		localDomain = "localhost"
	}
	return &Normalizer{localDomain: localDomain, now: time.Now}
}

// Normalize validates and converts an inbound payload. It fails fast,
// before any persistence, unless from, a recipient and one of
// subject/text/html are present. from/to parse failures are fatal;
// cc/bcc failures drop that list and are recorded as recipient warnings.
func (n *Normalizer) Normalize(in *domain.InboundMail) (*domain.CanonicalEmail, error) {
	if in == nil {
		return nil, apperr.ValidationFailed("empty payload")
	}

	if in.Raw != "" {
		parsed, err := ParseRawMIME([]byte(in.Raw))
		if err != nil {
			return nil, err
		}
		in = mergeRaw(in, parsed)
	}

	if err := validateRequired(in); err != nil {
		return nil, err
	}

	from, err := ParseAddress(in.From)
	if err != nil {
		return nil, apperr.InvalidInput("from", apperr.AsAppError(err).Message)
	}

	to, err := ParseAddressEntries(in.To)
	if err != nil {
		return nil, apperr.InvalidInput("to", apperr.AsAppError(err).Message)
	}

	email := &domain.CanonicalEmail{
		From:    from,
		To:      to,
		Headers: CanonicalHeaders(in.Headers),
	}

	email.MessageID = ParseMessageID(firstNonEmpty(in.MessageID, email.Headers["Message-Id"]))
	if email.MessageID == "" {
		email.MessageID = SynthesizeMessageID(n.now(), n.localDomain)
	}

	email.Cc = n.lenientList("cc", in.Cc, email)
	email.Bcc = n.lenientList("bcc", in.Bcc, email)

	if len(email.To) == 0 && len(email.Cc) == 0 && len(email.Bcc) == 0 {
		return nil, apperr.ValidationFailed("no valid recipients")
	}

	if replyTo := ParseReferences(firstNonEmpty(in.InReplyTo, email.Headers["In-Reply-To"])); len(replyTo) > 0 {
		email.InReplyTo = replyTo[0]
	}
	refs := []string(in.References)
	if len(refs) == 0 && email.Headers["References"] != "" {
		refs = []string{email.Headers["References"]}
	}
	email.References = ParseReferenceList(refs)

	email.Subject = NormalizeSubject(in.Subject)
	email.HTMLContent = in.HTML
	email.TextContent = strings.TrimSpace(in.Text)
	if email.TextContent == "" && strings.TrimSpace(in.HTML) != "" {
		email.TextContent = HTMLToText(in.HTML)
	}

	email.Date = n.parseDate(firstNonEmpty(in.Date, email.Headers["Date"]))
	email.IsAutoReply = IsAutoReply(email.Subject, email.Headers)

	return email, nil
}

func validateRequired(in *domain.InboundMail) error {
	if strings.TrimSpace(in.From) == "" {
		return apperr.MissingField("from")
	}
	if !hasEntries(in.To) && !hasEntries(in.Cc) && !hasEntries(in.Bcc) {
		return apperr.MissingField("to")
	}
	if strings.TrimSpace(in.Subject) == "" && strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.HTML) == "" {
		return apperr.ValidationFailed("one of subject, text or html is required")
	}
	return nil
}

func (n *Normalizer) lenientList(field string, entries domain.StringList, email *domain.CanonicalEmail) []domain.EmailAddress {
	if !hasEntries(entries) {
		return nil
	}
	addrs, err := ParseAddressEntries(entries)
	if err != nil {
		warning := fmt.Sprintf("%s dropped: %s", field, apperr.AsAppError(err).Message)
		email.RecipientWarnings = append(email.RecipientWarnings, warning)
		logger.WithFields(map[string]any{
			"field":      field,
			"message_id": email.MessageID,
			"value":      entries.Joined(),
		}).Warn("[Normalizer.Normalize] Dropping unparseable %s recipients: %v", field, err)
		return nil
	}
	return addrs
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	"2006-01-02 15:04:05",
}

func (n *Normalizer) parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return n.now().UTC()
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t.UTC()
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	logger.Debug("[Normalizer.parseDate] Unparseable date %q, using receive time", s)
	return n.now().UTC()
}

func hasEntries(l domain.StringList) bool {
	for _, e := range l {
		if strings.TrimSpace(e) != "" {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
