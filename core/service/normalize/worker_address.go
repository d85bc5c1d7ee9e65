package normalize

import (
	"fmt"
	"regexp"
	"strings"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/apperr"

	gomail "github.com/emersion/go-message/mail"
)

// MaxAddressLength is the RFC 5321 path limit applied to addr-spec.
const MaxAddressLength = 254

var (
	addrSpecRe   = regexp.MustCompile("^[A-Za-z0-9.!#$%&'*+/=?^_`{|}~-]+@[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?(?:\\.[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?)+$")
	nameAngleRe  = regexp.MustCompile(`^(.*?)\s*<([^<>]*)>$`)
	quotedNameRe = regexp.MustCompile(`^"(.*)"$`)
)

// ParseAddress parses `"Name" <addr>`, `Name <addr>`, `<addr>` or a bare
// address. RFC 2047 encoded names are decoded.
func ParseAddress(s string) (domain.EmailAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return domain.EmailAddress{}, apperr.ValidationFailed("empty email address")
	}

	var name, addr string
	if parsed, err := gomail.ParseAddress(s); err == nil {
		name, addr = parsed.Name, parsed.Address
	} else if m := nameAngleRe.FindStringSubmatch(s); m != nil {
		// net/mail rejects some display names real clients send (unquoted dots, brackets).
		name, addr = strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if q := quotedNameRe.FindStringSubmatch(name); q != nil {
			name = q[1]
		}
	} else {
		addr = s
	}

	addr = strings.TrimSpace(addr)
	if err := ValidateAddress(addr); err != nil {
		return domain.EmailAddress{}, apperr.ValidationFailed(fmt.Sprintf("invalid email address %q: %s", s, err))
	}
	return domain.EmailAddress{Email: addr, Name: strings.TrimSpace(name)}, nil
}

// ValidateAddress checks addr-spec shape and length.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if len(addr) > MaxAddressLength {
		return fmt.Errorf("address exceeds %d characters", MaxAddressLength)
	}
	if !addrSpecRe.MatchString(addr) {
		return fmt.Errorf("malformed address")
	}
	return nil
}

// ParseAddressList parses a comma separated list. One malformed entry
// fails the whole list.
func ParseAddressList(s string) ([]domain.EmailAddress, error) {
	var out []domain.EmailAddress
	for _, part := range SplitAddressList(s) {
		addr, err := ParseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// ParseAddressEntries parses every entry of a JSON recipient field, each of
// which may itself be a comma separated list.
func ParseAddressEntries(entries []string) ([]domain.EmailAddress, error) {
	var out []domain.EmailAddress
	for _, entry := range entries {
		addrs, err := ParseAddressList(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}

// SplitAddressList splits on commas outside quotes and angle brackets.
func SplitAddressList(s string) []string {
	var (
		parts   []string
		current strings.Builder
		inQuote bool
		inAngle bool
		escaped bool
	)
	flush := func() {
		if p := strings.TrimSpace(current.String()); p != "" {
			parts = append(parts, p)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == '<' && !inQuote:
			inAngle = true
		case r == '>' && !inQuote:
			inAngle = false
		case (r == ',' || r == ';') && !inQuote && !inAngle:
			flush()
			continue
		}
		current.WriteRune(r)
	}
	flush()
	return parts
}
