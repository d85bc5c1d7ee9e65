package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// NoSubject replaces empty subjects.
const NoSubject = "(No Subject)"

// EmailAddress is a parsed mailbox with optional display name.
type EmailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func (a EmailAddress) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%q <%s>", a.Name, a.Email)
}

// Direction of a stored message relative to the team.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus tracks outbound delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	// DeliveryReceived is the status of inbound messages.
	DeliveryReceived DeliveryStatus = "received"
)

// ParseDeliveryStatus accepts the statuses reported by the delivery webhook.
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch DeliveryStatus(strings.ToLower(strings.TrimSpace(s))) {
	case DeliverySent:
		return DeliverySent, true
	case DeliveryDelivered:
		return DeliveryDelivered, true
	case DeliveryFailed:
		return DeliveryFailed, true
	default:
		return "", false
	}
}

// CanonicalEmail is the provider-independent form of one email.
// It is produced once per inbound email and never persisted directly.
type CanonicalEmail struct {
	MessageID   string
	InReplyTo   string
	References  []string
	From        EmailAddress
	To          []EmailAddress
	Cc          []EmailAddress
	Bcc         []EmailAddress
	Subject     string
	TextContent string
	HTMLContent string
	Date        time.Time
	Headers     map[string]string
	IsAutoReply bool
	// RecipientWarnings lists cc/bcc entries dropped during parsing.
	RecipientWarnings []string

	// Set by the caller, not by parsing.
	Direction Direction
	AccountID string
}

// ThreadingIDs returns inReplyTo followed by references, de-duplicated.
func (e *CanonicalEmail) ThreadingIDs() []string {
	seen := make(map[string]bool, len(e.References)+1)
	ids := make([]string, 0, len(e.References)+1)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	add(e.InReplyTo)
	for _, ref := range e.References {
		add(ref)
	}
	return ids
}

// Participants returns the sorted, lower-cased, unique addresses of
// from/to/cc. Bcc is excluded so replies land in the same thread.
func (e *CanonicalEmail) Participants() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a EmailAddress) {
		addr := strings.ToLower(strings.TrimSpace(a.Email))
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	add(e.From)
	for _, a := range e.To {
		add(a)
	}
	for _, a := range e.Cc {
		add(a)
	}
	sort.Strings(out)
	return out
}
