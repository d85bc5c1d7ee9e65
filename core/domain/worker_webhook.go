package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// StringList decodes either a JSON string or an array of strings.
// A single string is kept as one element; splitting is left to the normalizer.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*l = nil
			return nil
		}
		*l = StringList{s}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	*l = arr
	return nil
}

// Joined returns the entries joined with ", ".
func (l StringList) Joined() string {
	return strings.Join(l, ", ")
}

// InboundMail is the provider-agnostic payload accepted by the inbound
// webhook. Provider adapters convert their messages into this shape too.
type InboundMail struct {
	From       string            `json:"from"`
	To         StringList        `json:"to"`
	Cc         StringList        `json:"cc,omitempty"`
	Bcc        StringList        `json:"bcc,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Text       string            `json:"text,omitempty"`
	HTML       string            `json:"html,omitempty"`
	MessageID  string            `json:"message_id,omitempty"`
	InReplyTo  string            `json:"in_reply_to,omitempty"`
	References StringList        `json:"references,omitempty"`
	Date       string            `json:"date,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	// Raw is a complete RFC 5322 message; when set it is parsed and merged
	// under any explicit fields.
	Raw    string `json:"raw,omitempty"`
	TeamID string `json:"team_id,omitempty"`
	// Direction is "outbound" for copies of mail sent by the team, which
	// later receive delivery-status updates. Defaults to inbound.
	Direction Direction `json:"direction,omitempty"`
}

// DeliveryStatusUpdate is the body of the delivery-status webhook.
type DeliveryStatusUpdate struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
}

// NotificationKind tags push notification variants.
type NotificationKind string

const (
	NotificationGmail   NotificationKind = "gmail"
	NotificationOutlook NotificationKind = "outlook"
)

// Notification is a provider push notification parsed at the HTTP boundary.
type Notification interface {
	Kind() NotificationKind
	// DedupKey identifies redeliveries of the same notification.
	DedupKey() string
}

// GmailPushEnvelope is the Pub/Sub push body.
type GmailPushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GmailNotification is the decoded Pub/Sub data payload.
type GmailNotification struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    HistoryID `json:"historyId"`
}

// HistoryID accepts both numeric and quoted history ids.
type HistoryID uint64

func (h *HistoryID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*h = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid historyId %q: %w", s, err)
	}
	*h = HistoryID(v)
	return nil
}

func (GmailNotification) Kind() NotificationKind { return NotificationGmail }

func (n GmailNotification) DedupKey() string {
	return fmt.Sprintf("gmail:%s:%d", strings.ToLower(n.EmailAddress), n.HistoryID)
}

// OutlookNotificationEnvelope is the Graph change notification body.
type OutlookNotificationEnvelope struct {
	Value []OutlookNotification `json:"value"`
}

// OutlookNotification is one Graph change notification.
type OutlookNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	Resource       string `json:"resource"`
	ChangeType     string `json:"changeType"`
	ClientState    string `json:"clientState"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

func (OutlookNotification) Kind() NotificationKind { return NotificationOutlook }

func (n OutlookNotification) DedupKey() string {
	return fmt.Sprintf("outlook:%s:%s:%s", n.SubscriptionID, n.ChangeType, n.Resource)
}
