package normalize

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/apperr"

	message "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // windows-1252, iso-8859-*, koi8-r ...
	gomail "github.com/emersion/go-message/mail"
)

// maxPartSize bounds how much of a single MIME part is read.
const maxPartSize = 10 << 20

// ParseRawMIME parses an RFC 5322 message into the inbound payload shape.
// Attachments are skipped.
func ParseRawMIME(raw []byte) (*domain.InboundMail, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, apperr.ValidationFailed(fmt.Sprintf("unparseable MIME message: %v", err))
	}
	defer mr.Close()

	h := mr.Header
	out := &domain.InboundMail{Headers: make(map[string]string)}

	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		if _, exists := out.Headers[key]; !exists {
			out.Headers[key] = value
		}
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].String()
	} else {
		out.From = h.Get("From")
	}
	out.To = addressField(h, "To")
	out.Cc = addressField(h, "Cc")
	out.Bcc = addressField(h, "Bcc")

	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		out.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil && len(ids) > 0 {
		out.References = domain.StringList{strings.Join(ids, " ")}
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		out.Date = date.Format(time.RFC1123Z)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, apperr.ValidationFailed(fmt.Sprintf("unreadable MIME part: %v", err))
		}

		inline, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if err != nil {
			continue
		}
		switch contentType {
		case "text/plain":
			if out.Text == "" {
				out.Text = string(body)
			}
		case "text/html":
			if out.HTML == "" {
				out.HTML = string(body)
			}
		}
	}

	return out, nil
}

func addressField(h gomail.Header, key string) domain.StringList {
	if list, err := h.AddressList(key); err == nil {
		var out domain.StringList
		for _, a := range list {
			out = append(out, a.String())
		}
		return out
	}
	if raw := h.Get(key); raw != "" {
		return domain.StringList{raw}
	}
	return nil
}

// mergeRaw fills empty fields of in from the parsed raw message.
func mergeRaw(in, raw *domain.InboundMail) *domain.InboundMail {
	merged := *in
	if merged.From == "" {
		merged.From = raw.From
	}
	if len(merged.To) == 0 {
		merged.To = raw.To
	}
	if len(merged.Cc) == 0 {
		merged.Cc = raw.Cc
	}
	if len(merged.Bcc) == 0 {
		merged.Bcc = raw.Bcc
	}
	if merged.Subject == "" {
		merged.Subject = raw.Subject
	}
	if merged.Text == "" {
		merged.Text = raw.Text
	}
	if merged.HTML == "" {
		merged.HTML = raw.HTML
	}
	if merged.MessageID == "" {
		merged.MessageID = raw.MessageID
	}
	if merged.InReplyTo == "" {
		merged.InReplyTo = raw.InReplyTo
	}
	if len(merged.References) == 0 {
		merged.References = raw.References
	}
	if merged.Date == "" {
		merged.Date = raw.Date
	}
	headers := make(map[string]string, len(raw.Headers)+len(in.Headers))
	for k, v := range raw.Headers {
		headers[k] = v
	}
	for k, v := range in.Headers {
		headers[k] = v
	}
	merged.Headers = headers
	merged.Raw = ""
	return &merged
}
