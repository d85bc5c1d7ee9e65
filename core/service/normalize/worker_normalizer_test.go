package normalize

import (
	"strings"
	"testing"
	"time"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/apperr"
)

func fixedNormalizer() *Normalizer {
	n := NewNormalizer("mail.example.com")
	n.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantEmail string
		wantName  string
		wantErr   bool
	}{
		{"bare", "bob@example.com", "bob@example.com", "", false},
		{"angle only", "<bob@example.com>", "bob@example.com", "", false},
		{"display name", "Alice <alice@example.com>", "alice@example.com", "Alice", false},
		{"quoted name with comma", `"Smith, John" <john@example.com>`, "john@example.com", "Smith, John", false},
		{"unquoted dotted name", "Dr. Who <who@example.com>", "who@example.com", "Dr. Who", false},
		{"encoded name", "=?UTF-8?Q?Andr=C3=A9?= <andre@example.com>", "andre@example.com", "André", false},
		{"empty", "  ", "", "", true},
		{"no at sign", "not-an-email", "", "", true},
		{"no domain dot", "a@localhost", "", "", true},
		{"too long", strings.Repeat("a", 250) + "@example.com", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddress(%q) expected error, got %+v", tt.input, got)
				}
				if !apperr.IsValidation(err) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.input, err)
			}
			if got.Email != tt.wantEmail {
				t.Errorf("Email = %q, want %q", got.Email, tt.wantEmail)
			}
			if got.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", got.Name, tt.wantName)
			}
		})
	}
}

func TestParseAddressList(t *testing.T) {
	got, err := ParseAddressList(`"Smith, John" <john@example.com>, jane@example.com; <ops@example.com>`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"john@example.com", "jane@example.com", "ops@example.com"}
	if len(got) != len(want) {
		t.Fatalf("got %d addresses, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Email != w {
			t.Errorf("address[%d] = %q, want %q", i, got[i].Email, w)
		}
	}

	if _, err := ParseAddressList("good@example.com, broken"); err == nil {
		t.Error("expected one malformed entry to fail the list")
	}
}

func TestParseReferences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"bracketed", "<a@x.com> <b@x.com>", []string{"<a@x.com>", "<b@x.com>"}},
		{"bare and commas", "a@x.com,b@x.com", []string{"<a@x.com>", "<b@x.com>"}},
		{"drops non ids", "<a@x.com> junk\r\n\t<b@x.com>", []string{"<a@x.com>", "<b@x.com>"}},
		{"dedupes", "<a@x.com> a@x.com", []string{"<a@x.com>"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseReferences(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseReferences(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMessageIDs(t *testing.T) {
	if got := ParseMessageID("abc@x.com"); got != "<abc@x.com>" {
		t.Errorf("ParseMessageID bare = %q", got)
	}
	if got := ParseMessageID(" <abc@x.com> "); got != "<abc@x.com>" {
		t.Errorf("ParseMessageID bracketed = %q", got)
	}
	if got := ParseMessageID(""); got != "" {
		t.Errorf("ParseMessageID empty = %q", got)
	}

	now := time.UnixMilli(1700000000123)
	id := SynthesizeMessageID(now, "mail.example.com")
	if !strings.HasPrefix(id, "<1700000000123-") || !strings.HasSuffix(id, "@mail.example.com>") {
		t.Errorf("SynthesizeMessageID = %q", id)
	}
	if other := SynthesizeMessageID(now, "mail.example.com"); other == id {
		t.Error("synthesized ids should be unique")
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"entities", "<p>Tom &amp; Jerry</p>", "Tom & Jerry"},
		{"drops script and head", "<html><head><title>T</title></head><body><p>Hi</p><script>var a=1</script><style>p{}</style></body></html>", "Hi"},
		{"block tags separate", "<div>one</div><div>two</div>three<br>four", "one two three four"},
		{"collapses whitespace", "<p>  a \n\n  b  </p>", "a b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTMLToText(tt.input); got != tt.want {
				t.Errorf("HTMLToText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsAutoReply(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		headers map[string]string
		want    bool
	}{
		{"plain", "Quarterly numbers", nil, false},
		{"out of office", "Out of Office: back Monday", nil, true},
		{"automatic reply", "Automatic reply: Hello", nil, true},
		{"bounce", "Undeliverable: Hello", nil, true},
		{"auto submitted", "Hello", map[string]string{"Auto-Submitted": "auto-replied"}, true},
		{"auto submitted no", "Hello", map[string]string{"auto-submitted": "no"}, false},
		{"precedence", "Hello", map[string]string{"Precedence": "auto_reply"}, true},
		{"precedence bulk", "Hello", map[string]string{"Precedence": "bulk"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAutoReply(tt.subject, tt.headers); got != tt.want {
				t.Errorf("IsAutoReply() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalize_RequiredFields(t *testing.T) {
	n := fixedNormalizer()

	tests := []struct {
		name     string
		in       *domain.InboundMail
		wantCode string
	}{
		{"nil", nil, apperr.CodeValidationFailed},
		{"missing from", &domain.InboundMail{To: domain.StringList{"a@example.com"}, Text: "hi"}, apperr.CodeMissingField},
		{"missing recipients", &domain.InboundMail{From: "a@example.com", Text: "hi"}, apperr.CodeMissingField},
		{"no content", &domain.InboundMail{From: "a@example.com", To: domain.StringList{"b@example.com"}}, apperr.CodeValidationFailed},
		{"bad from", &domain.InboundMail{From: "nope", To: domain.StringList{"b@example.com"}, Text: "hi"}, apperr.CodeValidationFailed},
		{"bad to", &domain.InboundMail{From: "a@example.com", To: domain.StringList{"b@example.com, nope"}, Text: "hi"}, apperr.CodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if !apperr.HasCode(err, tt.wantCode) {
				t.Errorf("code = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

func TestNormalize_Defaults(t *testing.T) {
	n := fixedNormalizer()

	email, err := n.Normalize(&domain.InboundMail{
		From: "Alice <alice@example.com>",
		To:   domain.StringList{"bob@example.com"},
		HTML: "<p>Hello <b>Bob</b></p>",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if email.Subject != domain.NoSubject {
		t.Errorf("Subject = %q, want placeholder", email.Subject)
	}
	if email.TextContent != "Hello Bob" {
		t.Errorf("TextContent = %q, want derived from html", email.TextContent)
	}
	if !strings.HasSuffix(email.MessageID, "@mail.example.com>") {
		t.Errorf("MessageID = %q, want synthesized", email.MessageID)
	}
	if !email.Date.Equal(n.now()) {
		t.Errorf("Date = %v, want receive time", email.Date)
	}
	if email.From.Name != "Alice" || email.From.Email != "alice@example.com" {
		t.Errorf("From = %+v", email.From)
	}
}

func TestNormalize_HeadersAndThreading(t *testing.T) {
	n := fixedNormalizer()

	email, err := n.Normalize(&domain.InboundMail{
		From:       "alice@example.com",
		To:         domain.StringList{"bob@example.com", "carol@example.com"},
		Subject:    "Re: Plans",
		Text:       "  sounds good  ",
		MessageID:  "reply-1@example.com",
		InReplyTo:  "<root@example.com>",
		References: domain.StringList{"<root@example.com> <mid@example.com>"},
		Date:       "Fri, 01 Mar 2024 09:30:00 +0100",
		Headers:    map[string]string{"x-custom": "1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if email.MessageID != "<reply-1@example.com>" {
		t.Errorf("MessageID = %q", email.MessageID)
	}
	if email.InReplyTo != "<root@example.com>" {
		t.Errorf("InReplyTo = %q", email.InReplyTo)
	}
	if len(email.References) != 2 || email.References[1] != "<mid@example.com>" {
		t.Errorf("References = %v", email.References)
	}
	if email.TextContent != "sounds good" {
		t.Errorf("TextContent = %q", email.TextContent)
	}
	if len(email.To) != 2 {
		t.Errorf("To = %v", email.To)
	}
	if want := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC); !email.Date.Equal(want) {
		t.Errorf("Date = %v, want %v", email.Date, want)
	}
	if email.Headers["X-Custom"] != "1" {
		t.Errorf("headers not canonicalized: %v", email.Headers)
	}
}

func TestNormalize_DropsBadCc(t *testing.T) {
	n := fixedNormalizer()

	email, err := n.Normalize(&domain.InboundMail{
		From:    "alice@example.com",
		To:      domain.StringList{"bob@example.com"},
		Cc:      domain.StringList{"carol@example.com, ???"},
		Bcc:     domain.StringList{"audit@example.com"},
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.Cc) != 0 {
		t.Errorf("Cc = %v, want dropped", email.Cc)
	}
	if len(email.Bcc) != 1 {
		t.Errorf("Bcc = %v, want kept", email.Bcc)
	}
	if len(email.RecipientWarnings) != 1 || !strings.HasPrefix(email.RecipientWarnings[0], "cc dropped") {
		t.Errorf("RecipientWarnings = %v", email.RecipientWarnings)
	}
}

func TestNormalize_RawMIME(t *testing.T) {
	raw := strings.Join([]string{
		"From: \"Alice\" <alice@example.com>",
		"To: bob@example.com",
		"Subject: Automatic reply: Hello",
		"Message-ID: <raw-1@example.com>",
		"In-Reply-To: <root@example.com>",
		"References: <root@example.com>",
		"Date: Fri, 01 Mar 2024 09:30:00 +0000",
		"Auto-Submitted: auto-replied",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=\"b1\"",
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"I am away.",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>I am away.</p>",
		"--b1--",
		"",
	}, "\r\n")

	n := fixedNormalizer()
	email, err := n.Normalize(&domain.InboundMail{Raw: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if email.From.Email != "alice@example.com" {
		t.Errorf("From = %+v", email.From)
	}
	if email.MessageID != "<raw-1@example.com>" {
		t.Errorf("MessageID = %q", email.MessageID)
	}
	if email.InReplyTo != "<root@example.com>" {
		t.Errorf("InReplyTo = %q", email.InReplyTo)
	}
	if strings.TrimSpace(email.TextContent) != "I am away." {
		t.Errorf("TextContent = %q", email.TextContent)
	}
	if !strings.Contains(email.HTMLContent, "<p>I am away.</p>") {
		t.Errorf("HTMLContent = %q", email.HTMLContent)
	}
	if !email.IsAutoReply {
		t.Error("expected auto-reply detection")
	}
}

func TestNormalize_RawFieldsDoNotOverrideExplicit(t *testing.T) {
	raw := "From: raw@example.com\r\nTo: raw-to@example.com\r\nSubject: Raw\r\n\r\nbody\r\n"

	n := fixedNormalizer()
	email, err := n.Normalize(&domain.InboundMail{
		From:    "explicit@example.com",
		To:      domain.StringList{"bob@example.com"},
		Subject: "Explicit",
		Raw:     raw,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if email.From.Email != "explicit@example.com" || email.Subject != "Explicit" {
		t.Errorf("explicit fields overridden: from=%q subject=%q", email.From.Email, email.Subject)
	}
	if strings.TrimSpace(email.TextContent) != "body" {
		t.Errorf("TextContent = %q, want raw body", email.TextContent)
	}
}
