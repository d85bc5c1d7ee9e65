package mail

import (
	"context"
	"net/http"
	"testing"
	"time"

	"mailsync_server/adapter/out/persistence"
	"mailsync_server/core/domain"
	"mailsync_server/core/service/normalize"
	"mailsync_server/core/service/thread"
	"mailsync_server/pkg/apperr"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type testEnv struct {
	svc      *IngestService
	mails    *persistence.MailAdapter
	accounts *persistence.AccountAdapter
	db       *sqlx.DB
}

func newTestEnv(t *testing.T, defaultTeam string) *testEnv {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := persistence.Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mails := persistence.NewMailAdapter(db)
	accounts := persistence.NewAccountAdapter(db, nil)
	svc := NewIngestService(normalize.NewNormalizer("mailsync.test"), thread.NewResolver(mails), accounts, mails, defaultTeam)
	return &testEnv{svc: svc, mails: mails, accounts: accounts, db: db}
}

func (e *testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := e.db.Get(&n, `SELECT COUNT(*) FROM `+table); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func helloPayload() *domain.InboundMail {
	return &domain.InboundMail{
		From:      "Jane <jane@x.com>",
		To:        domain.StringList{"team@y.com"},
		Subject:   "Hello",
		Text:      "hi",
		MessageID: "<abc@x.com>",
	}
}

func TestIngestInbound_NewThreadAndRedelivery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "team-1")

	first, err := env.svc.IngestInbound(ctx, helloPayload())
	if err != nil {
		t.Fatalf("IngestInbound: %v", err)
	}
	if first.MessageID != "<abc@x.com>" || first.ThreadID == "" || !first.ThreadCreated {
		t.Errorf("first = %+v", first)
	}

	second, err := env.svc.IngestInbound(ctx, helloPayload())
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if second.MessageID != first.MessageID || second.ThreadID != first.ThreadID || !second.Duplicate {
		t.Errorf("second = %+v, first = %+v", second, first)
	}
	if n := env.count(t, "messages"); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
	if n := env.count(t, "threads"); n != 1 {
		t.Errorf("threads = %d, want 1", n)
	}
}

func TestIngestInbound_ReplyAttaches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "team-1")

	first, err := env.svc.IngestInbound(ctx, helloPayload())
	if err != nil {
		t.Fatalf("IngestInbound: %v", err)
	}

	reply := &domain.InboundMail{
		From:      "team@y.com",
		To:        domain.StringList{"jane@x.com"},
		Subject:   "Something else entirely",
		Text:      "thanks",
		MessageID: "<def@x.com>",
		InReplyTo: "<abc@x.com>",
	}
	got, err := env.svc.IngestInbound(ctx, reply)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if got.ThreadID != first.ThreadID || got.ThreadCreated {
		t.Errorf("reply = %+v, want thread %s", got, first.ThreadID)
	}

	th, err := env.mails.GetThread(ctx, first.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if th.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", th.MessageCount)
	}
}

func TestIngestInbound_ValidationRejected(t *testing.T) {
	env := newTestEnv(t, "team-1")

	tests := []struct {
		name    string
		payload *domain.InboundMail
	}{
		{"missing from", &domain.InboundMail{To: domain.StringList{"a@y.com"}, Text: "x"}},
		{"bad from", &domain.InboundMail{From: "not-an-address", To: domain.StringList{"a@y.com"}, Text: "x"}},
		{"no recipients", &domain.InboundMail{From: "a@x.com", Text: "x"}},
		{"no content", &domain.InboundMail{From: "a@x.com", To: domain.StringList{"a@y.com"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.IngestInbound(context.Background(), tt.payload)
			if err == nil {
				t.Fatal("expected error")
			}
			if apperr.GetHTTPStatus(err) != http.StatusBadRequest {
				t.Errorf("status = %d, err = %v", apperr.GetHTTPStatus(err), err)
			}
		})
	}
	if n := env.count(t, "messages"); n != 0 {
		t.Errorf("messages = %d, want 0", n)
	}
}

func TestIngestInbound_TeamResolution(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "")

	acct := &domain.ConnectedAccount{
		ID:         "acc-1",
		UserID:     "user-1",
		TeamID:     "team-from-account",
		Provider:   domain.ProviderOutlook,
		Email:      "support@y.com",
		IsActive:   true,
		SyncStatus: domain.SyncStatusActive,
	}
	if err := env.accounts.Upsert(ctx, acct); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	payload := helloPayload()
	payload.To = domain.StringList{"Support <SUPPORT@y.com>"}
	if _, err := env.svc.IngestInbound(ctx, payload); err != nil {
		t.Fatalf("IngestInbound: %v", err)
	}
	msg, err := env.mails.GetMessageByMessageID(ctx, "team-from-account", "<abc@x.com>")
	if err != nil {
		t.Fatalf("message not stored under account team: %v", err)
	}
	if msg.AccountID != "acc-1" {
		t.Errorf("AccountID = %q", msg.AccountID)
	}

	// No explicit team, no matching account, no default.
	orphan := helloPayload()
	orphan.MessageID = "<orphan@x.com>"
	orphan.To = domain.StringList{"nobody@elsewhere.com"}
	if _, err := env.svc.IngestInbound(ctx, orphan); !apperr.IsValidation(err) {
		t.Errorf("orphan err = %v, want validation", err)
	}

	explicit := helloPayload()
	explicit.MessageID = "<explicit@x.com>"
	explicit.TeamID = "team-explicit"
	if _, err := env.svc.IngestInbound(ctx, explicit); err != nil {
		t.Fatalf("explicit team: %v", err)
	}
	if _, err := env.mails.GetMessageByMessageID(ctx, "team-explicit", "<explicit@x.com>"); err != nil {
		t.Errorf("explicit team message: %v", err)
	}
}

func TestUpdateDeliveryStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "team-1")

	outbound := helloPayload()
	outbound.MessageID = "<sent@y.com>"
	outbound.Direction = domain.DirectionOutbound
	if _, err := env.svc.IngestInbound(ctx, outbound); err != nil {
		t.Fatalf("ingest outbound: %v", err)
	}
	if _, err := env.svc.IngestInbound(ctx, helloPayload()); err != nil {
		t.Fatalf("ingest inbound: %v", err)
	}

	tests := []struct {
		name       string
		update     *domain.DeliveryStatusUpdate
		wantStatus int
		want       domain.DeliveryStatus
		wantErr    string
	}{
		{"delivered", &domain.DeliveryStatusUpdate{MessageID: "<sent@y.com>", Status: "delivered", Error: "ignored"}, 0, domain.DeliveryDelivered, ""},
		{"failed keeps error", &domain.DeliveryStatusUpdate{MessageID: "sent@y.com", Status: "FAILED", Error: "mailbox full"}, 0, domain.DeliveryFailed, "mailbox full"},
		{"bad status", &domain.DeliveryStatusUpdate{MessageID: "<sent@y.com>", Status: "bounced"}, http.StatusBadRequest, "", ""},
		{"unknown message", &domain.DeliveryStatusUpdate{MessageID: "<nope@y.com>", Status: "sent"}, http.StatusNotFound, "", ""},
		{"inbound message", &domain.DeliveryStatusUpdate{MessageID: "<abc@x.com>", Status: "sent"}, http.StatusBadRequest, "", ""},
		{"missing id", &domain.DeliveryStatusUpdate{Status: "sent"}, http.StatusBadRequest, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := env.svc.UpdateDeliveryStatus(ctx, tt.update)
			if tt.wantStatus != 0 {
				if got := apperr.GetHTTPStatus(err); got != tt.wantStatus {
					t.Fatalf("status = %d, err = %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpdateDeliveryStatus: %v", err)
			}
			if msg.DeliveryStatus != tt.want || msg.DeliveryError != tt.wantErr {
				t.Errorf("status = %s, error = %q", msg.DeliveryStatus, msg.DeliveryError)
			}
		})
	}
}

func TestIngestForAccount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "team-default")

	acct := &domain.ConnectedAccount{ID: "acc-1", Provider: domain.ProviderGmail, Email: "me@y.com"}
	payload := helloPayload()
	payload.Date = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC).Format(time.RFC1123Z)

	res, err := env.svc.IngestForAccount(ctx, acct, payload)
	if err != nil {
		t.Fatalf("IngestForAccount: %v", err)
	}
	msg, err := env.mails.GetMessageByMessageID(ctx, "team-default", res.MessageID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if msg.AccountID != "acc-1" || msg.Direction != domain.DirectionInbound {
		t.Errorf("message = %+v", msg)
	}
	if !msg.ReceivedAt.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("ReceivedAt = %v", msg.ReceivedAt)
	}
}
