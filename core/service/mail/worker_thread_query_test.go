package mail

import (
	"context"
	"net/http"
	"testing"

	"mailsync_server/core/domain"
	"mailsync_server/pkg/apperr"
)

func TestThreadQueryService(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "team-1")
	q := NewThreadQueryService(env.mails, "team-1")

	first, err := env.svc.IngestInbound(ctx, helloPayload())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	reply := &domain.InboundMail{
		From:      "team@y.com",
		To:        domain.StringList{"jane@x.com"},
		Subject:   "Re: Hello",
		Text:      "hello back",
		MessageID: "<def@y.com>",
		InReplyTo: "<abc@x.com>",
	}
	if _, err := env.svc.IngestInbound(ctx, reply); err != nil {
		t.Fatalf("ingest reply: %v", err)
	}
	other := helloPayload()
	other.MessageID = "<other@x.com>"
	other.Subject = "Unrelated"
	other.TeamID = "team-2"
	otherRes, err := env.svc.IngestInbound(ctx, other)
	if err != nil {
		t.Fatalf("ingest other team: %v", err)
	}

	t.Run("list threads is team scoped", func(t *testing.T) {
		threads, err := q.ListThreads(ctx, "", domain.PageRequest{})
		if err != nil {
			t.Fatal(err)
		}
		if len(threads) != 1 || threads[0].ID != first.ThreadID {
			t.Errorf("threads = %+v", threads)
		}
	})

	t.Run("thread messages", func(t *testing.T) {
		msgs, err := q.ListThreadMessages(ctx, "team-1", first.ThreadID)
		if err != nil {
			t.Fatal(err)
		}
		ids := map[string]bool{}
		for _, m := range msgs {
			ids[m.MessageID] = true
		}
		if len(msgs) != 2 || !ids["<abc@x.com>"] || !ids["<def@y.com>"] {
			t.Errorf("messages = %v", ids)
		}
	})

	tests := []struct {
		name     string
		teamID   string
		threadID string
		status   int
	}{
		{"other team's thread", "team-1", otherRes.ThreadID, http.StatusNotFound},
		{"unknown thread", "team-1", "missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.ListThreadMessages(ctx, tt.teamID, tt.threadID)
			if got := apperr.GetHTTPStatus(err); got != tt.status {
				t.Errorf("status = %d (%v), want %d", got, err, tt.status)
			}
		})
	}

	t.Run("no team", func(t *testing.T) {
		_, err := NewThreadQueryService(env.mails, "").ListThreads(ctx, "", domain.PageRequest{})
		if !apperr.HasCode(err, apperr.CodeMissingField) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestPageRequest_Limit(t *testing.T) {
	tests := []struct {
		size, want int
	}{
		{0, domain.DefaultPageSize},
		{-3, domain.DefaultPageSize},
		{10, 10},
		{1000, domain.MaxPageSize},
	}
	for _, tt := range tests {
		if got := (domain.PageRequest{PageSize: tt.size}).Limit(); got != tt.want {
			t.Errorf("Limit(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}
