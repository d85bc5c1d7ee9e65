package domain

import (
	"reflect"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestStringList_Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want StringList
	}{
		{"single string", `{"to":"team@y.com"}`, StringList{"team@y.com"}},
		{"array", `{"to":["a@x.com","b@x.com"]}`, StringList{"a@x.com", "b@x.com"}},
		{"empty string", `{"to":""}`, nil},
		{"null", `{"to":null}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m InboundMail
			if err := json.Unmarshal([]byte(tt.in), &m); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if !reflect.DeepEqual(m.To, tt.want) {
				t.Errorf("To = %#v, want %#v", m.To, tt.want)
			}
		})
	}
}

func TestStringList_UnmarshalRejectsObject(t *testing.T) {
	var m InboundMail
	if err := json.Unmarshal([]byte(`{"to":{"a":1}}`), &m); err == nil {
		t.Error("expected error for object recipient")
	}
}

func TestConnectedAccount_StateMachine(t *testing.T) {
	now := time.Now()
	a := &ConnectedAccount{IsActive: true, SyncStatus: SyncStatusConnected}

	if !a.CanSync() {
		t.Fatal("connected account should sync")
	}
	a.RecordSyncSuccess(now)
	if a.SyncStatus != SyncStatusActive || a.LastSyncAt == nil {
		t.Fatalf("after success status = %s", a.SyncStatus)
	}

	a.RecordFailure(ReauthRequiredMessage)
	if a.SyncStatus != SyncStatusError || a.SyncError != ReauthRequiredMessage {
		t.Fatalf("after failure status = %s err = %q", a.SyncStatus, a.SyncError)
	}
	if a.CanSync() {
		t.Error("error account should wait for reconnect")
	}

	a.Reconnect()
	if a.SyncStatus != SyncStatusConnected || a.SyncError != "" {
		t.Errorf("after reconnect status = %s err = %q", a.SyncStatus, a.SyncError)
	}

	a.Disable()
	a.RecordSyncSuccess(now)
	a.RecordFailure("boom")
	if a.SyncStatus != SyncStatusDisabled || a.CanSync() {
		t.Errorf("disabled must be terminal, got %s", a.SyncStatus)
	}
}

func TestConnectedAccount_TokenExpiresWithin(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		expiry time.Time
		window time.Duration
		want   bool
	}{
		{"already expired", now.Add(-time.Second), 5 * time.Minute, true},
		{"inside buffer", now.Add(4 * time.Minute), 5 * time.Minute, true},
		{"outside buffer", now.Add(time.Hour), 5 * time.Minute, false},
		{"zero expiry", time.Time{}, 5 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &ConnectedAccount{TokenExpiry: tt.expiry}
			if got := a.TokenExpiresWithin(now, tt.window); got != tt.want {
				t.Errorf("TokenExpiresWithin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanonicalEmail_Participants(t *testing.T) {
	e := &CanonicalEmail{
		From: EmailAddress{Email: "Jane@X.com"},
		To:   []EmailAddress{{Email: "team@y.com"}, {Email: "jane@x.com"}},
		Cc:   []EmailAddress{{Email: "bob@z.com"}},
		Bcc:  []EmailAddress{{Email: "hidden@z.com"}},
	}
	want := []string{"bob@z.com", "jane@x.com", "team@y.com"}
	if got := e.Participants(); !reflect.DeepEqual(got, want) {
		t.Errorf("Participants() = %v, want %v", got, want)
	}
}

func TestCanonicalEmail_ThreadingIDs(t *testing.T) {
	e := &CanonicalEmail{InReplyTo: "<b@x>", References: []string{"<a@x>", "<b@x>"}}
	want := []string{"<b@x>", "<a@x>"}
	if got := e.ThreadingIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("ThreadingIDs() = %v, want %v", got, want)
	}
}

func TestGmailNotification_HistoryID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want HistoryID
	}{
		{"number", `{"emailAddress":"a@x.com","historyId":12345}`, 12345},
		{"string", `{"emailAddress":"a@x.com","historyId":"9876543210"}`, 9876543210},
		{"missing", `{"emailAddress":"a@x.com"}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n GmailNotification
			if err := json.Unmarshal([]byte(tt.in), &n); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if n.HistoryID != tt.want {
				t.Errorf("HistoryID = %d, want %d", n.HistoryID, tt.want)
			}
		})
	}

	var n GmailNotification
	if err := json.Unmarshal([]byte(`{"historyId":"abc"}`), &n); err == nil {
		t.Error("expected error for non-numeric history id")
	}
}
