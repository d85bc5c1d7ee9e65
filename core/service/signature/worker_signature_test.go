package signature

import (
	"strconv"
	"testing"
	"time"

	"mailsync_server/pkg/apperr"
)

func newTestVerifier(secret string, production bool, now time.Time) *Verifier {
	v := NewVerifier(Config{Secret: secret, Production: production})
	v.now = func() time.Time { return now }
	return v
}

func TestVerifier_Verify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	secret := "s3cret"
	body := []byte(`{"from":"Jane <jane@x.com>","to":"team@y.com","subject":"Hello","text":"hi"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	good := Sign([]byte(secret), ts, body)

	tampered := make([]byte, len(body))
	copy(tampered, body)
	tampered[10] ^= 0x01

	old := strconv.FormatInt(now.Add(-301*time.Second).Unix(), 10)
	future := strconv.FormatInt(now.Add(301*time.Second).Unix(), 10)

	tests := []struct {
		name      string
		body      []byte
		signature string
		timestamp string
		wantErr   bool
	}{
		{"valid", body, good, ts, false},
		{"valid with scheme prefix", body, "sha256=" + good, ts, false},
		{"valid upper-case hex", body, "v1=" + upper(good), ts, false},
		{"valid millisecond timestamp", body, Sign([]byte(secret), strconv.FormatInt(now.UnixMilli(), 10), body), strconv.FormatInt(now.UnixMilli(), 10), false},
		{"one byte changed", tampered, good, ts, true},
		{"wrong secret", body, Sign([]byte("other"), ts, body), ts, true},
		{"missing signature", body, "", ts, true},
		{"missing timestamp", body, good, "", true},
		{"garbage timestamp", body, good, "yesterday", true},
		{"replayed old timestamp", body, Sign([]byte(secret), old, body), old, true},
		{"timestamp too far in future", body, Sign([]byte(secret), future, body), future, true},
	}

	v := newTestVerifier(secret, true, now)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.body, tt.signature, tt.timestamp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !apperr.HasCode(err, apperr.CodeSignatureInvalid) {
				t.Errorf("Verify() error code = %v, want %s", err, apperr.CodeSignatureInvalid)
			}
		})
	}
}

func TestVerifier_EdgeOfWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier("k", true, now)
	ts := strconv.FormatInt(now.Add(-300*time.Second).Unix(), 10)
	body := []byte("{}")
	if err := v.Verify(body, Sign([]byte("k"), ts, body), ts); err != nil {
		t.Errorf("exactly 300s old should be accepted, got %v", err)
	}
}

func TestVerifier_NoSecret(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)

	prod := newTestVerifier("", true, now)
	if err := prod.Verify(body, "anything", "1"); err == nil {
		t.Error("production without secret must reject")
	}

	dev := newTestVerifier("", false, now)
	if err := dev.Verify(body, "", ""); err != nil {
		t.Errorf("non-production without secret should accept, got %v", err)
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 32
		}
	}
	return string(b)
}
