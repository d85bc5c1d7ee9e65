// Package signature verifies HMAC-signed inbound webhooks.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
)

// DefaultMaxSkew is the replay window for signed requests.
const DefaultMaxSkew = 300 * time.Second

// Verifier validates webhook authenticity and freshness. It is stateless
// and must run before the body is parsed.
type Verifier struct {
	secret     []byte
	production bool
	maxSkew    time.Duration
	now        func() time.Time
}

// Config holds verifier settings.
type Config struct {
	Secret     string
	Production bool
	MaxSkew    time.Duration
}

// NewVerifier creates a verifier.
func NewVerifier(cfg Config) *Verifier {
	skew := cfg.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	if cfg.Secret == "" {
		if cfg.Production {
			logger.Error("[Signature] No inbound webhook secret configured: all signed webhooks will be rejected")
		} else {
			logger.Warn("[Signature] No inbound webhook secret configured: signature checks are DISABLED (non-production only)")
		}
	}
	return &Verifier{
		secret:     []byte(cfg.Secret),
		production: cfg.Production,
		maxSkew:    skew,
		now:        time.Now,
	}
}

// Verify checks signature and timestamp against body.
func (v *Verifier) Verify(body []byte, signature, timestamp string) error {
	if len(v.secret) == 0 {
		if v.production {
			return apperr.Signature("webhook secret not configured")
		}
		logger.Warn("[Signature.Verify] ACCEPTING UNSIGNED WEBHOOK: no secret configured")
		return nil
	}

	if signature == "" || timestamp == "" {
		return apperr.Signature("missing signature or timestamp")
	}

	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return apperr.Signature("invalid timestamp")
	}

	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return apperr.Signature("timestamp outside allowed window")
	}

	expected := Sign(v.secret, timestamp, body)
	provided := strings.ToLower(stripScheme(strings.TrimSpace(signature)))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return apperr.Signature("signature mismatch")
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "{timestamp}.{body}".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// stripScheme removes prefixes such as "sha256=" or "v1=".
func stripScheme(sig string) string {
	if i := strings.IndexByte(sig, '='); i >= 0 && i < len(sig)-1 {
		return sig[i+1:]
	}
	return sig
}

// parseTimestamp accepts unix seconds or milliseconds.
func parseTimestamp(s string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	// 10^12 seconds is year 33658; anything larger is milliseconds.
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}
