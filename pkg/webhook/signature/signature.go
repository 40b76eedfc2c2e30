// Package signature implements HMAC-SHA256 payload signing and
// verification for webhook deliveries. Verification never returns an
// error: malformed headers, decoding failures, and missing fields all
// verify as false.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sign produces a base64-encoded HMAC-SHA256 digest of the payload
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature and compares in constant time
func Verify(secret string, payload []byte, signature string) bool {
	expected := Sign(secret, payload)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// SignTimestamped produces a timestamp-bound header of the form
// t={unix},v1={sig}, where the digest covers {unix}:{payload}
func SignTimestamped(secret string, payload []byte, ts time.Time) string {
	unix := ts.Unix()
	signed := append([]byte(strconv.FormatInt(unix, 10)+":"), payload...)
	return fmt.Sprintf("t=%d,v1=%s", unix, Sign(secret, signed))
}

// VerifyTimestamped validates a timestamp-bound header, rejecting
// signatures older than the window
func VerifyTimestamped(secret string, payload []byte, header string, window time.Duration) bool {
	return verifyTimestampedAt(secret, payload, header, window, time.Now())
}

func verifyTimestampedAt(secret string, payload []byte, header string, window time.Duration, now time.Time) bool {
	var unix int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return false
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return false
			}
			unix = parsed
		case "v1":
			sig = kv[1]
		}
	}
	if unix == 0 || sig == "" {
		return false
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > window || age < -window {
		return false
	}
	signed := append([]byte(strconv.FormatInt(unix, 10)+":"), payload...)
	return Verify(secret, signed, sig)
}

// NonceStore tracks nonces that have already been accepted
type NonceStore interface {
	// Seen marks the nonce and reports whether it was already present
	Seen(ctx context.Context, nonce string) (bool, error)
}

// VerifyWithNonce validates the signature and rejects replays: payloads
// whose "nonce" field has been seen by the store verify as false, as do
// payloads without one.
func VerifyWithNonce(ctx context.Context, secret string, payload []byte, sig string, store NonceStore) bool {
	if !Verify(secret, payload, sig) {
		return false
	}
	var body struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Nonce == "" {
		return false
	}
	seen, err := store.Seen(ctx, body.Nonce)
	if err != nil || seen {
		return false
	}
	return true
}
