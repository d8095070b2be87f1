// Package webhook receives Linear webhook deliveries over HTTP.
//
// Deliveries are acknowledged with an empty 200 before any processing, so
// Linear never retries on our account. Signature checks, decoding and
// relaying all happen afterwards on their own goroutine.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "Linear-Signature"

// DefaultTimestampTolerance bounds how old a signed delivery may be.
const DefaultTimestampTolerance = time.Minute

// Sign returns the signature Linear would send for body.
func Sign(body, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks the Linear-Signature header value against body.
func VerifySignature(body []byte, signature string, secret []byte) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("missing %s header", SignatureHeader)
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	if !hmac.Equal(got, h.Sum(nil)) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// CheckTimestamp rejects deliveries whose webhookTimestamp (unix millis) is
// further than tolerance from now. A zero timestamp is accepted.
func CheckTimestamp(webhookTimestamp int64, now time.Time, tolerance time.Duration) error {
	if webhookTimestamp == 0 {
		return nil
	}
	sent := time.UnixMilli(webhookTimestamp)
	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return fmt.Errorf("delivery timestamp %s outside tolerance %s", sent.UTC().Format(time.RFC3339), tolerance)
	}
	return nil
}
