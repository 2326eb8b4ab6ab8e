// Package webhook delivers signed job outcome notifications to client callback URLs.
//
// Each request carries:
//
//	X-Webhook-Signature: sha256=<hex HMAC-SHA256(secret, "<timestamp>.<body>")>
//	X-Webhook-Timestamp: unix seconds at the time of the attempt
//	X-Webhook-ID:        job ID
//	X-Webhook-Attempt:   1-based attempt number
//
// The body is compact JSON with sorted keys, so a receiver that re-encodes the
// parsed payload the same way gets identical bytes. Verifying the raw body with
// Verify is still the safer choice. Timestamps outside the receiver's tolerance
// window should be rejected.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"
	HeaderAttempt   = "X-Webhook-Attempt"

	UserAgent = "TTS-API-Webhook/1.0"

	signaturePrefix = "sha256="

	// DefaultTolerance is the replay window recommended to receivers.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
)

// Sign computes the signature header value for body sent at timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received delivery. timestamp is the raw header value and
// body the exact request bytes. A non-positive tolerance disables the age check.
func Verify(secret, timestamp string, body []byte, signature string, tolerance time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return ErrStaleTimestamp
		}
	}

	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
