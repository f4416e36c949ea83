// Package webhook signs and dispatches outbox rows to the merchant's
// receiver endpoint with retries and dead-lettering.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Signature-Timestamp"

	signaturePrefix = "sha256="
)

// Signer produces and verifies the payload signature the receiver checks:
// HMAC-SHA256 over "<unix timestamp>.<body>". Covering the timestamp
// prevents replaying a captured delivery later.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the signature header value for body at ts.
func (s *Signer) Sign(ts time.Time, body []byte) string {
	return signaturePrefix + hex.EncodeToString(s.mac(ts, body))
}

// Verify checks a received signature against body. Deliveries older than
// skew are rejected even when the signature matches.
func (s *Signer) Verify(signature string, tsHeader string, body []byte, now time.Time, skew time.Duration) error {
	raw, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return fmt.Errorf("signature missing %q prefix", signaturePrefix)
	}

	got, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("hex.DecodeString: %w", err)
	}

	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp[%s] is not valid: %w", tsHeader, err)
	}
	ts := time.Unix(unix, 0)

	age := now.Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > skew {
		return fmt.Errorf("timestamp[%s] outside allowed skew %s", tsHeader, skew)
	}

	want := s.mac(ts, body)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}

func (s *Signer) mac(ts time.Time, body []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

// Timestamp returns the header value matching a Sign call at ts.
func Timestamp(ts time.Time) string {
	return strconv.FormatInt(ts.Unix(), 10)
}
