package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

const (
	// SignatureHeader carries the timestamped HMAC for outbound events and
	// must be present on inbound pushes.
	SignatureHeader = "X-Signature"

	signatureVersion = "v1"

	// DefaultTolerance bounds how stale a signed timestamp may be in either
	// direction before verification rejects it.
	DefaultTolerance = 300 * time.Second
)

// Sign produces the signature header value for a payload at a moment in
// time: "t=<unix>,v1=<hex hmac-sha256(secret, "<unix>.<payload>")>".
func Sign(secret []byte, payload []byte, at time.Time) string {
	timestamp := strconv.FormatInt(at.UTC().Unix(), 10)
	return "t=" + timestamp + "," + signatureVersion + "=" + computeSignature(secret, payload, timestamp)
}

func computeSignature(secret []byte, payload []byte, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks inbound delivery signatures. Comparison is constant time;
// timestamps outside the tolerance window fail even when the digest matches.
type Verifier struct {
	secret    []byte
	tolerance time.Duration

	Now func() time.Time
}

func NewVerifier(secret string, toleranceSeconds int) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, core.NewValidationError("webhooks: signing secret is required")
	}
	tolerance := DefaultTolerance
	if toleranceSeconds > 0 {
		tolerance = time.Duration(toleranceSeconds) * time.Second
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		Now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Verify validates a signature header against the payload it claims to sign.
func (v *Verifier) Verify(header string, payload []byte) error {
	if v == nil {
		return core.NewInternalError("webhooks: verifier is nil")
	}
	timestamp, digest, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	signedAt := time.Unix(timestamp, 0).UTC()
	now := v.Now().UTC()
	if signedAt.Before(now.Add(-v.tolerance)) || signedAt.After(now.Add(v.tolerance)) {
		return core.NewAuthError(
			fmt.Sprintf("webhooks: signature timestamp %d outside the %s tolerance", timestamp, v.tolerance),
			false,
		)
	}

	expected := computeSignature(v.secret, payload, strconv.FormatInt(timestamp, 10))
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return core.NewAuthError("webhooks: signature mismatch", false)
	}
	return nil
}

func parseSignatureHeader(header string) (int64, string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, "", core.NewAuthError("webhooks: signature header is missing", false)
	}

	var timestampRaw, digest string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestampRaw = value
		case signatureVersion:
			digest = value
		}
	}
	if timestampRaw == "" || digest == "" {
		return 0, "", core.NewAuthError("webhooks: malformed signature header", false)
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return 0, "", core.NewAuthError("webhooks: signature timestamp is not numeric", false)
	}
	return timestamp, digest, nil
}
