package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names used by the gateway wire protocol. Header lookup through
// net/http is case-insensitive, so these are written in their canonical
// lowercase wire form.
const (
	// HeaderSignature carries the request signature as "t=<unix>,v1=<hex>".
	HeaderSignature = "x-f402-sig"
	// HeaderSignatureLegacy is the pre-rename alias. Accepted on requests,
	// never emitted on responses.
	HeaderSignatureLegacy = "x-flow402-signature"
	// HeaderBodySHA carries the lowercase hex SHA-256 of the raw request body.
	HeaderBodySHA = "x-f402-body-sha"
	// HeaderVendorKey identifies the calling vendor (api key, slug or UUID).
	HeaderVendorKey = "x-f402-key"
)

// Verification failure reason codes, surfaced to clients in the
// invalid_signature error body.
const (
	ReasonMissingHeader    = "missing_signature_header"
	ReasonInvalidFormat    = "invalid_signature_format"
	ReasonTimestampWindow  = "timestamp_out_of_window"
	ReasonMissingBodyHash  = "missing_body_hash"
	ReasonBodyHashMismatch = "body_hash_mismatch"
	ReasonMismatch         = "signature_mismatch"
)

// DefaultSkew is the accepted clock skew between the signer and the verifier.
const DefaultSkew = 300 * time.Second

// Error is a signature verification failure with a machine-readable reason.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "signature verification failed: " + e.Reason
}

// Verifier checks vendor request signatures. The zero value is not usable;
// construct with NewVerifier.
type Verifier struct {
	skew time.Duration
	now  func() time.Time
}

// NewVerifier returns a Verifier accepting timestamps within skew of the
// local clock. A non-positive skew selects DefaultSkew.
func NewVerifier(skew time.Duration) *Verifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &Verifier{skew: skew, now: time.Now}
}

// Verify validates the signature and body-hash headers against body using
// the vendor's signing secret. On success it returns the signed timestamp;
// on failure the returned error is a *Error carrying the reason code.
//
// The body must be the exact bytes received on the wire; callers are
// expected to read it once and pass the same slice downstream.
func (v *Verifier) Verify(h http.Header, body []byte, secret string) (int64, error) {
	raw := h.Get(HeaderSignature)
	if raw == "" {
		raw = h.Get(HeaderSignatureLegacy)
	}
	if strings.TrimSpace(raw) == "" {
		return 0, &Error{Reason: ReasonMissingHeader}
	}

	ts, sig, err := parseHeader(raw)
	if err != nil {
		return 0, &Error{Reason: ReasonInvalidFormat}
	}

	now := v.now().Unix()
	if diff := now - ts; diff > int64(v.skew/time.Second) || -diff > int64(v.skew/time.Second) {
		return 0, &Error{Reason: ReasonTimestampWindow}
	}

	bodyHash := strings.ToLower(strings.TrimSpace(h.Get(HeaderBodySHA)))
	if bodyHash == "" {
		return 0, &Error{Reason: ReasonMissingBodyHash}
	}
	if bodyHash != BodySHA(body) {
		return 0, &Error{Reason: ReasonBodyHashMismatch}
	}

	want := digest(secret, ts, body)
	if !hmac.Equal(sig, want) {
		return 0, &Error{Reason: ReasonMismatch}
	}
	return ts, nil
}

// parseHeader extracts the t and v1 pairs from a "t=...,v1=..." header
// value. Pairs may appear in any order, with extra pairs and whitespace
// tolerated. The v1 value is returned as decoded bytes so the caller can
// compare in constant time.
func parseHeader(raw string) (int64, []byte, error) {
	var (
		ts     int64
		sig    []byte
		seenT  bool
		seenV1 bool
	)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return 0, nil, fmt.Errorf("malformed pair %q", part)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		switch name {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("parse timestamp: %w", err)
			}
			ts = n
			seenT = true
		case "v1":
			if value != strings.ToLower(value) {
				return 0, nil, fmt.Errorf("signature digest not lowercase hex")
			}
			b, err := hex.DecodeString(value)
			if err != nil {
				return 0, nil, fmt.Errorf("decode signature digest: %w", err)
			}
			if len(b) != sha256.Size {
				return 0, nil, fmt.Errorf("signature digest length %d", len(b))
			}
			sig = b
			seenV1 = true
		default:
			// Unknown pairs are ignored for forward compatibility.
		}
	}
	if !seenT || !seenV1 {
		return 0, nil, fmt.Errorf("missing t or v1 pair")
	}
	return ts, sig, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of "<ts>.<body>" under secret.
func Sign(secret string, ts int64, body []byte) string {
	return hex.EncodeToString(digest(secret, ts, body))
}

// Header builds a complete signature header value for body at ts.
func Header(secret string, ts int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, Sign(secret, ts, body))
}

// BodySHA returns the lowercase hex SHA-256 of body.
func BodySHA(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func digest(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
