package signature

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

const (
	demoSecret = "demo-signing-secret"
	demoBody   = `{"amount_credits":5,"ref":"demo-ref","userId":"9c0383a1-0887-4c0f-98ca-cb71ffc4e76c"}`
	demoTS     = int64(1729200000)
	demoSHA    = "5a159b6e835fc4d107d0ffd630fe705c1a86c00ebf7d5dad7179ad912d249129"
	demoSig    = "6f65904bd1173ac13d5a79d2c038d7db7908513bf50e41509d964ff2ac924ac5"
)

func fixedVerifier(now int64) *Verifier {
	v := NewVerifier(DefaultSkew)
	v.now = func() time.Time { return time.Unix(now, 0) }
	return v
}

func signedHeaders(sigHeader, sig, sha string) http.Header {
	h := http.Header{}
	h.Set(sigHeader, sig)
	h.Set(HeaderBodySHA, sha)
	return h
}

func TestVerifyKnownVector(t *testing.T) {
	if got := BodySHA([]byte(demoBody)); got != demoSHA {
		t.Fatalf("BodySHA = %s, want %s", got, demoSHA)
	}
	if got := Sign(demoSecret, demoTS, []byte(demoBody)); got != demoSig {
		t.Fatalf("Sign = %s, want %s", got, demoSig)
	}

	h := signedHeaders(HeaderSignature, Header(demoSecret, demoTS, []byte(demoBody)), demoSHA)
	ts, err := fixedVerifier(demoTS).Verify(h, []byte(demoBody), demoSecret)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ts != demoTS {
		t.Errorf("timestamp = %d, want %d", ts, demoTS)
	}
}

func TestVerifyLegacyHeader(t *testing.T) {
	h := signedHeaders(HeaderSignatureLegacy, Header(demoSecret, demoTS, []byte(demoBody)), demoSHA)
	if _, err := fixedVerifier(demoTS).Verify(h, []byte(demoBody), demoSecret); err != nil {
		t.Fatalf("Verify with legacy header failed: %v", err)
	}
}

func TestVerifyTimestampWindow(t *testing.T) {
	h := signedHeaders(HeaderSignature, Header(demoSecret, demoTS, []byte(demoBody)), demoSHA)

	// Exactly at the window edge is accepted.
	if _, err := fixedVerifier(demoTS+300).Verify(h, []byte(demoBody), demoSecret); err != nil {
		t.Fatalf("Verify at +300s failed: %v", err)
	}

	// One past the edge, in either direction, is rejected.
	for _, now := range []int64{demoTS + 301, demoTS - 301} {
		_, err := fixedVerifier(now).Verify(h, []byte(demoBody), demoSecret)
		assertReason(t, err, ReasonTimestampWindow)
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	h := signedHeaders(HeaderSignature, Header(demoSecret, demoTS, []byte(demoBody)), demoSHA)
	tampered := []byte(`{"amount_credits":500,"ref":"demo-ref","userId":"9c0383a1-0887-4c0f-98ca-cb71ffc4e76c"}`)
	_, err := fixedVerifier(demoTS).Verify(h, tampered, demoSecret)
	assertReason(t, err, ReasonBodyHashMismatch)
}

func TestVerifyWrongSecret(t *testing.T) {
	h := signedHeaders(HeaderSignature, Header("other-secret", demoTS, []byte(demoBody)), demoSHA)
	_, err := fixedVerifier(demoTS).Verify(h, []byte(demoBody), demoSecret)
	assertReason(t, err, ReasonMismatch)
}

func TestVerifyHeaderShapes(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		reason string
	}{
		{"empty", "", ReasonMissingHeader},
		{"missing v1", "t=1729200000", ReasonInvalidFormat},
		{"missing t", "v1=" + demoSig, ReasonInvalidFormat},
		{"bad timestamp", "t=abc,v1=" + demoSig, ReasonInvalidFormat},
		{"bad hex", "t=1729200000,v1=zzzz", ReasonInvalidFormat},
		{"short digest", "t=1729200000,v1=abcd", ReasonInvalidFormat},
		{"uppercase digest", "t=1729200000,v1=6F65904BD1173AC13D5A79D2C038D7DB7908513BF50E41509D964FF2AC924AC5", ReasonInvalidFormat},
		{"pair without equals", "t=1729200000,v1", ReasonInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set(HeaderSignature, tt.value)
			}
			h.Set(HeaderBodySHA, demoSHA)
			_, err := fixedVerifier(demoTS).Verify(h, []byte(demoBody), demoSecret)
			assertReason(t, err, tt.reason)
		})
	}
}

func TestVerifyToleratesExtraPairsAndWhitespace(t *testing.T) {
	value := "  v1=" + demoSig + " , extra=1 ,, t = 1729200000  "
	h := signedHeaders(HeaderSignature, value, demoSHA)
	if _, err := fixedVerifier(demoTS).Verify(h, []byte(demoBody), demoSecret); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestVerifyMissingBodyHash(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderSignature, Header(demoSecret, demoTS, []byte(demoBody)))
	_, err := fixedVerifier(demoTS).Verify(h, []byte(demoBody), demoSecret)
	assertReason(t, err, ReasonMissingBodyHash)
}

func TestVerifyBodyHashCaseInsensitive(t *testing.T) {
	h := signedHeaders(HeaderSignature, Header(demoSecret, demoTS, []byte(demoBody)), "5A159B6E835FC4D107D0FFD630FE705C1A86C00EBF7D5DAD7179AD912D249129")
	if _, err := fixedVerifier(demoTS).Verify(h, []byte(demoBody), demoSecret); err != nil {
		t.Fatalf("Verify with uppercase body hash failed: %v", err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	bodies := []string{"{}", `{"a":1}`, "x", `{"nested":{"deep":[1,2,3]}}`}
	secrets := []string{"s", "another-secret", "0123456789abcdef0123456789abcdef"}
	for _, body := range bodies {
		for _, secret := range secrets {
			h := signedHeaders(HeaderSignature, Header(secret, demoTS, []byte(body)), BodySHA([]byte(body)))
			if _, err := fixedVerifier(demoTS).Verify(h, []byte(body), secret); err != nil {
				t.Errorf("round trip failed for body %q secret %q: %v", body, secret, err)
			}
		}
	}
}

func assertReason(t *testing.T, err error, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil error", reason)
	}
	var sigErr *Error
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected *signature.Error, got %T: %v", err, err)
	}
	if sigErr.Reason != reason {
		t.Fatalf("reason = %s, want %s", sigErr.Reason, reason)
	}
}
