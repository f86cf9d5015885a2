package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/KeiranCPFlynn/flow402-credits/signature"
)

// Error kinds surfaced in response bodies (taxonomy of the wire protocol).
const (
	errInvalidRequest         = "invalid_request"
	errMissingIdempotencyKey  = "missing_idempotency_key"
	errInvalidSignature       = "invalid_signature"
	errIdempotencyConflict    = "idempotency_conflict"
	errRequestInProgress      = "request_in_progress"
	errRefClassMismatch       = "ref_class_mismatch"
	errUserNotFound           = "user_not_found"
	errBalanceLookupFailed    = "balance_lookup_failed"
	errMutationFailed         = "mutation_failed"
	errVendorLookupFailed     = "vendor_lookup_failed"
	errIdempotencyStoreFailed = "idempotency_store_failed"
)

// Auth sub-reasons beyond the signature verifier's own codes; all three are
// surfaced as invalid_signature with the reason naming the specific failure.
const (
	reasonMissingVendorKey = "missing_vendor_key"
	reasonUnknownVendor    = "unknown_vendor"
	reasonVendorMismatch   = "vendor_mismatch"
)

// errorBody is the standard error envelope. Reason and RequestID are
// optional; store-native error text never leaks into either.
type errorBody struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// paywallEnvelope is the exact 402 wire shape.
type paywallEnvelope struct {
	PriceCredits int64  `json:"price_credits"`
	Currency     string `json:"currency"`
	TopupURL     string `json:"topup_url"`
}

func newPaywall(amount int64, userID string) paywallEnvelope {
	return paywallEnvelope{
		PriceCredits: amount,
		Currency:     "USDC",
		TopupURL:     fmt.Sprintf("/topup?need=%d&user=%s", amount, userID),
	}
}

// mustJSON marshals v, which is always one of the package's own envelope
// structs and cannot fail to encode.
func mustJSON(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

// writeSigned writes body with an outbound x-f402-sig header over it, so
// vendors can authenticate paywall envelopes and replays.
func (s *Server) writeSigned(w http.ResponseWriter, status int, body []byte, secret string) {
	ts := s.now().Unix()
	w.Header().Set(signature.HeaderSignature, signature.Header(secret, ts, body))
	s.writeJSON(w, status, body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, reason, requestID string) {
	s.metrics.record(func(m *Metrics) { m.ErrorsTotal++ })
	s.writeJSON(w, status, mustJSON(errorBody{Error: kind, Reason: reason, RequestID: requestID}))
}
