package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KeiranCPFlynn/flow402-credits/idempotency"
	"github.com/KeiranCPFlynn/flow402-credits/ledger"
	"github.com/KeiranCPFlynn/flow402-credits/signature"
	"github.com/KeiranCPFlynn/flow402-credits/tenant"
)

type deductRequest struct {
	UserID        string `json:"userId"`
	Ref           string `json:"ref"`
	AmountCredits int64  `json:"amount_credits"`
}

type topupRequest struct {
	UserID        string `json:"userId"`
	AmountCredits int64  `json:"amount_credits"`
}

type resetRequest struct {
	UserID string `json:"userId"`
}

type successBody struct {
	OK         bool   `json:"ok"`
	NewBalance *int64 `json:"new_balance,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// handleDeduct is the signed debit pipeline: vendor key → idempotency key →
// tenant resolution and scope guard → signature verification → idempotency
// claim → body validation → balance check → debit. The first failure
// short-circuits; everything decided after a successful claim is persisted
// so same-key retries observe the same outcome.
func (s *Server) handleDeduct(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	s.metrics.record(func(m *Metrics) { m.RequestsTotal++ })
	logger := s.logger.With(zap.String("request_id", requestID), zap.String("path", r.URL.Path))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidRequest, "unreadable body", requestID)
		return
	}

	vendorKey := strings.TrimSpace(r.Header.Get(signature.HeaderVendorKey))
	if vendorKey == "" {
		s.writeError(w, http.StatusUnauthorized, errInvalidSignature, reasonMissingVendorKey, requestID)
		return
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, errMissingIdempotencyKey, "", requestID)
		return
	}

	ten, err := s.tenants.Resolve(ctx, vendorKey)
	switch {
	case errors.Is(err, tenant.ErrNotFound), errors.Is(err, tenant.ErrInvalidCredential):
		s.writeError(w, http.StatusUnauthorized, errInvalidSignature, reasonUnknownVendor, requestID)
		return
	case err != nil:
		logger.Error("vendor lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, errVendorLookupFailed, "", requestID)
		return
	case ten.ID != s.cfg.TenantID:
		s.writeError(w, http.StatusUnauthorized, errInvalidSignature, reasonVendorMismatch, requestID)
		return
	}

	if _, err := s.verifier.Verify(r.Header, body, ten.SigningSecret); err != nil {
		var sigErr *signature.Error
		reason := signature.ReasonInvalidFormat
		if errors.As(err, &sigErr) {
			reason = sigErr.Reason
		}
		logger.Info("signature rejected", zap.String("reason", reason), zap.String("tenant", ten.Slug))
		s.writeError(w, http.StatusUnauthorized, errInvalidSignature, reason, requestID)
		return
	}

	// The claim happens after authentication, so unauthenticated floods
	// cannot pollute the store, and before body validation, so an
	// invalid_request outcome can be persisted and replayed.
	if !s.claim(ctx, w, logger, key, r.Method, r.URL.Path, signature.BodySHA(body), requestID, ten.SigningSecret) {
		return
	}

	req, userID, vErr := parseDeductBody(body)
	if vErr != "" {
		s.respondClaimed(ctx, w, logger, key, http.StatusBadRequest,
			mustJSON(errorBody{Error: errInvalidRequest, Reason: vErr, RequestID: requestID}), "")
		return
	}

	balance, _, err := s.ledger.Balance(ctx, ten.ID, userID)
	if err != nil {
		logger.Error("balance lookup failed", zap.Error(err))
		s.releaseAndFail(ctx, w, key, errBalanceLookupFailed, requestID)
		return
	}
	if balance < req.AmountCredits {
		s.paywall(ctx, w, logger, key, req.AmountCredits, req.UserID, ten.SigningSecret)
		return
	}

	newBalance, err := s.ledger.Debit(ctx, ledger.DebitParams{
		Tenant: ten.ID,
		User:   userID,
		Amount: req.AmountCredits,
		Ref:    req.Ref,
		Metadata: map[string]any{
			"request_id":      requestID,
			"idempotency_key": key,
		},
	})
	switch {
	case err == nil:
		s.metrics.record(func(m *Metrics) { m.DebitsTotal++ })
		s.respondClaimed(ctx, w, logger, key, http.StatusOK,
			mustJSON(successBody{OK: true, NewBalance: &newBalance, RequestID: requestID}), "")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		// Lost a concurrent-debit race after the pre-check; same paywall.
		s.paywall(ctx, w, logger, key, req.AmountCredits, req.UserID, ten.SigningSecret)
	case errors.Is(err, ledger.ErrRefClassMismatch):
		s.metrics.record(func(m *Metrics) { m.ConflictsTotal++ })
		s.respondClaimed(ctx, w, logger, key, http.StatusConflict,
			mustJSON(errorBody{Error: errRefClassMismatch, RequestID: requestID}), "")
	case errors.Is(err, ledger.ErrAmountNotPositive), errors.Is(err, ledger.ErrRefRequired):
		s.respondClaimed(ctx, w, logger, key, http.StatusBadRequest,
			mustJSON(errorBody{Error: errInvalidRequest, RequestID: requestID}), "")
	default:
		logger.Error("debit failed", zap.Error(err))
		s.releaseAndFail(ctx, w, key, errMutationFailed, requestID)
	}
}

// handleTopup credits the configured tenant's user balance. Operator
// traffic: idempotency key required, HMAC not.
func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	s.metrics.record(func(m *Metrics) { m.RequestsTotal++ })
	logger := s.logger.With(zap.String("request_id", requestID), zap.String("path", r.URL.Path))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidRequest, "unreadable body", requestID)
		return
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, errMissingIdempotencyKey, "", requestID)
		return
	}

	if !s.claim(ctx, w, logger, key, r.Method, r.URL.Path, signature.BodySHA(body), requestID, "") {
		return
	}

	var req topupRequest
	userID, vErr := func() (uuid.UUID, string) {
		if err := json.Unmarshal(body, &req); err != nil {
			return uuid.Nil, "malformed json"
		}
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			return uuid.Nil, "userId must be a UUID"
		}
		if req.AmountCredits <= 0 {
			return uuid.Nil, "amount_credits must be a positive integer"
		}
		return id, ""
	}()
	if vErr != "" {
		s.respondClaimed(ctx, w, logger, key, http.StatusBadRequest,
			mustJSON(errorBody{Error: errInvalidRequest, Reason: vErr, RequestID: requestID}), "")
		return
	}

	_, err = s.ledger.Credit(ctx, ledger.CreditParams{
		Tenant: s.cfg.TenantID,
		User:   userID,
		Amount: req.AmountCredits,
		Kind:   ledger.KindTopup,
		// The idempotency key keeps (tenant, ref) unique per top-up; a
		// timestamp would collide for two operator clicks in the same ms.
		Ref: "dashboard_topup_" + key,
		Metadata: map[string]any{
			"request_id": requestID,
			"source":     "topup_mock",
		},
	})
	switch {
	case err == nil:
		s.metrics.record(func(m *Metrics) { m.CreditsTotal++ })
		s.respondClaimed(ctx, w, logger, key, http.StatusOK,
			mustJSON(successBody{OK: true, RequestID: requestID}), "")
	case errors.Is(err, ledger.ErrRefClassMismatch):
		s.metrics.record(func(m *Metrics) { m.ConflictsTotal++ })
		s.respondClaimed(ctx, w, logger, key, http.StatusConflict,
			mustJSON(errorBody{Error: errRefClassMismatch, RequestID: requestID}), "")
	case errors.Is(err, ledger.ErrAmountNotPositive), errors.Is(err, ledger.ErrUserRequired):
		s.respondClaimed(ctx, w, logger, key, http.StatusBadRequest,
			mustJSON(errorBody{Error: errInvalidRequest, RequestID: requestID}), "")
	default:
		logger.Error("credit failed", zap.Error(err))
		s.releaseAndFail(ctx, w, key, errMutationFailed, requestID)
	}
}

// handleReset zeroes a user's balance and journals the previous amount.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	s.metrics.record(func(m *Metrics) { m.RequestsTotal++ })

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidRequest, "unreadable body", requestID)
		return
	}
	var req resetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidRequest, "malformed json", requestID)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidRequest, "userId must be a UUID", requestID)
		return
	}

	ref := fmt.Sprintf("manual_reset_%d", s.now().UnixMilli())
	previous, err := s.ledger.Reset(ctx, s.cfg.TenantID, userID, ref)
	if err != nil {
		s.logger.Error("reset failed", zap.String("request_id", requestID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, errMutationFailed, "", requestID)
		return
	}
	s.metrics.record(func(m *Metrics) { m.ResetsTotal++ })
	s.writeJSON(w, http.StatusOK, mustJSON(struct {
		OK                     bool   `json:"ok"`
		PreviousBalanceCredits int64  `json:"previous_balance_credits"`
		NewBalanceCredits      int64  `json:"new_balance_credits"`
		RequestID              string `json:"request_id"`
	}{true, previous, 0, requestID}))
}

// handleBalance reads the current balance for a user of the configured tenant.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	s.metrics.record(func(m *Metrics) { m.RequestsTotal++ })

	userID, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("userId")))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidRequest, "userId must be a UUID", requestID)
		return
	}

	balance, found, err := s.ledger.Balance(ctx, s.cfg.TenantID, userID)
	if err != nil {
		s.logger.Error("balance lookup failed", zap.String("request_id", requestID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, errBalanceLookupFailed, "", requestID)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, errUserNotFound, "", requestID)
		return
	}
	s.writeJSON(w, http.StatusOK, mustJSON(struct {
		BalanceCredits int64 `json:"balance_credits"`
	}{balance}))
}

// claim takes the idempotency reservation. It returns true when the caller
// owns the key and must execute; otherwise the request has been answered
// (replay, locked, conflict, or store failure).
func (s *Server) claim(ctx context.Context, w http.ResponseWriter, logger *zap.Logger, key, method, path, bodySHA, requestID, signSecret string) bool {
	res, err := s.idem.Claim(ctx, key, method, path, bodySHA)
	if err != nil {
		logger.Error("idempotency claim failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, errIdempotencyStoreFailed, "", requestID)
		return false
	}
	switch res.Outcome {
	case idempotency.OutcomeClaimed:
		return true
	case idempotency.OutcomeReplay:
		s.metrics.record(func(m *Metrics) { m.ReplaysTotal++ })
		logger.Info("replaying stored response", zap.Int("status", res.Status))
		if signSecret != "" && res.Status == http.StatusPaymentRequired {
			s.writeSigned(w, res.Status, res.Body, signSecret)
		} else {
			s.writeJSON(w, res.Status, res.Body)
		}
	case idempotency.OutcomeLocked:
		// Another request holds the key mid-flight. Not persisted; the
		// client should retry once the owner finishes.
		s.writeError(w, http.StatusConflict, errRequestInProgress, "", requestID)
	case idempotency.OutcomeConflict:
		s.metrics.record(func(m *Metrics) { m.ConflictsTotal++ })
		s.writeError(w, http.StatusConflict, errIdempotencyConflict, res.Reason, requestID)
	}
	return false
}

// respondClaimed persists (status, body) under key, then writes it. When
// persistence fails the reservation stays in place and blocks same-key
// retries as Locked until TTL — preferred over risking a different answer.
func (s *Server) respondClaimed(ctx context.Context, w http.ResponseWriter, logger *zap.Logger, key string, status int, body []byte, signSecret string) {
	if err := s.idem.PersistResponse(ctx, key, status, body); err != nil {
		logger.Warn("persist response failed; reservation left in place", zap.Error(err))
	}
	if signSecret != "" {
		s.writeSigned(w, status, body, signSecret)
		return
	}
	s.writeJSON(w, status, body)
}

// paywall persists and writes the 402 envelope, signed with the tenant
// secret so vendors can authenticate it.
func (s *Server) paywall(ctx context.Context, w http.ResponseWriter, logger *zap.Logger, key string, amount int64, userID, secret string) {
	s.metrics.record(func(m *Metrics) { m.PaywallsTotal++ })
	body := mustJSON(newPaywall(amount, userID))
	s.respondClaimed(ctx, w, logger, key, http.StatusPaymentRequired, body, secret)
}

// releaseAndFail abandons the reservation after an infrastructure failure —
// no ledger side effect was committed, so a retry may claim cleanly — and
// returns a curated 500.
func (s *Server) releaseAndFail(ctx context.Context, w http.ResponseWriter, key, kind, requestID string) {
	if err := s.idem.Release(ctx, key); err != nil && !errors.Is(err, idempotency.ErrNoReservation) {
		s.logger.Warn("release reservation failed", zap.String("request_id", requestID), zap.Error(err))
	}
	s.writeError(w, http.StatusInternalServerError, kind, "", requestID)
}

// parseDeductBody validates the deduct payload; the returned string is a
// curated validation message, empty on success.
func parseDeductBody(body []byte) (deductRequest, uuid.UUID, string) {
	var req deductRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, uuid.Nil, "malformed json"
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return req, uuid.Nil, "userId must be a UUID"
	}
	if len(req.Ref) < 6 {
		return req, uuid.Nil, "ref must be at least 6 characters"
	}
	if req.AmountCredits <= 0 {
		return req, uuid.Nil, "amount_credits must be a positive integer"
	}
	return req, userID, ""
}
