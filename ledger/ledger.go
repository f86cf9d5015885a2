// Package ledger implements the credit ledger: atomic balance mutations with
// an immutable journal, ref-level idempotency, and insufficient-funds
// detection. All amounts are non-negative integer credits (100 credits equal
// 1 USDC); no floating point anywhere.
package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindTopup       Kind = "topup"
	KindDeduct      Kind = "deduct"
	KindManualReset Kind = "manual_reset"
	KindAdjustment  Kind = "adjustment"
)

// IsCredit reports whether the kind increases a balance.
func (k Kind) IsCredit() bool {
	return k == KindTopup || k == KindAdjustment
}

// DefaultCurrency is the only currency tag the gateway understands. It is an
// opaque label, never converted.
const DefaultCurrency = "USDC"

// Typed results for callers to branch on; no string matching against store
// errors anywhere above this package.
var (
	ErrTenantRequired    = errors.New("tenant required")
	ErrUserRequired      = errors.New("user required")
	ErrAmountNotPositive = errors.New("amount_must_be_positive")
	ErrRefRequired       = errors.New("ref_required")
	ErrKindNotPermitted  = errors.New("kind not permitted")
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrRefClassMismatch  = errors.New("ref_class_mismatch")
)

// CreditParams describes a balance top-up or adjustment.
type CreditParams struct {
	Tenant   uuid.UUID
	User     uuid.UUID
	Amount   int64
	Kind     Kind // defaults to KindTopup; KindAdjustment also permitted
	Ref      string
	Metadata map[string]any
}

// DebitParams describes a balance deduction.
type DebitParams struct {
	Tenant   uuid.UUID
	User     uuid.UUID
	Amount   int64
	Ref      string
	Metadata map[string]any
}

func (p *CreditParams) validate() error {
	if p.Tenant == uuid.Nil {
		return ErrTenantRequired
	}
	if p.User == uuid.Nil {
		return ErrUserRequired
	}
	if p.Amount <= 0 {
		return ErrAmountNotPositive
	}
	if p.Kind == "" {
		p.Kind = KindTopup
	}
	if !p.Kind.IsCredit() {
		return ErrKindNotPermitted
	}
	if p.Ref == "" {
		p.Ref = generateTopupRef()
	}
	return nil
}

func (p *DebitParams) validate() error {
	if p.Tenant == uuid.Nil {
		return ErrTenantRequired
	}
	if p.User == uuid.Nil {
		return ErrUserRequired
	}
	if p.Amount <= 0 {
		return ErrAmountNotPositive
	}
	if p.Ref == "" {
		return ErrRefRequired
	}
	return nil
}

// classifyExistingRef decides what a pre-existing journal entry under the
// same (tenant, ref) means for a new mutation: a credit ref seen by another
// credit (or a deduct ref by another deduct) is an idempotent replay; any
// cross-class reuse is a conflict.
func classifyExistingRef(existing Kind, wantCredit bool) error {
	if existing.IsCredit() == wantCredit {
		return nil // idempotent replay
	}
	return ErrRefClassMismatch
}

func generateTopupRef() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return "topup_" + hex.EncodeToString(b[:])
}
