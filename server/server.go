// Package server is the gateway's HTTP surface: the signed debit pipeline,
// the operator top-up and reset endpoints, balance reads, and health.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/KeiranCPFlynn/flow402-credits/idempotency"
	"github.com/KeiranCPFlynn/flow402-credits/ledger"
	"github.com/KeiranCPFlynn/flow402-credits/signature"
	"github.com/KeiranCPFlynn/flow402-credits/tenant"
)

// HeaderIdempotencyKey is mandatory on write endpoints.
const HeaderIdempotencyKey = "Idempotency-Key"

// DefaultRequestTimeout bounds one request end to end, store I/O included.
const DefaultRequestTimeout = 10 * time.Second

// maxBodyBytes caps request bodies; ledger payloads are tiny.
const maxBodyBytes = 1 << 20

// TenantResolver resolves vendor credentials to tenants.
type TenantResolver interface {
	Resolve(ctx context.Context, credential string) (*tenant.Tenant, error)
}

// IdempotencyStore is the HTTP-layer reservation store.
type IdempotencyStore interface {
	Claim(ctx context.Context, key, method, path, bodySHA string) (idempotency.ClaimResult, error)
	PersistResponse(ctx context.Context, key string, status int, body []byte) error
	Release(ctx context.Context, key string) error
}

// Ledger is the transactional credit ledger.
type Ledger interface {
	Credit(ctx context.Context, p ledger.CreditParams) (int64, error)
	Debit(ctx context.Context, p ledger.DebitParams) (int64, error)
	Balance(ctx context.Context, tenantID, userID uuid.UUID) (int64, bool, error)
	Reset(ctx context.Context, tenantID, userID uuid.UUID, ref string) (int64, error)
}

// Config carries the server's process-wide settings.
type Config struct {
	// TenantID is the one tenant this process serves; requests resolving to
	// any other tenant are rejected with vendor_mismatch.
	TenantID uuid.UUID
	// RequestTimeout is the per-request deadline. Zero selects
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Server wires the pipeline components behind the HTTP routes.
type Server struct {
	cfg      Config
	verifier *signature.Verifier
	tenants  TenantResolver
	idem     IdempotencyStore
	ledger   Ledger
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

// New assembles a Server from its collaborators.
func New(cfg Config, verifier *signature.Verifier, tenants TenantResolver, idem IdempotencyStore, ldg Ledger, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		tenants:  tenants,
		idem:     idem,
		ledger:   ldg,
		logger:   logger,
		metrics:  NewMetrics(),
		now:      time.Now,
	}
}

// Router returns the gateway's HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/gateway/deduct", s.handleDeduct).Methods(http.MethodPost)
	r.HandleFunc("/topup/mock", s.handleTopup).Methods(http.MethodPost)
	r.HandleFunc("/topup/reset", s.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

// Metrics tracks gateway request counters for the /metrics endpoint.
type Metrics struct {
	mu             sync.Mutex
	RequestsTotal  int64
	DebitsTotal    int64
	CreditsTotal   int64
	ResetsTotal    int64
	ReplaysTotal   int64
	ConflictsTotal int64
	PaywallsTotal  int64
	ErrorsTotal    int64
	StartTime      time.Time
}

// NewMetrics creates a metrics instance anchored at the current time.
func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

func (m *Metrics) record(f func(*Metrics)) {
	m.mu.Lock()
	f(m)
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters for serialization.
func (m *Metrics) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		RequestsTotal:  m.RequestsTotal,
		DebitsTotal:    m.DebitsTotal,
		CreditsTotal:   m.CreditsTotal,
		ResetsTotal:    m.ResetsTotal,
		ReplaysTotal:   m.ReplaysTotal,
		ConflictsTotal: m.ConflictsTotal,
		PaywallsTotal:  m.PaywallsTotal,
		ErrorsTotal:    m.ErrorsTotal,
		StartTime:      m.StartTime,
	}
}
