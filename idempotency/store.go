package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DefaultTTL is how long a reservation or completed record stays claimable.
const DefaultTTL = 24 * time.Hour

// ConflictReasonPayload is returned when a key is reused with a different
// (method, path, body_sha) tuple.
const ConflictReasonPayload = "key_reused_with_different_payload"

// ErrNoReservation means PersistResponse or Release found no row for the key.
var ErrNoReservation = errors.New("no idempotency reservation for key")

// Outcome classifies the result of a Claim.
type Outcome int

const (
	// OutcomeClaimed means this request owns the key and must execute.
	OutcomeClaimed Outcome = iota
	// OutcomeLocked means another request holds the key and has not finished.
	OutcomeLocked
	// OutcomeConflict means the key was reused with a different payload.
	OutcomeConflict
	// OutcomeReplay means a completed response is stored for this exact request.
	OutcomeReplay
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClaimed:
		return "claimed"
	case OutcomeLocked:
		return "locked"
	case OutcomeConflict:
		return "conflict"
	case OutcomeReplay:
		return "replay"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ClaimResult carries the outcome of a Claim. Status and Body are populated
// only for OutcomeReplay; Reason only for OutcomeConflict.
type ClaimResult struct {
	Outcome Outcome
	Status  int
	Body    []byte
	Reason  string
}

// record mirrors one idempotency_records row. status is nil while the key is
// reserved and set once the handler's response has been persisted.
type record struct {
	method  string
	path    string
	bodySHA string
	status  *int
	body    []byte
}

// decide classifies a claim attempt against an existing, non-expired row.
// The insert race is already lost at this point; the only question is
// whether the stored request matches and whether it has completed.
func decide(rec record, method, path, bodySHA string) ClaimResult {
	if rec.method != method || rec.path != path || rec.bodySHA != bodySHA {
		return ClaimResult{Outcome: OutcomeConflict, Reason: ConflictReasonPayload}
	}
	if rec.status == nil {
		return ClaimResult{Outcome: OutcomeLocked}
	}
	return ClaimResult{Outcome: OutcomeReplay, Status: *rec.status, Body: rec.body}
}

// Store is the Postgres-backed idempotency store. Reservations survive
// process restarts; the insert's primary-key constraint is the lock.
type Store struct {
	pool   *pgxpool.Pool
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a Store with the given record TTL. A non-positive ttl
// selects DefaultTTL.
func NewStore(pool *pgxpool.Pool, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{pool: pool, ttl: ttl, logger: logger, now: time.Now}
}

// Claim reserves key for this request. Expired rows for the key are evicted
// first, then the insert is attempted; losing the insert race means another
// request holds the key, and the stored row decides between Locked,
// Conflict, and Replay. There is no read-then-write window.
func (s *Store) Claim(ctx context.Context, key, method, path, bodySHA string) (ClaimResult, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.ttl)

	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND created_at <= $2`,
		key, cutoff,
	)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("evict expired idempotency record: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_records (key, method, path, body_sha, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO NOTHING`,
		key, method, path, bodySHA, now,
	)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("insert idempotency record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return ClaimResult{Outcome: OutcomeClaimed}, nil
	}

	var rec record
	err = s.pool.QueryRow(ctx,
		`SELECT method, path, body_sha, response_status, response_body
		 FROM idempotency_records WHERE key = $1`,
		key,
	).Scan(&rec.method, &rec.path, &rec.bodySHA, &rec.status, &rec.body)
	if errors.Is(err, pgx.ErrNoRows) {
		// The competing row was released between our insert and read.
		// Treat as locked; the client's retry will claim cleanly.
		return ClaimResult{Outcome: OutcomeLocked}, nil
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("read idempotency record: %w", err)
	}
	return decide(rec, method, path, bodySHA), nil
}

// PersistResponse completes the reservation with the response served to the
// client, so same-key retries replay it byte for byte.
func (s *Store) PersistResponse(ctx context.Context, key string, status int, body []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency_records SET response_status = $2, response_body = $3 WHERE key = $1`,
		key, status, body,
	)
	if err != nil {
		return fmt.Errorf("persist idempotency response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoReservation
	}
	return nil
}

// Release abandons a reservation so a future retry can claim the key.
// Completed records are never released; only the unfinished reservation row
// is deleted.
func (s *Store) Release(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records WHERE key = $1 AND response_status IS NULL`,
		key,
	)
	if err != nil {
		return fmt.Errorf("release idempotency reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoReservation
	}
	return nil
}

// DeleteExpired removes up to batchSize expired records. Eviction on claim
// keeps the store correct without this; the cleanup only bounds table growth.
func (s *Store) DeleteExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := s.now().UTC().Add(-s.ttl)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_records
		 WHERE key IN (
		   SELECT key FROM idempotency_records
		   WHERE created_at <= $1
		   ORDER BY created_at ASC
		   LIMIT $2
		 )`,
		cutoff, batchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartCleanup runs DeleteExpired on a ticker until ctx is cancelled.
func (s *Store) StartCleanup(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.DeleteExpired(ctx, batchSize)
				if err != nil {
					s.logger.Warn("idempotency cleanup failed", zap.Error(err))
					continue
				}
				if deleted > 0 {
					s.logger.Info("idempotency cleanup removed expired records",
						zap.Int64("deleted", deleted))
				}
			}
		}
	}()
}
