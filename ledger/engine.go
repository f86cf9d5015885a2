package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const pgUniqueViolation = "23505"

// Engine executes ledger mutations against Postgres. Each mutation is one
// transaction: balance change and journal entry commit together or not at
// all. Concurrency control is the store's row-level atomicity — the engine
// holds no locks across the HTTP boundary.
type Engine struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewEngine creates an Engine over pool.
func NewEngine(pool *pgxpool.Pool, logger *zap.Logger) *Engine {
	return &Engine{pool: pool, logger: logger}
}

// Credit adds p.Amount to the (tenant, user) balance and journals it. An
// existing journal entry under the same (tenant, ref) makes the call an
// idempotent replay when that entry is a credit kind, and
// ErrRefClassMismatch otherwise. Returns the balance after the call.
func (e *Engine) Credit(ctx context.Context, p CreditParams) (int64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if existing, ok, err := refKind(ctx, tx, p.Tenant, p.Ref); err != nil {
		return 0, err
	} else if ok {
		if err := classifyExistingRef(existing, true); err != nil {
			return 0, err
		}
		return e.replayBalance(ctx, tx, p.Tenant, p.User)
	}

	if err := ensureVendorUser(ctx, tx, p.Tenant, p.User); err != nil {
		return 0, err
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		`INSERT INTO credit_balances (tenant_id, user_id, balance_credits, currency, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (tenant_id, user_id) DO UPDATE
		   SET balance_credits = credit_balances.balance_credits + EXCLUDED.balance_credits,
		       updated_at = now()
		 RETURNING balance_credits`,
		p.Tenant, p.User, p.Amount, DefaultCurrency,
	).Scan(&newBalance)
	if err != nil {
		return 0, fmt.Errorf("upsert balance: %w", err)
	}

	if err := insertJournal(ctx, tx, p.Tenant, p.User, p.Kind, p.Amount, p.Ref, p.Metadata); err != nil {
		if isUniqueViolation(err) {
			// Lost the (tenant, ref) race to a concurrent mutation. The
			// transaction aborts; re-read the winner and classify.
			_ = tx.Rollback(ctx)
			return e.resolveRefRace(ctx, p.Tenant, p.User, p.Ref, true)
		}
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit credit tx: %w", err)
	}
	e.logger.Info("credit committed",
		zap.String("tenant", p.Tenant.String()),
		zap.String("user", p.User.String()),
		zap.Int64("amount_credits", p.Amount),
		zap.String("kind", string(p.Kind)),
		zap.String("ref", p.Ref),
		zap.Int64("new_balance", newBalance))
	return newBalance, nil
}

// Debit subtracts p.Amount from the (tenant, user) balance and journals it.
// The conditional update only succeeds while balance_credits >= amount, so
// two concurrent debits are serialized by the store and the one that would
// drive the balance negative gets ErrInsufficientFunds with no journal
// entry. Ref-level idempotency mirrors Credit.
func (e *Engine) Debit(ctx context.Context, p DebitParams) (int64, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if existing, ok, err := refKind(ctx, tx, p.Tenant, p.Ref); err != nil {
		return 0, err
	} else if ok {
		if err := classifyExistingRef(existing, false); err != nil {
			return 0, err
		}
		return e.replayBalance(ctx, tx, p.Tenant, p.User)
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE credit_balances
		 SET balance_credits = balance_credits - $3, updated_at = now()
		 WHERE tenant_id = $1 AND user_id = $2 AND balance_credits >= $3
		 RETURNING balance_credits`,
		p.Tenant, p.User, p.Amount,
	).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either no balance row exists or the balance is short; both are
		// insufficient funds from the caller's point of view.
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("conditional debit update: %w", err)
	}

	if err := insertJournal(ctx, tx, p.Tenant, p.User, KindDeduct, p.Amount, p.Ref, p.Metadata); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			return e.resolveRefRace(ctx, p.Tenant, p.User, p.Ref, false)
		}
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit debit tx: %w", err)
	}
	e.logger.Info("debit committed",
		zap.String("tenant", p.Tenant.String()),
		zap.String("user", p.User.String()),
		zap.Int64("amount_credits", p.Amount),
		zap.String("ref", p.Ref),
		zap.Int64("new_balance", newBalance))
	return newBalance, nil
}

// Balance returns the current balance for (tenant, user) and whether a
// balance row exists.
func (e *Engine) Balance(ctx context.Context, tenant, user uuid.UUID) (int64, bool, error) {
	var balance int64
	err := e.pool.QueryRow(ctx,
		`SELECT balance_credits FROM credit_balances WHERE tenant_id = $1 AND user_id = $2`,
		tenant, user,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read balance: %w", err)
	}
	return balance, true, nil
}

// Reset zeroes the (tenant, user) balance, journaling the previous balance
// as a manual_reset entry under ref. A zero or missing balance is a no-op
// with no journal entry. Returns the previous balance.
func (e *Engine) Reset(ctx context.Context, tenant, user uuid.UUID, ref string) (int64, error) {
	if tenant == uuid.Nil {
		return 0, ErrTenantRequired
	}
	if user == uuid.Nil {
		return 0, ErrUserRequired
	}
	if ref == "" {
		return 0, ErrRefRequired
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reset tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the row so the previous balance read and the zeroing commit as
	// one unit even under concurrent debits.
	var previous int64
	err = tx.QueryRow(ctx,
		`SELECT balance_credits FROM credit_balances
		 WHERE tenant_id = $1 AND user_id = $2
		 FOR UPDATE`,
		tenant, user,
	).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance for reset: %w", err)
	}
	if previous == 0 {
		// Nothing to reset; a zero-amount journal entry would be noise.
		return 0, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE credit_balances SET balance_credits = 0, updated_at = now()
		 WHERE tenant_id = $1 AND user_id = $2`,
		tenant, user,
	); err != nil {
		return 0, fmt.Errorf("reset balance: %w", err)
	}

	if err := insertJournal(ctx, tx, tenant, user, KindManualReset, previous, ref, nil); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reset tx: %w", err)
	}
	e.logger.Info("balance reset",
		zap.String("tenant", tenant.String()),
		zap.String("user", user.String()),
		zap.Int64("previous_balance", previous),
		zap.String("ref", ref))
	return previous, nil
}

// replayBalance serves the current balance for an idempotent ref replay.
func (e *Engine) replayBalance(ctx context.Context, tx pgx.Tx, tenant, user uuid.UUID) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance_credits FROM credit_balances WHERE tenant_id = $1 AND user_id = $2`,
		tenant, user,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance for replay: %w", err)
	}
	return balance, nil
}

// resolveRefRace classifies a lost (tenant, ref) insert race after the
// losing transaction rolled back: the committed winner makes this call a
// replay or a class mismatch.
func (e *Engine) resolveRefRace(ctx context.Context, tenant, user uuid.UUID, ref string, wantCredit bool) (int64, error) {
	var existing Kind
	err := e.pool.QueryRow(ctx,
		`SELECT kind FROM journal_entries WHERE tenant_id = $1 AND ref = $2`,
		tenant, ref,
	).Scan(&existing)
	if err != nil {
		return 0, fmt.Errorf("classify ref race: %w", err)
	}
	if err := classifyExistingRef(existing, wantCredit); err != nil {
		return 0, err
	}
	balance, _, err := e.Balance(ctx, tenant, user)
	return balance, err
}

func refKind(ctx context.Context, tx pgx.Tx, tenant uuid.UUID, ref string) (Kind, bool, error) {
	var kind Kind
	err := tx.QueryRow(ctx,
		`SELECT kind FROM journal_entries WHERE tenant_id = $1 AND ref = $2`,
		tenant, ref,
	).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read journal ref: %w", err)
	}
	return kind, true, nil
}

// ensureVendorUser lazily creates the vendor user row on first balance
// reference. The vendor-local handle defaults to the user UUID until a
// provisioning surface supplies a real one.
func ensureVendorUser(ctx context.Context, tx pgx.Tx, tenant, user uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO vendor_users (tenant_id, user_id, user_external_id, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (tenant_id, user_id) DO NOTHING`,
		tenant, user, user.String(),
	)
	if err != nil {
		return fmt.Errorf("ensure vendor user: %w", err)
	}
	return nil
}

func insertJournal(ctx context.Context, tx pgx.Tx, tenant, user uuid.UUID, kind Kind, amount int64, ref string, metadata map[string]any) error {
	var meta any
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal journal metadata: %w", err)
		}
		meta = string(b)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO journal_entries (id, tenant_id, user_id, kind, amount_credits, ref, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, now())`,
		uuid.New(), tenant, user, string(kind), amount, ref, meta,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
