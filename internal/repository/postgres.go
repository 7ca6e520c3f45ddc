package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/otakumori/petal-economy/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при сбоях сериализации, взаимоблокировках и обрывах соединения.
// Повтор безопасен, потому что неудачная транзакция целиком откатывается.
func withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InTx выполняет fn в одной транзакции, предварительно заблокировав строки балансов владельцев.
func (r *PostgresRepository) InTx(ctx context.Context, owners []model.OwnerRef, fn func(Tx) error) error {
	locked := lockOrder(owners)

	return withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		for _, owner := range locked {
			if err := lockOwner(ctx, tx, owner); err != nil {
				return err
			}
		}

		if err := fn(&pgTx{tx: tx, locked: locked}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// lockOwner создаёт строку баланса при первом обращении и блокирует её до конца транзакции.
func lockOwner(ctx context.Context, tx pgx.Tx, owner model.OwnerRef) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO petal_balances (owner_kind, owner_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		string(owner.Kind), owner.ID,
	)
	if err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}

	var dummy int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM petal_balances WHERE owner_kind = $1 AND owner_id = $2 FOR UPDATE`,
		string(owner.Kind), owner.ID,
	).Scan(&dummy)
	if err != nil {
		return fmt.Errorf("lock balance for update: %w", err)
	}
	return nil
}

// GetBalance возвращает баланс владельца; отсутствующая строка означает нулевой баланс.
func (r *PostgresRepository) GetBalance(ctx context.Context, owner model.OwnerRef) (model.Balance, error) {
	return scanBalance(r.pool.QueryRow(ctx,
		`SELECT current, lifetime_earned, updated_at
		 FROM petal_balances
		 WHERE owner_kind = $1 AND owner_id = $2`,
		string(owner.Kind), owner.ID,
	), owner)
}

func scanBalance(row pgx.Row, owner model.OwnerRef) (model.Balance, error) {
	b := model.Balance{Owner: owner}
	err := row.Scan(&b.Current, &b.LifetimeEarned, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Balance{Owner: owner}, nil
		}
		return model.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// ListEntries возвращает последние записи журнала владельца.
func (r *PostgresRepository) ListEntries(ctx context.Context, owner model.OwnerRef, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, direction, amount, reason, metadata, created_at
		 FROM petal_ledger
		 WHERE owner_kind = $1 AND owner_id = $2
		 ORDER BY created_at DESC, id
		 LIMIT $3`,
		string(owner.Kind), owner.ID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		e := model.LedgerEntry{Owner: owner}
		var direction string
		if err := rows.Scan(&e.ID, &direction, &e.Amount, &e.Reason, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Direction = model.Direction(direction)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListVouchers возвращает купоны владельца, новые первыми.
func (r *PostgresRepository) ListVouchers(ctx context.Context, owner model.OwnerRef) ([]model.Voucher, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, code, tier, percent_off, cost_petals, created_at, expires_at, redeemed_at
		 FROM petal_vouchers
		 WHERE owner_kind = $1 AND owner_id = $2
		 ORDER BY created_at DESC`,
		string(owner.Kind), owner.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select vouchers: %w", err)
	}
	defer rows.Close()

	var res []model.Voucher
	for rows.Next() {
		v := model.Voucher{Owner: owner}
		if err := rows.Scan(&v.ID, &v.Code, &v.Tier, &v.PercentOff, &v.CostPetals, &v.CreatedAt, &v.ExpiresAt, &v.RedeemedAt); err != nil {
			return nil, fmt.Errorf("scan voucher: %w", err)
		}
		res = append(res, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateGuestSession сохраняет новую гостевую сессию.
func (r *PostgresRepository) CreateGuestSession(ctx context.Context, s model.GuestSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO guest_sessions (id, created_at, last_seen_at) VALUES ($1, $2, $3)`,
		s.ID, s.CreatedAt, s.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert guest session: %w", err)
	}
	return nil
}

// TouchGuestSession обновляет время последней активности гостя.
func (r *PostgresRepository) TouchGuestSession(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE guest_sessions SET last_seen_at = GREATEST(last_seen_at, $2) WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("touch guest session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeIdempotencyRecords удаляет ключи идемпотентности, созданные раньше before.
func (r *PostgresRepository) PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM petal_idempotency_keys WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

type pgTx struct {
	tx     pgx.Tx
	locked []model.OwnerRef
}

func (t *pgTx) checkLocked(owner model.OwnerRef) error {
	for _, o := range t.locked {
		if o == owner {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOwnerNotLocked, owner)
}

func (t *pgTx) Balance(ctx context.Context, owner model.OwnerRef) (model.Balance, error) {
	return scanBalance(t.tx.QueryRow(ctx,
		`SELECT current, lifetime_earned, updated_at
		 FROM petal_balances
		 WHERE owner_kind = $1 AND owner_id = $2`,
		string(owner.Kind), owner.ID,
	), owner)
}

func (t *pgTx) DailyEarned(ctx context.Context, owner model.OwnerRef, day string) (int64, error) {
	var earned int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(earned), 0)
		 FROM petal_daily_usage
		 WHERE owner_kind = $1 AND owner_id = $2 AND day = $3::date`,
		string(owner.Kind), owner.ID, day,
	).Scan(&earned)
	if err != nil {
		return 0, fmt.Errorf("select daily usage: %w", err)
	}
	return earned, nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e model.LedgerEntry) error {
	if err := t.checkLocked(e.Owner); err != nil {
		return err
	}

	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO petal_ledger (id, owner_kind, owner_id, direction, amount, reason, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, string(e.Owner.Kind), e.Owner.ID, string(e.Direction), e.Amount, e.Reason, metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, owner model.OwnerRef, currentDelta, lifetimeDelta int64) (model.Balance, error) {
	if err := t.checkLocked(owner); err != nil {
		return model.Balance{}, err
	}

	b := model.Balance{Owner: owner}
	err := t.tx.QueryRow(ctx,
		`UPDATE petal_balances
		 SET current = current + $3, lifetime_earned = lifetime_earned + $4, updated_at = NOW()
		 WHERE owner_kind = $1 AND owner_id = $2
		 RETURNING current, lifetime_earned, updated_at`,
		string(owner.Kind), owner.ID, currentDelta, lifetimeDelta,
	).Scan(&b.Current, &b.LifetimeEarned, &b.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
			return model.Balance{}, ErrNegativeBalance
		}
		return model.Balance{}, fmt.Errorf("update balance: %w", err)
	}
	return b, nil
}

func (t *pgTx) AddDailyEarned(ctx context.Context, owner model.OwnerRef, day string, amount int64) error {
	if err := t.checkLocked(owner); err != nil {
		return err
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO petal_daily_usage (owner_kind, owner_id, day, earned)
		 VALUES ($1, $2, $3::date, $4)
		 ON CONFLICT (owner_kind, owner_id, day) DO UPDATE SET earned = petal_daily_usage.earned + EXCLUDED.earned`,
		string(owner.Kind), owner.ID, day, amount,
	)
	if err != nil {
		return fmt.Errorf("upsert daily usage: %w", err)
	}
	return nil
}

func (t *pgTx) CountUnredeemedVouchers(ctx context.Context, owner model.OwnerRef, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM petal_vouchers
		 WHERE owner_kind = $1 AND owner_id = $2 AND created_at >= $3 AND redeemed_at IS NULL`,
		string(owner.Kind), owner.ID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count vouchers: %w", err)
	}
	return n, nil
}

func (t *pgTx) InsertVoucher(ctx context.Context, v model.Voucher) error {
	if err := t.checkLocked(v.Owner); err != nil {
		return err
	}

	// Коллизия кода не должна прерывать транзакцию: вызывающий повторяет вставку с новым кодом.
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO petal_vouchers (id, owner_kind, owner_id, code, tier, percent_off, cost_petals, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (code) DO NOTHING`,
		v.ID, string(v.Owner.Kind), v.Owner.ID, v.Code, v.Tier, v.PercentOff, v.CostPetals, v.CreatedAt, v.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateVoucherCode, v.Code)
		}
		return fmt.Errorf("insert voucher: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateVoucherCode, v.Code)
	}
	return nil
}

func (t *pgTx) IdempotencyRecord(ctx context.Context, owner model.OwnerRef, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := t.tx.QueryRow(ctx,
		`SELECT operation, response, created_at
		 FROM petal_idempotency_keys
		 WHERE owner_kind = $1 AND owner_id = $2 AND key = $3`,
		string(owner.Kind), owner.ID, key,
	).Scan(&rec.Operation, &rec.Response, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select idempotency key: %w", err)
	}
	return &rec, nil
}

func (t *pgTx) SaveIdempotencyRecord(ctx context.Context, owner model.OwnerRef, key string, rec IdempotencyRecord) error {
	if err := t.checkLocked(owner); err != nil {
		return err
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO petal_idempotency_keys (owner_kind, owner_id, key, operation, response, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(owner.Kind), owner.ID, key, rec.Operation, rec.Response, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

func (t *pgTx) GuestMigratedTo(ctx context.Context, guestID string) (string, bool, error) {
	var userID string
	err := t.tx.QueryRow(ctx,
		`SELECT user_id FROM guest_migrations WHERE guest_id = $1`,
		guestID,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("select guest migration: %w", err)
	}
	return userID, true, nil
}

func (t *pgTx) MarkGuestMigrated(ctx context.Context, guestID, userID string, amount int64, at time.Time) error {
	if err := t.checkLocked(model.GuestRef(guestID)); err != nil {
		return err
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO guest_migrations (guest_id, user_id, amount, migrated_at) VALUES ($1, $2, $3, $4)`,
		guestID, userID, amount, at,
	)
	if err != nil {
		return fmt.Errorf("insert guest migration: %w", err)
	}
	return nil
}
