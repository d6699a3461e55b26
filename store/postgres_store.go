package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BatmanBruc/coinmeter/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const openCallIndex = "calls_open_pair_idx"

type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ types.Store        = (*PostgresStore)(nil)
	_ types.ContactStore = (*PostgresStore)(nil)
)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = buildPostgresDSNFromEnv()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return mapErr(s.pool.Ping(ctx))
}

func buildPostgresDSNFromEnv() string {
	host := strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("POSTGRES_PORT"))
	if port == "" {
		port = "5432"
	}
	db := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
	if db == "" {
		db = "coinmeter"
	}
	user := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
	if user == "" {
		user = "coinmeter"
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", urlEscape(user), urlEscape(pass), host, port, db)
}

func urlEscape(s string) string {
	r := strings.NewReplacer(
		"%", "%25",
		":", "%3A",
		"/", "%2F",
		"@", "%40",
		"?", "%3F",
		"#", "%23",
		"[", "%5B",
		"]", "%5D",
	)
	return r.Replace(s)
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// mapErr translates driver errors into the engine's taxonomy. Deadlines
// become ErrTimeout and connection failures ErrUnavailable so that neither is
// mistaken for a definitive refusal.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", types.ErrNotFound, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.FromContext(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == openCallIndex {
				return types.ErrDuplicateRequest
			}
			return fmt.Errorf("%w: %s", types.ErrDuplicate, pgErr.ConstraintName)
		case "23514":
			return fmt.Errorf("%w: %s", types.ErrInvalidState, pgErr.ConstraintName)
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
		}
		return err
	}
	if pgconn.Timeout(err) {
		return errors.Join(types.ErrTimeout, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return errors.Join(types.ErrUnavailable, err)
	}
	return err
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx types.LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const walletColumns = `user_id, balance, held_balance, created_at, updated_at`

func scanWallet(row pgx.Row) (*types.Wallet, error) {
	var w types.Wallet
	if err := row.Scan(&w.UserID, &w.Balance, &w.HeldBalance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*types.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if errors.Is(err, types.ErrNotFound) {
		return &types.Wallet{UserID: userID}, nil
	}
	return w, err
}

func (t *pgTx) LockWallet(ctx context.Context, userID string) (*types.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("wallet: empty user id: %w", types.ErrInvalidInput)
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO wallets (user_id)
VALUES ($1)
ON CONFLICT (user_id) DO NOTHING
`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanWallet(t.tx.QueryRow(ctx, `
SELECT `+walletColumns+`
FROM wallets
WHERE user_id = $1
FOR UPDATE
`, userID))
}

func (t *pgTx) SaveWallet(ctx context.Context, w *types.Wallet) error {
	if !w.Valid() {
		return fmt.Errorf("wallet %s: balance=%d held=%d: %w", w.UserID, w.Balance, w.HeldBalance, types.ErrInvalidState)
	}
	_, err := t.tx.Exec(ctx, `
UPDATE wallets
SET balance = $2, held_balance = $3, updated_at = NOW()
WHERE user_id = $1
`, w.UserID, w.Balance, w.HeldBalance)
	return mapErr(err)
}

const transactionColumns = `id, user_id, kind, amount, balance_after, held_after, reason, reference_id, COALESCE(idempotency_key, ''), created_at`

func scanTransaction(row pgx.Row) (*types.TransactionRecord, error) {
	var rec types.TransactionRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Kind, &rec.Amount, &rec.BalanceAfter, &rec.HeldAfter,
		&rec.Reason, &rec.ReferenceID, &rec.IdempotencyKey, &rec.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, rec *types.TransactionRecord) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO ledger_transactions (id, user_id, kind, amount, balance_after, held_after, reason, reference_id, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
`, rec.ID, rec.UserID, rec.Kind, rec.Amount, rec.BalanceAfter, rec.HeldAfter, rec.Reason, rec.ReferenceID, rec.IdempotencyKey, rec.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) TransactionByKey(ctx context.Context, key string) (*types.TransactionRecord, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM ledger_transactions WHERE idempotency_key = $1`, key))
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*types.TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+transactionColumns+`
FROM ledger_transactions
WHERE user_id = $1
ORDER BY id DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	out := make([]*types.TransactionRecord, 0)
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, mapErr(rows.Err())
}

func (t *pgTx) AppendEarning(ctx context.Context, e *types.Earning) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO creator_earnings (id, creator_id, interaction_id, gross, net, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, e.ID, e.CreatorID, e.InteractionID, e.Gross, e.Net, e.CreatedAt)
	return mapErr(err)
}

const holdColumns = `id, user_id, interaction_id, interaction_kind, amount, consumed_amount, status, created_at, updated_at, resolved_at`

func scanHold(row pgx.Row) (*types.Hold, error) {
	var h types.Hold
	err := row.Scan(&h.ID, &h.UserID, &h.InteractionID, &h.InteractionKind, &h.Amount, &h.ConsumedAmount,
		&h.Status, &h.CreatedAt, &h.UpdatedAt, &h.ResolvedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &h, nil
}

func (t *pgTx) InsertHold(ctx context.Context, h *types.Hold) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO holds (id, user_id, interaction_id, interaction_kind, amount, consumed_amount, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
`, h.ID, h.UserID, h.InteractionID, h.InteractionKind, h.Amount, h.ConsumedAmount, h.Status, h.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) LockHold(ctx context.Context, holdID string) (*types.Hold, error) {
	return scanHold(t.tx.QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1 FOR UPDATE`, holdID))
}

func (t *pgTx) SaveHold(ctx context.Context, h *types.Hold) error {
	_, err := t.tx.Exec(ctx, `
UPDATE holds
SET amount = $2, consumed_amount = $3, status = $4, resolved_at = $5, updated_at = NOW()
WHERE id = $1
`, h.ID, h.Amount, h.ConsumedAmount, h.Status, h.ResolvedAt)
	return mapErr(err)
}

func (s *PostgresStore) GetHold(ctx context.Context, holdID string) (*types.Hold, error) {
	return scanHold(s.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1`, holdID))
}
