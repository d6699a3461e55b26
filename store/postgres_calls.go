package store

import (
	"context"
	"time"

	"github.com/BatmanBruc/coinmeter/types"
	"github.com/jackc/pgx/v5"
)

const callColumns = `id, fan_id, creator_id, call_type, status, rate_per_minute, minimum_duration_minutes, hold_id,
requested_at, accepted_at, connected_at, ended_at, duration_seconds, actual_coins, written_off_coins, ended_by, end_reason`

func scanCall(row pgx.Row) (*types.Call, error) {
	var c types.Call
	err := row.Scan(&c.ID, &c.FanID, &c.CreatorID, &c.CallType, &c.Status, &c.RatePerMinute, &c.MinimumDurationMinutes,
		&c.HoldID, &c.RequestedAt, &c.AcceptedAt, &c.ConnectedAt, &c.EndedAt, &c.DurationSeconds, &c.ActualCoins,
		&c.WrittenOffCoins, &c.EndedBy, &c.EndReason)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (t *pgTx) InsertCall(ctx context.Context, c *types.Call) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO calls (id, fan_id, creator_id, call_type, status, rate_per_minute, minimum_duration_minutes, hold_id, requested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, c.ID, c.FanID, c.CreatorID, c.CallType, c.Status, c.RatePerMinute, c.MinimumDurationMinutes, c.HoldID, c.RequestedAt)
	return mapErr(err)
}

func (t *pgTx) LockCall(ctx context.Context, callID string) (*types.Call, error) {
	return scanCall(t.tx.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1 FOR UPDATE`, callID))
}

func (t *pgTx) SaveCall(ctx context.Context, c *types.Call) error {
	_, err := t.tx.Exec(ctx, `
UPDATE calls
SET status = $2, hold_id = $3, accepted_at = $4, connected_at = $5, ended_at = $6,
    duration_seconds = $7, actual_coins = $8, written_off_coins = $9, ended_by = $10, end_reason = $11,
    updated_at = NOW()
WHERE id = $1
`, c.ID, c.Status, c.HoldID, c.AcceptedAt, c.ConnectedAt, c.EndedAt, c.DurationSeconds, c.ActualCoins,
		c.WrittenOffCoins, c.EndedBy, c.EndReason)
	return mapErr(err)
}

func (s *PostgresStore) GetCall(ctx context.Context, callID string) (*types.Call, error) {
	return scanCall(s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, callID))
}

func (s *PostgresStore) ListStaleCalls(ctx context.Context, status types.CallStatus, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT id
FROM calls
WHERE status = $1 AND requested_at < $2
ORDER BY requested_at
LIMIT $3
`, status, before, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, mapErr(err)
}

const sessionColumns = `id, fan_id, creator_id, rate_per_minute, minimum_minutes, hold_id, status, started_at,
last_billed_at, ended_at, coins_spent, ticks, end_reason, rating`

func scanSession(row pgx.Row) (*types.AISession, error) {
	var ss types.AISession
	err := row.Scan(&ss.ID, &ss.FanID, &ss.CreatorID, &ss.RatePerMinute, &ss.MinimumMinutes, &ss.HoldID, &ss.Status,
		&ss.StartedAt, &ss.LastBilledAt, &ss.EndedAt, &ss.CoinsSpent, &ss.Ticks, &ss.EndReason, &ss.Rating)
	if err != nil {
		return nil, mapErr(err)
	}
	return &ss, nil
}

func (t *pgTx) InsertSession(ctx context.Context, ss *types.AISession) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO ai_sessions (id, fan_id, creator_id, rate_per_minute, minimum_minutes, hold_id, status, started_at, last_billed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, ss.ID, ss.FanID, ss.CreatorID, ss.RatePerMinute, ss.MinimumMinutes, ss.HoldID, ss.Status, ss.StartedAt, ss.LastBilledAt)
	return mapErr(err)
}

func (t *pgTx) LockSession(ctx context.Context, sessionID string) (*types.AISession, error) {
	return scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM ai_sessions WHERE id = $1 FOR UPDATE`, sessionID))
}

func (t *pgTx) SaveSession(ctx context.Context, ss *types.AISession) error {
	_, err := t.tx.Exec(ctx, `
UPDATE ai_sessions
SET hold_id = $2, status = $3, last_billed_at = $4, ended_at = $5, coins_spent = $6, ticks = $7,
    end_reason = $8, rating = $9, updated_at = NOW()
WHERE id = $1
`, ss.ID, ss.HoldID, ss.Status, ss.LastBilledAt, ss.EndedAt, ss.CoinsSpent, ss.Ticks, ss.EndReason, ss.Rating)
	return mapErr(err)
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*types.AISession, error) {
	return scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM ai_sessions WHERE id = $1`, sessionID))
}

func (s *PostgresStore) ListIdleSessions(ctx context.Context, lastBilledBefore time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT id
FROM ai_sessions
WHERE status = 'active' AND last_billed_at < $1
ORDER BY last_billed_at
LIMIT $2
`, lastBilledBefore, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, mapErr(err)
}
