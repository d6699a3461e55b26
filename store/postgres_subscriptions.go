package store

import (
	"context"
	"strings"
	"time"

	"github.com/BatmanBruc/coinmeter/types"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `id, user_id, creator_id, tier_id, status, price_per_cycle, billing_interval,
current_period_start, current_period_end, auto_renew, failed_attempts, next_retry_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.CreatorID, &sub.TierID, &sub.Status, &sub.PricePerCycle, &sub.Interval,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.AutoRenew, &sub.FailedAttempts, &sub.NextRetryAt,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sub, nil
}

func (t *pgTx) InsertSubscription(ctx context.Context, sub *types.Subscription) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO subscriptions (id, user_id, creator_id, tier_id, status, price_per_cycle, billing_interval,
  current_period_start, current_period_end, auto_renew, failed_attempts, next_retry_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
`, sub.ID, sub.UserID, sub.CreatorID, sub.TierID, sub.Status, sub.PricePerCycle, sub.Interval,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.AutoRenew, sub.FailedAttempts, sub.NextRetryAt, sub.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) LockSubscription(ctx context.Context, subID string) (*types.Subscription, error) {
	return scanSubscription(t.tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, subID))
}

func (t *pgTx) SaveSubscription(ctx context.Context, sub *types.Subscription) error {
	_, err := t.tx.Exec(ctx, `
UPDATE subscriptions
SET status = $2, current_period_start = $3, current_period_end = $4, auto_renew = $5,
    failed_attempts = $6, next_retry_at = $7, updated_at = NOW()
WHERE id = $1
`, sub.ID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.AutoRenew, sub.FailedAttempts, sub.NextRetryAt)
	return mapErr(err)
}

func (s *PostgresStore) GetSubscription(ctx context.Context, subID string) (*types.Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, subID))
}

func (s *PostgresStore) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*types.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE status IN ('active', 'past_due')
  AND current_period_end <= $1
  AND (next_retry_at IS NULL OR next_retry_at <= $1)
ORDER BY current_period_end
LIMIT $2
`, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	out := make([]*types.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, mapErr(rows.Err())
}

func (s *PostgresStore) GetCreatorRates(ctx context.Context, creatorID string) (*types.CreatorRates, error) {
	var r types.CreatorRates
	err := s.pool.QueryRow(ctx, `
SELECT creator_id, available, video_enabled, voice_enabled, video_rate, voice_rate, call_minimum_minutes,
       ai_chat_enabled, ai_rate, ai_minimum_minutes, updated_at
FROM creator_rates
WHERE creator_id = $1
`, creatorID).Scan(&r.CreatorID, &r.Available, &r.VideoEnabled, &r.VoiceEnabled, &r.VideoRate, &r.VoiceRate,
		&r.CallMinimumMinutes, &r.AIChatEnabled, &r.AIRate, &r.AIMinimumMinutes, &r.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *PostgresStore) UpsertCreatorRates(ctx context.Context, r types.CreatorRates) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO creator_rates (creator_id, available, video_enabled, voice_enabled, video_rate, voice_rate,
  call_minimum_minutes, ai_chat_enabled, ai_rate, ai_minimum_minutes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (creator_id) DO UPDATE SET
  available = EXCLUDED.available,
  video_enabled = EXCLUDED.video_enabled,
  voice_enabled = EXCLUDED.voice_enabled,
  video_rate = EXCLUDED.video_rate,
  voice_rate = EXCLUDED.voice_rate,
  call_minimum_minutes = EXCLUDED.call_minimum_minutes,
  ai_chat_enabled = EXCLUDED.ai_chat_enabled,
  ai_rate = EXCLUDED.ai_rate,
  ai_minimum_minutes = EXCLUDED.ai_minimum_minutes,
  updated_at = NOW();
`, r.CreatorID, r.Available, r.VideoEnabled, r.VoiceEnabled, r.VideoRate, r.VoiceRate, r.CallMinimumMinutes,
		r.AIChatEnabled, r.AIRate, r.AIMinimumMinutes)
	return mapErr(err)
}

func (s *PostgresStore) GetTier(ctx context.Context, tierID string) (*types.Tier, error) {
	var t types.Tier
	err := s.pool.QueryRow(ctx, `
SELECT id, creator_id, name, price, billing_interval, active
FROM subscription_tiers
WHERE id = $1
`, tierID).Scan(&t.ID, &t.CreatorID, &t.Name, &t.Price, &t.Interval, &t.Active)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *PostgresStore) UpsertTier(ctx context.Context, t types.Tier) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO subscription_tiers (id, creator_id, name, price, billing_interval, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  price = EXCLUDED.price,
  billing_interval = EXCLUDED.billing_interval,
  active = EXCLUDED.active,
  updated_at = NOW();
`, t.ID, t.CreatorID, strings.TrimSpace(t.Name), t.Price, t.Interval, t.Active)
	return mapErr(err)
}

func (s *PostgresStore) UpsertContact(ctx context.Context, c types.Contact) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO user_contacts (user_id, telegram_chat_id)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET
  telegram_chat_id = EXCLUDED.telegram_chat_id,
  updated_at = NOW();
`, c.UserID, c.TelegramChatID)
	return mapErr(err)
}

func (s *PostgresStore) GetContact(ctx context.Context, userID string) (*types.Contact, error) {
	var c types.Contact
	err := s.pool.QueryRow(ctx, `
SELECT user_id, telegram_chat_id, updated_at
FROM user_contacts
WHERE user_id = $1
`, userID).Scan(&c.UserID, &c.TelegramChatID, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}
