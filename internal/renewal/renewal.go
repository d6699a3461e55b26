// Package renewal charges recurring subscriptions.
//
// The sweep picks subscriptions whose period has ended and charges the next
// cycle. Each charge carries the ledger key renewal:<id>:<period end>, and the
// period end is re-checked under the row lock, so overlapping sweeps charge a
// cycle at most once.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BatmanBruc/coinmeter/internal/idempotency"
	"github.com/BatmanBruc/coinmeter/internal/idgen"
	"github.com/BatmanBruc/coinmeter/internal/ledger"
	"github.com/BatmanBruc/coinmeter/internal/notify"
	"github.com/BatmanBruc/coinmeter/internal/pricing"
	"github.com/BatmanBruc/coinmeter/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxFailures = 3
	DefaultRetryDelay  = 24 * time.Hour
	DefaultBatchSize   = 100
)

// Locker claims an idempotency key around fn. *idempotency.Locker implements it.
type Locker interface {
	Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Config struct {
	OpTimeout          time.Duration
	MaxFailures        int
	RetryDelay         time.Duration
	BatchSize          int
	IdempotencyTTL     time.Duration
	PlatformFeePercent int
	Now                func() time.Time
}

type Service struct {
	store   types.Store
	locker  Locker
	emitter *notify.Emitter
	log     zerolog.Logger
	cfg     Config
}

// Result counts what one sweep did. Expired covers every subscription the
// sweep closed, whether by failed payments or because auto-renew was off.
type Result struct {
	Charged int `json:"charged"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Expired int `json:"expired"`
	Errors  int `json:"errors"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCharged
	outcomeFailed
	outcomeExpired
)

func NewService(store types.Store, locker Locker, emitter *notify.Emitter, logger zerolog.Logger, cfg Config) *Service {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = idempotency.DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:   store,
		locker:  locker,
		emitter: emitter,
		log:     logger.With().Str("component", "renewal").Logger(),
		cfg:     cfg,
	}
}

// RenewalKey is the ledger idempotency key of the charge for the cycle that
// starts at periodEnd.
func RenewalKey(subID string, periodEnd time.Time) string {
	return "renewal:" + subID + ":" + strconv.FormatInt(periodEnd.Unix(), 10)
}

func (s *Service) withTx(ctx context.Context, fn func(tx types.LedgerTx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	return types.FromContext(s.store.WithTx(ctx, fn))
}

func (s *Service) Get(ctx context.Context, subID, userID string) (*types.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, types.FromContext(err)
	}
	if sub.UserID != userID && sub.CreatorID != userID {
		return nil, fmt.Errorf("subscription %s: %w", subID, types.ErrNotFound)
	}
	return sub, nil
}

// Subscribe charges the first cycle of tierID and opens an active,
// auto-renewing subscription. A repeated nonce returns the subscription it
// created.
func (s *Service) Subscribe(ctx context.Context, userID, tierID, nonce string) (*types.Subscription, error) {
	if userID == "" || tierID == "" {
		return nil, fmt.Errorf("subscribe user=%q tier=%q: %w", userID, tierID, types.ErrInvalidInput)
	}
	tier, err := s.store.GetTier(ctx, tierID)
	if err != nil {
		return nil, types.FromContext(err)
	}
	if !tier.Active || tier.Price <= 0 || !tier.Interval.Valid() {
		return nil, fmt.Errorf("tier %s: %w", tierID, types.ErrCreatorUnavailable)
	}
	if tier.CreatorID == userID {
		return nil, fmt.Errorf("subscribe to own tier %s: %w", tierID, types.ErrInvalidInput)
	}

	id := idgen.NewID()
	if nonce != "" {
		id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("subscription:"+userID+":"+tierID+":"+nonce)).String()
	}
	var sub *types.Subscription
	run := func(ctx context.Context) error {
		now := s.cfg.Now()
		sub = &types.Subscription{
			ID:                 id,
			UserID:             userID,
			CreatorID:          tier.CreatorID,
			TierID:             tier.ID,
			Status:             types.SubscriptionActive,
			PricePerCycle:      tier.Price,
			Interval:           tier.Interval,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   tier.Interval.Next(now),
			AutoRenew:          true,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return s.withTx(ctx, func(tx types.LedgerTx) error {
			if err := tx.InsertSubscription(ctx, sub); err != nil {
				return err
			}
			return s.charge(ctx, tx, sub, "subscribe:"+sub.ID, "subscription_purchase", now)
		})
	}
	if s.locker == nil {
		err = run(ctx)
	} else {
		err = s.locker.Do(ctx, idempotency.Key("subscription", id, "subscribe"), s.cfg.IdempotencyTTL, run)
	}
	if errors.Is(err, types.ErrDuplicate) {
		if existing, gerr := s.store.GetSubscription(ctx, id); gerr == nil {
			return existing, nil
		}
	}
	if err != nil {
		ev := s.log.Error()
		if types.IsBusinessRefusal(err) {
			ev = s.log.Warn()
		}
		ev.Err(err).Str("user_id", userID).Str("tier_id", tierID).Msg("subscribe failed")
		return nil, err
	}
	s.log.Info().Str("subscription_id", sub.ID).Str("user_id", userID).Int64("amount", sub.PricePerCycle).Msg("subscribed")
	s.emit(notify.EventSubscriptionStarted, sub, sub.PricePerCycle, sub.CurrentPeriodEnd)
	return sub, nil
}

// Cancel turns auto-renew off. Access runs to the end of the paid period,
// after which the sweep closes the subscription.
func (s *Service) Cancel(ctx context.Context, subID, userID string) (*types.Subscription, error) {
	var sub *types.Subscription
	err := s.withTx(ctx, func(tx types.LedgerTx) error {
		var err error
		sub, err = tx.LockSubscription(ctx, subID)
		if err != nil {
			return err
		}
		if sub.UserID != userID {
			return fmt.Errorf("subscription %s: %w", subID, types.ErrNotFound)
		}
		if !sub.AutoRenew || sub.Status == types.SubscriptionCancelled || sub.Status == types.SubscriptionExpired {
			return nil
		}
		sub.AutoRenew = false
		sub.UpdatedAt = s.cfg.Now()
		return tx.SaveSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("subscription_id", subID).Str("user_id", userID).Msg("auto-renew cancelled")
	return sub, nil
}

// ProcessRenewals runs one sweep. A failure on one subscription is logged and
// counted; the sweep goes on with the rest.
func (s *Service) ProcessRenewals(ctx context.Context) (*Result, error) {
	now := s.cfg.Now()
	due, err := s.store.ListDueSubscriptions(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return nil, types.FromContext(err)
	}
	res := &Result{}
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return res, types.FromContext(err)
		}
		out, err := s.renew(ctx, sub, now)
		if err != nil {
			res.Errors++
			s.log.Error().Err(err).Str("subscription_id", sub.ID).Msg("renewal failed")
			continue
		}
		switch out {
		case outcomeCharged:
			res.Charged++
		case outcomeFailed:
			res.Failed++
		case outcomeExpired:
			res.Expired++
		default:
			res.Skipped++
		}
	}
	if len(due) > 0 {
		s.log.Info().Int("charged", res.Charged).Int("failed", res.Failed).Int("skipped", res.Skipped).
			Int("expired", res.Expired).Int("errors", res.Errors).Msg("renewal sweep")
	}
	return res, nil
}

// renew handles one listed subscription. The lock key includes the failed
// attempt count of the listing so a retry after a failed payment is not
// mistaken for a replay.
func (s *Service) renew(ctx context.Context, listed *types.Subscription, now time.Time) (outcome, error) {
	subID, periodEnd := listed.ID, listed.CurrentPeriodEnd
	key := RenewalKey(subID, periodEnd)
	var (
		out outcome
		sub *types.Subscription
	)
	run := func(ctx context.Context) error {
		return s.withTx(ctx, func(tx types.LedgerTx) error {
			var err error
			sub, err = tx.LockSubscription(ctx, subID)
			if err != nil {
				return err
			}
			out, err = s.renewLocked(ctx, tx, sub, key, periodEnd, now)
			return err
		})
	}
	var err error
	if s.locker == nil {
		err = run(ctx)
	} else {
		err = s.locker.Do(ctx, idempotency.Key("renewal", subID, strconv.FormatInt(periodEnd.Unix(), 10), strconv.Itoa(listed.FailedAttempts)), s.cfg.IdempotencyTTL, run)
	}
	if errors.Is(err, types.ErrDuplicate) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}

	switch out {
	case outcomeCharged:
		s.log.Info().Str("subscription_id", subID).Int64("amount", sub.PricePerCycle).Msg("subscription renewed")
		s.emit(notify.EventSubscriptionRenewed, sub, sub.PricePerCycle, sub.CurrentPeriodEnd)
	case outcomeFailed:
		s.log.Warn().Str("subscription_id", subID).Int("failed_attempts", sub.FailedAttempts).Msg("subscription past due")
		s.emit(notify.EventSubscriptionPastDue, sub, 0, *sub.NextRetryAt)
	case outcomeExpired:
		s.log.Info().Str("subscription_id", subID).Str("status", string(sub.Status)).Msg("subscription ended")
		s.emit(notify.EventSubscriptionEnded, sub, 0, time.Time{})
	}
	return out, nil
}

func (s *Service) renewLocked(ctx context.Context, tx types.LedgerTx, sub *types.Subscription, key string, periodEnd, now time.Time) (outcome, error) {
	if sub.Status != types.SubscriptionActive && sub.Status != types.SubscriptionPastDue {
		return outcomeSkipped, nil
	}
	if !sub.CurrentPeriodEnd.Equal(periodEnd) || sub.CurrentPeriodEnd.After(now) {
		return outcomeSkipped, nil
	}
	if sub.NextRetryAt != nil && sub.NextRetryAt.After(now) {
		return outcomeSkipped, nil
	}
	sub.UpdatedAt = now

	if !sub.AutoRenew {
		sub.Status = types.SubscriptionCancelled
		sub.NextRetryAt = nil
		return outcomeExpired, tx.SaveSubscription(ctx, sub)
	}

	err := s.charge(ctx, tx, sub, key, "subscription_renewal", now)
	if errors.Is(err, types.ErrInsufficientFunds) {
		sub.FailedAttempts++
		if sub.FailedAttempts >= s.cfg.MaxFailures {
			sub.Status = types.SubscriptionExpired
			sub.NextRetryAt = nil
			return outcomeExpired, tx.SaveSubscription(ctx, sub)
		}
		retry := now.Add(s.cfg.RetryDelay)
		sub.Status = types.SubscriptionPastDue
		sub.NextRetryAt = &retry
		return outcomeFailed, tx.SaveSubscription(ctx, sub)
	}
	if err != nil {
		return outcomeSkipped, err
	}

	// A subscription that was past due restarts its period at payment time.
	start := sub.CurrentPeriodEnd
	if sub.Status == types.SubscriptionPastDue {
		start = now
	}
	sub.Status = types.SubscriptionActive
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = sub.Interval.Next(start)
	sub.FailedAttempts = 0
	sub.NextRetryAt = nil
	return outcomeCharged, tx.SaveSubscription(ctx, sub)
}

func (s *Service) charge(ctx context.Context, tx types.LedgerTx, sub *types.Subscription, key, reason string, now time.Time) error {
	_, err := ledger.DebitTx(ctx, tx, ledger.DebitRequest{
		UserID:         sub.UserID,
		Amount:         sub.PricePerCycle,
		Reason:         reason,
		ReferenceID:    sub.ID,
		IdempotencyKey: key,
	})
	if err != nil {
		return err
	}
	return tx.AppendEarning(ctx, &types.Earning{
		ID:            idgen.NextSequence(),
		CreatorID:     sub.CreatorID,
		InteractionID: sub.ID,
		Gross:         sub.PricePerCycle,
		Net:           pricing.CreatorShare(sub.PricePerCycle, s.cfg.PlatformFeePercent),
		CreatedAt:     now,
	})
}

func (s *Service) emit(evType notify.EventType, sub *types.Subscription, charged int64, next time.Time) {
	s.emitter.Emit(notify.Event{
		Type:          evType,
		Recipients:    []string{sub.UserID},
		InteractionID: sub.ID,
		Status:        string(sub.Status),
		ChargedCoins:  charged,
		NextAt:        next,
	})
}
