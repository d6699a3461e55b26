// Package sessions bills AI chat sessions per interval.
//
// A session always owns one active hold. Each tick settles one interval
// against it and opens the next one; when the next hold cannot be funded the
// session ends in the same transaction. The server clock decides whether a
// tick is due, so a client ticking too often is charged nothing.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BatmanBruc/coinmeter/internal/escrow"
	"github.com/BatmanBruc/coinmeter/internal/idempotency"
	"github.com/BatmanBruc/coinmeter/internal/idgen"
	"github.com/BatmanBruc/coinmeter/internal/notify"
	"github.com/BatmanBruc/coinmeter/internal/pricing"
	"github.com/BatmanBruc/coinmeter/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultTickInterval  = time.Minute
	DefaultTickTolerance = 5 * time.Second
	DefaultIdleTimeout   = 3 * time.Minute
	reapBatch            = 100

	// lowBalanceMinutes triggers a low balance warning to the fan.
	lowBalanceMinutes = 2
)

// Locker claims an idempotency key around fn. *idempotency.Locker implements it.
type Locker interface {
	Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Config struct {
	OpTimeout          time.Duration
	TickInterval       time.Duration
	TickTolerance      time.Duration
	IdleTimeout        time.Duration
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

type StartSession struct {
	FanID     string
	CreatorID string
	Nonce     string
}

type Tick struct {
	SessionID string
	ActorID   string
	Nonce     string
}

type EndSession struct {
	SessionID string
	ActorID   string
	Rating    *int
	Nonce     string
}

// Result is the session after an operation. ShouldContinue is false once the
// session has ended. MinutesRemaining is what the fan's available balance
// still buys at the session rate.
type Result struct {
	Session          *types.AISession `json:"session"`
	ShouldContinue   bool             `json:"shouldContinue"`
	MinutesRemaining int64            `json:"minutesRemaining"`
	ChargedCoins     int64            `json:"chargedCoins"`
	Duplicate        bool             `json:"duplicate,omitempty"`
}

// NewService wires tick billing. locker and emitter may be nil.
func NewService(store types.Store, locker Locker, emitter *notify.Emitter, logger zerolog.Logger, cfg Config) *Service {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.TickTolerance < 0 || cfg.TickTolerance >= cfg.TickInterval {
		cfg.TickTolerance = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
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
		log:     logger.With().Str("component", "sessions").Logger(),
		cfg:     cfg,
	}
}

func sessionID(req StartSession) string {
	if req.Nonce == "" {
		return idgen.NewID()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("session:"+req.FanID+":"+req.CreatorID+":"+req.Nonce)).String()
}

// guard runs fn under the idempotency key of one attempt. Ticks without a
// nonce skip the lock: the server clock check under the row lock already
// turns a retried tick into a no-op.
func (s *Service) guard(ctx context.Context, id, op, nonce string, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	var (
		res *Result
		err error
	)
	if s.locker == nil || (op == "tick" && nonce == "") {
		res, err = fn(ctx)
	} else {
		if nonce == "" {
			nonce = "-"
		}
		err = s.locker.Do(ctx, idempotency.Key("session", id, op, nonce), s.cfg.IdempotencyTTL, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx)
			return err
		})
	}
	if errors.Is(err, types.ErrDuplicate) {
		ss, gerr := s.store.GetSession(ctx, id)
		if gerr != nil {
			return nil, err
		}
		return &Result{Session: ss, ShouldContinue: ss.Status == types.SessionActive, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) withTx(ctx context.Context, fn func(tx types.LedgerTx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	return types.FromContext(s.store.WithTx(ctx, fn))
}

func (s *Service) logRefusal(err error, op, sessionID, userID string) {
	ev := s.log.Error()
	if types.IsBusinessRefusal(err) {
		ev = s.log.Warn()
	}
	ev.Err(err).Str("session_id", sessionID).Str("user_id", userID).Msg(op + " failed")
}

func (s *Service) Get(ctx context.Context, sessionID, userID string) (*types.AISession, error) {
	ss, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, types.FromContext(err)
	}
	if !ss.Party(userID) {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	return ss, nil
}

// Start opens a session and reserves the minimum (at least one minute).
func (s *Service) Start(ctx context.Context, req StartSession) (*Result, error) {
	if req.FanID == "" || req.CreatorID == "" || req.FanID == req.CreatorID {
		return nil, fmt.Errorf("session fan=%q creator=%q: %w", req.FanID, req.CreatorID, types.ErrInvalidInput)
	}
	rates, err := s.store.GetCreatorRates(ctx, req.CreatorID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("creator %s: %w", req.CreatorID, types.ErrCreatorUnavailable)
	}
	if err != nil {
		return nil, types.FromContext(err)
	}
	if !rates.Available || !rates.AIChatEnabled || rates.AIRate <= 0 {
		return nil, fmt.Errorf("creator %s has no AI chat: %w", req.CreatorID, types.ErrCreatorUnavailable)
	}
	minimum := rates.AIMinimumMinutes
	if minimum < 1 {
		minimum = 1
	}

	id := sessionID(req)
	res, err := s.guard(ctx, id, "start", req.Nonce, func(ctx context.Context) (*Result, error) {
		now := s.cfg.Now()
		ss := &types.AISession{
			ID:             id,
			FanID:          req.FanID,
			CreatorID:      req.CreatorID,
			RatePerMinute:  rates.AIRate,
			MinimumMinutes: minimum,
			Status:         types.SessionActive,
			StartedAt:      now,
			LastBilledAt:   now,
		}
		res := &Result{Session: ss, ShouldContinue: true}
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			if err := tx.InsertSession(ctx, ss); err != nil {
				return err
			}
			h, err := escrow.CreateHoldTx(ctx, tx, escrow.HoldRequest{
				UserID:        ss.FanID,
				InteractionID: ss.ID,
				Kind:          types.InteractionAISession,
				Amount:        pricing.Reservation(ss.RatePerMinute, minimum),
			})
			if err != nil {
				return err
			}
			ss.HoldID = h.ID
			if res.MinutesRemaining, err = minutesRemaining(ctx, tx, ss); err != nil {
				return err
			}
			return tx.SaveSession(ctx, ss)
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		s.logRefusal(err, "start", id, req.FanID)
		return nil, err
	}
	if !res.Duplicate {
		s.log.Info().Str("session_id", id).Str("user_id", req.FanID).Str("creator_id", req.CreatorID).
			Int64("rate", rates.AIRate).Msg("session started")
		s.emit(notify.EventSessionStarted, res, req.CreatorID)
	}
	return res, nil
}

// Tick bills one interval if one is due. Gaps longer than an interval are not
// back-charged.
func (s *Service) Tick(ctx context.Context, t Tick) (*Result, error) {
	var forcedEnd bool
	res, err := s.guard(ctx, t.SessionID, "tick", t.Nonce, func(ctx context.Context) (*Result, error) {
		var res *Result
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			ss, err := lockParty(ctx, tx, t.SessionID, t.ActorID)
			if err != nil {
				return err
			}
			res = &Result{Session: ss}
			if ss.Status != types.SessionActive {
				return nil
			}
			res.ShouldContinue = true

			now := s.cfg.Now()
			if now.Sub(ss.LastBilledAt) < s.cfg.TickInterval-s.cfg.TickTolerance {
				res.MinutesRemaining, err = minutesRemaining(ctx, tx, ss)
				return err
			}

			h, err := tx.LockHold(ctx, ss.HoldID)
			if err != nil {
				return err
			}
			charge := pricing.IntervalCharge(ss.RatePerMinute, s.cfg.TickInterval)
			if charge > h.Amount {
				charge = h.Amount
			}
			if err := s.charge(ctx, tx, ss, h.ID, charge, now); err != nil {
				return err
			}
			res.ChargedCoins = charge
			ss.Ticks++
			ss.LastBilledAt = now

			next := pricing.IntervalCharge(ss.RatePerMinute, s.cfg.TickInterval)
			if topUp := pricing.MinimumTopUp(ss.RatePerMinute, ss.MinimumMinutes, ss.CoinsSpent); topUp > next {
				next = topUp
			}
			nh, err := escrow.CreateHoldTx(ctx, tx, escrow.HoldRequest{
				UserID:        ss.FanID,
				InteractionID: ss.ID,
				Kind:          types.InteractionAISession,
				Amount:        next,
			})
			switch {
			case errors.Is(err, types.ErrInsufficientFunds):
				forcedEnd = true
				res.ShouldContinue = false
				finish(ss, types.EndReasonInsufficientFunds, now)
			case err != nil:
				return err
			default:
				ss.HoldID = nh.ID
				if res.MinutesRemaining, err = minutesRemaining(ctx, tx, ss); err != nil {
					return err
				}
			}
			return tx.SaveSession(ctx, ss)
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		s.logRefusal(err, "tick", t.SessionID, t.ActorID)
		return nil, err
	}
	if res.Duplicate {
		return res, nil
	}
	ss := res.Session
	if res.ChargedCoins > 0 {
		s.log.Info().Str("session_id", ss.ID).Int64("amount", res.ChargedCoins).Int("ticks", ss.Ticks).Msg("session tick billed")
	}
	switch {
	case forcedEnd:
		s.log.Info().Str("session_id", ss.ID).Int64("coins_spent", ss.CoinsSpent).Msg("session ended: insufficient funds")
		s.emit(notify.EventSessionEnded, res, ss.FanID, ss.CreatorID)
	case res.ChargedCoins > 0 && res.MinutesRemaining < lowBalanceMinutes:
		s.emit(notify.EventSessionLowBalance, res, ss.FanID)
	}
	return res, nil
}

// End charges the unbilled tail (rounded up, at most one interval) plus what
// is still owed to reach the minimum, never more than the hold, and releases
// the rest. Ending an ended session returns it unchanged.
func (s *Service) End(ctx context.Context, e EndSession) (*Result, error) {
	if e.Rating != nil && (*e.Rating < 1 || *e.Rating > 5) {
		return nil, fmt.Errorf("rating %d: %w", *e.Rating, types.ErrInvalidInput)
	}
	changed := false
	res, err := s.guard(ctx, e.SessionID, "end", e.Nonce, func(ctx context.Context) (*Result, error) {
		var res *Result
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			ss, err := lockParty(ctx, tx, e.SessionID, e.ActorID)
			if err != nil {
				return err
			}
			res = &Result{Session: ss}
			if ss.Status != types.SessionActive {
				return nil
			}
			now := s.cfg.Now()
			partial := pricing.PartialCharge(ss.RatePerMinute, now.Sub(ss.LastBilledAt), s.cfg.TickInterval)
			if res.ChargedCoins, err = s.settle(ctx, tx, ss, partial, now); err != nil {
				return err
			}
			finish(ss, types.EndReasonUser, now)
			ss.Rating = e.Rating
			changed = true
			return tx.SaveSession(ctx, ss)
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		s.logRefusal(err, "end", e.SessionID, e.ActorID)
		return nil, err
	}
	if changed {
		ss := res.Session
		s.log.Info().Str("session_id", ss.ID).Int64("amount", res.ChargedCoins).Int64("coins_spent", ss.CoinsSpent).Msg("session ended")
		s.emit(notify.EventSessionEnded, res, ss.Counterparty(e.ActorID))
	}
	return res, nil
}

// ReapIdle ends sessions that stopped ticking. Only the minimum top-up is
// charged; the idle tail is not.
func (s *Service) ReapIdle(ctx context.Context) (int, error) {
	cutoff := s.cfg.Now().Add(-s.cfg.IdleTimeout)
	ids, err := s.store.ListIdleSessions(ctx, cutoff, reapBatch)
	if err != nil {
		return 0, types.FromContext(err)
	}
	reaped := 0
	for _, id := range ids {
		res := &Result{}
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			ss, err := tx.LockSession(ctx, id)
			if err != nil {
				return err
			}
			if ss.Status != types.SessionActive || !ss.LastBilledAt.Before(cutoff) {
				return nil
			}
			now := s.cfg.Now()
			if res.ChargedCoins, err = s.settle(ctx, tx, ss, 0, now); err != nil {
				return err
			}
			finish(ss, types.EndReasonIdleTimeout, now)
			res.Session = ss
			return tx.SaveSession(ctx, ss)
		})
		if err != nil {
			s.log.Error().Err(err).Str("session_id", id).Msg("reap session failed")
			continue
		}
		if res.Session != nil {
			reaped++
			s.emit(notify.EventSessionEnded, res, res.Session.FanID, res.Session.CreatorID)
		}
	}
	if reaped > 0 {
		s.log.Info().Int("reaped", reaped).Msg("idle sessions ended")
	}
	return reaped, nil
}

// settle closes the session's current hold, charging owed plus the minimum
// top-up, bounded to the hold.
func (s *Service) settle(ctx context.Context, tx types.LedgerTx, ss *types.AISession, owed int64, now time.Time) (int64, error) {
	h, err := tx.LockHold(ctx, ss.HoldID)
	if err != nil {
		return 0, err
	}
	if h.Status != types.HoldActive {
		return 0, nil
	}
	charge := owed + pricing.MinimumTopUp(ss.RatePerMinute, ss.MinimumMinutes, ss.CoinsSpent+owed)
	if charge > h.Amount {
		charge = h.Amount
	}
	if err := s.charge(ctx, tx, ss, h.ID, charge, now); err != nil {
		return 0, err
	}
	return charge, nil
}

func (s *Service) charge(ctx context.Context, tx types.LedgerTx, ss *types.AISession, holdID string, amount int64, now time.Time) error {
	if _, err := escrow.SettleHoldTx(ctx, tx, holdID, amount); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	ss.CoinsSpent += amount
	return tx.AppendEarning(ctx, &types.Earning{
		ID:            idgen.NextSequence(),
		CreatorID:     ss.CreatorID,
		InteractionID: ss.ID,
		Gross:         amount,
		Net:           pricing.CreatorShare(amount, s.cfg.PlatformFeePercent),
		CreatedAt:     now,
	})
}

func finish(ss *types.AISession, reason string, now time.Time) {
	ss.Status = types.SessionEnded
	ss.EndedAt = &now
	ss.EndReason = reason
}

func minutesRemaining(ctx context.Context, tx types.LedgerTx, ss *types.AISession) (int64, error) {
	w, err := tx.LockWallet(ctx, ss.FanID)
	if err != nil {
		return 0, err
	}
	return pricing.MinutesRemaining(w.Available(), ss.RatePerMinute), nil
}

func lockParty(ctx context.Context, tx types.LedgerTx, sessionID, userID string) (*types.AISession, error) {
	ss, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ss.Party(userID) {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	return ss, nil
}

func (s *Service) emit(evType notify.EventType, res *Result, recipients ...string) {
	ss := res.Session
	s.emitter.Emit(notify.Event{
		Type:             evType,
		Recipients:       recipients,
		InteractionID:    ss.ID,
		Status:           string(ss.Status),
		RatePerMinute:    ss.RatePerMinute,
		ChargedCoins:     ss.CoinsSpent,
		MinutesRemaining: res.MinutesRemaining,
		Reason:           ss.EndReason,
	})
}
