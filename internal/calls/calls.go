// Package calls implements the paid call lifecycle:
//
//	requested -> accepted -> active -> ended
//	requested | accepted -> rejected | cancelled
//	requested -> expired
//
// Every transition locks the call row first, then the hold, then the wallet,
// and checks the current status under that lock, so the first writer wins and
// the loser sees the new status.
package calls

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
	DefaultRequestWindow = 5 * time.Minute
	expireBatch          = 100
)

// Locker claims an idempotency key around fn. *idempotency.Locker implements it.
type Locker interface {
	Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Config struct {
	OpTimeout          time.Duration
	RequestWindow      time.Duration
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

type RequestCall struct {
	FanID     string
	CreatorID string
	CallType  types.CallType
	Nonce     string
}

type Transition struct {
	CallID  string
	ActorID string
	Nonce   string
}

type ExtendCall struct {
	CallID            string
	ActorID           string
	AdditionalMinutes int
	Nonce             string
}

// Result is the call after a transition. DurationSeconds and ChargedCoins are
// set once the call has ended. Duplicate means the same attempt was already
// processed and Call is its current state.
type Result struct {
	Call            *types.Call `json:"call"`
	DurationSeconds int64       `json:"durationSeconds"`
	ChargedCoins    int64       `json:"chargedCoins"`
	Duplicate       bool        `json:"duplicate,omitempty"`
}

// NewService wires the call lifecycle. locker and emitter may be nil.
func NewService(store types.Store, locker Locker, emitter *notify.Emitter, logger zerolog.Logger, cfg Config) *Service {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = DefaultRequestWindow
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
		log:     logger.With().Str("component", "calls").Logger(),
		cfg:     cfg,
	}
}

func resultOf(c *types.Call) *Result {
	return &Result{Call: c, DurationSeconds: c.DurationSeconds, ChargedCoins: c.ActualCoins}
}

// requestID derives the call id from the client nonce so a replayed request
// can be answered with the call it created.
func requestID(req RequestCall) string {
	if req.Nonce == "" {
		return idgen.NewID()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("call:"+req.FanID+":"+req.CreatorID+":"+req.Nonce)).String()
}

func nonceOrDefault(nonce string) string {
	if nonce == "" {
		return "-"
	}
	return nonce
}

// guard runs fn under the idempotency key of one transition attempt. A
// duplicate attempt returns the current call.
func (s *Service) guard(ctx context.Context, callID, transition, nonce string, fn func(ctx context.Context) (*Result, error)) (*Result, error) {
	var (
		res *Result
		err error
	)
	if s.locker == nil {
		res, err = fn(ctx)
	} else {
		key := idempotency.Key("call", callID, transition, nonceOrDefault(nonce))
		err = s.locker.Do(ctx, key, s.cfg.IdempotencyTTL, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx)
			return err
		})
	}
	if errors.Is(err, types.ErrDuplicate) {
		c, gerr := s.store.GetCall(ctx, callID)
		if gerr != nil {
			return nil, err
		}
		res = resultOf(c)
		res.Duplicate = true
		return res, nil
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

func (s *Service) logRefusal(err error, op, callID, userID string) {
	ev := s.log.Error()
	if types.IsBusinessRefusal(err) {
		ev = s.log.Warn()
	}
	ev.Err(err).Str("call_id", callID).Str("user_id", userID).Msg(op + " failed")
}

func (s *Service) Get(ctx context.Context, callID, userID string) (*types.Call, error) {
	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return nil, types.FromContext(err)
	}
	if !c.Party(userID) {
		return nil, fmt.Errorf("call %s: %w", callID, types.ErrNotFound)
	}
	return c, nil
}

// Request reserves the minimum charge on the fan's wallet and opens the call.
// The rate and minimum come from the creator's current price list.
func (s *Service) Request(ctx context.Context, req RequestCall) (*Result, error) {
	if req.FanID == "" || req.CreatorID == "" || req.FanID == req.CreatorID {
		return nil, fmt.Errorf("call request fan=%q creator=%q: %w", req.FanID, req.CreatorID, types.ErrInvalidInput)
	}
	if !req.CallType.Valid() {
		return nil, fmt.Errorf("call type %q: %w", req.CallType, types.ErrInvalidInput)
	}
	rates, err := s.store.GetCreatorRates(ctx, req.CreatorID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("creator %s: %w", req.CreatorID, types.ErrCreatorUnavailable)
	}
	if err != nil {
		return nil, types.FromContext(err)
	}
	rate, ok := rates.CallRate(req.CallType)
	if !ok {
		return nil, fmt.Errorf("creator %s does not take %s calls: %w", req.CreatorID, req.CallType, types.ErrCreatorUnavailable)
	}
	minimum := rates.CallMinimumMinutes
	if minimum < 1 {
		minimum = 1
	}

	callID := requestID(req)
	res, err := s.guard(ctx, callID, "request", req.Nonce, func(ctx context.Context) (*Result, error) {
		c := &types.Call{
			ID:                     callID,
			FanID:                  req.FanID,
			CreatorID:              req.CreatorID,
			CallType:               req.CallType,
			Status:                 types.CallRequested,
			RatePerMinute:          rate,
			MinimumDurationMinutes: minimum,
			RequestedAt:            s.cfg.Now(),
		}
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			if err := tx.InsertCall(ctx, c); err != nil {
				return err
			}
			h, err := escrow.CreateHoldTx(ctx, tx, escrow.HoldRequest{
				UserID:        c.FanID,
				InteractionID: c.ID,
				Kind:          types.InteractionCall,
				Amount:        pricing.Reservation(rate, minimum),
			})
			if err != nil {
				return err
			}
			c.HoldID = h.ID
			return tx.SaveCall(ctx, c)
		})
		if err != nil {
			return nil, err
		}
		return resultOf(c), nil
	})
	if err != nil {
		s.logRefusal(err, "request", callID, req.FanID)
		return nil, err
	}
	if !res.Duplicate {
		s.log.Info().Str("call_id", callID).Str("user_id", req.FanID).Str("creator_id", req.CreatorID).
			Int64("amount", pricing.Reservation(rate, minimum)).Msg("call requested")
		s.emit(notify.EventCallRequested, res.Call, res.Call.CreatorID)
	}
	return res, nil
}

// Accept moves a requested call to accepted. Only the creator may accept. A
// call found past its request window is expired in the same transaction and
// the accept fails with ErrInvalidState.
func (s *Service) Accept(ctx context.Context, t Transition) (*Result, error) {
	expired := false
	res, err := s.guard(ctx, t.CallID, "accept", t.Nonce, func(ctx context.Context) (*Result, error) {
		var c *types.Call
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			var err error
			c, err = lockParty(ctx, tx, t)
			if err != nil {
				return err
			}
			if t.ActorID != c.CreatorID {
				return fmt.Errorf("only the creator accepts call %s: %w", c.ID, types.ErrForbidden)
			}
			if c.Status != types.CallRequested {
				return fmt.Errorf("accept call %s in status %s: %w", c.ID, c.Status, types.ErrInvalidState)
			}
			now := s.cfg.Now()
			if now.Sub(c.RequestedAt) > s.cfg.RequestWindow {
				expired = true
				return s.close(ctx, tx, c, types.CallExpired, "", "request_timeout", now)
			}
			c.Status = types.CallAccepted
			c.AcceptedAt = &now
			return tx.SaveCall(ctx, c)
		})
		if err != nil {
			return nil, err
		}
		if expired {
			s.emit(notify.EventCallExpired, c, c.FanID, c.CreatorID)
			return nil, fmt.Errorf("call %s expired before accept: %w", c.ID, types.ErrInvalidState)
		}
		return resultOf(c), nil
	})
	if err != nil {
		s.logRefusal(err, "accept", t.CallID, t.ActorID)
		return nil, err
	}
	if !res.Duplicate {
		s.log.Info().Str("call_id", t.CallID).Msg("call accepted")
		s.emit(notify.EventCallAccepted, res.Call, res.Call.FanID)
	}
	return res, nil
}

// Connect records that media is flowing: accepted -> active.
func (s *Service) Connect(ctx context.Context, t Transition) (*Result, error) {
	changed := false
	res, err := s.guard(ctx, t.CallID, "connect", t.Nonce, func(ctx context.Context) (*Result, error) {
		var c *types.Call
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			var err error
			c, err = lockParty(ctx, tx, t)
			if err != nil {
				return err
			}
			switch c.Status {
			case types.CallActive:
				return nil
			case types.CallAccepted:
			default:
				return fmt.Errorf("connect call %s in status %s: %w", c.ID, c.Status, types.ErrInvalidState)
			}
			now := s.cfg.Now()
			c.Status = types.CallActive
			c.ConnectedAt = &now
			changed = true
			return tx.SaveCall(ctx, c)
		})
		if err != nil {
			return nil, err
		}
		return resultOf(c), nil
	})
	if err != nil {
		s.logRefusal(err, "connect", t.CallID, t.ActorID)
		return nil, err
	}
	if changed {
		s.emit(notify.EventCallConnected, res.Call, res.Call.FanID, res.Call.CreatorID)
	}
	return res, nil
}

// Reject is the creator declining a requested or accepted call.
func (s *Service) Reject(ctx context.Context, t Transition) (*Result, error) {
	return s.closeByParty(ctx, t, "reject", types.CallRejected, notify.EventCallRejected)
}

// Cancel is either party abandoning the call before it becomes active.
func (s *Service) Cancel(ctx context.Context, t Transition) (*Result, error) {
	return s.closeByParty(ctx, t, "cancel", types.CallCancelled, notify.EventCallCancelled)
}

func (s *Service) closeByParty(ctx context.Context, t Transition, name string, target types.CallStatus, evType notify.EventType) (*Result, error) {
	changed := false
	res, err := s.guard(ctx, t.CallID, name, t.Nonce, func(ctx context.Context) (*Result, error) {
		var c *types.Call
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			var err error
			c, err = lockParty(ctx, tx, t)
			if err != nil {
				return err
			}
			if target == types.CallRejected && t.ActorID != c.CreatorID {
				return fmt.Errorf("only the creator rejects call %s: %w", c.ID, types.ErrForbidden)
			}
			switch c.Status {
			case target:
				return nil
			case types.CallRequested, types.CallAccepted:
			default:
				return fmt.Errorf("%s call %s in status %s: %w", name, c.ID, c.Status, types.ErrInvalidState)
			}
			changed = true
			return s.close(ctx, tx, c, target, t.ActorID, "", s.cfg.Now())
		})
		if err != nil {
			return nil, err
		}
		return resultOf(c), nil
	})
	if err != nil {
		s.logRefusal(err, name, t.CallID, t.ActorID)
		return nil, err
	}
	if changed {
		s.log.Info().Str("call_id", t.CallID).Str("status", string(target)).Msg("call closed")
		s.emit(evType, res.Call, res.Call.Counterparty(t.ActorID))
	}
	return res, nil
}

// close releases the hold of a call that never started and moves it to a
// terminal status.
func (s *Service) close(ctx context.Context, tx types.LedgerTx, c *types.Call, status types.CallStatus, by, reason string, now time.Time) error {
	if c.HoldID != "" {
		if _, err := escrow.ReleaseHoldTx(ctx, tx, c.HoldID); err != nil {
			return err
		}
	}
	c.Status = status
	c.EndedAt = &now
	c.EndedBy = by
	c.EndReason = reason
	return tx.SaveCall(ctx, c)
}

// Extend grows the call's hold so a call running past the minimum can be
// charged in full. Only the fan may extend.
func (s *Service) Extend(ctx context.Context, e ExtendCall) (*Result, error) {
	if e.AdditionalMinutes <= 0 {
		return nil, fmt.Errorf("extend by %d minutes: %w", e.AdditionalMinutes, types.ErrInvalidInput)
	}
	// Each extend without a client nonce is its own attempt.
	nonce := e.Nonce
	if nonce == "" {
		nonce = idgen.NewID()
	}
	var added int64
	res, err := s.guard(ctx, e.CallID, "extend", nonce, func(ctx context.Context) (*Result, error) {
		var c *types.Call
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			var err error
			c, err = lockParty(ctx, tx, Transition{CallID: e.CallID, ActorID: e.ActorID})
			if err != nil {
				return err
			}
			if e.ActorID != c.FanID {
				return fmt.Errorf("only the fan extends call %s: %w", c.ID, types.ErrForbidden)
			}
			if c.Status != types.CallAccepted && c.Status != types.CallActive {
				return fmt.Errorf("extend call %s in status %s: %w", c.ID, c.Status, types.ErrInvalidState)
			}
			h, err := tx.LockHold(ctx, c.HoldID)
			if err != nil {
				return err
			}
			added = int64(e.AdditionalMinutes) * c.RatePerMinute
			_, err = escrow.ResizeHoldTx(ctx, tx, h.ID, h.Amount+added)
			return err
		})
		if err != nil {
			return nil, err
		}
		return resultOf(c), nil
	})
	if err != nil {
		s.logRefusal(err, "extend", e.CallID, e.ActorID)
		return nil, err
	}
	if !res.Duplicate {
		s.log.Info().Str("call_id", e.CallID).Int64("amount", added).Msg("call extended")
		s.emit(notify.EventCallExtended, res.Call, res.Call.CreatorID)
	}
	return res, nil
}

// End settles an active call. The charge is the billable minutes since
// accept at the call's rate, never more than the hold; the rest is written
// off. Hanging up an accepted call that never connected cancels it and
// releases the hold. Ending an ended call returns the stored outcome.
func (s *Service) End(ctx context.Context, t Transition) (*Result, error) {
	changed, cancelled := false, false
	res, err := s.guard(ctx, t.CallID, "end", t.Nonce, func(ctx context.Context) (*Result, error) {
		var c *types.Call
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			var err error
			c, err = lockParty(ctx, tx, t)
			if err != nil {
				return err
			}
			switch c.Status {
			case types.CallEnded:
				return nil
			case types.CallCancelled:
				if c.EndReason == types.EndReasonNotConnected {
					return nil
				}
				return fmt.Errorf("end call %s in status %s: %w", c.ID, c.Status, types.ErrInvalidState)
			case types.CallAccepted:
				changed, cancelled = true, true
				return s.close(ctx, tx, c, types.CallCancelled, t.ActorID, types.EndReasonNotConnected, s.cfg.Now())
			case types.CallActive:
			default:
				return fmt.Errorf("end call %s in status %s: %w", c.ID, c.Status, types.ErrInvalidState)
			}
			changed = true
			return s.settle(ctx, tx, c, t.ActorID, types.EndReasonHangup)
		})
		if err != nil {
			return nil, err
		}
		return resultOf(c), nil
	})
	if err != nil {
		s.logRefusal(err, "end", t.CallID, t.ActorID)
		return nil, err
	}
	if cancelled {
		s.log.Info().Str("call_id", t.CallID).Str("status", string(types.CallCancelled)).Msg("call closed before connect")
		s.emit(notify.EventCallCancelled, res.Call, res.Call.Counterparty(t.ActorID))
		return res, nil
	}
	if changed {
		c := res.Call
		s.log.Info().Str("call_id", c.ID).Int64("duration_seconds", c.DurationSeconds).
			Int64("amount", c.ActualCoins).Int64("written_off", c.WrittenOffCoins).Msg("call ended")
		s.emit(notify.EventCallEnded, c, c.FanID, c.CreatorID)
	}
	return res, nil
}

func (s *Service) settle(ctx context.Context, tx types.LedgerTx, c *types.Call, by, reason string) error {
	h, err := tx.LockHold(ctx, c.HoldID)
	if err != nil {
		return err
	}
	now := s.cfg.Now()
	start := c.RequestedAt
	if c.AcceptedAt != nil {
		start = *c.AcceptedAt
	}
	duration := int64(now.Sub(start) / time.Second)
	if duration < 0 {
		duration = 0
	}
	charged, writtenOff := pricing.CallCharge(c.RatePerMinute, c.MinimumDurationMinutes, duration, h.Amount)
	if _, err := escrow.SettleHoldTx(ctx, tx, h.ID, charged); err != nil {
		return err
	}
	if charged > 0 {
		err := tx.AppendEarning(ctx, &types.Earning{
			ID:            idgen.NextSequence(),
			CreatorID:     c.CreatorID,
			InteractionID: c.ID,
			Gross:         charged,
			Net:           pricing.CreatorShare(charged, s.cfg.PlatformFeePercent),
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
	}
	c.Status = types.CallEnded
	c.EndedAt = &now
	c.EndedBy = by
	c.EndReason = reason
	c.DurationSeconds = duration
	c.ActualCoins = charged
	c.WrittenOffCoins = writtenOff
	return tx.SaveCall(ctx, c)
}

// ExpireStale expires requested calls older than the request window and
// releases their holds. Each call is re-checked under its row lock, so a
// concurrent accept wins or loses cleanly.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.cfg.Now().Add(-s.cfg.RequestWindow)
	ids, err := s.store.ListStaleCalls(ctx, types.CallRequested, cutoff, expireBatch)
	if err != nil {
		return 0, types.FromContext(err)
	}
	expired := 0
	for _, id := range ids {
		var c *types.Call
		changed := false
		err := s.withTx(ctx, func(tx types.LedgerTx) error {
			var err error
			c, err = tx.LockCall(ctx, id)
			if err != nil {
				return err
			}
			if c.Status != types.CallRequested || !c.RequestedAt.Before(cutoff) {
				return nil
			}
			changed = true
			return s.close(ctx, tx, c, types.CallExpired, "", "request_timeout", s.cfg.Now())
		})
		if err != nil {
			s.log.Error().Err(err).Str("call_id", id).Msg("expire call failed")
			continue
		}
		if changed {
			expired++
			s.emit(notify.EventCallExpired, c, c.FanID, c.CreatorID)
		}
	}
	if expired > 0 {
		s.log.Info().Int("expired", expired).Msg("stale calls expired")
	}
	return expired, nil
}

// lockParty locks the call and hides it from anyone who is not a party.
func lockParty(ctx context.Context, tx types.LedgerTx, t Transition) (*types.Call, error) {
	c, err := tx.LockCall(ctx, t.CallID)
	if err != nil {
		return nil, err
	}
	if !c.Party(t.ActorID) {
		return nil, fmt.Errorf("call %s: %w", t.CallID, types.ErrNotFound)
	}
	return c, nil
}

func (s *Service) emit(evType notify.EventType, c *types.Call, recipients ...string) {
	s.emitter.Emit(notify.Event{
		Type:            evType,
		Recipients:      recipients,
		InteractionID:   c.ID,
		Status:          string(c.Status),
		CallType:        string(c.CallType),
		RatePerMinute:   c.RatePerMinute,
		ChargedCoins:    c.ActualCoins,
		DurationSeconds: c.DurationSeconds,
	})
}
