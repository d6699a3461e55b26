// Package notify delivers interaction events to the parties after the
// transaction that produced them has committed. Delivery is best effort: a
// failed notification is logged and never undoes or fails a billing step.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	EventCallRequested EventType = "call.requested"
	EventCallAccepted  EventType = "call.accepted"
	EventCallConnected EventType = "call.connected"
	EventCallRejected  EventType = "call.rejected"
	EventCallCancelled EventType = "call.cancelled"
	EventCallExpired   EventType = "call.expired"
	EventCallExtended  EventType = "call.extended"
	EventCallEnded     EventType = "call.ended"

	EventSessionStarted    EventType = "session.started"
	EventSessionLowBalance EventType = "session.low_balance"
	EventSessionEnded      EventType = "session.ended"

	EventSubscriptionStarted EventType = "subscription.started"
	EventSubscriptionRenewed EventType = "subscription.renewed"
	EventSubscriptionPastDue EventType = "subscription.past_due"
	EventSubscriptionEnded   EventType = "subscription.ended"
)

type Event struct {
	Type             EventType `json:"type"`
	Recipients       []string  `json:"-"`
	InteractionID    string    `json:"interactionId"`
	Status           string    `json:"status,omitempty"`
	CallType         string    `json:"callType,omitempty"`
	RatePerMinute    int64     `json:"ratePerMinute,omitempty"`
	ChargedCoins     int64     `json:"chargedCoins,omitempty"`
	DurationSeconds  int64     `json:"durationSeconds,omitempty"`
	MinutesRemaining int64     `json:"minutesRemaining,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	NextAt           time.Time `json:"nextAt,omitempty"`
	At               time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emitter delivers events asynchronously with their own timeout, detached
// from the request that produced them. A nil Emitter drops events.
type Emitter struct {
	n       Notifier
	log     zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewEmitter(n Notifier, logger zerolog.Logger, timeout time.Duration) *Emitter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Emitter{
		n:       n,
		log:     logger.With().Str("component", "notify").Logger(),
		timeout: timeout,
	}
}

func (e *Emitter) Emit(ev Event) {
	if e == nil || e.n == nil || len(ev.Recipients) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if err := e.n.Notify(ctx, ev); err != nil {
			e.log.Warn().Err(err).Str("event", string(ev.Type)).Str("interaction_id", ev.InteractionID).Msg("notification failed")
		}
	}()
}

// Wait blocks until every emitted event has been handed to the notifier.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

// Recorder keeps events in memory. Used in tests and as a debug sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
