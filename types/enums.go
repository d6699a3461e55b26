package types

import "time"

type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released"
	HoldConsumed HoldStatus = "consumed"
)

type InteractionKind string

const (
	InteractionCall      InteractionKind = "call"
	InteractionAISession InteractionKind = "ai_session"
)

type TransactionKind string

const (
	TransactionDebit  TransactionKind = "debit"
	TransactionCredit TransactionKind = "credit"
)

type CallType string

const (
	CallVideo CallType = "video"
	CallVoice CallType = "voice"
)

func (t CallType) Valid() bool {
	return t == CallVideo || t == CallVoice
}

type CallStatus string

const (
	CallRequested CallStatus = "requested"
	CallAccepted  CallStatus = "accepted"
	CallActive    CallStatus = "active"
	CallEnded     CallStatus = "ended"
	CallRejected  CallStatus = "rejected"
	CallCancelled CallStatus = "cancelled"
	CallExpired   CallStatus = "expired"
)

// Open reports whether the call still holds funds and blocks a second request
// between the same fan and creator.
func (s CallStatus) Open() bool {
	switch s {
	case CallRequested, CallAccepted, CallActive:
		return true
	default:
		return false
	}
}

func (s CallStatus) Terminal() bool {
	return !s.Open()
}

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

type BillingInterval string

const (
	IntervalWeekly  BillingInterval = "weekly"
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

func (i BillingInterval) Valid() bool {
	switch i {
	case IntervalWeekly, IntervalMonthly, IntervalYearly:
		return true
	default:
		return false
	}
}

// Next returns the end of the billing period that starts at t.
func (i BillingInterval) Next(t time.Time) time.Time {
	switch i {
	case IntervalWeekly:
		return t.AddDate(0, 0, 7)
	case IntervalYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

const (
	EndReasonHangup            = "hangup"
	EndReasonInsufficientFunds = "insufficient_funds"
	EndReasonIdleTimeout       = "idle_timeout"
	EndReasonUser              = "user"
	EndReasonNotConnected      = "not_connected"
)
