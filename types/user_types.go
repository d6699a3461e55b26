package types

import "time"

// CreatorRates is the server-side price list of a creator. Clients never
// supply rates.
type CreatorRates struct {
	CreatorID          string    `json:"creator_id"`
	Available          bool      `json:"available"`
	VideoEnabled       bool      `json:"video_enabled"`
	VoiceEnabled       bool      `json:"voice_enabled"`
	VideoRate          int64     `json:"video_rate"`
	VoiceRate          int64     `json:"voice_rate"`
	CallMinimumMinutes int       `json:"call_minimum_minutes"`
	AIChatEnabled      bool      `json:"ai_chat_enabled"`
	AIRate             int64     `json:"ai_rate"`
	AIMinimumMinutes   int       `json:"ai_minimum_minutes"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CallRate returns the per-minute rate for callType, or false if the creator
// does not take that kind of call right now.
func (r CreatorRates) CallRate(callType CallType) (int64, bool) {
	if !r.Available {
		return 0, false
	}
	switch callType {
	case CallVideo:
		return r.VideoRate, r.VideoEnabled && r.VideoRate > 0
	case CallVoice:
		return r.VoiceRate, r.VoiceEnabled && r.VoiceRate > 0
	default:
		return 0, false
	}
}

type Tier struct {
	ID        string          `json:"id"`
	CreatorID string          `json:"creator_id"`
	Name      string          `json:"name"`
	Price     int64           `json:"price"`
	Interval  BillingInterval `json:"interval"`
	Active    bool            `json:"active"`
}

type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"userId"`
	CreatorID          string             `json:"creatorId"`
	TierID             string             `json:"tierId"`
	Status             SubscriptionStatus `json:"status"`
	PricePerCycle      int64              `json:"pricePerCycle"`
	Interval           BillingInterval    `json:"interval"`
	CurrentPeriodStart time.Time          `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time          `json:"currentPeriodEnd"`
	AutoRenew          bool               `json:"autoRenew"`
	FailedAttempts     int                `json:"failedAttempts"`
	NextRetryAt        *time.Time         `json:"nextRetryAt,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Contact maps a platform user to the Telegram chat that receives their
// notifications.
type Contact struct {
	UserID         string
	TelegramChatID int64
	UpdatedAt      time.Time
}
