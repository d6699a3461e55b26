// Package pricing holds the coin arithmetic shared by calls, AI sessions and
// the creator payout. All amounts are whole coins.
package pricing

import "time"

func ceilMinutes(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

func atLeastOne(minutes int) int64 {
	if minutes < 1 {
		return 1
	}
	return int64(minutes)
}

// Reservation is the amount held when an interaction starts: the minimum
// billable minutes (at least one) at the agreed rate.
func Reservation(ratePerMinute int64, minimumMinutes int) int64 {
	return atLeastOne(minimumMinutes) * ratePerMinute
}

// BillableMinutes rounds a duration up to whole minutes and applies the
// minimum. A call that never produced a measurable duration still bills the
// minimum.
func BillableMinutes(durationSeconds int64, minimumMinutes int) int64 {
	minutes := ceilMinutes(durationSeconds)
	if min := atLeastOne(minimumMinutes); minutes < min {
		return min
	}
	return minutes
}

// CallCharge computes what an ended call costs. The charge never exceeds the
// reserved amount; anything above it is returned as writtenOff.
func CallCharge(ratePerMinute int64, minimumMinutes int, durationSeconds, held int64) (charged, writtenOff int64) {
	owed := BillableMinutes(durationSeconds, minimumMinutes) * ratePerMinute
	if owed > held {
		return held, owed - held
	}
	return owed, 0
}

// MinutesRemaining is how many whole minutes the available balance buys.
func MinutesRemaining(available, ratePerMinute int64) int64 {
	if ratePerMinute <= 0 || available <= 0 {
		return 0
	}
	return available / ratePerMinute
}

// IntervalCharge is the cost of one billing interval.
func IntervalCharge(ratePerMinute int64, interval time.Duration) int64 {
	return ceilMinutes(int64(interval/time.Second)) * ratePerMinute
}

// PartialCharge bills the unbilled tail of a session, rounded up to whole
// minutes and bounded to one interval.
func PartialCharge(ratePerMinute int64, elapsed, interval time.Duration) int64 {
	if elapsed > interval {
		elapsed = interval
	}
	return ceilMinutes(int64(elapsed/time.Second)) * ratePerMinute
}

// MinimumTopUp is what is still owed to reach the session minimum after
// spent coins were already charged.
func MinimumTopUp(ratePerMinute int64, minimumMinutes int, spent int64) int64 {
	owed := int64(minimumMinutes)*ratePerMinute - spent
	if owed < 0 {
		return 0
	}
	return owed
}

// CreatorShare splits a gross charge into the creator's net amount after the
// platform fee, expressed in percent. The fee is rounded down in the
// creator's favour.
func CreatorShare(gross int64, feePercent int) int64 {
	if gross <= 0 {
		return 0
	}
	if feePercent <= 0 {
		return gross
	}
	if feePercent >= 100 {
		return 0
	}
	return gross - gross*int64(feePercent)/100
}
