package messages

import (
	"fmt"
	"strings"
	"time"
)

const ParseModeHTML = "HTML"

func Escape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(strings.TrimSpace(s))
}

func Title(text string) string {
	return fmt.Sprintf("✨ <b>%s</b>", Escape(text))
}

func coins(n int64) string {
	if n == 1 {
		return "1 coin"
	}
	return fmt.Sprintf("%d coins", n)
}

func duration(seconds int64) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func CallRequested(callType string, ratePerMinute int64) string {
	return fmt.Sprintf("📞 <b>Incoming %s call</b>\nRate: %s per minute.\nAccept within 5 minutes.",
		Escape(callType), coins(ratePerMinute))
}

func CallAccepted() string {
	return "✅ <b>Call accepted</b>\nConnecting..."
}

func CallClosed(status string) string {
	switch status {
	case "rejected":
		return "🚫 <b>Call declined</b>\nYour coins were returned."
	case "cancelled":
		return "↩️ <b>Call cancelled</b>\nNo coins were charged."
	case "expired":
		return "⌛ <b>Call expired</b>\nIt was not answered in time. No coins were charged."
	default:
		return Title("Call " + status)
	}
}

func CallEnded(durationSeconds, charged int64) string {
	return fmt.Sprintf("📴 <b>Call ended</b>\nDuration: %s\nCharged: %s", duration(durationSeconds), coins(charged))
}

func SessionEnded(reason string, spent int64) string {
	if reason == "insufficient_funds" {
		return fmt.Sprintf("🪫 <b>Chat ended</b>\nYour balance ran out. Spent: %s", coins(spent))
	}
	return fmt.Sprintf("💬 <b>Chat ended</b>\nSpent: %s", coins(spent))
}

func LowBalance(minutesRemaining int64) string {
	return fmt.Sprintf("⚠️ <b>Low balance</b>\nAbout %d min left. Top up to keep chatting.", minutesRemaining)
}

func SubscriptionStarted(price int64, periodEnd time.Time) string {
	return fmt.Sprintf("⭐ <b>Subscription started</b>\nCharged: %s\nRenews on: %s", coins(price), periodEnd.Format("2006-01-02"))
}

func SubscriptionRenewed(price int64, periodEnd time.Time) string {
	return fmt.Sprintf("🔁 <b>Subscription renewed</b>\nCharged: %s\nNext renewal: %s", coins(price), periodEnd.Format("2006-01-02"))
}

func SubscriptionPastDue(retryAt time.Time) string {
	return fmt.Sprintf("💳 <b>Renewal failed</b>\nNot enough coins. We will retry on %s.", retryAt.Format("2006-01-02"))
}

func SubscriptionEnded() string {
	return "📭 <b>Subscription ended</b>"
}

func Help() string {
	return "🪙 <b>Coin wallet</b>\n/balance shows your coins.\nOpen the link from the app to connect notifications."
}

func Linked() string {
	return "🔔 <b>Notifications connected</b>\nYou will get call and billing alerts here."
}

func LinkExpired() string {
	return "⌛ <b>Link expired</b>\nOpen a new link from the app."
}

func NotLinked() string {
	return "🔗 <b>Not connected</b>\nOpen the link from the app first."
}

func Balance(balance, available, held int64, stale bool) string {
	text := fmt.Sprintf("🪙 <b>Balance</b>: %s\nAvailable: %s\nReserved: %s", coins(balance), coins(available), coins(held))
	if stale {
		text += "\n<i>May be out of date.</i>"
	}
	return text
}

func ErrorDefault() string {
	return "⚠️ Something went wrong. Please try again later."
}
