package dispatch

import (
	"fmt"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/gateway/notifier"
)

func payloadLines(p confirm.Payload) []string {
	return []string{
		fmt.Sprintf("Pair:       %s", p.Pair),
		fmt.Sprintf("Order:      #%d", p.Sequence),
		fmt.Sprintf("Entry rate: %s", p.Rate.String()),
		fmt.Sprintf("Stake:      %s", p.Stake.StringFixed(2)),
		fmt.Sprintf("Profit:     %.2f%%", p.ProfitRatio*100),
	}
}

// RenderRequest 渲染确认请求正文。
func RenderRequest(rec confirm.Record, window time.Duration) string {
	footer := "Reply with the buttons below."
	if window > 0 {
		footer = fmt.Sprintf("Auto-declines in %s if there is no response.", humanDuration(window))
	}
	return notifier.StructuredMessage{
		Icon:      "🔔",
		Title:     fmt.Sprintf("DCA safety order #%d for %s", rec.Payload.Sequence, rec.Payload.Pair),
		Sections:  []notifier.MessageSection{{Lines: payloadLines(rec.Payload)}},
		Footer:    footer,
		Timestamp: rec.CreatedAt,
	}.RenderMarkdown()
}

// RenderOutcome 渲染终态结果。
func RenderOutcome(rec confirm.Record) string {
	icon, title := "❌", "DCA order declined"
	switch {
	case rec.Status == confirm.StatusConfirmed:
		icon, title = "✅", "DCA order confirmed"
	case rec.Reason == confirm.ReasonTimeout:
		icon, title = "⌛", "DCA request expired (auto-declined)"
	}
	msg := notifier.StructuredMessage{
		Icon:     icon,
		Title:    title,
		Sections: []notifier.MessageSection{{Lines: payloadLines(rec.Payload)}},
	}
	if rec.ResolvedAt != nil {
		msg.Timestamp = *rec.ResolvedAt
	}
	if rec.Status == confirm.StatusConfirmed {
		msg.Footer = "The order will be placed on the next strategy cycle."
	}
	return msg.RenderMarkdown()
}

func humanDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	}
	return d.String()
}
