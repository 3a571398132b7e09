package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/esbmeter/esbmeter/pkg/log"
	"github.com/esbmeter/esbmeter/pkg/types"
)

func captchaNotificationID(mprn string) string {
	return "esbmeter_captcha_" + mprn
}

func breakerNotificationID(mprn string) string {
	return "esbmeter_circuit_breaker_" + mprn
}

func captchaNotification(mprn string) types.Notification {
	return types.Notification{
		ID:    captchaNotificationID(mprn),
		Title: "ESB Smart Meter: CAPTCHA Required",
		Message: fmt.Sprintf("ESB Networks requires CAPTCHA verification to prevent automated access.\n\n"+
			"To resolve it:\n\n"+
			"1. Visit ESB Networks My Account (%s)\n"+
			"2. Complete the CAPTCHA challenge and log in\n"+
			"3. Leave the browser session active for 5 minutes\n\n"+
			"Alternatively wait 24-48 hours for the restriction to clear, or copy the portal "+
			"cookies from a logged in browser into -manual-cookies or POST /api/cookies.\n\n"+
			"MPRN: %s\n\n"+
			"Fetching is retried weekly and this notification clears once a fetch succeeds.",
			MyAccountURL, mprn),
	}
}

func breakerNotification(mprn string, failures int, backoff time.Duration) types.Notification {
	return types.Notification{
		ID:    breakerNotificationID(mprn),
		Title: "ESB Smart Meter: Updates Paused",
		Message: fmt.Sprintf("Fetching usage for MPRN %s failed %d times in a row. "+
			"Updates are paused for %s to avoid being blocked by ESB Networks.\n\n"+
			"This notification will clear when updates succeed.",
			mprn, failures, backoff.Round(time.Minute)),
	}
}

// LogNotifier writes notifications to the log. It is always installed so a
// notification is never lost when no other notifier is configured.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, n types.Notification) error {
	log.Ctx(ctx).WarnContext(ctx, "notification",
		slog.String("id", n.ID),
		slog.String("title", n.Title),
		slog.String("message", n.Message),
	)
	return nil
}

// Dismiss implements Notifier.
func (LogNotifier) Dismiss(ctx context.Context, id string) error {
	log.Ctx(ctx).InfoContext(ctx, "notification dismissed", slog.String("id", id))
	return nil
}
