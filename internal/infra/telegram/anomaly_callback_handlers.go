// internal/infra/telegram/anomaly_callback_handlers.go
package telegram

import (
	"context"
	"fmt"
	"strings"

	"proximity_attendance/internal/app"
	dtelegram "proximity_attendance/internal/domain/telegram"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// parseAnomalyCallback splits inline button data into the action prefix and
// the anomaly id. Buttons built with ReplyMarkup.Data arrive with a leading \f.
func parseAnomalyCallback(data string) (string, uuid.UUID, error) {
	data = strings.TrimPrefix(data, "\f")
	for _, prefix := range []string{dtelegram.CallbackInvestigate, dtelegram.CallbackResolve} {
		if !strings.HasPrefix(data, prefix) {
			continue
		}
		id, err := uuid.Parse(strings.TrimPrefix(data, prefix))
		if err != nil {
			return "", uuid.Nil, fmt.Errorf("invalid anomaly id in callback %q: %w", data, err)
		}
		return prefix, id, nil
	}
	return "", uuid.Nil, fmt.Errorf("unhandled callback data: %s", data)
}

func RegisterAnomalyCallbackHandlers(ctx context.Context, b *telebot.Bot, presence *app.PresenceService, adminTelegramID int64, baseLogger *logrus.Entry) {
	b.Handle(telebot.OnCallback, func(c telebot.Context) error {
		action, anomalyID, err := parseAnomalyCallback(c.Callback().Data)
		if err != nil {
			c.Bot().OnError(err, c)
			return c.Respond(&telebot.CallbackResponse{Text: "Unknown action."})
		}
		if c.Sender().ID != adminTelegramID {
			return c.Respond(&telebot.CallbackResponse{Text: "You are not allowed to do this."})
		}

		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":    "anomaly_callback",
			"action":     strings.TrimSuffix(action, "_"),
			"anomaly_id": anomalyID,
		})
		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		actor := fmt.Sprintf("telegram:%d", c.Sender().ID)
		switch action {
		case dtelegram.CallbackInvestigate:
			_, err = presence.Investigate(cmdCtx, anomalyID, actor, "")
		case dtelegram.CallbackResolve:
			_, err = presence.Resolve(cmdCtx, anomalyID, actor, "resolved from Telegram")
		}
		if err != nil {
			handlerLogger.WithError(err).Warn("Anomaly transition rejected")
			return c.Respond(&telebot.CallbackResponse{Text: describeError(err)})
		}
		handlerLogger.Info("Anomaly transition applied")

		if action == dtelegram.CallbackResolve {
			return c.Respond(&telebot.CallbackResponse{Text: "Resolved. Recompute affected rounds to apply it."})
		}
		return c.Respond(&telebot.CallbackResponse{Text: "Marked as under investigation."})
	})
}
