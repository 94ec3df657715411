// internal/infra/telegram/client.go
package telegram

import (
	"context"
	"fmt"

	"proximity_attendance/internal/domain/notify"
	dtelegram "proximity_attendance/internal/domain/telegram"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// TelebotAdapter implements the Client interface using the gopkg.in/telebot.v3 library.
type TelebotAdapter struct {
	bot *telebot.Bot
}

func NewTelebotAdapter(b *telebot.Bot) *TelebotAdapter {
	return &TelebotAdapter{bot: b}
}

// SendMessage sends a text message to the specified recipient.
func (tba *TelebotAdapter) SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error {
	if options == nil {
		options = &telebot.SendOptions{}
	}

	recipient := &telebot.Chat{ID: recipientChatID}
	_, err := tba.bot.Send(recipient, text, options)
	return err
}

// Notifier delivers domain events as Telegram messages. Events without chat
// ids go to the admin chat.
type Notifier struct {
	client      dtelegram.Client
	adminChatID int64
	logger      *logrus.Entry
}

func NewNotifier(client dtelegram.Client, adminChatID int64, logger *logrus.Entry) *Notifier {
	return &Notifier{client: client, adminChatID: adminChatID, logger: logger}
}

// Notify sends the event to every recipient and returns the first failure.
// A failed recipient does not stop delivery to the rest.
func (n *Notifier) Notify(_ context.Context, e notify.Event) error {
	recipients := e.ChatIDs
	if len(recipients) == 0 {
		if n.adminChatID == 0 {
			n.logger.WithField("kind", e.Kind).Debug("No admin chat configured, dropping operator event")
			return nil
		}
		recipients = []int64{n.adminChatID}
	}

	opts := messageOptions(e)
	var firstErr error
	for _, chatID := range recipients {
		if err := n.client.SendMessage(chatID, e.Text, opts); err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"kind":    e.Kind,
				"chat_id": chatID,
			}).Error("Failed to deliver notification")
			if firstErr == nil {
				firstErr = fmt.Errorf("send %s to chat %d: %w", e.Kind, chatID, err)
			}
		}
	}
	return firstErr
}

// messageOptions attaches the investigate/resolve buttons to anomaly alerts.
func messageOptions(e notify.Event) *telebot.SendOptions {
	if e.Kind != notify.EventAnomalyRaised || !e.AnomalyID.Valid {
		return &telebot.SendOptions{}
	}
	return &telebot.SendOptions{ReplyMarkup: anomalyMarkup(e.AnomalyID.UUID.String())}
}

func anomalyMarkup(anomalyID string) *telebot.ReplyMarkup {
	replyMarkup := &telebot.ReplyMarkup{ResizeKeyboard: true} // Inline keyboard
	btnInvestigate := replyMarkup.Data("Investigate", dtelegram.CallbackInvestigate+anomalyID)
	btnResolve := replyMarkup.Data("Resolve", dtelegram.CallbackResolve+anomalyID)
	replyMarkup.Inline(replyMarkup.Row(btnInvestigate, btnResolve))
	return replyMarkup
}
