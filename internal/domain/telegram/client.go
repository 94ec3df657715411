package telegram

import "gopkg.in/telebot.v3"

// Client sends a message to one Telegram chat. Notification fan-out is
// written against this port so it can be exercised without a live bot.
type Client interface {
	SendMessage(chatID int64, text string, options *telebot.SendOptions) error
}

// Callback data prefixes for the inline anomaly buttons.
const (
	CallbackInvestigate = "anom_inv_"
	CallbackResolve     = "anom_res_"
)
