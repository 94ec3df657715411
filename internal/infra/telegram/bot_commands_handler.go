// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"proximity_attendance/internal/app"
	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/session"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

func RegisterBotCommands(
	b *telebot.Bot,
	adminTelegramID int64,
	baseLogger *logrus.Entry, // For contextual logging
) {
	startHelpLogger := baseLogger.WithField("handler_group", "start_help")

	b.Handle("/start", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/start").WithField("sender_id", senderID)
		logCtx.Info("Processing /start command")

		if senderID == adminTelegramID {
			logCtx.Info("User identified as Admin")
			return c.Send(fmt.Sprintf("Hello, %s! Attendance operations are ready. Use /help for the command list.", c.Sender().FirstName))
		}
		return c.Send(fmt.Sprintf(
			"Hello! I send attendance round notices and results. Your chat id is %d; ask your administrator to link it to your enrollment.",
			senderID))
	})

	b.Handle("/help", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/help").WithField("sender_id", senderID)
		logCtx.Info("Processing /help command")

		var helpText strings.Builder
		helpText.WriteString("Lecturer commands:\n\n")
		helpText.WriteString("`/activate <SessionID> <RoundNumber>`\n - Start a round of your session.\n\n")
		if senderID == adminTelegramID {
			helpText.WriteString("Admin commands:\n\n")
			helpText.WriteString("`/complete <RoundID>`\n - Close a round and compute its result.\n\n")
			helpText.WriteString("`/result <RoundID>`\n - Show the per-participant result of a round.\n\n")
			helpText.WriteString("`/recompute <RoundID>`\n - Run consensus again for a completed round.\n\n")
			helpText.WriteString("`/finalize <RoundID>`\n - Lock a computed round.\n\n")
			helpText.WriteString("`/anomalies [SessionID]`\n - List unresolved GPS anomalies.\n\n")
		}
		helpText.WriteString("`/help`\n - Show this message.")
		return c.Send(helpText.String(), &telebot.SendOptions{ParseMode: telebot.ModeMarkdown})
	})
}

// describeError turns a service error into a short chat reply.
func describeError(err error) string {
	var verr *app.ValidationError
	var conflict *session.StateConflictError
	switch {
	case errors.As(err, &verr):
		return "Error: " + verr.Error()
	case errors.Is(err, app.ErrNotAuthorized):
		return "Error: you are not the lecturer of this session."
	case errors.Is(err, app.ErrSessionClosed):
		return "Error: this session was cancelled or missed."
	case errors.As(err, &conflict):
		return fmt.Sprintf("Not possible: %s is %s.", conflict.Entity, conflict.From)
	case errors.Is(err, session.ErrStateConflict), errors.Is(err, geo.ErrAnomalyTransition):
		return "Not possible right now: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	default:
		return "An internal error occurred. Please try again later."
	}
}

func formatRecompute(track *attendance.RoundTrack) string {
	if track == nil {
		return "Round was not recomputed: it is no longer completed."
	}
	return fmt.Sprintf("Round recomputed: %d entries, digest %.12s.", len(track.Entries), track.Digest)
}

func formatRoundResult(res *app.RoundResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d (%s, consensus %s)\n", res.RoundNumber, res.Status, res.ConsensusState)
	if len(res.PerParticipant) == 0 {
		b.WriteString("No result yet.")
		return b.String()
	}
	attended := 0
	for _, p := range res.PerParticipant {
		mark := "-"
		if p.Attended {
			mark = "+"
			attended++
		}
		fmt.Fprintf(&b, "%s %s: %s\n", mark, p.StudentID, p.Verdict)
	}
	fmt.Fprintf(&b, "Attended: %d of %d", attended, len(res.PerParticipant))
	return b.String()
}
