package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"proximity_attendance/internal/app"
	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/roster"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const commandTimeout = 15 * time.Second

// Services groups what the round commands operate on.
type Services struct {
	Rounds    *app.RoundService
	Consensus *app.ConsensusService
	Presence  *app.PresenceService
	Directory roster.Directory
}

// RegisterRoundHandlers registers the lecturer /activate command and the
// admin round commands.
func RegisterRoundHandlers(ctx context.Context, b *telebot.Bot, svc Services, adminTelegramID int64, baseLogger *logrus.Entry) {
	b.Handle("/activate", func(c telebot.Context) error {
		handlerLogger := baseLogger.WithFields(logrus.Fields{
			"handler":   "/activate",
			"sender_id": c.Sender().ID,
		})
		handlerLogger.Info("Command received")

		args := c.Args()
		// Expected format: /activate <SessionID> <RoundNumber>
		if len(args) != 2 {
			return c.Send("Invalid format. Use: /activate <SessionID> <RoundNumber>")
		}
		sessionID, err := uuid.Parse(args[0])
		if err != nil {
			return c.Send("Error: SessionID must be a UUID.")
		}
		number, err := strconv.Atoi(args[1])
		if err != nil || number < 1 {
			return c.Send("Error: RoundNumber must be a positive number.")
		}
		handlerLogger = handlerLogger.WithFields(logrus.Fields{"session_id": sessionID, "round_number": number})

		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		r, err := svc.Directory.SessionRoster(cmdCtx, sessionID)
		if err != nil {
			if errors.Is(err, roster.ErrRosterNotFound) {
				return c.Send("Error: unknown session.")
			}
			handlerLogger.WithError(err).Error("Failed to load roster")
			return c.Send(describeError(err))
		}
		lecturer, ok := r.ByChatID(c.Sender().ID)
		if !ok || lecturer.Role != roster.RoleLecturer {
			handlerLogger.Warn("Sender is not a lecturer of the session")
			return c.Send(describeError(app.ErrNotAuthorized))
		}

		rounds, err := svc.Rounds.Rounds(cmdCtx, sessionID)
		if err != nil {
			handlerLogger.WithError(err).Warn("Failed to list rounds")
			return c.Send(describeError(err))
		}
		var roundID uuid.UUID
		for _, rd := range rounds {
			if rd.Number == number {
				roundID = rd.ID
			}
		}
		if roundID == uuid.Nil {
			return c.Send(fmt.Sprintf("Error: session has no round %d.", number))
		}

		active, err := svc.Rounds.Activate(cmdCtx, sessionID, roundID, lecturer.ParticipantID)
		if err != nil {
			handlerLogger.WithError(err).Warn("Activation rejected")
			return c.Send(describeError(err))
		}
		handlerLogger.WithField("round_id", active.ID).Info("Round activated from Telegram")
		return c.Send(fmt.Sprintf("Round %d is active until %s UTC.", active.Number, active.EndsAt.Format("15:04")))
	})

	adminOnly := func(name string, needArg bool, fn func(ctx context.Context, c telebot.Context, roundID uuid.UUID, log *logrus.Entry) error) {
		b.Handle(name, func(c telebot.Context) error {
			handlerLogger := baseLogger.WithFields(logrus.Fields{
				"handler":   name,
				"sender_id": c.Sender().ID,
			})
			if c.Sender().ID != adminTelegramID {
				handlerLogger.Warn("Unauthorized access attempt")
				return c.Send("Error: you are not allowed to run this command.")
			}

			var roundID uuid.UUID
			if needArg {
				args := c.Args()
				if len(args) != 1 {
					return c.Send(fmt.Sprintf("Invalid format. Use: %s <RoundID>", name))
				}
				var err error
				if roundID, err = uuid.Parse(args[0]); err != nil {
					return c.Send("Error: RoundID must be a UUID.")
				}
				handlerLogger = handlerLogger.WithField("round_id", roundID)
			}
			handlerLogger.Info("Command received")

			cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			return fn(cmdCtx, c, roundID, handlerLogger)
		})
	}

	adminOnly("/complete", true, func(ctx context.Context, c telebot.Context, roundID uuid.UUID, log *logrus.Entry) error {
		rd, err := svc.Rounds.Complete(ctx, roundID)
		if err != nil {
			log.WithError(err).Warn("Complete rejected")
			return c.Send(describeError(err))
		}
		return c.Send(fmt.Sprintf("Round %d is %s. The result follows once consensus finishes.", rd.Number, rd.Status))
	})

	adminOnly("/result", true, func(ctx context.Context, c telebot.Context, roundID uuid.UUID, log *logrus.Entry) error {
		res, err := svc.Rounds.RoundResult(ctx, roundID)
		if err != nil {
			log.WithError(err).Warn("Result lookup failed")
			return c.Send(describeError(err))
		}
		return c.Send(formatRoundResult(res))
	})

	adminOnly("/recompute", true, func(ctx context.Context, c telebot.Context, roundID uuid.UUID, log *logrus.Entry) error {
		actor := fmt.Sprintf("telegram:%d", c.Sender().ID)
		track, err := svc.Consensus.Recompute(ctx, roundID, actor)
		if err != nil {
			log.WithError(err).Warn("Recompute rejected")
			return c.Send(describeError(err))
		}
		return c.Send(formatRecompute(track))
	})

	adminOnly("/finalize", true, func(ctx context.Context, c telebot.Context, roundID uuid.UUID, log *logrus.Entry) error {
		actor := fmt.Sprintf("telegram:%d", c.Sender().ID)
		rd, err := svc.Rounds.Finalize(ctx, roundID, actor)
		if err != nil {
			log.WithError(err).Warn("Finalize rejected")
			return c.Send(describeError(err))
		}
		return c.Send(fmt.Sprintf("Round %d finalized.", rd.Number))
	})

	adminOnly("/anomalies", false, func(ctx context.Context, c telebot.Context, _ uuid.UUID, log *logrus.Entry) error {
		sessionID := uuid.Nil
		if args := c.Args(); len(args) > 0 {
			var err error
			if sessionID, err = uuid.Parse(args[0]); err != nil {
				return c.Send("Error: SessionID must be a UUID.")
			}
		}
		anomalies, err := svc.Presence.OpenAnomalies(ctx, sessionID)
		if err != nil {
			log.WithError(err).Error("Failed to list anomalies")
			return c.Send(describeError(err))
		}
		if len(anomalies) == 0 {
			return c.Send("No unresolved anomalies.")
		}
		log.WithField("anomalies_count", len(anomalies)).Info("Listing unresolved anomalies")
		for _, a := range anomalies {
			if err := c.Send(formatAnomaly(a), &telebot.SendOptions{ReplyMarkup: anomalyMarkup(a.ID.String())}); err != nil {
				return err
			}
		}
		return nil
	})
}

func formatAnomaly(a *geo.Anomaly) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)\n", a.Severity, a.Kind, a.Status)
	fmt.Fprintf(&b, "Participant: %s, device %s\n", a.ParticipantID, a.DeviceID)
	fmt.Fprintf(&b, "Detected: %s UTC\n", a.DetectedAt.UTC().Format("2006-01-02 15:04:05"))
	b.WriteString(a.Details)
	return b.String()
}
