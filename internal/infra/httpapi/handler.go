package httpapi

import (
	"errors"
	"time"

	"proximity_attendance/internal/app"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

var validate = validator.New()

// Handler exposes the attendance services over HTTP.
type Handler struct {
	rounds     *app.RoundService
	ingestion  *app.IngestionService
	consensus  *app.ConsensusService
	presence   *app.PresenceService
	attendance *app.AttendanceService
}

func NewHandler(
	rounds *app.RoundService,
	ingestion *app.IngestionService,
	consensus *app.ConsensusService,
	presence *app.PresenceService,
	attendance *app.AttendanceService,
) *Handler {
	return &Handler{
		rounds:     rounds,
		ingestion:  ingestion,
		consensus:  consensus,
		presence:   presence,
		attendance: attendance,
	}
}

// Register mounts every route under /api/v1.
func (h *Handler) Register(router fiber.Router) {
	api := router.Group("/api/v1")

	sessions := api.Group("/sessions")
	sessions.Post("/", h.ScheduleSession)
	sessions.Post("/:sessionID/cancel", h.CancelSession)
	sessions.Get("/:sessionID/rounds", h.ListRounds)
	sessions.Post("/:sessionID/rounds", h.AddRound)
	sessions.Post("/:sessionID/rounds/:roundID/activate", h.ActivateRound)
	sessions.Post("/:sessionID/submissions", h.Submit)
	sessions.Get("/:sessionID/unassigned-submissions", h.UnassignedSubmissions)
	sessions.Post("/:sessionID/verifications", h.RecordVerification)
	sessions.Post("/:sessionID/finalize", h.FinalizeSession)
	sessions.Get("/:sessionID/attendance", h.SessionAttendance)
	sessions.Post("/:sessionID/attendance/:participantID/flip", h.FlipVerdict)
	sessions.Get("/:sessionID/overrides", h.ListOverrides)

	rounds := api.Group("/rounds")
	rounds.Post("/:roundID/complete", h.CompleteRound)
	rounds.Post("/:roundID/finalize", h.FinalizeRound)
	rounds.Post("/:roundID/cancel", h.CancelRound)
	rounds.Post("/:roundID/recompute", h.Recompute)
	rounds.Post("/:roundID/overrides", h.OverrideEntry)
	rounds.Get("/:roundID/result", h.RoundResult)
	rounds.Get("/:roundID/late-submissions", h.LateSubmissions)

	anomalies := api.Group("/anomalies")
	anomalies.Get("/", h.ListAnomalies)
	anomalies.Post("/:anomalyID/investigate", h.InvestigateAnomaly)
	anomalies.Post("/:anomalyID/resolve", h.ResolveAnomaly)
}

func paramUUID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, &app.ValidationError{Field: name, Reason: "must be a UUID"}
	}
	return id, nil
}

// parseBody decodes the JSON body and runs the struct tags.
func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return &app.ValidationError{Reason: "invalid JSON payload"}
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &app.ValidationError{Field: verrs[0].Field(), Reason: verrs[0].Tag()}
		}
		return &app.ValidationError{Reason: err.Error()}
	}
	return nil
}

/* ===================== SESSIONS ===================== */

// POST /api/v1/sessions
func (h *Handler) ScheduleSession(c *fiber.Ctx) error {
	var req app.ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, &app.ValidationError{Reason: "invalid JSON payload"})
	}
	sess, rounds, err := h.rounds.ScheduleSession(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}
	return SuccessWithCode(c, fiber.StatusCreated, "session scheduled", newSessionView(sess, rounds))
}

// POST /api/v1/sessions/:sessionID/cancel
func (h *Handler) CancelSession(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	sess, err := h.rounds.CancelSession(c.UserContext(), sessionID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "session cancelled", newSessionView(sess, nil))
}

// GET /api/v1/sessions/:sessionID/rounds
func (h *Handler) ListRounds(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	rounds, err := h.rounds.Rounds(c.UserContext(), sessionID)
	if err != nil {
		return writeError(c, err)
	}
	views := make([]roundView, 0, len(rounds))
	for _, r := range rounds {
		views = append(views, newRoundView(r))
	}
	return Success(c, "rounds", views)
}

type addRoundRequest struct {
	StartsAt time.Time `json:"starts_at" validate:"required"`
	EndsAt   time.Time `json:"ends_at" validate:"required,gtfield=StartsAt"`
}

// POST /api/v1/sessions/:sessionID/rounds
func (h *Handler) AddRound(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	var req addRoundRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	r, err := h.rounds.AddRound(c.UserContext(), sessionID, req.StartsAt, req.EndsAt)
	if err != nil {
		return writeError(c, err)
	}
	return SuccessWithCode(c, fiber.StatusCreated, "round added", newRoundView(r))
}

// POST /api/v1/sessions/:sessionID/rounds/:roundID/activate
func (h *Handler) ActivateRound(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	roundID, err := paramUUID(c, "roundID")
	if err != nil {
		return writeError(c, err)
	}
	lecturerID := c.Get("X-Lecturer-ID")
	if lecturerID == "" {
		return writeError(c, &app.ValidationError{Field: "X-Lecturer-ID", Reason: "header required"})
	}
	r, err := h.rounds.Activate(c.UserContext(), sessionID, roundID, lecturerID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "round active", newRoundView(r))
}

// POST /api/v1/sessions/:sessionID/submissions
func (h *Handler) Submit(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	var req app.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, &app.ValidationError{Reason: "invalid JSON payload"})
	}
	req.SessionID = sessionID
	res, err := h.ingestion.Submit(c.UserContext(), req)
	if errors.Is(err, app.ErrNoMatchingRound) && res != nil {
		return ErrorWithData(c, statusFor(err), err.Error(), res)
	}
	if err != nil {
		return writeError(c, err)
	}
	return SuccessWithCode(c, fiber.StatusAccepted, "submission accepted", res)
}

// GET /api/v1/sessions/:sessionID/unassigned-submissions
func (h *Handler) UnassignedSubmissions(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	subs, err := h.ingestion.UnassignedSubmissions(c.UserContext(), sessionID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "unassigned submissions", newSubmissionViews(subs))
}

// POST /api/v1/sessions/:sessionID/verifications
func (h *Handler) RecordVerification(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	var req app.VerificationRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, &app.ValidationError{Reason: "invalid JSON payload"})
	}
	req.SessionID = sessionID
	res, err := h.presence.RecordVerification(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}
	v := res.Verification
	return SuccessWithCode(c, fiber.StatusCreated, "verification recorded", verificationView{
		ID:         v.ID,
		Sequence:   v.Sequence,
		Valid:      v.Valid,
		Reason:     v.Reason,
		CapturedAt: v.CapturedAt.UTC(),
		Anomalies:  newAnomalyViews(res.Anomalies),
	})
}

// POST /api/v1/sessions/:sessionID/finalize
func (h *Handler) FinalizeSession(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	records, err := h.attendance.FinalizeSession(c.UserContext(), sessionID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "session attendance aggregated", newRecordViews(records))
}

// GET /api/v1/sessions/:sessionID/attendance
func (h *Handler) SessionAttendance(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	records, err := h.attendance.SessionAttendance(c.UserContext(), sessionID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "session attendance", newRecordViews(records))
}

// POST /api/v1/sessions/:sessionID/attendance/:participantID/flip
func (h *Handler) FlipVerdict(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	var req app.FlipRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, &app.ValidationError{Reason: "invalid JSON payload"})
	}
	req.SessionID = sessionID
	req.ParticipantID = c.Params("participantID")
	rec, err := h.attendance.FlipSessionVerdict(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "verdict changed", newRecordView(rec))
}

// GET /api/v1/sessions/:sessionID/overrides
func (h *Handler) ListOverrides(c *fiber.Ctx) error {
	sessionID, err := paramUUID(c, "sessionID")
	if err != nil {
		return writeError(c, err)
	}
	overrides, err := h.attendance.Overrides(c.UserContext(), sessionID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "overrides", newOverrideViews(overrides))
}

/* ===================== ROUNDS ===================== */

type actorRequest struct {
	Actor string `json:"actor" validate:"required,max=128"`
}

// POST /api/v1/rounds/:roundID/complete
func (h *Handler) CompleteRound(c *fiber.Ctx) error {
	roundID, err := paramUUID(c, "roundID")
	if err != nil {
		return writeError(c, err)
	}
	r, err := h.rounds.Complete(c.UserContext(), roundID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "round completed", newRoundView(r))
}

// POST /api/v1/rounds/:roundID/finalize
func (h *Handler) FinalizeRound(c *fiber.Ctx) error {
	roundID, err := paramUUID(c, "roundID")
	if err != nil {
		return writeError(c, err)
	}
	var req actorRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	r, err := h.rounds.Finalize(c.UserContext(), roundID, req.Actor)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "round finalized", newRoundView(r))
}

// POST /api/v1/rounds/:roundID/cancel
func (h *Handler) CancelRound(c *fiber.Ctx) error {
	roundID, err := paramUUID(c, "roundID")
	if err != nil {
		return writeError(c, err)
	}
	r, err := h.rounds.Cancel(c.UserContext(), roundID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "round cancelled", newRoundView(r))
}

// POST /api/v1/rounds/:roundID/recompute
func (h *Handler) Recompute(c *fiber.Ctx) error {
	roundID, err := paramUUID(c, "roundID")
	if err != nil {
		return writeError(c, err)
	}
	var req actorRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	track, err := h.consensus.Recompute(c.UserContext(), roundID, req.Actor)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "round recomputed", newTrackView(track))
}

// POST /api/v1/rounds/:roundID/overrides
func (h *Handler) OverrideEntry(c *fiber.Ctx) error {
	roundID, err := paramUUID(c, "roundID")
	if err != nil {
		return writeError(c, err)
	}
	var req app.OverrideRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, &app.ValidationError{Reason: "invalid JSON payload"})
	}
	req.RoundID = roundID
	entry, err := h.attendance.OverrideRoundEntry(c.UserContext(), req)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "entry overridden", newEntryView(entry))
}

// GET /api/v1/rounds/:roundID/result
func (h *Handler) RoundResult(c *fiber.Ctx) error {
	roundID, err := paramUUID(c, "roundID")
	if err != nil {
		return writeError(c, err)
	}
	res, err := h.rounds.RoundResult(c.UserContext(), roundID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "round result", res)
}

// GET /api/v1/rounds/:roundID/late-submissions
func (h *Handler) LateSubmissions(c *fiber.Ctx) error {
	roundID, err := paramUUID(c, "roundID")
	if err != nil {
		return writeError(c, err)
	}
	subs, err := h.ingestion.LateSubmissions(c.UserContext(), roundID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "late submissions", newSubmissionViews(subs))
}

/* ===================== ANOMALIES ===================== */

// GET /api/v1/anomalies?session_id=
func (h *Handler) ListAnomalies(c *fiber.Ctx) error {
	sessionID := uuid.Nil
	if raw := c.Query("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return writeError(c, &app.ValidationError{Field: "session_id", Reason: "must be a UUID"})
		}
		sessionID = id
	}
	anomalies, err := h.presence.OpenAnomalies(c.UserContext(), sessionID)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "unresolved anomalies", newAnomalyViews(anomalies))
}

type anomalyActionRequest struct {
	Actor string `json:"actor" validate:"required,max=128"`
	Note  string `json:"note" validate:"max=1000"`
}

// POST /api/v1/anomalies/:anomalyID/investigate
func (h *Handler) InvestigateAnomaly(c *fiber.Ctx) error {
	anomalyID, err := paramUUID(c, "anomalyID")
	if err != nil {
		return writeError(c, err)
	}
	var req anomalyActionRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	a, err := h.presence.Investigate(c.UserContext(), anomalyID, req.Actor, req.Note)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "anomaly under investigation", newAnomalyView(a))
}

// POST /api/v1/anomalies/:anomalyID/resolve
func (h *Handler) ResolveAnomaly(c *fiber.Ctx) error {
	anomalyID, err := paramUUID(c, "anomalyID")
	if err != nil {
		return writeError(c, err)
	}
	var req anomalyActionRequest
	if err := parseBody(c, &req); err != nil {
		return writeError(c, err)
	}
	a, err := h.presence.Resolve(c.UserContext(), anomalyID, req.Actor, req.Note)
	if err != nil {
		return writeError(c, err)
	}
	return Success(c, "anomaly resolved", newAnomalyView(a))
}
