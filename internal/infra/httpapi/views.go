package httpapi

import (
	"database/sql"
	"time"

	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/scan"
	"proximity_attendance/internal/domain/session"
	"proximity_attendance/internal/domain/signal"

	"github.com/google/uuid"
)

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	return &id.UUID
}

type sessionView struct {
	ID                  uuid.UUID      `json:"id"`
	ScheduleID          string         `json:"scheduleId"`
	LecturerID          string         `json:"lecturerId"`
	StartsAt            time.Time      `json:"startsAt"`
	EndsAt              time.Time      `json:"endsAt"`
	Status              session.Status `json:"status"`
	RoundCount          int            `json:"roundCount"`
	AttendanceThreshold *float64       `json:"attendanceThreshold,omitempty"`
	Rounds              []roundView    `json:"rounds,omitempty"`
}

func newSessionView(s *session.Session, rounds []*session.Round) sessionView {
	v := sessionView{
		ID:         s.ID,
		ScheduleID: s.ScheduleID,
		LecturerID: s.LecturerID,
		StartsAt:   s.StartsAt.UTC(),
		EndsAt:     s.EndsAt.UTC(),
		Status:     s.Status,
		RoundCount: s.RoundCount,
	}
	if s.AttendanceThreshold.Valid {
		t := s.AttendanceThreshold.Float64
		v.AttendanceThreshold = &t
	}
	for _, r := range rounds {
		v.Rounds = append(v.Rounds, newRoundView(r))
	}
	return v
}

type roundView struct {
	ID             uuid.UUID              `json:"id"`
	SessionID      uuid.UUID              `json:"sessionId"`
	Number         int                    `json:"number"`
	StartsAt       time.Time              `json:"startsAt"`
	EndsAt         time.Time              `json:"endsAt"`
	Status         session.RoundStatus    `json:"status"`
	ConsensusState session.ConsensusState `json:"consensusState"`
	ActivatedAt    *time.Time             `json:"activatedAt,omitempty"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	FinalizedAt    *time.Time             `json:"finalizedAt,omitempty"`
	FinalizedBy    *string                `json:"finalizedBy,omitempty"`
}

func newRoundView(r *session.Round) roundView {
	return roundView{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Number:         r.Number,
		StartsAt:       r.StartsAt.UTC(),
		EndsAt:         r.EndsAt.UTC(),
		Status:         r.Status,
		ConsensusState: r.ConsensusState,
		ActivatedAt:    timePtr(r.ActivatedAt),
		CompletedAt:    timePtr(r.CompletedAt),
		FinalizedAt:    timePtr(r.FinalizedAt),
		FinalizedBy:    stringPtr(r.FinalizedBy),
	}
}

type submissionView struct {
	ID                uuid.UUID            `json:"id"`
	SessionID         uuid.UUID            `json:"sessionId"`
	RoundID           *uuid.UUID           `json:"roundId,omitempty"`
	SubmitterDeviceID string               `json:"submitterDeviceId"`
	Observations      []signal.Observation `json:"observations"`
	ClientTimestamp   time.Time            `json:"clientTimestamp"`
	ReceivedAt        time.Time            `json:"receivedAt"`
	Late              bool                 `json:"late"`
}

func newSubmissionViews(subs []*scan.Submission) []submissionView {
	out := make([]submissionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, submissionView{
			ID:                s.ID,
			SessionID:         s.SessionID,
			RoundID:           uuidPtr(s.RoundID),
			SubmitterDeviceID: s.SubmitterDeviceID,
			Observations:      s.Observations,
			ClientTimestamp:   s.ClientTimestamp.UTC(),
			ReceivedAt:        s.ReceivedAt.UTC(),
			Late:              s.Late,
		})
	}
	return out
}

type anomalyView struct {
	ID             uuid.UUID         `json:"id"`
	SessionID      uuid.UUID         `json:"sessionId"`
	DeviceID       string            `json:"deviceId"`
	ParticipantID  string            `json:"participantId"`
	Kind           geo.AnomalyKind   `json:"kind"`
	Severity       geo.Severity      `json:"severity"`
	Status         geo.AnomalyStatus `json:"status"`
	Details        string            `json:"details"`
	DetectedAt     time.Time         `json:"detectedAt"`
	InvestigatedBy *string           `json:"investigatedBy,omitempty"`
	ResolvedBy     *string           `json:"resolvedBy,omitempty"`
	Resolution     *string           `json:"resolution,omitempty"`
}

func newAnomalyView(a *geo.Anomaly) anomalyView {
	return anomalyView{
		ID:             a.ID,
		SessionID:      a.SessionID,
		DeviceID:       a.DeviceID,
		ParticipantID:  a.ParticipantID,
		Kind:           a.Kind,
		Severity:       a.Severity,
		Status:         a.Status,
		Details:        a.Details,
		DetectedAt:     a.DetectedAt.UTC(),
		InvestigatedBy: stringPtr(a.InvestigatedBy),
		ResolvedBy:     stringPtr(a.ResolvedBy),
		Resolution:     stringPtr(a.Resolution),
	}
}

func newAnomalyViews(anomalies []*geo.Anomaly) []anomalyView {
	out := make([]anomalyView, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, newAnomalyView(a))
	}
	return out
}

type verificationView struct {
	ID         uuid.UUID     `json:"id"`
	Sequence   int           `json:"sequence"`
	Valid      bool          `json:"valid"`
	Reason     string        `json:"reason,omitempty"`
	CapturedAt time.Time     `json:"capturedAt"`
	Anomalies  []anomalyView `json:"anomalies"`
}

type entryView struct {
	RoundID        uuid.UUID               `json:"roundId"`
	ParticipantID  string                  `json:"participantId"`
	Verdict        attendance.RoundVerdict `json:"verdict"`
	Attended       bool                    `json:"attended"`
	AttendedAt     *time.Time              `json:"attendedAt,omitempty"`
	VetoAnomalyID  *uuid.UUID              `json:"vetoAnomalyId,omitempty"`
	OverriddenBy   *string                 `json:"overriddenBy,omitempty"`
	OverrideReason *string                 `json:"overrideReason,omitempty"`
}

func newEntryView(e *attendance.TrackEntry) entryView {
	return entryView{
		RoundID:        e.RoundID,
		ParticipantID:  e.ParticipantID,
		Verdict:        e.Verdict,
		Attended:       e.Attended,
		AttendedAt:     timePtr(e.AttendedAt),
		VetoAnomalyID:  uuidPtr(e.VetoAnomalyID),
		OverriddenBy:   stringPtr(e.OverriddenBy),
		OverrideReason: stringPtr(e.OverrideReason),
	}
}

type trackView struct {
	RoundID    uuid.UUID   `json:"roundId"`
	Digest     string      `json:"digest"`
	ComputedAt time.Time   `json:"computedAt"`
	Entries    []entryView `json:"entries"`
}

func newTrackView(t *attendance.RoundTrack) trackView {
	v := trackView{RoundID: t.RoundID, Digest: t.Digest, ComputedAt: t.ComputedAt.UTC(), Entries: []entryView{}}
	for i := range t.Entries {
		v.Entries = append(v.Entries, newEntryView(&t.Entries[i]))
	}
	return v
}

type recordView struct {
	ParticipantID  string                    `json:"participantId"`
	RoundsAttended int                       `json:"roundsAttended"`
	RoundsTotal    int                       `json:"roundsTotal"`
	Ratio          float64                   `json:"ratio"`
	Threshold      float64                   `json:"threshold"`
	Verdict        attendance.SessionVerdict `json:"verdict"`
	Final          bool                      `json:"final"`
	OverriddenBy   *string                   `json:"overriddenBy,omitempty"`
}

func newRecordView(r *attendance.SessionRecord) recordView {
	return recordView{
		ParticipantID:  r.ParticipantID,
		RoundsAttended: r.RoundsAttended,
		RoundsTotal:    r.RoundsTotal,
		Ratio:          r.Ratio,
		Threshold:      r.Threshold,
		Verdict:        r.Verdict,
		Final:          r.Final,
		OverriddenBy:   stringPtr(r.OverriddenBy),
	}
}

func newRecordViews(records []*attendance.SessionRecord) []recordView {
	out := make([]recordView, 0, len(records))
	for _, r := range records {
		out = append(out, newRecordView(r))
	}
	return out
}

type overrideView struct {
	ID                 uuid.UUID                `json:"id"`
	Scope              attendance.OverrideScope `json:"scope"`
	RoundID            *uuid.UUID               `json:"roundId,omitempty"`
	ParticipantID      string                   `json:"participantId"`
	Previous           string                   `json:"previous"`
	Next               string                   `json:"next"`
	Actor              string                   `json:"actor"`
	Reason             string                   `json:"reason"`
	SourceSubmissionID *uuid.UUID               `json:"sourceSubmissionId,omitempty"`
	CreatedAt          time.Time                `json:"createdAt"`
}

func newOverrideViews(overrides []*attendance.Override) []overrideView {
	out := make([]overrideView, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, overrideView{
			ID:                 o.ID,
			Scope:              o.Scope,
			RoundID:            uuidPtr(o.RoundID),
			ParticipantID:      o.ParticipantID,
			Previous:           o.Previous,
			Next:               o.Next,
			Actor:              o.Actor,
			Reason:             o.Reason,
			SourceSubmissionID: uuidPtr(o.SourceSubmissionID),
			CreatedAt:          o.CreatedAt.UTC(),
		})
	}
	return out
}
