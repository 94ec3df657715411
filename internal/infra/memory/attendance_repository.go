package memory

import (
	"context"
	"sort"
	"sync"

	"proximity_attendance/internal/domain/attendance"

	"github.com/google/uuid"
)

type recordKey struct {
	sessionID     uuid.UUID
	participantID string
}

type AttendanceRepository struct {
	mu        sync.RWMutex
	tracks    map[uuid.UUID]attendance.RoundTrack
	records   map[recordKey]attendance.SessionRecord
	overrides []attendance.Override
}

func NewAttendanceRepository() *AttendanceRepository {
	return &AttendanceRepository{
		tracks:  make(map[uuid.UUID]attendance.RoundTrack),
		records: make(map[recordKey]attendance.SessionRecord),
	}
}

func (r *AttendanceRepository) ReplaceRoundTrack(_ context.Context, t *attendance.RoundTrack) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks[t.RoundID] = copyTrack(*t)
	return nil
}

func (r *AttendanceRepository) GetRoundTrack(_ context.Context, roundID uuid.UUID) (*attendance.RoundTrack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[roundID]
	if !ok {
		return nil, attendance.ErrTrackNotFound
	}
	t = copyTrack(t)
	return &t, nil
}

func (r *AttendanceRepository) ListTracksBySession(_ context.Context, sessionID uuid.UUID) ([]*attendance.RoundTrack, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*attendance.RoundTrack
	for _, t := range r.tracks {
		if t.SessionID == sessionID {
			t := copyTrack(t)
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComputedAt.Before(out[j].ComputedAt) })
	return out, nil
}

func (r *AttendanceRepository) ApplyEntryOverride(_ context.Context, e *attendance.TrackEntry, o *attendance.Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tracks[e.RoundID]
	if !ok {
		return attendance.ErrTrackNotFound
	}
	for i := range t.Entries {
		if t.Entries[i].ParticipantID == e.ParticipantID {
			t.Entries[i] = *e
			r.tracks[e.RoundID] = t
			r.overrides = append(r.overrides, *o)
			return nil
		}
	}
	return attendance.ErrEntryNotFound
}

func (r *AttendanceRepository) UpsertSessionRecords(_ context.Context, records []*attendance.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.records[recordKey{rec.SessionID, rec.ParticipantID}] = *rec
	}
	return nil
}

func (r *AttendanceRepository) ListSessionRecords(_ context.Context, sessionID uuid.UUID) ([]*attendance.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*attendance.SessionRecord
	for k, rec := range r.records {
		if k.sessionID == sessionID {
			rec := rec
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (r *AttendanceRepository) GetSessionRecord(_ context.Context, sessionID uuid.UUID, participantID string) (*attendance.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[recordKey{sessionID, participantID}]
	if !ok {
		return nil, attendance.ErrRecordNotFound
	}
	return &rec, nil
}

func (r *AttendanceRepository) ApplyRecordOverride(_ context.Context, rec *attendance.SessionRecord, o *attendance.Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := recordKey{rec.SessionID, rec.ParticipantID}
	if _, ok := r.records[k]; !ok {
		return attendance.ErrRecordNotFound
	}
	r.records[k] = *rec
	r.overrides = append(r.overrides, *o)
	return nil
}

func (r *AttendanceRepository) ListOverrides(_ context.Context, sessionID uuid.UUID) ([]*attendance.Override, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*attendance.Override
	for _, o := range r.overrides {
		if o.SessionID == sessionID {
			o := o
			out = append(out, &o)
		}
	}
	return out, nil
}

func copyTrack(t attendance.RoundTrack) attendance.RoundTrack {
	t.Entries = append([]attendance.TrackEntry(nil), t.Entries...)
	return t
}
