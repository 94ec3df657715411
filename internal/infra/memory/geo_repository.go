package memory

import (
	"context"
	"sort"
	"sync"

	"proximity_attendance/internal/domain/geo"

	"github.com/google/uuid"
)

type GeoRepository struct {
	mu            sync.RWMutex
	verifications []geo.Verification
	anomalies     map[uuid.UUID]geo.Anomaly
}

func NewGeoRepository() *GeoRepository {
	return &GeoRepository{anomalies: make(map[uuid.UUID]geo.Anomaly)}
}

func (r *GeoRepository) SaveVerification(_ context.Context, v *geo.Verification, anomalies []*geo.Anomaly) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifications = append(r.verifications, *v)
	for _, a := range anomalies {
		r.anomalies[a.ID] = *a
	}
	return nil
}

// LastVerification returns the most recent fix of a device across sessions.
func (r *GeoRepository) LastVerification(_ context.Context, deviceID string) (*geo.Verification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last *geo.Verification
	for i := range r.verifications {
		v := r.verifications[i]
		if v.DeviceID != deviceID {
			continue
		}
		if last == nil || v.CapturedAt.After(last.CapturedAt) {
			last = &v
		}
	}
	if last == nil {
		return nil, geo.ErrVerificationNotFound
	}
	return last, nil
}

func (r *GeoRepository) ListVerifications(_ context.Context, sessionID uuid.UUID) ([]*geo.Verification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*geo.Verification
	for _, v := range r.verifications {
		if v.SessionID == sessionID {
			v := v
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (r *GeoRepository) CountVerifications(_ context.Context, sessionID uuid.UUID, deviceID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, v := range r.verifications {
		if v.SessionID == sessionID && v.DeviceID == deviceID {
			n++
		}
	}
	return n, nil
}

func (r *GeoRepository) GetAnomaly(_ context.Context, id uuid.UUID) (*geo.Anomaly, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anomalies[id]
	if !ok {
		return nil, geo.ErrAnomalyNotFound
	}
	return &a, nil
}

func (r *GeoRepository) UpdateAnomaly(_ context.Context, a *geo.Anomaly) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.anomalies[a.ID]; !ok {
		return geo.ErrAnomalyNotFound
	}
	r.anomalies[a.ID] = *a
	return nil
}

func (r *GeoRepository) ListUnresolvedAnomalies(_ context.Context, sessionID uuid.UUID) ([]*geo.Anomaly, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*geo.Anomaly
	for _, a := range r.anomalies {
		if !a.Unresolved() {
			continue
		}
		if sessionID != uuid.Nil && a.SessionID != sessionID {
			continue
		}
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}
