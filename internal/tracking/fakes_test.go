package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"backend-homeservice/internal/booking"
	"backend-homeservice/internal/position"
)

var errBackend = errors.New("backend unavailable")

// memStore mirrors the Postgres repository semantics in memory.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	byAppt   map[string]string
	samples  map[string]Sample

	failCreate int
	failUpdate int
	failRecord int

	creates int
	updates int
	records int
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]Session{},
		byAppt:   map[string]string{},
		samples:  map[string]Sample{},
	}
}

func (m *memStore) FindByAppointment(_ context.Context, appointmentID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byAppt[appointmentID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return m.sessions[id].clone(), nil
}

func (m *memStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.clone(), nil
}

func (m *memStore) CreateSession(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.failCreate > 0 {
		m.failCreate--
		return Session{}, errBackend
	}
	if id, ok := m.byAppt[s.AppointmentID]; ok {
		return m.sessions[id].clone(), nil
	}
	s.CreatedAt = time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	s.UpdatedAt = s.CreatedAt
	m.sessions[s.ID] = s.clone()
	m.byAppt[s.AppointmentID] = s.ID
	return s, nil
}

func (m *memStore) UpdateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.failUpdate > 0 {
		m.failUpdate--
		return errBackend
	}
	stored, ok := m.sessions[s.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if stored.State == StateCheckedOut {
		if s.State == StateCheckedOut && sameTime(stored.CheckOutAt, s.CheckOutAt) {
			return nil
		}
		return fmt.Errorf("%w: already checked out", ErrInvalidSessionState)
	}
	next := s.clone()
	if stored.TotalOutOfZoneSeconds > next.TotalOutOfZoneSeconds {
		next.TotalOutOfZoneSeconds = stored.TotalOutOfZoneSeconds
	}
	if stored.ZoneExitCount > next.ZoneExitCount {
		next.ZoneExitCount = stored.ZoneExitCount
	}
	if stored.LastSampleAt != nil && (next.LastSampleAt == nil || stored.LastSampleAt.After(*next.LastSampleAt)) {
		next.LastSampleAt = copyTime(stored.LastSampleAt)
	}
	next.CreatedAt = stored.CreatedAt
	m.sessions[s.ID] = next
	return nil
}

func (m *memStore) Record(_ context.Context, sample Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records++
	if m.failRecord > 0 {
		m.failRecord--
		return errBackend
	}
	if _, ok := m.samples[sample.ID]; ok {
		return nil
	}
	m.samples[sample.ID] = sample
	if stored, ok := m.sessions[sample.SessionID]; ok && stored.State != StateCheckedOut {
		if stored.LastSampleAt == nil || sample.CapturedAt.After(*stored.LastSampleAt) {
			at := sample.CapturedAt
			stored.LastSampleAt = &at
			m.sessions[sample.SessionID] = stored
		}
	}
	return nil
}

func (m *memStore) Samples(_ context.Context, sessionID string) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Sample{}
	for _, s := range m.samples {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (m *memStore) LatestSample(ctx context.Context, sessionID string) (Sample, error) {
	samples, _ := m.Samples(ctx, sessionID)
	if len(samples) == 0 {
		return Sample{}, ErrSampleNotFound
	}
	return samples[len(samples)-1], nil
}

func (m *memStore) CountUnattributed(_ context.Context, appointmentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.samples {
		if s.AppointmentID == appointmentID && s.SessionID == "" {
			n++
		}
	}
	return n, nil
}

func (m *memStore) allSamples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, len(m.samples))
	for _, s := range m.samples {
		out = append(out, s)
	}
	return out
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// lostReplyStore commits CreateSession but reports failure, like a write
// whose response never arrived.
type lostReplyStore struct {
	*memStore
	lostCreates int
}

func (l *lostReplyStore) CreateSession(ctx context.Context, s Session) (Session, error) {
	stored, err := l.memStore.CreateSession(ctx, s)
	if err != nil {
		return Session{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lostCreates > 0 {
		l.lostCreates--
		return Session{}, errBackend
	}
	return stored, nil
}

type recNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

func (n *recNotifier) count(t EventType) int {
	c := 0
	for _, got := range n.types() {
		if got == t {
			c++
		}
	}
	return c
}

type fakeAppointments struct {
	mu        sync.Mutex
	appts     map[string]booking.Appointment
	inactive  map[string]bool
	statuses  map[string]string
	statusErr error
}

func newFakeAppointments(appts ...booking.Appointment) *fakeAppointments {
	f := &fakeAppointments{
		appts:    map[string]booking.Appointment{},
		inactive: map[string]bool{},
		statuses: map[string]string{},
	}
	for _, a := range appts {
		f.appts[a.ID] = a
	}
	return f
}

func (f *fakeAppointments) GetAppointment(_ context.Context, id string) (booking.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[id]
	if !ok {
		return booking.Appointment{}, booking.ErrAppointmentNotFound
	}
	return a, nil
}

func (f *fakeAppointments) IsActiveToday(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.appts[id]; !ok {
		return false, nil
	}
	return !f.inactive[id], nil
}

func (f *fakeAppointments) MarkInProgress(_ context.Context, id string) error {
	return f.set(id, booking.StatusInProgress)
}

func (f *fakeAppointments) MarkCompleted(_ context.Context, id string) error {
	return f.set(id, booking.StatusCompleted)
}

func (f *fakeAppointments) set(id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeAppointments) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

var (
	t0        = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	targetLat = 45.0
	targetLng = 9.0
)

// metersPerDegreeLat is the meridian arc length of one degree on the model sphere.
var metersPerDegreeLat = 6371000 * math.Pi / 180

func testAppointment(id string) booking.Appointment {
	lat, lng := targetLat, targetLng
	return booking.Appointment{
		ID:        id,
		WorkerID:  "worker-1",
		ClientID:  "client-1",
		TargetLat: &lat,
		TargetLng: &lng,
		StartsAt:  t0,
		EndsAt:    t0.Add(8 * time.Hour),
		Status:    booking.StatusConfirmed,
	}
}

// north returns a reading d meters due north of the target, at t0+offset.
func north(d float64, offset time.Duration) position.Reading {
	return position.Reading{
		Lat:        targetLat + d/metersPerDegreeLat,
		Lng:        targetLng,
		CapturedAt: t0.Add(offset),
	}
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
