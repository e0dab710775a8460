package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"backend-homeservice/internal/booking"
	"backend-homeservice/internal/position"
	"backend-homeservice/internal/shared/geo"
	"backend-homeservice/internal/shared/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

var checkInEvents = []EventType{EventAutoCheckedIn, EventZoneEntered}

// Writer is the part of the backend a Machine writes through.
type Writer interface {
	SessionStore
	PingRecorder
}

type MachineConfig struct {
	Appointment   booking.Appointment
	DefaultRadius float64
	Store         Writer
	Notifier      Notifier
	Logger        *logger.Logger
	Retry         RetryPolicy
	NewID         func() string
	Clock         func() time.Time
}

type TransitionKind string

const (
	TransitionNone        TransitionKind = "none"
	TransitionDiscarded   TransitionKind = "discarded"
	TransitionIgnored     TransitionKind = "ignored"
	TransitionCheckedIn   TransitionKind = "checked_in"
	TransitionZoneExited  TransitionKind = "zone_exited"
	TransitionZoneEntered TransitionKind = "zone_entered"
	TransitionCheckedOut  TransitionKind = "checked_out"
)

// Transition reports what one input did. Session is a copy taken after the
// input was applied and is nil while the appointment has no session. Events
// lists what was emitted, including a delayed check-in finished by this input.
type Transition struct {
	Kind    TransitionKind
	Session *Session
	Sample  *Sample
	Events  []EventType
}

func (t Transition) Terminal() bool {
	return t.Session != nil && t.Session.State == StateCheckedOut
}

func (t Transition) Has(ev EventType) bool {
	for _, e := range t.Events {
		if e == ev {
			return true
		}
	}
	return false
}

type CheckoutMode int

const (
	CheckoutAuto CheckoutMode = iota
	CheckoutManual
)

// Machine is the attendance state of one appointment. It is not safe for
// concurrent use: a single runner goroutine owns it while tracking is active.
type Machine struct {
	appt   booking.Appointment
	target geo.Coordinate
	radius float64
	store  Writer
	notify Notifier
	log    *logger.Logger
	retry  RetryPolicy
	newID  func() string
	clock  func() time.Time

	session *Session
	// pending is the check-in reading of a stored session whose sample and
	// events have not been committed yet
	pending *position.Reading
	last    *position.Reading
	lastAt  time.Time
	// dirty forces a full session write after a rolled-back transition
	dirty bool
	stats Stats
}

func NewMachine(cfg MachineConfig) (*Machine, error) {
	target, radius, err := zoneOf(cfg.Appointment, cfg.DefaultRadius)
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store required", ErrConfiguration)
	}
	m := &Machine{
		appt:   cfg.Appointment,
		target: target,
		radius: radius,
		store:  cfg.Store,
		notify: cfg.Notifier,
		log:    cfg.Logger,
		retry:  cfg.Retry,
		newID:  cfg.NewID,
		clock:  cfg.Clock,
	}
	if m.notify == nil {
		m.notify = nopNotifier{}
	}
	if m.log == nil {
		m.log = logger.Nop()
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	return m, nil
}

func zoneOf(a booking.Appointment, defaultRadius float64) (geo.Coordinate, float64, error) {
	if a.ID == "" {
		return geo.Coordinate{}, 0, fmt.Errorf("%w: appointment id required", ErrConfiguration)
	}
	if err := validate.Struct(a); err != nil {
		return geo.Coordinate{}, 0, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	target, _ := a.Target()
	radius := defaultRadius
	if a.ZoneRadiusMeters != nil {
		radius = *a.ZoneRadiusMeters
	}
	if math.IsNaN(radius) || radius <= 0 {
		return geo.Coordinate{}, 0, fmt.Errorf("%w: zone radius must be positive", ErrConfiguration)
	}
	return target, radius, nil
}

// Resume restores an already checked-in session. The session keeps the target
// and radius it was created with. last, when known, is the newest stored
// sample and seeds stale and duplicate detection.
func (m *Machine) Resume(s Session, last *Sample) error {
	if s.AppointmentID != m.appt.ID {
		return fmt.Errorf("%w: session belongs to another appointment", ErrConfiguration)
	}
	if s.State != StateCheckedIn || s.CheckInAt == nil {
		return fmt.Errorf("%w: cannot resume %s session", ErrInvalidSessionState, s.State)
	}
	m.adopt(s)
	if last != nil {
		m.pending = nil
	}
	m.lastAt = *s.CheckInAt
	if s.LastSampleAt != nil && s.LastSampleAt.After(m.lastAt) {
		m.lastAt = *s.LastSampleAt
	}
	if last != nil {
		r := position.Reading{Lat: last.Lat, Lng: last.Lng, CapturedAt: last.CapturedAt}
		m.last = &r
		if r.CapturedAt.After(m.lastAt) {
			m.lastAt = r.CapturedAt
		}
	}
	return nil
}

// adopt takes over a session held by the backend. A checked-in session with
// no sample yet still owes its check-in sample and events.
func (m *Machine) adopt(s Session) {
	c := s.clone()
	m.session = &c
	m.target = c.Target()
	m.radius = c.ZoneRadiusMeters
	m.pending = nil
	if c.State == StateCheckedIn && c.LastSampleAt == nil && c.CheckInAt != nil && c.CheckInLocation != nil {
		m.pending = &position.Reading{
			Lat:        c.CheckInLocation.Lat,
			Lng:        c.CheckInLocation.Lng,
			CapturedAt: *c.CheckInAt,
		}
	}
}

// reconcile looks for a session created by a write whose reply was lost.
func (m *Machine) reconcile(ctx context.Context) error {
	stored, err := m.store.FindByAppointment(ctx, m.appt.ID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		m.dirty = false
		return nil
	case err != nil:
		return fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, err)
	}
	m.adopt(stored)
	return nil
}

// settle commits a pending check-in. It returns nil when nothing was pending.
func (m *Machine) settle(ctx context.Context) (*Transition, error) {
	if m.pending == nil {
		return nil, nil
	}
	r := *m.pending
	tr, err := m.commit(ctx, m.session.clone(), TransitionCheckedIn, r, m.locate(r), checkInEvents, true)
	if err != nil {
		return nil, err
	}
	m.pending = nil
	m.last = &r
	if r.CapturedAt.After(m.lastAt) {
		m.lastAt = r.CapturedAt
	}
	m.stats.Accepted++
	return &tr, nil
}

// merge folds a settled check-in into the transition of the input that followed it.
func merge(settled *Transition, tr Transition) Transition {
	if settled == nil {
		return tr
	}
	tr.Events = append(append([]EventType{}, settled.Events...), tr.Events...)
	switch tr.Kind {
	case TransitionNone, TransitionDiscarded:
		tr.Kind = TransitionCheckedIn
		if tr.Sample == nil {
			tr.Sample = settled.Sample
		}
	}
	return tr
}

func (m *Machine) Session() *Session {
	if m.session == nil {
		return nil
	}
	c := m.session.clone()
	return &c
}

func (m *Machine) State() State {
	if m.session == nil {
		return StateNotStarted
	}
	return m.session.State
}

func (m *Machine) Terminal() bool {
	return m.State() == StateCheckedOut
}

func (m *Machine) Stats() Stats {
	return m.stats
}

// LastReading is the most recent accepted reading, if any.
func (m *Machine) LastReading() (position.Reading, bool) {
	if m.last == nil {
		return position.Reading{}, false
	}
	return *m.last, true
}

// Apply runs one reading through the transition table. On error nothing has
// advanced in memory and the same reading may be applied again.
func (m *Machine) Apply(ctx context.Context, r position.Reading) (Transition, error) {
	if m.session == nil && m.dirty {
		if err := m.reconcile(ctx); err != nil {
			return Transition{}, m.fail(ctx, err)
		}
	}
	if m.Terminal() {
		m.stats.IgnoredTerminal++
		return Transition{Kind: TransitionIgnored, Session: m.Session()}, nil
	}
	settled, err := m.settle(ctx)
	if err != nil {
		return Transition{}, m.fail(ctx, err)
	}
	if !m.accept(ctx, r) {
		return merge(settled, Transition{Kind: TransitionDiscarded, Session: m.Session()}), nil
	}

	loc := m.locate(r)
	var tr Transition
	switch {
	case m.session == nil && loc.InZone:
		tr, err = m.checkIn(ctx, r, loc)
	case m.session == nil:
		tr, err = m.recordUnattributed(ctx, r, loc)
	default:
		tr, err = m.track(ctx, r, loc)
	}
	if err != nil {
		return Transition{}, m.fail(ctx, err)
	}

	m.last = &r
	m.lastAt = r.CapturedAt
	m.stats.Accepted++
	return merge(settled, tr), nil
}

// Checkout finalizes a checked-in session with r as the checkout position.
// It is used for the end-of-shift completion signal and for manual override.
func (m *Machine) Checkout(ctx context.Context, r position.Reading, mode CheckoutMode) (Transition, error) {
	if m.session == nil || m.session.State != StateCheckedIn {
		return Transition{}, ErrNoActiveSession
	}
	settled, err := m.settle(ctx)
	if err != nil {
		return Transition{}, m.fail(ctx, err)
	}
	// a reading older than the trail still closes the session, but at the
	// latest accepted time and without being appended to the trail
	record := !r.CapturedAt.Before(m.lastAt) && (m.last == nil || !r.Same(*m.last))
	tr, err := m.checkout(ctx, r, mode, record)
	if err != nil {
		return Transition{}, err
	}
	return merge(settled, tr), nil
}

func (m *Machine) checkout(ctx context.Context, r position.Reading, mode CheckoutMode, record bool) (Transition, error) {
	at := r.CapturedAt
	if at.Before(m.lastAt) {
		at = m.lastAt
	}

	loc := m.locate(r)
	next := m.session.clone()
	finalize(&next, loc, at, mode == CheckoutAuto)

	ev := EventAutoCheckedOut
	if mode == CheckoutManual {
		ev = EventManualCheckedOut
	}
	tr, err := m.commit(ctx, next, TransitionCheckedOut, r, loc, []EventType{ev}, record)
	if err != nil {
		return Transition{}, m.fail(ctx, err)
	}
	if record {
		m.last = &r
		m.lastAt = r.CapturedAt
		m.stats.Accepted++
	}
	return tr, nil
}

// Complete auto-checks-out at the last accepted reading, the path taken by
// the external completion signal.
func (m *Machine) Complete(ctx context.Context) (Transition, error) {
	if m.session == nil || m.session.State != StateCheckedIn {
		return Transition{}, ErrNoActiveSession
	}
	settled, err := m.settle(ctx)
	if err != nil {
		return Transition{}, m.fail(ctx, err)
	}
	r, ok := m.LastReading()
	if !ok {
		loc := m.session.CheckInLocation
		if loc == nil {
			return Transition{}, fmt.Errorf("%w: no reading to check out at", ErrPositionUnavailable)
		}
		r = position.Reading{Lat: loc.Lat, Lng: loc.Lng, CapturedAt: m.lastAt}
	}
	tr, err := m.checkout(ctx, r, CheckoutAuto, false)
	if err != nil {
		return Transition{}, err
	}
	return merge(settled, tr), nil
}

// ReportPositionError surfaces a source error. State never changes.
func (m *Machine) ReportPositionError(ctx context.Context, err error) {
	m.stats.PositionErrors++
	m.log.Error(m.logCtx(ctx), "position_unavailable", "position source reported an error", err, nil)
	m.emit(ctx, EventTrackingError, m.clock(), nil, fmt.Sprintf("%v: %v", ErrPositionUnavailable, err))
}

// ReportSilence surfaces a long gap without samples. State never changes.
func (m *Machine) ReportSilence(ctx context.Context, gap time.Duration) {
	reason := fmt.Sprintf("no position sample for %s", gap.Round(time.Second))
	m.log.Info(m.logCtx(ctx), "tracking_silent", reason, nil)
	m.emit(ctx, EventTrackingError, m.clock(), nil, reason)
}

func (m *Machine) accept(ctx context.Context, r position.Reading) bool {
	if !m.lastAt.IsZero() && r.CapturedAt.Before(m.lastAt) {
		m.stats.DiscardedStale++
		m.log.Debug(m.logCtx(ctx), "sample_discarded", ErrStaleSample.Error(), map[string]any{
			"captured_at": r.CapturedAt,
			"last_at":     m.lastAt,
		})
		return false
	}
	if m.last != nil && r.Same(*m.last) {
		m.stats.Duplicates++
		return false
	}
	return true
}

func (m *Machine) locate(r position.Reading) Location {
	d := geo.DistanceMeters(m.target, r.Coordinate())
	return Location{
		Lat:            r.Lat,
		Lng:            r.Lng,
		DistanceMeters: geo.RoundMeters(d),
		InZone:         geo.IsInZone(d, m.radius),
	}
}

func (m *Machine) checkIn(ctx context.Context, r position.Reading, loc Location) (Transition, error) {
	at := r.CapturedAt
	next := Session{
		ID:               m.newID(),
		AppointmentID:    m.appt.ID,
		WorkerID:         m.appt.WorkerID,
		TargetLat:        m.target.Lat,
		TargetLng:        m.target.Lng,
		ZoneRadiusMeters: m.radius,
		State:            StateCheckedIn,
		CheckInAt:        &at,
		CheckInLocation:  &loc,
		AutoCheckedIn:    true,
	}

	var stored Session
	err := m.persist(ctx, "create_session", func(ctx context.Context) error {
		var err error
		stored, err = m.store.CreateSession(ctx, next)
		return err
	})
	if err != nil {
		return Transition{}, err
	}

	if stored.ID != next.ID {
		// the backend already holds a session for this appointment, e.g. from
		// another process
		m.adopt(stored)
		if m.Terminal() {
			return Transition{Kind: TransitionIgnored, Session: m.Session()}, nil
		}
		settled, err := m.settle(ctx)
		if err != nil {
			return Transition{}, err
		}
		if settled != nil && r.Same(*m.last) {
			return *settled, nil
		}
		tr, err := m.track(ctx, r, m.locate(r))
		if err != nil {
			return Transition{}, err
		}
		return merge(settled, tr), nil
	}

	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = stored.UpdatedAt
	tr, err := m.commit(ctx, next, TransitionCheckedIn, r, loc, checkInEvents, true)
	if err != nil {
		// the session is stored: keep it and finish the check-in with the next input
		m.adopt(next)
		pending := r
		m.pending = &pending
		return Transition{}, err
	}
	return tr, nil
}

func (m *Machine) recordUnattributed(ctx context.Context, r position.Reading, loc Location) (Transition, error) {
	sample := m.sample(r, loc, "")
	if err := m.persist(ctx, "record_sample", func(ctx context.Context) error {
		return m.store.Record(ctx, sample)
	}); err != nil {
		return Transition{}, err
	}
	return Transition{Kind: TransitionNone, Sample: &sample}, nil
}

func (m *Machine) track(ctx context.Context, r position.Reading, loc Location) (Transition, error) {
	next := m.session.clone()
	at := r.CapturedAt
	kind := TransitionNone
	var events []EventType

	switch {
	case !next.InZone() && loc.InZone:
		next.TotalOutOfZoneSeconds += elapsedSeconds(*next.OutOfZoneSince, at)
		next.OutOfZoneSince = nil
		kind = TransitionZoneEntered
		events = append(events, EventZoneEntered)
	case next.InZone() && !loc.InZone:
		next.ZoneExitCount++
		next.OutOfZoneSince = &at
		kind = TransitionZoneExited
		events = append(events, EventZoneExited)
	}

	if loc.InZone && m.appt.EndedBy(at) {
		finalize(&next, loc, at, true)
		kind = TransitionCheckedOut
		events = append(events, EventAutoCheckedOut)
	}

	return m.commit(ctx, next, kind, r, loc, events, true)
}

// commit persists next (when it changed) and the sample, then adopts next in memory.
func (m *Machine) commit(ctx context.Context, next Session, kind TransitionKind, r position.Reading, loc Location, events []EventType, record bool) (Transition, error) {
	if record {
		at := r.CapturedAt
		next.LastSampleAt = &at
	}
	// check-in already wrote the session through CreateSession
	if (kind != TransitionNone && kind != TransitionCheckedIn) || m.dirty {
		if err := m.persist(ctx, "update_session", func(ctx context.Context) error {
			return m.store.UpdateSession(ctx, next)
		}); err != nil {
			return Transition{}, err
		}
	}

	var sample *Sample
	if record {
		s := m.sample(r, loc, next.ID)
		if err := m.persist(ctx, "record_sample", func(ctx context.Context) error {
			return m.store.Record(ctx, s)
		}); err != nil {
			return Transition{}, err
		}
		sample = &s
	}

	m.session = &next
	m.dirty = false
	for _, ev := range events {
		m.emit(ctx, ev, r.CapturedAt, &loc, "")
	}
	if kind != TransitionNone {
		m.log.Info(m.logCtx(ctx), string(kind), "attendance transition", map[string]any{
			"distance_m":                loc.DistanceMeters,
			"zone_exit_count":           next.ZoneExitCount,
			"total_out_of_zone_seconds": next.TotalOutOfZoneSeconds,
		})
	}
	return Transition{Kind: kind, Session: m.Session(), Sample: sample, Events: events}, nil
}

func (m *Machine) fail(ctx context.Context, err error) error {
	m.stats.WriteFailures++
	m.dirty = true
	if m.session != nil {
		if errors.Is(err, ErrInvalidSessionState) {
			// the backend closed this session behind our back; follow it
			if stored, gerr := m.store.GetSession(ctx, m.session.ID); gerr == nil && stored.State == StateCheckedOut {
				m.session = &stored
				m.pending = nil
			}
		}
	}
	m.log.Error(m.logCtx(ctx), "transition_rolled_back", "attendance transition not persisted", err, nil)
	m.emit(ctx, EventTrackingError, m.clock(), nil, err.Error())
	return err
}

func (m *Machine) persist(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return m.retry.do(ctx, fn, func(attempt int, err error) {
		m.log.Error(m.logCtx(ctx), "persist_attempt_failed", "storage write failed", err, map[string]any{
			"op":      op,
			"attempt": attempt,
		})
	})
}

func (m *Machine) sample(r position.Reading, loc Location, sessionID string) Sample {
	return Sample{
		ID:             m.newID(),
		AppointmentID:  m.appt.ID,
		SessionID:      sessionID,
		Lat:            r.Lat,
		Lng:            r.Lng,
		CapturedAt:     r.CapturedAt,
		DistanceMeters: loc.DistanceMeters,
		InZone:         loc.InZone,
	}
}

func (m *Machine) emit(ctx context.Context, t EventType, at time.Time, loc *Location, reason string) {
	ev := Event{
		Type:          t,
		AppointmentID: m.appt.ID,
		WorkerID:      m.appt.WorkerID,
		OccurredAt:    at,
		Reason:        reason,
	}
	if m.session != nil {
		ev.SessionID = m.session.ID
	}
	if loc != nil {
		ev.DistanceMeters = loc.DistanceMeters
	}
	m.notify.Notify(ctx, ev)
}

func (m *Machine) logCtx(ctx context.Context) context.Context {
	ctx = logger.WithAppointmentID(ctx, m.appt.ID)
	if m.session != nil {
		ctx = logger.WithSessionID(ctx, m.session.ID)
	}
	return ctx
}

// finalize closes s at time at, flushing any pending out-of-zone interval first.
func finalize(s *Session, loc Location, at time.Time, auto bool) {
	if s.OutOfZoneSince != nil {
		s.TotalOutOfZoneSeconds += elapsedSeconds(*s.OutOfZoneSince, at)
		s.OutOfZoneSince = nil
	}
	checkIn := *s.CheckInAt
	if !at.After(checkIn) {
		// checkout is strictly after check-in at second resolution
		at = checkIn.Add(time.Second)
	}
	duration := int64(at.Sub(checkIn) / time.Second)
	if s.TotalOutOfZoneSeconds > duration {
		s.TotalOutOfZoneSeconds = duration
	}

	s.State = StateCheckedOut
	s.CheckOutAt = &at
	s.CheckOutLocation = &loc
	s.ActualDurationSeconds = &duration
	s.AutoCheckedOut = auto
}

func elapsedSeconds(from, to time.Time) int64 {
	if !to.After(from) {
		return 0
	}
	return int64(to.Sub(from) / time.Second)
}
