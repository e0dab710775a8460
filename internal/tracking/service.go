package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"backend-homeservice/internal/booking"
	"backend-homeservice/internal/config"
	"backend-homeservice/internal/position"
	"backend-homeservice/internal/shared/logger"
)

// Appointments is the narrow view of the booking service used by tracking.
type Appointments interface {
	GetAppointment(ctx context.Context, id string) (booking.Appointment, error)
	IsActiveToday(ctx context.Context, id string) (bool, error)
	MarkInProgress(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
}

type activeLoop struct {
	runner  *Runner
	feed    *position.Feed
	retired sync.Once
}

func (l *activeLoop) exited() bool {
	select {
	case <-l.runner.Done():
		return true
	default:
		return false
	}
}

// Service keeps one sampling loop per appointment being tracked. Loops share
// nothing but the store; the registry only routes input to them.
type Service struct {
	store        Store
	appointments Appointments
	notifier     Notifier
	log          *logger.Logger
	cfg          config.Tracking
	now          func() time.Time
	newID        func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	loops    map[string]*activeLoop
	finished map[string]Status
	// oneShot holds feeds opened for a manual checkout while no loop runs
	oneShot map[string]*position.Feed
}

func NewService(store Store, appointments Appointments, notifier Notifier, log *logger.Logger, cfg config.Tracking) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:        store,
		appointments: appointments,
		notifier:     notifier,
		log:          log,
		cfg:          cfg,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		loops:        map[string]*activeLoop{},
		finished:     map[string]Status{},
		oneShot:      map[string]*position.Feed{},
	}
}

func (s *Service) retry() RetryPolicy {
	return RetryPolicy{
		Attempts: s.cfg.PersistAttempts,
		Backoff:  s.cfg.PersistBackoff,
		Timeout:  s.cfg.PersistTimeout,
	}
}

// Start begins sampling for an appointment. An appointment with a checked-in
// session resumes it; one that is already checked out cannot be started again.
func (s *Service) Start(ctx context.Context, appointmentID string) (Status, error) {
	s.mu.Lock()
	if l := s.loops[appointmentID]; l != nil && l.exited() {
		// the loop finished but has not been reaped yet
		s.mu.Unlock()
		s.retire(appointmentID, l)
		s.mu.Lock()
	}
	if _, ok := s.loops[appointmentID]; ok {
		s.mu.Unlock()
		return Status{}, ErrTrackingActive
	}
	// reserve the slot while the loop is being built
	s.loops[appointmentID] = nil
	s.mu.Unlock()

	l, err := s.open(ctx, appointmentID)

	s.mu.Lock()
	if err != nil {
		delete(s.loops, appointmentID)
		s.mu.Unlock()
		return Status{}, err
	}
	s.loops[appointmentID] = l
	delete(s.finished, appointmentID)
	s.mu.Unlock()

	go s.reap(appointmentID, l)
	return l.runner.Status(), nil
}

func (s *Service) open(ctx context.Context, appointmentID string) (*activeLoop, error) {
	active, err := s.appointments.IsActiveToday(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrAppointmentInactive
	}

	machine, err := s.restore(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	feed := position.NewFeed()
	runner := NewRunner(RunnerConfig{
		Machine:      machine,
		Source:       feed,
		Logger:       s.log,
		MaxSilence:   s.cfg.MaxSilence,
		OnTransition: s.onTransition,
		Clock:        s.now,
	})
	if err := runner.Start(s.ctx); err != nil {
		return nil, err
	}

	s.log.Info(logger.WithAppointmentID(ctx, appointmentID), "tracking_started", "sampling loop started", map[string]any{
		"session_state": machine.State(),
	})
	return &activeLoop{runner: runner, feed: feed}, nil
}

// restore builds a machine for the appointment, resuming its session if one
// is checked in.
func (s *Service) restore(ctx context.Context, appointmentID string) (*Machine, error) {
	appt, err := s.appointments.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	machine, err := NewMachine(MachineConfig{
		Appointment:   appt,
		DefaultRadius: s.cfg.DefaultRadiusMeters,
		Store:         s.store,
		Notifier:      s.notifier,
		Logger:        s.log,
		Retry:         s.retry(),
		NewID:         s.newID,
		Clock:         s.now,
	})
	if err != nil {
		return nil, err
	}

	session, err := s.store.FindByAppointment(ctx, appointmentID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return machine, nil
	case err != nil:
		return nil, err
	}

	var last *Sample
	latest, err := s.store.LatestSample(ctx, session.ID)
	switch {
	case err == nil:
		last = &latest
	case !errors.Is(err, ErrSampleNotFound):
		return nil, err
	}
	if err := machine.Resume(session, last); err != nil {
		return nil, err
	}
	return machine, nil
}

func (s *Service) reap(appointmentID string, l *activeLoop) {
	<-l.runner.Done()
	s.retire(appointmentID, l)
}

// retire removes an exited loop from the registry and records how it ended.
// It runs once per loop, from whichever of reap, Stop or Start gets there first.
func (s *Service) retire(appointmentID string, l *activeLoop) {
	l.retired.Do(func() {
		l.feed.Close()

		st := l.runner.Status()
		if st.State != TrackingCompleted {
			st.State = TrackingIdle
		}
		s.mu.Lock()
		if cur, ok := s.loops[appointmentID]; !ok || cur == l {
			delete(s.loops, appointmentID)
			s.finished[appointmentID] = st
		}
		s.mu.Unlock()

		s.log.Info(logger.WithAppointmentID(context.Background(), appointmentID), "tracking_stopped", "sampling loop exited", map[string]any{
			"state": st.State,
			"stats": st.Stats,
		})
	})
}

func (s *Service) onTransition(ctx context.Context, tr Transition) {
	if tr.Session == nil {
		return
	}
	var err error
	if tr.Has(EventAutoCheckedIn) {
		err = s.appointments.MarkInProgress(ctx, tr.Session.AppointmentID)
	}
	if err == nil && tr.Kind == TransitionCheckedOut {
		err = s.appointments.MarkCompleted(ctx, tr.Session.AppointmentID)
	}
	if err != nil {
		s.log.Error(logger.WithAppointmentID(ctx, tr.Session.AppointmentID), "booking_status_failed", "could not update booking status", err, map[string]any{
			"transition": tr.Kind,
		})
	}
}

func (s *Service) active(appointmentID string) *activeLoop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops[appointmentID]
}

// Ingest hands a device reading to the appointment's loop, or to a pending
// manual checkout when no loop runs.
func (s *Service) Ingest(ctx context.Context, appointmentID string, r position.Reading) error {
	feed := s.feedFor(appointmentID)
	if feed == nil {
		return ErrNotTracking
	}
	if err := feed.Push(r); err != nil {
		if errors.Is(err, position.ErrStopped) {
			return ErrNotTracking
		}
		return err
	}
	return nil
}

// ReportError forwards a device-side position failure.
func (s *Service) ReportError(ctx context.Context, appointmentID string, reason string) error {
	l := s.active(appointmentID)
	if l == nil {
		return ErrNotTracking
	}
	if err := l.feed.Fail(errors.New(reason)); err != nil {
		return ErrNotTracking
	}
	return nil
}

func (s *Service) feedFor(appointmentID string) *position.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.loops[appointmentID]; l != nil && !l.feed.Stopped() {
		return l.feed
	}
	return s.oneShot[appointmentID]
}

// Complete handles the external completion signal: the session is
// auto-checked-out at the last accepted reading.
func (s *Service) Complete(ctx context.Context, appointmentID string) (Session, error) {
	if l := s.active(appointmentID); l != nil {
		tr, err := l.runner.Complete(ctx)
		if !errors.Is(err, ErrNotTracking) {
			return finalized(tr, err)
		}
	}

	machine, err := s.restore(ctx, appointmentID)
	if err != nil {
		return Session{}, err
	}
	tr, err := machine.Complete(ctx)
	if err == nil {
		s.onTransition(ctx, tr)
	}
	return finalized(tr, err)
}

// Stop ends sampling without a state transition, e.g. when the appointment
// is cancelled.
func (s *Service) Stop(ctx context.Context, appointmentID string) error {
	l := s.active(appointmentID)
	if l == nil {
		return ErrNotTracking
	}
	l.runner.Stop()
	s.retire(appointmentID, l)
	s.log.Info(logger.WithAppointmentID(ctx, appointmentID), "tracking_cancelled", "sampling loop stopped", nil)
	return nil
}

func (s *Service) Status(appointmentID string) Status {
	s.mu.Lock()
	l := s.loops[appointmentID]
	st, done := s.finished[appointmentID]
	s.mu.Unlock()

	if l != nil {
		return l.runner.Status()
	}
	if done {
		return st
	}
	return Status{AppointmentID: appointmentID, State: TrackingIdle}
}

// Audit returns the full record of an appointment for operator review.
func (s *Service) Audit(ctx context.Context, appointmentID string) (Audit, error) {
	audit := Audit{Samples: []Sample{}, Status: s.Status(appointmentID)}

	session, err := s.store.FindByAppointment(ctx, appointmentID)
	switch {
	case err == nil:
		audit.Session = &session
		if audit.Samples, err = s.store.Samples(ctx, session.ID); err != nil {
			return Audit{}, err
		}
	case !errors.Is(err, ErrSessionNotFound):
		return Audit{}, err
	}

	if audit.UnattributedSamples, err = s.store.CountUnattributed(ctx, appointmentID); err != nil {
		return Audit{}, err
	}
	return audit, nil
}

// Shutdown stops every loop and waits for them to exit.
func (s *Service) Shutdown() {
	s.mu.Lock()
	loops := make(map[string]*activeLoop, len(s.loops))
	for id, l := range s.loops {
		if l != nil {
			loops[id] = l
		}
	}
	s.mu.Unlock()

	for id, l := range loops {
		l.runner.Stop()
		s.retire(id, l)
	}
	s.cancel()
}

func finalized(tr Transition, err error) (Session, error) {
	if err != nil {
		return Session{}, err
	}
	if tr.Session == nil {
		return Session{}, ErrNoActiveSession
	}
	return *tr.Session, nil
}
