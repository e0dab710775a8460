package tracking

import (
	"context"
	"errors"
	"fmt"

	"backend-homeservice/internal/config"
	"backend-homeservice/internal/position"
	"backend-homeservice/internal/shared/logger"
)

// RequestManualCheckout is the operator override. It waits for one fresh
// reading from the worker's device, bounded by the manual read timeout, and
// finalizes the session through the same path as an automatic checkout.
func (s *Service) RequestManualCheckout(ctx context.Context, sessionID string) (Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.State != StateCheckedIn {
		return Session{}, ErrNoActiveSession
	}
	ctx = logger.WithSessionID(logger.WithAppointmentID(ctx, session.AppointmentID), session.ID)

	reading, err := s.freshReading(ctx, session.AppointmentID)
	if err != nil {
		s.log.Error(ctx, "manual_checkout_failed", "no fresh position for manual checkout", err, nil)
		return Session{}, err
	}

	if l := s.active(session.AppointmentID); l != nil {
		tr, err := l.runner.Checkout(ctx, reading, CheckoutManual)
		if !errors.Is(err, ErrNotTracking) {
			return finalized(tr, err)
		}
	}

	// no loop owns the session: finalize on a machine restored from the store
	machine, err := s.restore(ctx, session.AppointmentID)
	if err != nil {
		return Session{}, err
	}
	tr, err := machine.Checkout(ctx, reading, CheckoutManual)
	if err == nil {
		s.onTransition(ctx, tr)
	}
	return finalized(tr, err)
}

// freshReading takes a single reading for the appointment, from the running
// feed or from a one-shot feed that Ingest routes to while it is open.
func (s *Service) freshReading(ctx context.Context, appointmentID string) (position.Reading, error) {
	timeout := s.cfg.ManualReadTimeout
	if timeout <= 0 {
		timeout = config.DefaultManualReadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader position.Reader
	s.mu.Lock()
	if l := s.loops[appointmentID]; l != nil && !l.feed.Stopped() {
		reader = l.feed
	} else if feed, ok := s.oneShot[appointmentID]; ok {
		reader = feed
	} else {
		feed := position.NewFeed()
		s.oneShot[appointmentID] = feed
		reader = feed
		defer s.closeOneShot(appointmentID, feed)
	}
	s.mu.Unlock()

	r, err := reader.Read(ctx)
	if err != nil {
		return position.Reading{}, fmt.Errorf("%w: %v", ErrPositionUnavailable, err)
	}
	return r, nil
}

func (s *Service) closeOneShot(appointmentID string, feed *position.Feed) {
	s.mu.Lock()
	if s.oneShot[appointmentID] == feed {
		delete(s.oneShot, appointmentID)
	}
	s.mu.Unlock()
	feed.Close()
}
