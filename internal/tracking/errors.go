package tracking

import (
	"errors"
	"fmt"
)

var (
	ErrPositionUnavailable    = errors.New("position unavailable")
	ErrStaleSample            = errors.New("stale or out-of-order sample")
	ErrPersistenceWriteFailed = errors.New("persistence write failed")
	ErrInvalidSessionState    = errors.New("invalid session state")
	ErrConfiguration          = errors.New("invalid tracking configuration")
	ErrSessionNotFound        = errors.New("tracking session not found")
	ErrSampleNotFound         = errors.New("position sample not found")
	ErrTrackingActive         = errors.New("tracking already active")
	ErrNotTracking            = errors.New("tracking not active")
	ErrAppointmentInactive    = errors.New("appointment is not active today")
)

// ErrNoActiveSession is returned when an operation needs a CheckedIn session.
var ErrNoActiveSession = fmt.Errorf("%w: no active session", ErrInvalidSessionState)
