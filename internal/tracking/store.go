package tracking

import "context"

// SessionStore is the narrow view of the backend that owns tracking sessions.
// CreateSession is idempotent per appointment: when a session already exists
// it is returned unchanged. UpdateSession never overwrites a checked-out session.
type SessionStore interface {
	FindByAppointment(ctx context.Context, appointmentID string) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	CreateSession(ctx context.Context, s Session) (Session, error)
	UpdateSession(ctx context.Context, s Session) error
}

// PingRecorder appends immutable samples. Recording the same sample id twice is a no-op.
type PingRecorder interface {
	Record(ctx context.Context, sample Sample) error
}

type AuditReader interface {
	Samples(ctx context.Context, sessionID string) ([]Sample, error)
	LatestSample(ctx context.Context, sessionID string) (Sample, error)
	CountUnattributed(ctx context.Context, appointmentID string) (int, error)
}

type Store interface {
	SessionStore
	PingRecorder
	AuditReader
}
