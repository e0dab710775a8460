package tracking

import (
	"context"
	"time"
)

type EventType string

const (
	EventZoneEntered      EventType = "zone_entered"
	EventZoneExited       EventType = "zone_exited"
	EventAutoCheckedIn    EventType = "auto_checked_in"
	EventAutoCheckedOut   EventType = "auto_checked_out"
	EventManualCheckedOut EventType = "manual_checked_out"
	EventTrackingError    EventType = "tracking_error"
)

type Event struct {
	Type           EventType `json:"type"`
	AppointmentID  string    `json:"appointment_id"`
	SessionID      string    `json:"session_id,omitempty"`
	WorkerID       string    `json:"worker_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	DistanceMeters float64   `json:"distance_m,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// Notifier receives attendance events. Implementations must not block the caller;
// delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}
