package tracking

import (
	"time"

	"backend-homeservice/internal/shared/geo"
)

type State string

const (
	StateNotStarted State = "not_started"
	StateCheckedIn  State = "checked_in"
	StateCheckedOut State = "checked_out"
)

// Location is a position captured at check-in or check-out, with its
// distance to the target rounded to the meter.
type Location struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	DistanceMeters float64 `json:"distance_m"`
	InZone         bool    `json:"in_zone"`
}

type Session struct {
	ID                    string     `json:"id"`
	AppointmentID         string     `json:"appointment_id"`
	WorkerID              string     `json:"worker_id"`
	TargetLat             float64    `json:"target_lat"`
	TargetLng             float64    `json:"target_lng"`
	ZoneRadiusMeters      float64    `json:"zone_radius_m"`
	State                 State      `json:"state"`
	CheckInAt             *time.Time `json:"check_in_at,omitempty"`
	CheckOutAt            *time.Time `json:"check_out_at,omitempty"`
	CheckInLocation       *Location  `json:"check_in_location,omitempty"`
	CheckOutLocation      *Location  `json:"check_out_location,omitempty"`
	TotalOutOfZoneSeconds int64      `json:"total_out_of_zone_seconds"`
	ZoneExitCount         int        `json:"zone_exit_count"`
	ActualDurationSeconds *int64     `json:"actual_duration_seconds,omitempty"`
	AutoCheckedIn         bool       `json:"auto_checked_in"`
	AutoCheckedOut        bool       `json:"auto_checked_out"`
	OutOfZoneSince        *time.Time `json:"out_of_zone_since,omitempty"`
	LastSampleAt          *time.Time `json:"last_sample_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (s Session) Target() geo.Coordinate {
	return geo.Coordinate{Lat: s.TargetLat, Lng: s.TargetLng}
}

// InZone is the CheckedIn sub-condition: no out-of-zone interval is pending.
func (s Session) InZone() bool {
	return s.OutOfZoneSince == nil
}

// clone copies s so that pointer fields can be changed without touching the original.
func (s Session) clone() Session {
	c := s
	c.CheckInAt = copyTime(s.CheckInAt)
	c.CheckOutAt = copyTime(s.CheckOutAt)
	c.OutOfZoneSince = copyTime(s.OutOfZoneSince)
	c.LastSampleAt = copyTime(s.LastSampleAt)
	if s.CheckInLocation != nil {
		l := *s.CheckInLocation
		c.CheckInLocation = &l
	}
	if s.CheckOutLocation != nil {
		l := *s.CheckOutLocation
		c.CheckOutLocation = &l
	}
	if s.ActualDurationSeconds != nil {
		d := *s.ActualDurationSeconds
		c.ActualDurationSeconds = &d
	}
	return c
}

// Sample is one accepted position reading. SessionID is empty for readings
// taken before check-in, which are kept for audit against the appointment only.
type Sample struct {
	ID             string    `json:"id"`
	AppointmentID  string    `json:"appointment_id"`
	SessionID      string    `json:"session_id,omitempty"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	CapturedAt     time.Time `json:"captured_at"`
	DistanceMeters float64   `json:"distance_m"`
	InZone         bool      `json:"in_zone"`
	RecordedAt     time.Time `json:"recorded_at,omitempty"`
}

// Stats are per-loop diagnostic counters.
type Stats struct {
	Accepted        int `json:"accepted"`
	DiscardedStale  int `json:"discarded_stale"`
	Duplicates      int `json:"duplicates"`
	IgnoredTerminal int `json:"ignored_terminal"`
	WriteFailures   int `json:"write_failures"`
	PositionErrors  int `json:"position_errors"`
}

type TrackingState string

const (
	TrackingIdle      TrackingState = "idle"
	TrackingWaiting   TrackingState = "waiting"
	TrackingActive    TrackingState = "active"
	TrackingError     TrackingState = "error"
	TrackingCompleted TrackingState = "completed"
)

// Status is the live view of a sampling loop, used by dashboards to tell
// "no data yet" (waiting) apart from "tracking error".
type Status struct {
	AppointmentID string        `json:"appointment_id"`
	State         TrackingState `json:"state"`
	SessionID     string        `json:"session_id,omitempty"`
	InZone        *bool         `json:"in_zone,omitempty"`
	LastSampleAt  *time.Time    `json:"last_sample_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	Stats         Stats         `json:"stats"`
}

// Audit is the operator view of one appointment.
type Audit struct {
	Session             *Session `json:"session"`
	Samples             []Sample `json:"samples"`
	UnattributedSamples int      `json:"unattributed_samples"`
	Status              Status   `json:"status"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
