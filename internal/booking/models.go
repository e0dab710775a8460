package booking

import (
	"time"

	"backend-homeservice/internal/shared/geo"
)

const (
	StatusConfirmed  = "confirmed"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Appointment is the slice of a booking the attendance engine reads.
// Target and radius are nullable in the bookings schema.
type Appointment struct {
	ID               string     `json:"id"`
	WorkerID         string     `json:"worker_id"`
	ClientID         string     `json:"client_id"`
	TargetLat        *float64   `json:"target_lat" validate:"required,gte=-90,lte=90"`
	TargetLng        *float64   `json:"target_lng" validate:"required,gte=-180,lte=180"`
	ZoneRadiusMeters *float64   `json:"zone_radius_m,omitempty" validate:"omitempty,gt=0"`
	StartsAt         time.Time  `json:"starts_at"`
	EndsAt           time.Time  `json:"ends_at"`
	Status           string     `json:"status"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// Target returns the service location, false when either coordinate is missing.
func (a Appointment) Target() (geo.Coordinate, bool) {
	if a.TargetLat == nil || a.TargetLng == nil {
		return geo.Coordinate{}, false
	}
	return geo.Coordinate{Lat: *a.TargetLat, Lng: *a.TargetLng}, true
}

// EndedBy reports whether t is at or past the expected end of the appointment.
func (a Appointment) EndedBy(t time.Time) bool {
	return !a.EndsAt.IsZero() && !t.Before(a.EndsAt)
}
