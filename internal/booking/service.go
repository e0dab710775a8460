package booking

import (
	"context"
	"errors"
	"time"

	"backend-homeservice/internal/db"

	"github.com/jackc/pgx/v5"
)

var ErrAppointmentNotFound = errors.New("appointment not found")

var activeStatuses = []string{StatusConfirmed, StatusInProgress}

type Service struct {
	db  db.Querier
	now func() time.Time
}

func NewService(db db.Querier) *Service {
	return &Service{db: db, now: time.Now}
}

func (s *Service) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, worker_id, client_id, target_lat, target_lng, zone_radius_m, starts_at, ends_at, status
		FROM appointments WHERE id=$1
	`, id)
	var a Appointment
	if err := row.Scan(&a.ID, &a.WorkerID, &a.ClientID, &a.TargetLat, &a.TargetLng, &a.ZoneRadiusMeters, &a.StartsAt, &a.EndsAt, &a.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrAppointmentNotFound
		}
		return Appointment{}, err
	}
	return a, nil
}

// IsActiveToday gates whether sampling should start: the appointment is
// confirmed or in progress and its window overlaps the current local day.
func (s *Service) IsActiveToday(ctx context.Context, id string) (bool, error) {
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	var ok bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE id=$1 AND status = ANY($2) AND starts_at < $3 AND ends_at >= $4
		)
	`, id, activeStatuses, dayEnd, dayStart).Scan(&ok)
	return ok, err
}

// MarkInProgress and MarkCompleted keep the booking status in step with attendance.
func (s *Service) MarkInProgress(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusInProgress)
}

func (s *Service) MarkCompleted(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusCompleted)
}

func (s *Service) setStatus(ctx context.Context, id, status string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE appointments SET status=$2, updated_at=now()
		WHERE id=$1 AND status <> $3
	`, id, status, StatusCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
